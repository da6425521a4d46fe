package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrUnrecognizedShape is returned for a callback body that matches none of
// the known layouts. Nothing is defaulted in that case.
var ErrUnrecognizedShape = errors.New("unrecognized callback shape")

// Shape identifies which integration style produced a callback.
type Shape int

const (
	ShapeUnknown Shape = iota
	// ShapeStandard is Daraja's {"Body":{"stkCallback":{...}}}.
	ShapeStandard
	// ShapeFlat carries ResultCode and CheckoutRequestID at the top level.
	ShapeFlat
	// ShapePartner uses lower camel case (resultCode, checkoutRequestId, ...).
	ShapePartner
)

func (s Shape) String() string {
	switch s {
	case ShapeStandard:
		return "standard"
	case ShapeFlat:
		return "flat"
	case ShapePartner:
		return "partner"
	}
	return "unknown"
}

// Metadata is the settlement detail attached to a successful callback.
type Metadata struct {
	Amount             float64
	MpesaReceiptNumber string
	TransactionDate    string
	PhoneNumber        string
}

// Callback is the canonical form of a provider callback. An empty ResultCode
// means the provider sent none (absent or null).
type Callback struct {
	ResultCode        string
	ResultDesc        string
	CheckoutRequestID string
	MerchantRequestID string
	Metadata          Metadata
}

// Succeeded reports whether the result code denotes a completed payment:
// 0, "0", null or absent.
func (c Callback) Succeeded() bool {
	return c.ResultCode == "" || c.ResultCode == "0"
}

var partnerKeys = []string{
	"resultCode", "result_code", "statusCode",
	"checkoutRequestId", "CheckoutRequestId", "transactionId",
	"merchantRequestId",
}

// Normalize decodes a callback body into its canonical form.
func Normalize(body []byte) (Callback, Shape, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var root map[string]interface{}
	if err := dec.Decode(&root); err != nil {
		return Callback{}, ShapeUnknown, fmt.Errorf("%w: %v", ErrUnrecognizedShape, err)
	}

	if envelope, ok := root["Body"].(map[string]interface{}); ok {
		if stk, ok := envelope["stkCallback"].(map[string]interface{}); ok {
			return Callback{
				ResultCode:        scalar(stk["ResultCode"]),
				ResultDesc:        scalar(stk["ResultDesc"]),
				CheckoutRequestID: scalar(stk["CheckoutRequestID"]),
				MerchantRequestID: scalar(stk["MerchantRequestID"]),
				Metadata:          metadata(stk["CallbackMetadata"]),
			}, ShapeStandard, nil
		}
	}

	if rc, ok := root["ResultCode"]; ok {
		return Callback{
			ResultCode:        scalar(rc),
			ResultDesc:        scalar(root["ResultDesc"]),
			CheckoutRequestID: first(root, "CheckoutRequestID", "CheckoutRequestId"),
			MerchantRequestID: first(root, "MerchantRequestID", "MerchantRequestId"),
			Metadata:          metadata(root["CallbackMetadata"]),
		}, ShapeFlat, nil
	}

	for _, k := range partnerKeys {
		if _, ok := root[k]; ok {
			md := root["callbackMetadata"]
			if md == nil {
				md = root["metadata"]
			}
			return Callback{
				ResultCode:        first(root, "resultCode", "result_code", "statusCode"),
				ResultDesc:        first(root, "resultDesc", "result_desc", "statusMessage"),
				CheckoutRequestID: first(root, "checkoutRequestId", "CheckoutRequestId", "transactionId"),
				MerchantRequestID: first(root, "merchantRequestId", "MerchantRequestId"),
				Metadata:          metadata(md),
			}, ShapePartner, nil
		}
	}

	return Callback{}, ShapeUnknown, ErrUnrecognizedShape
}

// metadata accepts {"Item":[...]}, a bare [...] of {Name, Value}, or a flat object.
func metadata(v interface{}) Metadata {
	switch md := v.(type) {
	case []interface{}:
		return fromItems(md)
	case map[string]interface{}:
		if items, ok := md["Item"].([]interface{}); ok {
			return fromItems(items)
		}
		return Metadata{
			Amount:             number(firstValue(md, "Amount", "amount")),
			MpesaReceiptNumber: first(md, "MpesaReceiptNumber", "mpesaReceiptNumber"),
			TransactionDate:    first(md, "TransactionDate", "transactionDate"),
			PhoneNumber:        first(md, "PhoneNumber", "phoneNumber"),
		}
	}
	return Metadata{}
}

func fromItems(items []interface{}) Metadata {
	var md Metadata
	for _, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := item["Name"].(string)
		switch name {
		case "Amount":
			md.Amount = number(item["Value"])
		case "MpesaReceiptNumber":
			md.MpesaReceiptNumber = scalar(item["Value"])
		case "TransactionDate":
			md.TransactionDate = scalar(item["Value"])
		case "PhoneNumber":
			md.PhoneNumber = scalar(item["Value"])
		}
	}
	return md
}

func firstValue(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil && scalar(v) != "" {
			return v
		}
	}
	return nil
}

func first(m map[string]interface{}, keys ...string) string {
	return scalar(firstValue(m, keys...))
}

// scalar renders a decoded JSON scalar as a string; nil becomes "".
func scalar(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}

func number(v interface{}) float64 {
	f, _ := strconv.ParseFloat(scalar(v), 64)
	return f
}
