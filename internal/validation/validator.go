package validation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Error carries field-level messages for a rejected request.
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// FieldError builds a single-field Error.
func FieldError(field, msg string) *Error {
	return &Error{Fields: map[string]string{field: msg}}
}

// New returns a configured validator. With verifyTotals the order total must
// equal the sum of price * quantity over the line items, to the cent.
func New(verifyTotals bool) *validatorv10.Validate {
	v := validatorv10.New()
	if verifyTotals {
		v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})
	}
	return v
}

// Check runs v against s and converts failures into *Error.
func Check(v *validatorv10.Validate, s interface{}) error {
	if err := v.Struct(s); err != nil {
		return &Error{Fields: validationErrorsToMap(err)}
	}
	return nil
}

// ItemsTotal sums price * quantity in decimal arithmetic.
func ItemsTotal(items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(decimal.NewFromFloat(it.Price).Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return sum
}

// TotalsMatch reports whether totalAmount equals the line-item sum to the cent.
func TotalsMatch(req CreateOrderRequest) bool {
	return ItemsTotal(req.Items).Round(2).Equal(decimal.NewFromFloat(req.TotalAmount).Round(2))
}

func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)
	if !TotalsMatch(req) {
		sl.ReportError(req.TotalAmount, "totalAmount", "TotalAmount", "total_matches_items",
			fmt.Sprintf("items sum %s != total %.2f", ItemsTotal(req.Items).StringFixed(2), req.TotalAmount))
	}
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		out["error"] = err.Error()
		return out
	}
	for _, fe := range ve {
		out[fieldPath(fe)] = message(fe)
	}
	return out
}

// fieldPath drops the struct name: CreateOrderRequest.Items[0].Name -> items[0].name
func fieldPath(fe validatorv10.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	segs := strings.Split(ns, ".")
	for i, s := range segs {
		if s != "" {
			segs[i] = strings.ToLower(s[:1]) + s[1:]
		}
	}
	return strings.Join(segs, ".")
}

func message(fe validatorv10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be " + fe.Param() + " or more"
	case "total_matches_items":
		return "does not match the sum of the line items"
	}
	return fe.Error()
}
