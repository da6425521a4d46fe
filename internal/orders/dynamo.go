package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/aws"
)

// TransactionIndex is the GSI on mpesa_transaction_id used by callback lookups.
const TransactionIndex = "mpesa_transaction_id-index"

// DynamoStore encapsulates operations on the orders table.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
	indexName string
	nowFunc   func() time.Time
}

// NewDynamoStore creates a new orders store backed by DynamoDB.
func NewDynamoStore(client aws.DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		indexName: TransactionIndex,
		nowFunc:   time.Now,
	}
}

// Create puts a new order. It never overwrites an existing order_id.
func (s *DynamoStore) Create(ctx context.Context, o *Order) error {
	now := s.nowFunc()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Version == 0 {
		o.Version = 1
	}

	item, err := attributevalue.MarshalMap(o)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(order_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Get fetches an order by order_id.
func (s *DynamoStore) Get(ctx context.Context, id string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       orderKey(id),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return unmarshalOrder(out.Item)
}

// List scans the table and returns orders newest first. The dashboard reads
// this; the table is small enough that a paginated scan is acceptable.
func (s *DynamoStore) List(ctx context.Context) ([]Order, error) {
	var (
		result   []Order
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:         &s.tableName,
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var page []Order
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		result = append(result, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	sortNewestFirst(result)
	return result, nil
}

// FindByTransactionID queries the transaction GSI for each id in turn.
func (s *DynamoStore) FindByTransactionID(ctx context.Context, ids ...string) (*Order, error) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		out, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:              &s.tableName,
			IndexName:              &s.indexName,
			KeyConditionExpression: awsString("mpesa_transaction_id = :tx"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":tx": &types.AttributeValueMemberS{Value: id},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("query transaction index: %w", err)
		}
		if len(out.Items) > 0 {
			return unmarshalOrder(out.Items[0])
		}
	}
	return nil, ErrNotFound
}

// SetTransactionID stores the provider's checkout request id on the order.
// The GSI cannot enforce uniqueness, so the id is looked up first; a
// concurrent write of the same id by two orders is not caught.
func (s *DynamoStore) SetTransactionID(ctx context.Context, id, checkoutRequestID string) error {
	holder, err := s.FindByTransactionID(ctx, checkoutRequestID)
	switch {
	case err == nil && holder.ID != id:
		return ErrDuplicate
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}

	u := s.newUpdate()
	u.set("mpesa_transaction_id", ":tx", &types.AttributeValueMemberS{Value: checkoutRequestID})
	u.condition = "attribute_exists(order_id)"

	_, err = s.client.UpdateItem(ctx, u.input(s.tableName, id, types.ReturnValueNone))
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("update item (transaction id): %w", err)
	}
	return nil
}

// TransitionPayment conditionally moves payment_status from one of from to u.Status.
func (s *DynamoStore) TransitionPayment(ctx context.Context, id string, from []PaymentStatus, u PaymentUpdate) (*Order, error) {
	upd := s.newUpdate()
	upd.set("payment_status", ":new", &types.AttributeValueMemberS{Value: string(u.Status)})
	if u.MpesaReceipt != "" {
		upd.set("mpesa_receipt", ":receipt", &types.AttributeValueMemberS{Value: u.MpesaReceipt})
	}
	if u.OrderStatus != "" {
		upd.set("order_status", ":os", &types.AttributeValueMemberS{Value: string(u.OrderStatus)})
	}

	placeholders := make([]string, 0, len(from))
	for i, st := range from {
		ph := fmt.Sprintf(":from%d", i)
		placeholders = append(placeholders, ph)
		upd.values[ph] = &types.AttributeValueMemberS{Value: string(st)}
	}
	upd.condition = fmt.Sprintf("payment_status IN (%s)", strings.Join(placeholders, ", "))

	out, err := s.client.UpdateItem(ctx, upd.input(s.tableName, id, types.ReturnValueAllNew))
	if err != nil {
		if isConditionFailed(err) {
			return nil, ErrStatusMismatch
		}
		return nil, fmt.Errorf("update item (payment status): %w", err)
	}
	return unmarshalOrder(out.Attributes)
}

// StampInvoiceSent records when the invoice email was sent.
func (s *DynamoStore) StampInvoiceSent(ctx context.Context, id string, at time.Time) error {
	upd := s.newUpdate()
	if err := upd.setTime("invoice_sent_at", ":at", at); err != nil {
		return err
	}
	upd.condition = "attribute_exists(order_id)"

	_, err := s.client.UpdateItem(ctx, upd.input(s.tableName, id, types.ReturnValueNone))
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("update item (invoice sent): %w", err)
	}
	return nil
}

// IssueReceipt stamps receipt_sent_at once; receipt_number keeps any earlier value.
func (s *DynamoStore) IssueReceipt(ctx context.Context, id, receiptNumber string, at time.Time) (*Order, error) {
	upd := s.newUpdate()
	upd.sets = append(upd.sets, "receipt_number = if_not_exists(receipt_number, :rn)")
	upd.values[":rn"] = &types.AttributeValueMemberS{Value: receiptNumber}
	if err := upd.setTime("receipt_sent_at", ":at", at); err != nil {
		return nil, err
	}
	upd.condition = "attribute_exists(order_id) AND attribute_not_exists(receipt_sent_at)"

	out, err := s.client.UpdateItem(ctx, upd.input(s.tableName, id, types.ReturnValueAllNew))
	if err != nil {
		if isConditionFailed(err) {
			return nil, ErrStatusMismatch
		}
		return nil, fmt.Errorf("update item (issue receipt): %w", err)
	}
	return unmarshalOrder(out.Attributes)
}

// ClearReceiptSent removes receipt_sent_at so the confirmation can be retried.
func (s *DynamoStore) ClearReceiptSent(ctx context.Context, id string) error {
	upd := s.newUpdate()
	upd.removes = append(upd.removes, "receipt_sent_at")
	upd.condition = "attribute_exists(order_id)"

	_, err := s.client.UpdateItem(ctx, upd.input(s.tableName, id, types.ReturnValueNone))
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("update item (clear receipt): %w", err)
	}
	return nil
}

// AdminUpdate applies a manual override.
func (s *DynamoStore) AdminUpdate(ctx context.Context, id string, u AdminUpdate) (*Order, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	upd := s.newUpdate()
	if u.PaymentStatus != nil {
		upd.set("payment_status", ":ps", &types.AttributeValueMemberS{Value: string(*u.PaymentStatus)})
	}
	if u.OrderStatus != nil {
		upd.set("order_status", ":os", &types.AttributeValueMemberS{Value: string(*u.OrderStatus)})
	}
	if u.ShippingAddress != nil {
		upd.set("shipping_address", ":addr", &types.AttributeValueMemberS{Value: *u.ShippingAddress})
	}
	if u.City != nil {
		upd.set("city", ":city", &types.AttributeValueMemberS{Value: *u.City})
	}
	if u.PostalCode != nil {
		upd.set("postal_code", ":pc", &types.AttributeValueMemberS{Value: *u.PostalCode})
	}
	upd.condition = "attribute_exists(order_id)"
	if u.ExpectedVersion != nil {
		upd.condition += " AND #v = :expected"
		upd.values[":expected"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", *u.ExpectedVersion)}
	}

	out, err := s.client.UpdateItem(ctx, upd.input(s.tableName, id, types.ReturnValueAllNew))
	if err != nil {
		if !isConditionFailed(err) {
			return nil, fmt.Errorf("update item (admin): %w", err)
		}
		if u.ExpectedVersion == nil {
			return nil, ErrNotFound
		}
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrVersionConflict
	}
	return unmarshalOrder(out.Attributes)
}

// updateBuilder assembles an UpdateItem call. Every update bumps the version
// counter and updated_at.
type updateBuilder struct {
	sets      []string
	removes   []string
	values    map[string]types.AttributeValue
	condition string
}

func (s *DynamoStore) newUpdate() *updateBuilder {
	u := &updateBuilder{
		values: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
	}
	// updated_at marshals the same way attributevalue marshals Order.UpdatedAt
	_ = u.setTime("updated_at", ":ua", s.nowFunc())
	return u
}

func (u *updateBuilder) set(attr, placeholder string, v types.AttributeValue) {
	u.sets = append(u.sets, attr+" = "+placeholder)
	u.values[placeholder] = v
}

func (u *updateBuilder) setTime(attr, placeholder string, t time.Time) error {
	av, err := attributevalue.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", attr, err)
	}
	u.set(attr, placeholder, av)
	return nil
}

func (u *updateBuilder) input(table, id string, rv types.ReturnValue) *dyn.UpdateItemInput {
	expr := "SET " + strings.Join(u.sets, ", ")
	if len(u.removes) > 0 {
		expr += " REMOVE " + strings.Join(u.removes, ", ")
	}
	expr += " ADD #v :one"

	in := &dyn.UpdateItemInput{
		TableName:                 &table,
		Key:                       orderKey(id),
		UpdateExpression:          &expr,
		ExpressionAttributeNames:  map[string]string{"#v": "version"},
		ExpressionAttributeValues: u.values,
		ReturnValues:              rv,
	}
	if u.condition != "" {
		in.ConditionExpression = awsString(u.condition)
	}
	return in
}

func orderKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: id},
	}
}

func unmarshalOrder(item map[string]types.AttributeValue) (*Order, error) {
	var o Order
	if err := attributevalue.UnmarshalMap(item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func sortNewestFirst(list []Order) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

func awsString(s string) *string { return &s }
