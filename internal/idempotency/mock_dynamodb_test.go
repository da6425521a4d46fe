package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// simpleMock is a small in-memory table for PutItem/GetItem/UpdateItem.
// UpdateItem understands "SET a = :v, #b = :w" and "#s = :x" conditions only.
type simpleMock struct {
	mu          sync.Mutex
	table       map[string]map[string]types.AttributeValue
	putCalls    int
	getCalls    int
	updateCalls int
	putErr      error
	// beforeUpdate runs under the lock ahead of each UpdateItem, letting a
	// test change the row between a read and a conditional write.
	beforeUpdate func(table map[string]map[string]types.AttributeValue)
}

func newSimpleMock() *simpleMock {
	return &simpleMock{
		table: map[string]map[string]types.AttributeValue{},
	}
}

func (m *simpleMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.putErr != nil {
		return nil, m.putErr
	}
	keyAttr, ok := params.Item["idempotency_key"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("missing key")
	}
	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(idempotency_key)" {
		if _, exists := m.table[keyAttr.Value]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.table[keyAttr.Value] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *simpleMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	keyAttr, ok := params.Key["idempotency_key"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("missing key")
	}
	item, found := m.table[keyAttr.Value]
	if !found {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *simpleMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if m.beforeUpdate != nil {
		m.beforeUpdate(m.table)
	}
	keyAttr, ok := params.Key["idempotency_key"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("missing key")
	}
	item, found := m.table[keyAttr.Value]
	if !found {
		item = map[string]types.AttributeValue{"idempotency_key": keyAttr}
	}

	if params.ConditionExpression != nil {
		lhs, rhs, _ := strings.Cut(*params.ConditionExpression, " = ")
		attr := resolve(strings.TrimSpace(lhs), params.ExpressionAttributeNames)
		got, _ := item[attr].(*types.AttributeValueMemberS)
		want := params.ExpressionAttributeValues[strings.TrimSpace(rhs)].(*types.AttributeValueMemberS)
		if got == nil || got.Value != want.Value {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}

	assignments := strings.TrimPrefix(*params.UpdateExpression, "SET ")
	for _, assign := range strings.Split(assignments, ",") {
		lhs, rhs, _ := strings.Cut(assign, " = ")
		item[resolve(strings.TrimSpace(lhs), params.ExpressionAttributeNames)] = params.ExpressionAttributeValues[strings.TrimSpace(rhs)]
	}
	m.table[keyAttr.Value] = item
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

func resolve(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		return names[name]
	}
	return name
}

// Query and Scan satisfy the widened aws.DynamoDBAPI; the idempotency store
// does not use them.
func (m *simpleMock) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	return nil, errors.New("simpleMock: Query not supported")
}

func (m *simpleMock) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	return nil, errors.New("simpleMock: Scan not supported")
}
