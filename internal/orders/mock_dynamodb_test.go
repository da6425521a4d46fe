package orders

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo is an in-memory table keyed by order_id. It understands the small
// expression grammar DynamoStore emits: SET (with if_not_exists), REMOVE, ADD,
// and conditions built from attribute_exists, attribute_not_exists, IN, = and AND.
// NOTE: This is not a general DynamoDB emulator.
type mockDynamo struct {
	mu          sync.Mutex
	items       map[string]map[string]types.AttributeValue
	updateCalls int
	queryCalls  int
	failNext    error
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func (m *mockDynamo) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	pk, err := keyOf(params.Item)
	if err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil {
		ok, err := evalCondition(m.items[pk], *params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.items[pk] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.items[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	pk, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	current := m.items[pk]
	if params.ConditionExpression != nil {
		ok, err := evalCondition(current, *params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	next := copyItem(current)
	if next == nil {
		next = copyItem(params.Key)
	}
	if err := applyUpdate(next, *params.UpdateExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	m.items[pk] = next

	out := &dyn.UpdateItemOutput{}
	if params.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = copyItem(next)
	}
	return out, nil
}

func (m *mockDynamo) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryCalls++
	attr, ph, ok := strings.Cut(*params.KeyConditionExpression, " = ")
	if !ok {
		return nil, fmt.Errorf("unsupported key condition %q", *params.KeyConditionExpression)
	}
	want := params.ExpressionAttributeValues[strings.TrimSpace(ph)]
	out := &dyn.QueryOutput{}
	for _, item := range m.items {
		if equalAV(item[strings.TrimSpace(attr)], want) {
			out.Items = append(out.Items, copyItem(item))
		}
	}
	return out, nil
}

func (m *mockDynamo) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &dyn.ScanOutput{}
	for _, item := range m.items {
		out.Items = append(out.Items, copyItem(item))
	}
	return out, nil
}

func keyOf(item map[string]types.AttributeValue) (string, error) {
	v, ok := item["order_id"].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("no order_id key attribute")
	}
	return v.Value, nil
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	c := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		c[k] = v
	}
	return c
}

func resolveName(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		return names[name]
	}
	return name
}

func evalCondition(item map[string]types.AttributeValue, expr string, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "attribute_exists("):
			attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_exists("), ")"), names)
			if _, ok := item[attr]; !ok {
				return false, nil
			}
		case strings.HasPrefix(clause, "attribute_not_exists("):
			attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")"), names)
			if _, ok := item[attr]; ok {
				return false, nil
			}
		case strings.Contains(clause, " IN ("):
			attr, list, _ := strings.Cut(clause, " IN (")
			got := item[resolveName(strings.TrimSpace(attr), names)]
			matched := false
			for _, ph := range strings.Split(strings.TrimSuffix(list, ")"), ",") {
				if equalAV(got, values[strings.TrimSpace(ph)]) {
					matched = true
				}
			}
			if !matched {
				return false, nil
			}
		case strings.Contains(clause, " = "):
			attr, ph, _ := strings.Cut(clause, " = ")
			if !equalAV(item[resolveName(strings.TrimSpace(attr), names)], values[strings.TrimSpace(ph)]) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported condition %q", clause)
		}
	}
	return true, nil
}

var updateKeyword = regexp.MustCompile(`\b(SET|REMOVE|ADD)\b`)

func applyUpdate(item map[string]types.AttributeValue, expr string, names map[string]string, values map[string]types.AttributeValue) error {
	locs := updateKeyword.FindAllStringIndex(expr, -1)
	for i, loc := range locs {
		end := len(expr)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := strings.TrimSpace(expr[loc[1]:end])
		switch expr[loc[0]:loc[1]] {
		case "SET":
			for _, assign := range splitTopLevel(body) {
				lhs, rhs, ok := strings.Cut(assign, " = ")
				if !ok {
					return fmt.Errorf("bad assignment %q", assign)
				}
				attr := resolveName(strings.TrimSpace(lhs), names)
				rhs = strings.TrimSpace(rhs)
				if strings.HasPrefix(rhs, "if_not_exists(") {
					args := strings.Split(strings.TrimSuffix(strings.TrimPrefix(rhs, "if_not_exists("), ")"), ",")
					if _, exists := item[resolveName(strings.TrimSpace(args[0]), names)]; exists {
						continue
					}
					rhs = strings.TrimSpace(args[1])
				}
				item[attr] = values[rhs]
			}
		case "REMOVE":
			for _, attr := range strings.Split(body, ",") {
				delete(item, resolveName(strings.TrimSpace(attr), names))
			}
		case "ADD":
			fields := strings.Fields(body)
			attr := resolveName(fields[0], names)
			delta, _ := strconv.Atoi(values[fields[1]].(*types.AttributeValueMemberN).Value)
			curr := 0
			if n, ok := item[attr].(*types.AttributeValueMemberN); ok {
				curr, _ = strconv.Atoi(n.Value)
			}
			item[attr] = &types.AttributeValueMemberN{Value: strconv.Itoa(curr + delta)}
		}
	}
	return nil
}

// splitTopLevel splits on commas outside parentheses.
func splitTopLevel(s string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(parts, strings.TrimSpace(s[start:]))
}

func equalAV(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	}
	return false
}
