package orders

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps orders in process memory. It backs STORE_BACKEND=memory
// for local runs and is the store the service tests exercise.
type MemoryStore struct {
	mu      sync.Mutex
	orders  map[string]*Order
	nowFunc func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:  make(map[string]*Order),
		nowFunc: time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range s.orders {
		if existing.OrderNumber == o.OrderNumber {
			return ErrDuplicate
		}
	}
	now := s.nowFunc()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Version == 0 {
		o.Version = 1
	}
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) List(_ context.Context) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		list = append(list, *cloneOrder(o))
	}
	sortNewestFirst(list)
	return list, nil
}

func (s *MemoryStore) FindByTransactionID(_ context.Context, ids ...string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if id == "" {
			continue
		}
		for _, o := range s.orders {
			if o.MpesaTransactionID == id {
				return cloneOrder(o), nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SetTransactionID(_ context.Context, id, checkoutRequestID string) error {
	return s.mutate(id, func(o *Order) error {
		for _, other := range s.orders {
			if checkoutRequestID != "" && other.ID != id && other.MpesaTransactionID == checkoutRequestID {
				return ErrDuplicate
			}
		}
		o.MpesaTransactionID = checkoutRequestID
		return nil
	})
}

func (s *MemoryStore) TransitionPayment(_ context.Context, id string, from []PaymentStatus, u PaymentUpdate) (*Order, error) {
	var out *Order
	err := s.mutate(id, func(o *Order) error {
		if !o.PaymentStatus.In(from...) {
			return ErrStatusMismatch
		}
		o.PaymentStatus = u.Status
		if u.MpesaReceipt != "" {
			o.MpesaReceipt = u.MpesaReceipt
		}
		if u.OrderStatus != "" {
			o.OrderStatus = u.OrderStatus
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cloneOrder(out), nil
}

func (s *MemoryStore) StampInvoiceSent(_ context.Context, id string, at time.Time) error {
	return s.mutate(id, func(o *Order) error {
		o.InvoiceSentAt = &at
		return nil
	})
}

func (s *MemoryStore) IssueReceipt(_ context.Context, id, receiptNumber string, at time.Time) (*Order, error) {
	var out *Order
	err := s.mutate(id, func(o *Order) error {
		if o.ReceiptSentAt != nil {
			return ErrStatusMismatch
		}
		if o.ReceiptNumber == "" {
			o.ReceiptNumber = receiptNumber
		}
		o.ReceiptSentAt = &at
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cloneOrder(out), nil
}

func (s *MemoryStore) ClearReceiptSent(_ context.Context, id string) error {
	return s.mutate(id, func(o *Order) error {
		o.ReceiptSentAt = nil
		return nil
	})
}

func (s *MemoryStore) AdminUpdate(_ context.Context, id string, u AdminUpdate) (*Order, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	var out *Order
	err := s.mutate(id, func(o *Order) error {
		if u.ExpectedVersion != nil && *u.ExpectedVersion != o.Version {
			return ErrVersionConflict
		}
		if u.PaymentStatus != nil {
			o.PaymentStatus = *u.PaymentStatus
		}
		if u.OrderStatus != nil {
			o.OrderStatus = *u.OrderStatus
		}
		if u.ShippingAddress != nil {
			o.ShippingAddress = *u.ShippingAddress
		}
		if u.City != nil {
			o.City = *u.City
		}
		if u.PostalCode != nil {
			o.PostalCode = *u.PostalCode
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cloneOrder(out), nil
}

// mutate applies fn under the lock and bumps version and updated_at on success.
func (s *MemoryStore) mutate(id string, fn func(o *Order) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return ErrNotFound
	}
	next := cloneOrder(o)
	if err := fn(next); err != nil {
		return err
	}
	next.Version++
	next.UpdatedAt = s.nowFunc()
	s.orders[id] = next
	return nil
}

func cloneOrder(o *Order) *Order {
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	if o.InvoiceSentAt != nil {
		t := *o.InvoiceSentAt
		c.InvoiceSentAt = &t
	}
	if o.ReceiptSentAt != nil {
		t := *o.ReceiptSentAt
		c.ReceiptSentAt = &t
	}
	return &c
}
