package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CollectionName is the MongoDB collection holding orders.
const CollectionName = "orders"

// MongoStore implements Repository on a MongoDB collection. Updates use
// $set/$inc field operators so concurrent writers never clobber each other.
type MongoStore struct {
	coll    *mongo.Collection
	nowFunc func() time.Time
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		coll:    db.Collection(CollectionName),
		nowFunc: time.Now,
	}
}

// EnsureIndexes creates the uniqueness and lookup indexes the store relies on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	sparseUnique := options.Index().SetUnique(true).SetSparse(true)
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "order_number", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "mpesa_transaction_id", Value: 1}}, Options: sparseUnique},
		{Keys: bson.D{{Key: "invoice_number", Value: 1}}, Options: sparseUnique},
		{Keys: bson.D{{Key: "receipt_number", Value: 1}}, Options: sparseUnique},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create order indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, o *Order) error {
	now := s.nowFunc()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Version == 0 {
		o.Version = 1
	}
	if _, err := s.coll.InsertOne(ctx, o); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Order, error) {
	var o Order
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&o)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find order: %w", err)
	}
	return &o, nil
}

func (s *MongoStore) List(ctx context.Context) ([]Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find orders: %w", err)
	}
	defer cursor.Close(ctx)

	list := []Order{}
	if err := cursor.All(ctx, &list); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	return list, nil
}

func (s *MongoStore) FindByTransactionID(ctx context.Context, ids ...string) (*Order, error) {
	or := bson.A{}
	for _, id := range ids {
		if id != "" {
			or = append(or, bson.M{"mpesa_transaction_id": id})
		}
	}
	if len(or) == 0 {
		return nil, ErrNotFound
	}

	var o Order
	err := s.coll.FindOne(ctx, bson.M{"$or": or}).Decode(&o)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find order by transaction: %w", err)
	}
	return &o, nil
}

func (s *MongoStore) SetTransactionID(ctx context.Context, id, checkoutRequestID string) error {
	_, err := s.update(ctx, bson.M{"_id": id}, s.changes(bson.M{"mpesa_transaction_id": checkoutRequestID}))
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return ErrDuplicate
	}
	return err
}

func (s *MongoStore) TransitionPayment(ctx context.Context, id string, from []PaymentStatus, u PaymentUpdate) (*Order, error) {
	set := bson.M{"payment_status": u.Status}
	if u.MpesaReceipt != "" {
		set["mpesa_receipt"] = u.MpesaReceipt
	}
	if u.OrderStatus != "" {
		set["order_status"] = u.OrderStatus
	}
	filter := bson.M{"_id": id, "payment_status": bson.M{"$in": from}}

	o, err := s.update(ctx, filter, s.changes(set))
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.missOrMismatch(ctx, id)
	}
	return o, err
}

func (s *MongoStore) StampInvoiceSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.update(ctx, bson.M{"_id": id}, s.changes(bson.M{"invoice_sent_at": at}))
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func (s *MongoStore) IssueReceipt(ctx context.Context, id, receiptNumber string, at time.Time) (*Order, error) {
	filter := bson.M{"_id": id, "receipt_sent_at": bson.M{"$exists": false}}
	// pipeline update so an earlier receipt_number survives
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"receipt_number":  bson.M{"$ifNull": bson.A{"$receipt_number", receiptNumber}},
			"receipt_sent_at": at,
			"updated_at":      s.nowFunc(),
			"version":         bson.M{"$add": bson.A{"$version", 1}},
		}}},
	}

	o, err := s.update(ctx, filter, pipeline)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.missOrMismatch(ctx, id)
	}
	return o, err
}

func (s *MongoStore) ClearReceiptSent(ctx context.Context, id string) error {
	update := s.changes(bson.M{})
	update["$unset"] = bson.M{"receipt_sent_at": ""}
	_, err := s.update(ctx, bson.M{"_id": id}, update)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func (s *MongoStore) AdminUpdate(ctx context.Context, id string, u AdminUpdate) (*Order, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	set := bson.M{}
	if u.PaymentStatus != nil {
		set["payment_status"] = *u.PaymentStatus
	}
	if u.OrderStatus != nil {
		set["order_status"] = *u.OrderStatus
	}
	if u.ShippingAddress != nil {
		set["shipping_address"] = *u.ShippingAddress
	}
	if u.City != nil {
		set["city"] = *u.City
	}
	if u.PostalCode != nil {
		set["postal_code"] = *u.PostalCode
	}
	filter := bson.M{"_id": id}
	if u.ExpectedVersion != nil {
		filter["version"] = *u.ExpectedVersion
	}

	o, err := s.update(ctx, filter, s.changes(set))
	if errors.Is(err, mongo.ErrNoDocuments) {
		if u.ExpectedVersion == nil {
			return nil, ErrNotFound
		}
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrVersionConflict
	}
	return o, err
}

// changes wraps set with the bookkeeping every write carries.
func (s *MongoStore) changes(set bson.M) bson.M {
	set["updated_at"] = s.nowFunc()
	return bson.M{
		"$set": set,
		"$inc": bson.M{"version": 1},
	}
}

// update runs FindOneAndUpdate and returns the post-image. A filter miss
// surfaces as mongo.ErrNoDocuments for the caller to classify.
func (s *MongoStore) update(ctx context.Context, filter bson.M, update interface{}) (*Order, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var o Order
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&o)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("update order: %w", err)
	}
	return &o, nil
}

func (s *MongoStore) missOrMismatch(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrStatusMismatch
}
