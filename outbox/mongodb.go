package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store for MongoDB.
//
// Atomicity with the caller's domain writes relies on MongoDB sessions:
// pass the session context returned by mongo.WithSession (or the callback
// context of Session.WithTransaction) to WriteEvent so the outbox insert
// joins the caller's transaction. Outside a session the insert is still
// valid, just not atomic with other writes.
//
// Unlike PostgreSQL there is no SKIP LOCKED equivalent; multiple relay
// processes over the same collection rely on MarkPublished's conditional
// update (status must still be pending) to keep double publishes to
// at-least-once semantics.
type MongoStore struct {
	coll *mongo.Collection
}

type mongoRecord struct {
	ID            string     `bson:"_id"`
	AggregateType string     `bson:"aggregateType"`
	AggregateID   string     `bson:"aggregateId"`
	EventType     string     `bson:"eventType"`
	Payload       []byte     `bson:"payload"`
	Status        Status     `bson:"status"`
	RetryCount    int        `bson:"retryCount"`
	MaxRetries    int        `bson:"maxRetries"`
	ErrorMessage  string     `bson:"errorMessage,omitempty"`
	LastErrorAt   *time.Time `bson:"lastErrorAt,omitempty"`
	CreatedAt     time.Time  `bson:"createdAt"`
	PublishedAt   *time.Time `bson:"publishedAt,omitempty"`
}

func (m *mongoRecord) toRecord() *Record {
	return &Record{
		ID:            m.ID,
		AggregateType: m.AggregateType,
		AggregateID:   m.AggregateID,
		EventType:     m.EventType,
		Payload:       m.Payload,
		Status:        m.Status,
		RetryCount:    m.RetryCount,
		MaxRetries:    m.MaxRetries,
		ErrorMessage:  m.ErrorMessage,
		LastErrorAt:   m.LastErrorAt,
		CreatedAt:     m.CreatedAt,
		PublishedAt:   m.PublishedAt,
	}
}

// NewMongoStore creates a MongoDB outbox store over a collection,
// typically database.Collection("event_outbox").
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

// EnsureIndexes creates the indexes the relay queries depend on. Call once
// at startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "publishedAt", Value: 1}}},
	})
	return err
}

// WriteEvent inserts an outbox record. Pass a session context to make the
// insert atomic with the caller's domain writes.
func (s *MongoStore) WriteEvent(ctx context.Context, aggregateType, aggregateID, eventType string, payload any, opts ...WriteOption) (*Record, error) {
	o := ApplyWriteOptions(opts...)

	encoded, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	doc := &mongoRecord{
		ID:            uuid.New().String(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       encoded,
		Status:        StatusPending,
		MaxRetries:    o.MaxRetries,
		CreatedAt:     time.Now().UTC(),
	}

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	return doc.toRecord(), nil
}

// GetPending returns up to limit pending records, oldest first.
func (s *MongoStore) GetPending(ctx context.Context, limit int) ([]*Record, error) {
	return s.list(ctx, bson.M{"status": StatusPending}, "createdAt", limit)
}

// MarkPublished transitions a pending record to published.
func (s *MongoStore) MarkPublished(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": StatusPending},
		bson.M{"$set": bson.M{"status": StatusPublished, "publishedAt": now}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkFailed increments retryCount, stores the error, and flips the record
// to failed once retryCount reaches maxRetries. The status decision uses an
// aggregation-pipeline update so it is atomic per document.
func (s *MongoStore) MarkFailed(ctx context.Context, id string, cause error) error {
	now := time.Now().UTC()
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"retryCount":   bson.M{"$add": bson.A{"$retryCount", 1}},
			"errorMessage": cause.Error(),
			"lastErrorAt":  now,
			"status": bson.M{"$cond": bson.A{
				bson.M{"$gte": bson.A{
					bson.M{"$add": bson.A{"$retryCount", 1}},
					"$maxRetries",
				}},
				StatusFailed,
				StatusPending,
			}},
		}}},
	}

	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, pipeline)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ListRetryable returns failed records with remaining retry budget, oldest
// failure first.
func (s *MongoStore) ListRetryable(ctx context.Context, limit int) ([]*Record, error) {
	filter := bson.M{
		"status": StatusFailed,
		"$expr":  bson.M{"$lt": bson.A{"$retryCount", "$maxRetries"}},
	}
	return s.list(ctx, filter, "lastErrorAt", limit)
}

// Readmit transitions a failed record back to pending.
func (s *MongoStore) Readmit(ctx context.Context, id string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": StatusFailed},
		bson.M{"$set": bson.M{"status": StatusPending}},
	)
	return err
}

// DeletePublished removes published records older than the retention.
func (s *MongoStore) DeletePublished(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{
		"status":      StatusPublished,
		"publishedAt": bson.M{"$lt": time.Now().Add(-olderThan)},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// CountPending returns the pending backlog size.
func (s *MongoStore) CountPending(ctx context.Context) (int64, error) {
	return s.coll.CountDocuments(ctx, bson.M{"status": StatusPending})
}

func (s *MongoStore) list(ctx context.Context, filter bson.M, sortField string, limit int) ([]*Record, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: sortField, Value: 1}}).
		SetLimit(int64(limit))

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var records []*Record
	for cur.Next(ctx) {
		var doc mongoRecord
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		records = append(records, doc.toRecord())
	}
	if err := cur.Err(); err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}
	return records, nil
}

var _ Store = (*MongoStore)(nil)
