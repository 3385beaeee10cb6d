package mongo

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/edgeflare/mqttsink/pkg/sink"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type Config struct {
	URI        string `json:"uri"`
	Database   string `json:"database"`
	Collection string `json:"collection"`
	// PingTimeout bounds the connectivity check at Connect. Defaults to
	// 2 seconds.
	PingTimeout time.Duration `json:"pingTimeout,omitempty"`
}

// document is the persisted shape: one document per record, no enforced
// schema on the collection. Payload is stored as BSON binary so
// arbitrary bodies survive the round trip.
type document struct {
	Time    time.Time `bson:"time"`
	Topic   string    `bson:"topic"`
	Payload []byte    `bson:"payload"`
}

// MongoSink persists records as documents into a MongoDB collection. The
// collection need not be pre-created.
type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
	cfg        Config
	name       string
}

func New(name string) *MongoSink {
	return &MongoSink{name: name}
}

func (s *MongoSink) Name() string {
	return s.name
}

func (s *MongoSink) Connect(ctx context.Context, config json.RawMessage) error {
	if config != nil {
		if err := json.Unmarshal(config, &s.cfg); err != nil {
			return fmt.Errorf("config parse: %w", err)
		}
	}

	s.cfg.URI = cmp.Or(s.cfg.URI, os.Getenv("MQTTSINK_MONGODB_URI"), "mongodb://localhost:27017")
	s.cfg.Database = cmp.Or(s.cfg.Database, "mqtt")
	s.cfg.Collection = cmp.Or(s.cfg.Collection, "messages")
	if s.cfg.PingTimeout <= 0 {
		s.cfg.PingTimeout = 2 * time.Second
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.cfg.URI))
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s.client = client
	s.collection = client.Database(s.cfg.Database).Collection(s.cfg.Collection)
	return nil
}

func (s *MongoSink) Write(ctx context.Context, r sink.Record) (string, error) {
	if s.collection == nil {
		return "", sink.ErrNotConnected
	}

	res, err := s.collection.InsertOne(ctx, document{
		Time:    r.Time,
		Topic:   r.Topic,
		Payload: r.Payload,
	})
	if err != nil {
		return "", &sink.WriteError{Sink: s.name, Kind: sink.KindConnectionLost, Err: err}
	}

	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		return oid.Hex(), nil
	}
	return fmt.Sprintf("%v", res.InsertedID), nil
}

func (s *MongoSink) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.client.Disconnect(ctx)
	s.client = nil
	s.collection = nil
	return err
}

// FindByTopic returns persisted documents for an exact topic, newest
// first. Used by integration tests and the round-trip checks.
func (s *MongoSink) FindByTopic(ctx context.Context, topic string, limit int64) ([]sink.Record, error) {
	if s.collection == nil {
		return nil, sink.ErrNotConnected
	}

	opts := options.Find().SetSort(bson.M{"time": -1})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := s.collection.Find(ctx, bson.M{"topic": topic}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []sink.Record
	for cursor.Next(ctx) {
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		records = append(records, sink.Record{Time: doc.Time, Topic: doc.Topic, Payload: doc.Payload})
	}
	return records, cursor.Err()
}

func init() {
	sink.Register(sink.TypeMongoDB, func(name string) sink.Sink {
		return New(name)
	})
}
