package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/toga4/changewatch"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoWriter implements Processor that records every change as a document in a separate collection.
//
// The derived document is keyed by the event position, so processing the same event twice
// replaces the document instead of adding another one.
// Events observed on the target collection itself are rejected with ErrFeedbackLoop:
// writing them would produce new events without end.
type MongoWriter struct {
	collection *mongo.Collection
	nowFunc    func() time.Time
}

// NewMongoWriter creates a MongoWriter writing into collection.
func NewMongoWriter(collection *mongo.Collection) *MongoWriter {
	return &MongoWriter{
		collection: collection,
		nowFunc:    time.Now,
	}
}

// Assert that MongoWriter implements Processor.
var _ changewatch.Processor = (*MongoWriter)(nil)

// Namespace returns the target namespace.
func (w *MongoWriter) Namespace() changewatch.Namespace {
	return changewatch.Namespace{
		Database:   w.collection.Database().Name(),
		Collection: w.collection.Name(),
	}
}

// derivedRecord is the document written per change.
type derivedRecord struct {
	ID            string         `bson:"_id"`
	OperationType string         `bson:"operationType"`
	Source        string         `bson:"source"`
	DocumentKey   map[string]any `bson:"documentKey"`
	Before        map[string]any `bson:"before,omitempty"`
	After         map[string]any `bson:"after,omitempty"`
	ClusterTime   time.Time      `bson:"clusterTime"`
	RecordedAt    time.Time      `bson:"recordedAt"`
}

func (w *MongoWriter) Process(ctx context.Context, event *changewatch.ChangeEvent) error {
	if event.Namespace == w.Namespace() {
		return fmt.Errorf("%w: %s", changewatch.ErrFeedbackLoop, event.Namespace)
	}

	record := derivedRecord{
		ID:            event.Position.String(),
		OperationType: string(event.OperationType),
		Source:        event.Namespace.String(),
		DocumentKey:   event.DocumentKey,
		Before:        event.FullDocumentBeforeChange,
		After:         event.FullDocument,
		ClusterTime:   event.ClusterTime,
		RecordedAt:    w.nowFunc().UTC(),
	}

	_, err := w.collection.ReplaceOne(ctx, bson.M{"_id": record.ID}, record, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert derived record %s: %w", record.ID, err)
	}
	return nil
}
