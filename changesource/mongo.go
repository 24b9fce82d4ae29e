package changesource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/toga4/changewatch"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB server error codes.
const (
	codeNoMatchingDocument      = 47
	codeChangeStreamFatalError  = 280
	codeChangeStreamHistoryLost = 286
)

// MongoSource implements Source over the change stream of a single MongoDB collection.
//
// Positions are resume tokens encoded as relaxed Extended JSON, e.g. {"_data":"8265..."}.
// Without a start position the stream begins at the current tail of the oplog.
type MongoSource struct {
	collection   *mongo.Collection
	pipeline     mongo.Pipeline
	statePolicy  changewatch.StatePolicy
	batchSize    int32
	maxAwaitTime time.Duration
}

type mongoConfig struct {
	pipeline     mongo.Pipeline
	statePolicy  changewatch.StatePolicy
	batchSize    int32
	maxAwaitTime time.Duration
}

// MongoOption configures a MongoSource.
type MongoOption interface {
	Apply(*mongoConfig)
}

type withPipeline mongo.Pipeline

func (o withPipeline) Apply(c *mongoConfig) {
	c.pipeline = mongo.Pipeline(o)
}

// WithPipeline sets aggregation stages applied to the change stream, e.g. a $match filter.
func WithPipeline(pipeline mongo.Pipeline) MongoOption {
	return withPipeline(pipeline)
}

type withStatePolicy changewatch.StatePolicy

func (o withStatePolicy) Apply(c *mongoConfig) {
	c.statePolicy = changewatch.StatePolicy(o)
}

// WithStatePolicy sets whether pre- and post-images are requested as required or when available.
//
// Default value is StateRequired. The collection must have changeStreamPreAndPostImages enabled.
func WithStatePolicy(policy changewatch.StatePolicy) MongoOption {
	return withStatePolicy(policy)
}

type withBatchSize int32

func (o withBatchSize) Apply(c *mongoConfig) {
	c.batchSize = int32(o)
}

// WithBatchSize sets the number of events fetched per server round trip.
//
// Default value is the server default.
func WithBatchSize(n int32) MongoOption {
	return withBatchSize(n)
}

type withMaxAwaitTime time.Duration

func (o withMaxAwaitTime) Apply(c *mongoConfig) {
	c.maxAwaitTime = time.Duration(o)
}

// WithMaxAwaitTime sets how long the server waits for new events before answering an empty batch.
//
// Default value is the server default.
func WithMaxAwaitTime(d time.Duration) MongoOption {
	return withMaxAwaitTime(d)
}

// NewMongo creates new instance of MongoSource
func NewMongo(collection *mongo.Collection, opts ...MongoOption) *MongoSource {
	c := &mongoConfig{
		pipeline:    mongo.Pipeline{},
		statePolicy: changewatch.StateRequired,
	}
	for _, o := range opts {
		o.Apply(c)
	}

	return &MongoSource{
		collection:   collection,
		pipeline:     c.pipeline,
		statePolicy:  c.statePolicy,
		batchSize:    c.batchSize,
		maxAwaitTime: c.maxAwaitTime,
	}
}

// Assert that MongoSource implements Source.
var _ changewatch.Source = (*MongoSource)(nil)

// Namespace returns the watched namespace.
func (s *MongoSource) Namespace() changewatch.Namespace {
	return changewatch.Namespace{
		Database:   s.collection.Database().Name(),
		Collection: s.collection.Name(),
	}
}

func (s *MongoSource) changeStreamOptions(start changewatch.Position) (*options.ChangeStreamOptions, error) {
	imagePolicy := options.Required
	if s.statePolicy == changewatch.StateWhenAvailable {
		imagePolicy = options.WhenAvailable
	}

	o := options.ChangeStream().
		SetFullDocument(imagePolicy).
		SetFullDocumentBeforeChange(imagePolicy)
	if s.batchSize > 0 {
		o.SetBatchSize(s.batchSize)
	}
	if s.maxAwaitTime > 0 {
		o.SetMaxAwaitTime(s.maxAwaitTime)
	}

	if start != nil {
		var token bson.D
		if err := bson.UnmarshalExtJSON(start, false, &token); err != nil {
			return nil, fmt.Errorf("decode resume token %s: %w", start, err)
		}
		// StartAfter also resumes after an invalidate event, unlike ResumeAfter.
		o.SetStartAfter(token)
	}
	return o, nil
}

func (s *MongoSource) Open(ctx context.Context, start changewatch.Position) (changewatch.Cursor, error) {
	o, err := s.changeStreamOptions(start)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", changewatch.ErrSourceUnavailable, err)
	}

	stream, err := s.collection.Watch(ctx, s.pipeline, o)
	if err != nil {
		return nil, classifyMongoError(fmt.Errorf("watch %s: %w", s.Namespace(), err))
	}

	return &mongoCursor{stream: stream}, nil
}

// classifyMongoError wraps err with the changewatch error describing it.
func classifyMongoError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		switch {
		case se.HasErrorCode(codeChangeStreamHistoryLost), se.HasErrorCode(codeChangeStreamFatalError):
			return fmt.Errorf("%w: %w", changewatch.ErrPositionExpired, err)
		case se.HasErrorCode(codeNoMatchingDocument):
			// The server could not produce a required pre- or post-image.
			return fmt.Errorf("%w: %w", changewatch.ErrIncompleteEvent, err)
		}
	}
	return fmt.Errorf("%w: %w", changewatch.ErrSourceUnavailable, err)
}

type mongoCursor struct {
	stream *mongo.ChangeStream
}

// changeDocument is the subset of a change stream document that the watcher uses.
type changeDocument struct {
	OperationType            string              `bson:"operationType"`
	Namespace                changeNamespace     `bson:"ns"`
	DocumentKey              bson.M              `bson:"documentKey"`
	FullDocument             bson.M              `bson:"fullDocument"`
	FullDocumentBeforeChange bson.M              `bson:"fullDocumentBeforeChange"`
	ClusterTime              primitive.Timestamp `bson:"clusterTime"`
}

type changeNamespace struct {
	Database   string `bson:"db"`
	Collection string `bson:"coll"`
}

func (c *mongoCursor) Next(ctx context.Context) (*changewatch.ChangeEvent, error) {
	if !c.stream.Next(ctx) {
		err := c.stream.Err()
		if err == nil {
			err = ctx.Err()
		}
		if err == nil {
			err = errors.New("change stream closed")
		}
		return nil, classifyMongoError(err)
	}

	var doc changeDocument
	if err := c.stream.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode change document: %w", changewatch.ErrSourceUnavailable, err)
	}

	position, err := eventPosition(c.stream.Current)
	if err != nil {
		return nil, err
	}

	return decodeChangeDocument(&doc, position)
}

// eventPosition returns the resume token carried in the _id of a change document.
//
// The stream's cached ResumeToken is not used: for the last document of a batch it holds the
// post-batch token, which may point past the event and differs between deliveries.
func eventPosition(doc bson.Raw) (changewatch.Position, error) {
	token, ok := doc.Lookup("_id").DocumentOK()
	if !ok {
		return nil, fmt.Errorf("%w: change document has no resume token", changewatch.ErrSourceUnavailable)
	}
	b, err := bson.MarshalExtJSON(token, false, false)
	if err != nil {
		return nil, fmt.Errorf("%w: encode resume token: %w", changewatch.ErrSourceUnavailable, err)
	}
	return changewatch.Position(b), nil
}

func decodeChangeDocument(doc *changeDocument, position changewatch.Position) (*changewatch.ChangeEvent, error) {
	op := changewatch.OperationType(doc.OperationType)
	if !op.Valid() {
		// invalidate, drop, rename and dropDatabase end the stream of this collection.
		return nil, fmt.Errorf("%w: stream reported %q at %s", changewatch.ErrSourceUnavailable, doc.OperationType, position)
	}

	return &changewatch.ChangeEvent{
		OperationType: op,
		Namespace: changewatch.Namespace{
			Database:   doc.Namespace.Database,
			Collection: doc.Namespace.Collection,
		},
		DocumentKey:              toMap(doc.DocumentKey),
		FullDocument:             toMap(doc.FullDocument),
		FullDocumentBeforeChange: toMap(doc.FullDocumentBeforeChange),
		ClusterTime:              time.Unix(int64(doc.ClusterTime.T), 0).UTC(),
		Position:                 position,
	}, nil
}

func toMap(m bson.M) map[string]any {
	if m == nil {
		return nil
	}
	return map[string]any(m)
}

func (c *mongoCursor) Close(ctx context.Context) error {
	return c.stream.Close(ctx)
}
