package checkpointstore

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/toga4/changewatch"
	"google.golang.org/grpc/codes"
)

// SpannerStore implements CheckpointStore that stores the position as a row in Cloud Spanner.
//
// A single table can hold checkpoints of many streams; each store owns the row keyed by its name.
type SpannerStore struct {
	client          *spanner.Client
	tableName       string
	name            string
	requestPriority spannerpb.RequestOptions_Priority
}

type spannerConfig struct {
	requestPriority spannerpb.RequestOptions_Priority
}

// SpannerOption configures a SpannerStore.
type SpannerOption interface {
	Apply(*spannerConfig)
}

type withRequestPriority spannerpb.RequestOptions_Priority

func (o withRequestPriority) Apply(c *spannerConfig) {
	c.requestPriority = spannerpb.RequestOptions_Priority(o)
}

// WithRequestPriority set the priority option for spanner requests.
//
// Default value is unspecified, equivalent to high.
func WithRequestPriority(priority spannerpb.RequestOptions_Priority) SpannerOption {
	return withRequestPriority(priority)
}

// NewSpanner creates new instance of SpannerStore
func NewSpanner(client *spanner.Client, tableName string, name string, options ...SpannerOption) *SpannerStore {
	c := &spannerConfig{}
	for _, o := range options {
		o.Apply(c)
	}

	return &SpannerStore{
		client:          client,
		tableName:       tableName,
		name:            name,
		requestPriority: c.requestPriority,
	}
}

// Assert that SpannerStore implements CheckpointStore.
var (
	_ changewatch.CheckpointStore = (*SpannerStore)(nil)
	_ changewatch.Resetter        = (*SpannerStore)(nil)
)

const (
	columnName      = "Name"
	columnPosition  = "Position"
	columnUpdatedAt = "UpdatedAt"
)

func (s *SpannerStore) CreateTableIfNotExists(ctx context.Context) error {
	databaseAdminClient, err := database.NewDatabaseAdminClient(ctx)
	if err != nil {
		return err
	}
	defer databaseAdminClient.Close()

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
  %[2]s STRING(MAX) NOT NULL,
  %[3]s STRING(MAX) NOT NULL,
  %[4]s TIMESTAMP NOT NULL OPTIONS (allow_commit_timestamp=true),
) PRIMARY KEY (%[2]s)`,
		s.tableName,
		columnName,
		columnPosition,
		columnUpdatedAt,
	)

	req := &databasepb.UpdateDatabaseDdlRequest{
		Database:   s.client.DatabaseName(),
		Statements: []string{stmt},
	}
	op, err := databaseAdminClient.UpdateDatabaseDdl(ctx, req)
	if err != nil {
		return err
	}

	if err := op.Wait(ctx); err != nil {
		return err
	}

	return nil
}

func (s *SpannerStore) Load(ctx context.Context) (changewatch.Position, error) {
	row, err := s.client.Single().ReadRowWithOptions(ctx, s.tableName, spanner.Key{s.name}, []string{columnPosition}, &spanner.ReadOptions{
		Priority: s.requestPriority,
	})
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", changewatch.ErrStorageUnavailable, s.name, err)
	}

	var raw string
	if err := row.Column(0, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", changewatch.ErrStorageUnavailable, s.name, err)
	}

	position, err := changewatch.ParsePosition([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt checkpoint %s: %w", changewatch.ErrStorageUnavailable, s.name, err)
	}
	return position, nil
}

func (s *SpannerStore) Save(ctx context.Context, position changewatch.Position) error {
	m := spanner.InsertOrUpdateMap(s.tableName, map[string]any{
		columnName:      s.name,
		columnPosition:  string(position),
		columnUpdatedAt: spanner.CommitTimestamp,
	})

	if _, err := s.client.Apply(ctx, []*spanner.Mutation{m}, spanner.Priority(s.requestPriority)); err != nil {
		return fmt.Errorf("%w: write %s: %w", changewatch.ErrStorageUnavailable, s.name, err)
	}
	return nil
}

func (s *SpannerStore) Reset(ctx context.Context) error {
	m := spanner.Delete(s.tableName, spanner.Key{s.name})

	if _, err := s.client.Apply(ctx, []*spanner.Mutation{m}, spanner.Priority(s.requestPriority)); err != nil {
		return fmt.Errorf("%w: delete %s: %w", changewatch.ErrStorageUnavailable, s.name, err)
	}
	return nil
}
