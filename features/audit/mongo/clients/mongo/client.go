// Package mongo hosts the MongoDB client used by the audit trail.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/relay/runtime/bus/audit"
)

const (
	defaultCollection = "audit_entries"
	defaultOpTimeout  = 5 * time.Second
	auditClientName   = "audit-mongo"
)

// Client exposes Mongo-backed operations for audit entries.
type Client interface {
	health.Pinger

	// AppendEntry persists one audit entry.
	AppendEntry(ctx context.Context, entry audit.Entry) error
	// ListEntriesByTrace returns the entries of a trace ordered by
	// timestamp then insertion order.
	ListEntriesByTrace(ctx context.Context, traceID string) ([]audit.Entry, error)
}

// Options configures the Mongo audit client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	entries collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return auditClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// AppendEntry implements Client.
func (c *client) AppendEntry(ctx context.Context, entry audit.Entry) error {
	if entry.Type == "" {
		return errors.New("entry type is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.entries.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListEntriesByTrace implements Client.
func (c *client) ListEntriesByTrace(ctx context.Context, traceID string) ([]audit.Entry, error) {
	if traceID == "" {
		return nil, errors.New("trace id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	sort := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := c.entries.Find(ctx, bson.D{{Key: "trace_id", Value: traceID}}, sort)
	if err != nil {
		return nil, fmt.Errorf("find audit entries: %w", err)
	}
	defer cur.Close(ctx)
	var entries []audit.Entry
	if err := cur.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("decode audit entries: %w", err)
	}
	return entries, nil
}

func ensureIndexes(ctx context.Context, coll collection) error {
	traceIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "trace_id", Value: 1}, {Key: "timestamp", Value: 1}},
	}
	if _, err := coll.Indexes().CreateOne(ctx, traceIndex); err != nil {
		return fmt.Errorf("create audit index: %w", err)
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{mongo: mongoClient, entries: coll, timeout: timeout}, nil
}

// collection narrows *mongodriver.Collection to the operations the client
// uses so tests can substitute fakes.
type collection interface {
	InsertOne(ctx context.Context, document any,
		opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any,
		opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	All(ctx context.Context, results any) error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any,
	opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any,
	opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
