package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/relay/runtime/bus/audit"
)

type fakeCollection struct {
	inserted   []any
	insertErr  error
	lastFilter any
	entries    []audit.Entry
	findErr    error
	indexes    fakeIndexView
}

func (c *fakeCollection) InsertOne(_ context.Context, document any,
	_ ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	if c.insertErr != nil {
		return nil, c.insertErr
	}
	c.inserted = append(c.inserted, document)
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeCollection) Find(_ context.Context, filter any,
	_ ...options.Lister[options.FindOptions]) (cursor, error) {
	if c.findErr != nil {
		return nil, c.findErr
	}
	c.lastFilter = filter
	return &fakeCursor{entries: c.entries}, nil
}

func (c *fakeCollection) Indexes() indexView { return &c.indexes }

type fakeIndexView struct {
	created []mongodriver.IndexModel
}

func (v *fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel,
	_ ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	v.created = append(v.created, model)
	return "trace_id_1_timestamp_1", nil
}

type fakeCursor struct {
	entries []audit.Entry
	closed  bool
}

func (c *fakeCursor) All(_ context.Context, results any) error {
	*results.(*[]audit.Entry) = c.entries
	return nil
}

func (c *fakeCursor) Close(context.Context) error {
	c.closed = true
	return nil
}

func newTestClient(t *testing.T, coll collection) *client {
	t.Helper()
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)
	return c
}

func TestAppendEntryInserts(t *testing.T) {
	coll := &fakeCollection{}
	c := newTestClient(t, coll)

	entry := audit.Entry{TraceID: "t1", Type: audit.MessageAcked, Timestamp: 42}
	require.NoError(t, c.AppendEntry(context.Background(), entry))
	require.Len(t, coll.inserted, 1)
	require.Equal(t, entry, coll.inserted[0])
}

func TestAppendEntryRequiresType(t *testing.T) {
	c := newTestClient(t, &fakeCollection{})
	err := c.AppendEntry(context.Background(), audit.Entry{TraceID: "t1"})
	require.Error(t, err)
}

func TestAppendEntryWrapsInsertErrors(t *testing.T) {
	coll := &fakeCollection{insertErr: errors.New("write concern failed")}
	c := newTestClient(t, coll)
	err := c.AppendEntry(context.Background(), audit.Entry{Type: audit.MessageAcked})
	require.Error(t, err)
	require.Contains(t, err.Error(), "insert audit entry")
}

func TestListEntriesByTraceFiltersAndDecodes(t *testing.T) {
	want := []audit.Entry{
		{TraceID: "t2", Type: audit.TurnDispatched, Timestamp: 1},
		{TraceID: "t2", Type: audit.MessageAcked, Timestamp: 2},
	}
	coll := &fakeCollection{entries: want}
	c := newTestClient(t, coll)

	got, err := c.ListEntriesByTrace(context.Background(), "t2")
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, bson.D{{Key: "trace_id", Value: "t2"}}, coll.lastFilter)
}

func TestListEntriesByTraceRequiresTrace(t *testing.T) {
	c := newTestClient(t, &fakeCollection{})
	_, err := c.ListEntriesByTrace(context.Background(), "")
	require.Error(t, err)
}

func TestEnsureIndexesCreatesTraceIndex(t *testing.T) {
	coll := &fakeCollection{}
	require.NoError(t, ensureIndexes(context.Background(), coll))
	require.Len(t, coll.indexes.created, 1)
	require.Equal(t,
		bson.D{{Key: "trace_id", Value: 1}, {Key: "timestamp", Value: 1}},
		coll.indexes.created[0].Keys)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Client: &mongodriver.Client{}})
	require.Error(t, err)
}
