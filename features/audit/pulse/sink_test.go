package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	pulseclient "goa.design/relay/features/audit/pulse/clients/pulse"
	"goa.design/relay/runtime/bus"
	"goa.design/relay/runtime/bus/audit"
)

type fakeStream struct {
	events   []string
	payloads [][]byte
	err      error
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.events = append(s.events, event)
	s.payloads = append(s.payloads, payload)
	return "1-0", nil
}

type fakeClient struct {
	streams map[string]*fakeStream
	err     error
	closed  bool
}

func (c *fakeClient) Stream(name string) (pulseclient.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.streams == nil {
		c.streams = make(map[string]*fakeStream)
	}
	if c.streams[name] == nil {
		c.streams[name] = &fakeStream{}
	}
	return c.streams[name], nil
}

func (c *fakeClient) Close(context.Context) error {
	c.closed = true
	return nil
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.Error(t, err)
}

func TestHandleEventPublishesToTraceStream(t *testing.T) {
	client := &fakeClient{}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	msg := bus.NewMessage(bus.KindUserMessage, bus.SenderUser, nil)
	msg.Queue = bus.QueueRouter
	msg.TraceID = "trace-1"
	require.NoError(t, sink.HandleEvent(context.Background(), audit.NewMessageEnqueuedEvent(msg)))

	stream := client.streams["trace/trace-1"]
	require.NotNil(t, stream, "events land on the per-trace stream")
	require.Equal(t, []string{string(audit.MessageEnqueued)}, stream.events)

	var entry audit.Entry
	require.NoError(t, json.Unmarshal(stream.payloads[0], &entry))
	require.Equal(t, "trace-1", entry.TraceID)
	require.Equal(t, audit.MessageEnqueued, entry.Type)
	require.Equal(t, msg.ID, entry.MessageID)
	require.Equal(t, string(bus.QueueRouter), entry.Queue)
}

func TestHandleEventSkipsTracelessEvents(t *testing.T) {
	client := &fakeClient{}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	require.NoError(t, sink.HandleEvent(context.Background(), audit.NewLeasesRequeuedEvent(3)))
	require.Empty(t, client.streams, "lease sweeps have no trace and are not published")
}

func TestHandleEventCustomStreamID(t *testing.T) {
	client := &fakeClient{}
	sink, err := NewSink(Options{
		Client: client,
		StreamID: func(entry audit.Entry) (string, error) {
			return "audit-all", nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, sink.HandleEvent(context.Background(),
		audit.NewTurnDispatchedEvent("trace-2", "msg-2")))
	require.NotNil(t, client.streams["audit-all"])
}

func TestHandleEventPropagatesStreamErrors(t *testing.T) {
	client := &fakeClient{err: errors.New("redis down")}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	err = sink.HandleEvent(context.Background(),
		audit.NewTurnDispatchedEvent("trace-3", "msg-3"))
	require.Error(t, err)
}

func TestCloseDelegates(t *testing.T) {
	client := &fakeClient{}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	require.NoError(t, sink.Close(context.Background()))
	require.True(t, client.closed)
}
