// Package pulse provides a thin relay-specific wrapper around Pulse streams.
// Callers build a Redis client, pass it to New, and receive a typed
// interface exposing only the operations the audit sink needs.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the Redis connection backing the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per stream. Zero
		// uses Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse APIs required by the audit sink.
	Client interface {
		// Stream returns a handle to the named Pulse stream, creating it if
		// needed.
		Stream(name string) (Stream, error)
		// Close releases resources owned by the client. Callers typically
		// own the Redis connection; the default implementation is a no-op.
		Close(ctx context.Context) error
	}

	// Stream exposes the publish operation of one Pulse stream.
	Stream interface {
		// Add publishes an event with the given name and payload, returning
		// the event id assigned by Redis.
		Add(ctx context.Context, event string, payload []byte) (string, error)
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}
)

// New constructs a Pulse client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

// Stream implements Client.
func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close implements Client. The caller owns the Redis connection lifecycle.
func (c *client) Close(context.Context) error { return nil }

// Add implements Stream.
func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("add to pulse stream: %w", err)
	}
	return id, nil
}
