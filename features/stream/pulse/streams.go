package pulse

import (
	"context"
	"errors"
)

// Streams wires one Pulse client into both halves of the pub/sub seam. It
// owns the envelope publisher handed to the activities and spawns consumers
// that reuse the same client, so a service manages a single Redis
// connection pool for streaming.
type Streams struct {
	client Client
	pub    *Publisher
	names  map[string]string
}

// StreamsOptions configures the helper returned by NewStreams.
type StreamsOptions struct {
	// Client is the Pulse client used for publishing and consuming.
	// Required.
	Client Client
	// StreamNames overrides the physical stream name per topic.
	StreamNames map[string]string
}

// NewStreams constructs the publisher/consumer pair helper.
func NewStreams(opts StreamsOptions) (*Streams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	pub, err := NewPublisher(PublisherOptions{Client: opts.Client, StreamNames: opts.StreamNames})
	if err != nil {
		return nil, err
	}
	return &Streams{client: opts.Client, pub: pub, names: opts.StreamNames}, nil
}

// Publisher returns the envelope publisher.
func (s *Streams) Publisher() *Publisher { return s.pub }

// NewConsumer constructs a consumer that reuses the helper's client and
// stream-name mapping.
func (s *Streams) NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	opts.Client = s.client
	if opts.StreamNames == nil {
		opts.StreamNames = s.names
	}
	return NewConsumer(opts)
}

// Close releases the client. Call during shutdown after consumers have been
// canceled.
func (s *Streams) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
