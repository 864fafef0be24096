package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/weftworks/weft/features/stream"
	"github.com/weftworks/weft/runtime/workflow/api"
)

type (
	// PublisherOptions configures a Publisher.
	PublisherOptions struct {
		// Client is the Pulse client used to publish. Required.
		Client Client
		// StreamNames overrides the physical stream name per topic. Topics
		// without an override use the sanitized topic name.
		StreamNames map[string]string
	}

	// Publisher implements stream.Publisher on Pulse streams. Each topic
	// maps to one stream; the envelope type becomes the stream event name.
	// Safe for concurrent use.
	Publisher struct {
		client Client
		names  map[string]string
	}
)

var _ stream.Publisher = (*Publisher)(nil)

// NewPublisher constructs a Pulse-backed envelope publisher.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	return &Publisher{client: opts.Client, names: opts.StreamNames}, nil
}

// Publish marshals env and appends it to the topic's stream under the
// envelope's type.
func (p *Publisher) Publish(ctx context.Context, topic string, env api.Envelope) error {
	if env.Type == "" {
		return errors.New("envelope type is required")
	}
	handle, err := p.client.Stream(p.streamName(topic))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases the underlying client.
func (p *Publisher) Close(ctx context.Context) error {
	return p.client.Close(ctx)
}

func (p *Publisher) streamName(topic string) string {
	if name, ok := p.names[topic]; ok && name != "" {
		return name
	}
	return StreamName(topic)
}

// StreamName derives the physical stream name for a topic. Pulse restricts
// stream names to word characters and dashes, so topic separators become
// dashes: "workflow.stream" is carried by the "workflow-stream" stream.
func StreamName(topic string) string {
	var b strings.Builder
	for _, r := range topic {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
