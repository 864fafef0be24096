package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	"github.com/weftworks/weft/runtime/workflow/api"
)

type (
	// ConsumerOptions configures a Consumer.
	ConsumerOptions struct {
		// Client is the Pulse client used to consume. Required.
		Client Client
		// Group identifies the consumer group. Defaults to "weft_bridge".
		Group string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// StreamNames overrides the physical stream name per topic, matching
		// the publisher's mapping.
		StreamNames map[string]string
	}

	// Consumer reads a topic's stream through a consumer group and emits
	// decoded envelopes. Malformed payloads are acked and skipped so one bad
	// producer cannot wedge the group; the error channel reports them
	// without blocking consumption.
	Consumer struct {
		client Client
		group  string
		buffer int
		names  map[string]string
	}
)

// DefaultGroup is the consumer group used when none is configured.
const DefaultGroup = "weft_bridge"

// NewConsumer constructs a Pulse-backed envelope consumer.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	group := opts.Group
	if group == "" {
		group = DefaultGroup
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Consumer{
		client: opts.Client,
		group:  group,
		buffer: buffer,
		names:  opts.StreamNames,
	}, nil
}

// Subscribe opens a consumer-group sink on the topic's stream and returns
// channels for envelopes and errors. The returned cancel function stops
// consumption and closes both channels.
func (c *Consumer) Subscribe(
	ctx context.Context,
	topic string,
	opts ...streamopts.Sink,
) (<-chan api.Envelope, <-chan error, context.CancelFunc, error) {
	name := c.names[topic]
	if name == "" {
		name = StreamName(topic)
	}
	str, err := c.client.Stream(name)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, c.group, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan api.Envelope, c.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go c.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads from the sink, decodes payloads, and emits envelopes. Each
// event is acked after emission; ack failures stop the loop so the group
// redelivers on the next subscription.
func (c *Consumer) consume(ctx context.Context, sink Sink, out chan<- api.Envelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env api.Envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				select {
				case errs <- fmt.Errorf("pulse decode payload: %w", err):
				default:
				}
				_ = sink.Ack(ctx, evt)
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				select {
				case errs <- fmt.Errorf("pulse ack: %w", ackErr):
				default:
				}
				return
			}
		}
	}
}
