// Package stream defines the pub/sub seam of the orchestrator. Activities
// publish envelopes through it; the pulse subpackage implements it on Redis
// streams.
package stream

import (
	"context"

	"github.com/weftworks/weft/runtime/workflow/api"
)

// Publisher publishes one envelope to a named topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, env api.Envelope) error
}

// Handler consumes one envelope from a topic subscription.
type Handler func(ctx context.Context, env api.Envelope)
