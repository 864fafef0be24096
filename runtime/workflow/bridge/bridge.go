// Package bridge routes agent completion envelopes to waiting workflow
// instances.
//
// Durable child runs (agent executions, planner phases) finish on the agent
// plane, which publishes a completion envelope on the events topic. The
// parent instance meanwhile sits on an external event whose name encodes the
// child workflow id. The bridge is the stateless hop between the two: it
// reads each envelope, derives the event name from the versioned mapping in
// the api package, and raises exactly one event on the parent named in
// data.parent_execution_id. Everything else on the topic is acknowledged and
// dropped, and a failed raise (parent already closed, unknown instance) is
// logged rather than surfaced so the subscription never wedges on a single
// message.
package bridge

import (
	"context"
	"encoding/json"

	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/telemetry"
)

// EventRaiser delivers external events to workflow instances. engine.Engine
// satisfies it.
type EventRaiser interface {
	RaiseEvent(ctx context.Context, workflowID, name string, payload any) error
}

// Bridge forwards completion envelopes from the events topic to parents.
type Bridge struct {
	raiser EventRaiser
	log    telemetry.Logger
	met    telemetry.Metrics
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithLogger routes bridge logging to log.
func WithLogger(log telemetry.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// WithMetrics records per-outcome envelope counters on met.
func WithMetrics(met telemetry.Metrics) Option {
	return func(b *Bridge) { b.met = met }
}

// New returns a bridge raising events through raiser.
func New(raiser EventRaiser, opts ...Option) *Bridge {
	b := &Bridge{
		raiser: raiser,
		log:    telemetry.NewNoopLogger(),
		met:    telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Outcome reports how one envelope was handled.
type Outcome struct {
	// Raised is true when an external event was delivered to the parent.
	Raised bool
	// EventName is the computed external event name when Raised.
	EventName string
	// Parent is the instance the event was raised on when Raised.
	Parent string
	// Reason explains a drop or a delivery failure.
	Reason string
}

// HandleRaw decodes one raw message and routes it. The events topic is
// shared with producers outside this process, so undecodable messages are
// dropped rather than retried.
func (b *Bridge) HandleRaw(ctx context.Context, raw []byte) Outcome {
	var env api.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.log.Warn(ctx, "undecodable completion envelope", "error", err)
		b.count("dropped")
		return Outcome{Reason: "undecodable envelope"}
	}
	return b.Handle(ctx, env)
}

// Handle routes one completion envelope. A routable envelope causes exactly
// one raise; anything else is dropped with a reason.
func (b *Bridge) Handle(ctx context.Context, env api.Envelope) Outcome {
	var data api.CompletionData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			b.log.Warn(ctx, "undecodable completion data", "envelope_type", env.Type, "error", err)
			b.count("dropped")
			return Outcome{Reason: "undecodable data"}
		}
	}

	// Producers are loose about where the completion type and workflow id
	// live; accept both the envelope attribute and the data field.
	completionType := env.Type
	if completionType == "" {
		completionType = data.Type
	}
	workflowID := env.WorkflowID
	if workflowID == "" {
		workflowID = data.WorkflowID
	}

	name, ok := api.CompletionEventName(completionType, workflowID)
	if !ok {
		b.log.Debug(ctx, "envelope type not bridged", "envelope_type", completionType)
		b.count("dropped")
		return Outcome{Reason: "unhandled type"}
	}
	if workflowID == "" {
		b.log.Warn(ctx, "completion envelope without workflow id", "envelope_type", completionType)
		b.count("dropped")
		return Outcome{Reason: "no workflow id"}
	}
	parent := data.ParentExecutionID
	if parent == "" {
		b.log.Debug(ctx, "completion envelope without parent routing",
			"envelope_type", completionType, "workflow_id", workflowID)
		b.count("dropped")
		return Outcome{Reason: "no parent routing"}
	}

	// The raised payload carries the completion fields only; routing fields
	// are consumed here.
	payload := data
	payload.Type = ""
	payload.ParentExecutionID = ""
	payload.FeatureRequest = ""
	payload.WorkflowID = workflowID
	if payload.Timestamp == "" {
		payload.Timestamp = env.Timestamp
	}
	if payload.Timestamp == "" {
		payload.Timestamp = env.Time
	}

	if err := b.raiser.RaiseEvent(ctx, parent, name, payload); err != nil {
		b.log.Warn(ctx, "completion raise failed",
			"parent", parent, "event", name, "error", err)
		b.count("failed")
		return Outcome{Reason: "raise failed: " + err.Error()}
	}
	b.log.Info(ctx, "completion routed",
		"parent", parent, "event", name, "workflow_id", workflowID, "envelope_type", completionType)
	b.count("raised")
	return Outcome{Raised: true, EventName: name, Parent: parent}
}

func (b *Bridge) count(outcome string) {
	b.met.IncCounter("workflow_bridge_envelopes_total", 1, "outcome", outcome)
}
