package activities

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/runtime/workflow/api"
)

// PublishEvent publishes one envelope to a pub/sub topic, stamping the
// CloudEvents fields the body left empty. Stream-topic events are also
// mirrored into the state store so the control plane can serve event
// history without a broker subscription; mirror failures do not fail the
// publish.
func (s *Service) PublishEvent(ctx context.Context, in *api.PublishEventInput) error {
	env := in.Event
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Source == "" {
		env.Source = api.EnvelopeSource
	}
	if env.SpecVersion == "" {
		env.SpecVersion = "1.0"
	}
	if env.DataContentType == "" {
		env.DataContentType = "application/json"
	}
	if env.Time == "" {
		env.Time = time.Now().UTC().Format(time.RFC3339)
	}

	if err := s.deps.Publisher.Publish(ctx, in.Topic, env); err != nil {
		s.met.IncCounter("workflow_events_published_total", 1, "topic", in.Topic, "outcome", "error")
		return err
	}
	s.met.IncCounter("workflow_events_published_total", 1, "topic", in.Topic, "outcome", "ok")

	if in.Topic == api.TopicStream && env.WorkflowID != "" {
		if err := s.deps.State.AppendEvent(ctx, env.WorkflowID, env); err != nil {
			s.log.Warn(ctx, "event mirror append failed",
				"workflow_id", env.WorkflowID, "type", env.Type, "error", err)
		}
	}
	return nil
}

// PublishPhaseChanged publishes a phase_changed stream event for one
// instance.
func (s *Service) PublishPhaseChanged(ctx context.Context, in *api.PhaseChangedInput) error {
	data := map[string]any{
		"workflow_id": in.WorkflowID,
		"phase":       in.Phase,
		"progress":    in.Progress,
	}
	if in.Message != "" {
		data["message"] = in.Message
	}
	for k, v := range in.Extra {
		data[k] = v
	}

	return s.PublishEvent(ctx, &api.PublishEventInput{
		Topic: api.TopicStream,
		Event: api.Envelope{
			Type:       api.StreamPhaseChanged,
			WorkflowID: in.WorkflowID,
			Data:       api.JSON(data),
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		},
	})
}
