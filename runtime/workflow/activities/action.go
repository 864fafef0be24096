package activities

import (
	"context"
	"time"

	"github.com/weftworks/weft/clients/router"
	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/runtime/workflow/template"
)

// ExecuteAction resolves an action node's config against the accumulated
// outputs and runs it through the function router. Resolution happens here,
// at the activity edge, so resolved values never enter workflow history.
//
// Transport failures return an error and retry; action-level failures come
// back as a result with Success=false and are the body's decision.
func (s *Service) ExecuteAction(ctx context.Context, in *api.ExecuteActionInput) (*api.ActionResult, error) {
	resolved := template.New(in.NodeOutputs).ResolveConfig(in.Node.Config)
	slug := in.Node.ConfigString("actionType", "")

	req := &router.ExecuteRequest{
		FunctionSlug:         slug,
		ExecutionID:          in.ExecutionID,
		WorkflowID:           in.WorkflowID,
		NodeID:               in.Node.ID,
		NodeName:             in.Node.DisplayName(),
		Input:                resolved,
		IntegrationID:        in.Node.ConfigString("integrationId", ""),
		Integrations:         in.Integrations,
		DBExecutionID:        in.DBExecutionID,
		ConnectionExternalID: in.ConnectionExternalID,
		Otel:                 in.Otel,
	}
	if len(in.NodeOutputs) > 0 {
		req.NodeOutputs = in.NodeOutputs.Flatten()
	}

	start := time.Now()
	res, err := s.deps.Router.Execute(ctx, req)
	if err != nil {
		s.met.IncCounter("workflow_action_executions_total", 1, "outcome", "transport_error")
		return nil, err
	}
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
	}

	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	s.met.IncCounter("workflow_action_executions_total", 1, "outcome", outcome)
	s.log.Debug(ctx, "action executed",
		"node_id", in.Node.ID, "action_type", slug, "success", res.Success, "duration_ms", res.DurationMs)
	return res, nil
}
