package activities

import (
	"context"
	"errors"

	"github.com/weftworks/weft/runtime/workflow/api"
)

var (
	errNoAgentService   = errors.New("agent service not configured")
	errNoPlannerService = errors.New("planner service not configured")
)

// CallAgentRun executes a synchronous agent run and returns its result
// inline.
func (s *Service) CallAgentRun(ctx context.Context, in *api.AgentRunInput) (*api.AgentRunResult, error) {
	if s.deps.Agents == nil {
		return nil, errNoAgentService
	}
	return s.deps.Agents.Run(ctx, in)
}

// CallDurableAgentRun starts a durable agent run. Completion arrives later
// on the events topic keyed by the returned child workflow id.
func (s *Service) CallDurableAgentRun(ctx context.Context, in *api.AgentRunInput) (*api.AgentRunResult, error) {
	if s.deps.Agents == nil {
		return nil, errNoAgentService
	}
	res, err := s.deps.Agents.RunDurable(ctx, in)
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "durable agent run started",
		"parent_execution_id", in.ParentExecutionID, "node_id", in.NodeID, "child_workflow_id", res.WorkflowID)
	return res, nil
}

// CallMastraAgentRun starts a durable Mastra agent run.
func (s *Service) CallMastraAgentRun(ctx context.Context, in *api.AgentRunInput) (*api.AgentRunResult, error) {
	if s.deps.Agents == nil {
		return nil, errNoAgentService
	}
	return s.deps.Agents.RunMastra(ctx, in)
}

// CallDurablePlan starts a durable run that executes an already generated
// plan on the planner service.
func (s *Service) CallDurablePlan(ctx context.Context, in *api.AgentRunInput) (*api.AgentRunResult, error) {
	if s.deps.Planner == nil {
		return nil, errNoPlannerService
	}
	return s.deps.Planner.ExecuteDurablePlan(ctx, in)
}

// CallPlannerPlan asks the planner service for a stateless plan.
func (s *Service) CallPlannerPlan(ctx context.Context, in *api.PlannerPlanInput) (*api.PlannerPlanResult, error) {
	if s.deps.Planner == nil {
		return nil, errNoPlannerService
	}
	return s.deps.Planner.Plan(ctx, in)
}

// CallPlannerWorkflow starts a durable planner run on the planner service.
func (s *Service) CallPlannerWorkflow(ctx context.Context, in *api.PlannerWorkflowInput) (*api.PlannerWorkflowResult, error) {
	if s.deps.Planner == nil {
		return nil, errNoPlannerService
	}
	return s.deps.Planner.StartWorkflow(ctx, in)
}

// CallPlannerContinue resumes a planner run with user feedback.
func (s *Service) CallPlannerContinue(ctx context.Context, in *api.PlannerContinueInput) (*api.PlannerAck, error) {
	if s.deps.Planner == nil {
		return nil, errNoPlannerService
	}
	return s.deps.Planner.Continue(ctx, in)
}

// CallPlannerApprove forwards an approval decision to a planner run.
func (s *Service) CallPlannerApprove(ctx context.Context, in *api.PlannerApproveInput) (*api.PlannerAck, error) {
	if s.deps.Planner == nil {
		return nil, errNoPlannerService
	}
	return s.deps.Planner.Approve(ctx, in)
}

// PlannerPlanning runs the planning phase of an in-process planner
// instance.
func (s *Service) PlannerPlanning(ctx context.Context, in *api.PlanningInput) (*api.PlanningResult, error) {
	if s.deps.Planner == nil {
		return nil, errNoPlannerService
	}
	return s.deps.Planner.Planning(ctx, in)
}

// PlannerExecution runs the execution phase of an in-process planner
// instance.
func (s *Service) PlannerExecution(ctx context.Context, in *api.ExecutionInput) (*api.ExecutionResult, error) {
	if s.deps.Planner == nil {
		return nil, errNoPlannerService
	}
	return s.deps.Planner.Execute(ctx, in)
}

// SendAPCallback posts a flow-run status update to the input's callback
// URL. Without a configured sender or a URL it is a no-op.
func (s *Service) SendAPCallback(ctx context.Context, in *api.APCallbackInput) error {
	if s.deps.Callback == nil || in.CallbackURL == "" {
		return nil
	}
	return s.deps.Callback.Send(ctx, in)
}

// SendAPStepUpdate posts a step-level progress update to the input's
// callback URL.
func (s *Service) SendAPStepUpdate(ctx context.Context, in *api.APCallbackInput) error {
	if s.deps.Callback == nil || in.CallbackURL == "" {
		return nil
	}
	return s.deps.Callback.SendStepUpdate(ctx, in)
}
