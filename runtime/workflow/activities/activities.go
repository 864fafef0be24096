// Package activities implements the activity handlers scheduled by the
// dynamic and planner workflow bodies. Each handler is a thin façade over
// one external dependency (function router, agent and planner services,
// pub/sub, state store, audit database, callbacks) so that every side
// effect of a run crosses the engine boundary exactly once and is recorded
// in history.
//
// Handlers are free to perform arbitrary I/O; determinism is the workflow
// body's concern. Errors returned here feed the engine's retry policy, so
// handlers return failures honestly and leave best-effort semantics to the
// calling body's activity options.
package activities

import (
	"context"
	"fmt"
	"time"

	"github.com/weftworks/weft/clients/agentsvc"
	"github.com/weftworks/weft/clients/callback"
	"github.com/weftworks/weft/clients/router"
	"github.com/weftworks/weft/features/audit"
	"github.com/weftworks/weft/features/state"
	"github.com/weftworks/weft/features/stream"
	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/runtime/workflow/engine"
	"github.com/weftworks/weft/telemetry"
)

type (
	// ActionRouter executes action nodes through the function router.
	ActionRouter interface {
		Execute(ctx context.Context, req *router.ExecuteRequest) (*api.ActionResult, error)
		ExternalEvent(ctx context.Context, event any) error
	}

	// AgentService starts agent runs on the agent service.
	AgentService interface {
		Run(ctx context.Context, in *api.AgentRunInput) (*api.AgentRunResult, error)
		RunDurable(ctx context.Context, in *api.AgentRunInput) (*api.AgentRunResult, error)
		RunMastra(ctx context.Context, in *api.AgentRunInput) (*api.AgentRunResult, error)
	}

	// PlannerService drives the planner service, both its durable entry
	// points and the phase activities of the in-process planner workflow.
	PlannerService interface {
		Plan(ctx context.Context, in *api.PlannerPlanInput) (*api.PlannerPlanResult, error)
		StartWorkflow(ctx context.Context, in *api.PlannerWorkflowInput) (*api.PlannerWorkflowResult, error)
		Continue(ctx context.Context, in *api.PlannerContinueInput) (*api.PlannerAck, error)
		Approve(ctx context.Context, in *api.PlannerApproveInput) (*api.PlannerAck, error)
		ExecuteDurablePlan(ctx context.Context, in *api.AgentRunInput) (*api.AgentRunResult, error)
		Planning(ctx context.Context, in *api.PlanningInput) (*api.PlanningResult, error)
		Execute(ctx context.Context, in *api.ExecutionInput) (*api.ExecutionResult, error)
	}

	// CallbackSender delivers flow-run status updates to external URLs.
	CallbackSender interface {
		Send(ctx context.Context, in *api.APCallbackInput) error
		SendStepUpdate(ctx context.Context, in *api.APCallbackInput) error
	}

	// Deps wires the handlers to their backends. Router, Publisher, and
	// State are required. Agents and Planner may be nil when the deployment
	// runs no agent nodes; the corresponding activities then fail with a
	// configuration error. Audit and Callback are optional and disable their
	// activities quietly.
	Deps struct {
		Router    ActionRouter
		Agents    AgentService
		Planner   PlannerService
		Publisher stream.Publisher
		State     state.Store
		Audit     audit.Store
		Callback  CallbackSender

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Service holds the registered activity handlers.
	Service struct {
		deps Deps
		log  telemetry.Logger
		met  telemetry.Metrics
	}
)

// The production clients satisfy the handler interfaces.
var (
	_ ActionRouter   = (*router.Client)(nil)
	_ AgentService   = (*agentsvc.Client)(nil)
	_ PlannerService = (*agentsvc.Planner)(nil)
	_ CallbackSender = (*callback.Client)(nil)
)

// New builds the activity service from its dependencies.
func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNoopMetrics()
	}
	return &Service{deps: deps, log: deps.Logger, met: deps.Metrics}
}

// Register registers every activity on eng. Registration-time options carry
// only per-activity timeouts; retry behavior stays with the default policy
// and the caller's per-call overrides.
func (s *Service) Register(ctx context.Context, eng engine.Engine) error {
	actionOpts := engine.ActivityOptions{Timeout: 2 * time.Minute}
	planOpts := engine.ActivityOptions{Timeout: 10 * time.Minute}
	execOpts := engine.ActivityOptions{Timeout: 30 * time.Minute}

	defs := []engine.ActivityDefinition{
		{Name: api.ActivityExecuteAction, Options: actionOpts, Handler: s.ExecuteAction},

		{Name: api.ActivityPublishEvent, Handler: s.PublishEvent},
		{Name: api.ActivityPublishPhaseChanged, Handler: s.PublishPhaseChanged},

		{Name: api.ActivityPersistState, Handler: s.PersistState},
		{Name: api.ActivityGetState, Handler: s.GetState},
		{Name: api.ActivityDeleteState, Handler: s.DeleteState},

		{Name: api.ActivityLogAudit, Handler: s.LogAudit},
		{Name: api.ActivityPersistResults, Handler: s.PersistResults},

		{Name: api.ActivityCallAgentRun, Options: execOpts, Handler: s.CallAgentRun},
		{Name: api.ActivityCallDurableAgentRun, Options: actionOpts, Handler: s.CallDurableAgentRun},
		{Name: api.ActivityCallMastraAgentRun, Options: actionOpts, Handler: s.CallMastraAgentRun},
		{Name: api.ActivityCallDurablePlan, Options: actionOpts, Handler: s.CallDurablePlan},

		{Name: api.ActivityCallPlannerPlan, Options: planOpts, Handler: s.CallPlannerPlan},
		{Name: api.ActivityCallPlannerWorkflow, Handler: s.CallPlannerWorkflow},
		{Name: api.ActivityCallPlannerContinue, Handler: s.CallPlannerContinue},
		{Name: api.ActivityCallPlannerApprove, Handler: s.CallPlannerApprove},

		{Name: api.ActivityPlannerPlanning, Options: planOpts, Handler: s.PlannerPlanning},
		{Name: api.ActivityPersistTasks, Handler: s.PersistTasks},
		{Name: api.ActivityPlannerExecution, Options: execOpts, Handler: s.PlannerExecution},

		{Name: api.ActivitySendAPCallback, Handler: s.SendAPCallback},
		{Name: api.ActivitySendAPStepUpdate, Handler: s.SendAPStepUpdate},
	}
	for _, def := range defs {
		if err := eng.RegisterActivity(ctx, def); err != nil {
			return fmt.Errorf("register activity %s: %w", def.Name, err)
		}
	}
	return nil
}

// Register builds a Service from deps and registers it on eng.
func Register(ctx context.Context, eng engine.Engine, deps Deps) (*Service, error) {
	svc := New(deps)
	if err := svc.Register(ctx, eng); err != nil {
		return nil, err
	}
	return svc, nil
}
