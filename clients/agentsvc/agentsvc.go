// Package agentsvc holds the HTTP clients for the agent service and the
// planner service. Both speak plain JSON; durable endpoints acknowledge with
// a child workflow id and complete later through the events topic.
package agentsvc

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/weftworks/weft/clients/httpx"
	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/telemetry"
)

const defaultTimeout = 120 * time.Second

// Client calls the agent service.
type Client struct {
	base string
	http *http.Client
	log  telemetry.Logger
}

// Option customizes a Client or a Planner.
type Option func(*options)

type options struct {
	http *http.Client
	log  telemetry.Logger
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(log telemetry.Logger) Option {
	return func(o *options) { o.log = log }
}

func applyOptions(opts []Option) options {
	o := options{
		http: &http.Client{Timeout: defaultTimeout},
		log:  telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New returns a client for the agent service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	o := applyOptions(opts)
	return &Client{base: strings.TrimRight(baseURL, "/"), http: o.http, log: o.log}
}

// Run executes a synchronous agent run and returns its result inline.
func (c *Client) Run(ctx context.Context, in *api.AgentRunInput) (*api.AgentRunResult, error) {
	return c.post(ctx, "/agent/run", in)
}

// RunDurable starts a durable agent run. The result only acknowledges the
// start; completion arrives on the events topic keyed by the returned
// workflow id.
func (c *Client) RunDurable(ctx context.Context, in *api.AgentRunInput) (*api.AgentRunResult, error) {
	return c.post(ctx, "/durable/agent/run", in)
}

// RunMastra starts a durable Mastra agent run.
func (c *Client) RunMastra(ctx context.Context, in *api.AgentRunInput) (*api.AgentRunResult, error) {
	return c.post(ctx, "/mastra/agent/run", in)
}

func (c *Client) post(ctx context.Context, path string, in *api.AgentRunInput) (*api.AgentRunResult, error) {
	var res api.AgentRunResult
	if err := httpx.PostJSON(ctx, c.http, c.base+path, in, &res); err != nil {
		return nil, err
	}
	c.log.Debug(ctx, "agent service call",
		"path", path, "node", in.NodeID, "success", res.Success, "child", res.WorkflowID)
	return &res, nil
}

// Planner calls the planner service.
type Planner struct {
	base string
	http *http.Client
	log  telemetry.Logger
}

// NewPlanner returns a client for the planner service at baseURL.
func NewPlanner(baseURL string, opts ...Option) *Planner {
	o := applyOptions(opts)
	return &Planner{base: strings.TrimRight(baseURL, "/"), http: o.http, log: o.log}
}

// Plan generates a task plan without starting a durable run.
func (p *Planner) Plan(ctx context.Context, in *api.PlannerPlanInput) (*api.PlannerPlanResult, error) {
	var res api.PlannerPlanResult
	if err := httpx.PostJSON(ctx, p.http, p.base+"/plan", in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// StartWorkflow starts a durable planner run on the planner service.
func (p *Planner) StartWorkflow(ctx context.Context, in *api.PlannerWorkflowInput) (*api.PlannerWorkflowResult, error) {
	var res api.PlannerWorkflowResult
	if err := httpx.PostJSON(ctx, p.http, p.base+"/workflow", in, &res); err != nil {
		return nil, err
	}
	p.log.Debug(ctx, "planner workflow started", "child", res.WorkflowID, "success", res.Success)
	return &res, nil
}

// Continue resumes a planner run with user feedback.
func (p *Planner) Continue(ctx context.Context, in *api.PlannerContinueInput) (*api.PlannerAck, error) {
	var res api.PlannerAck
	if err := httpx.PostJSON(ctx, p.http, p.base+"/workflow/continue", in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Approve forwards an approval decision to a planner run.
func (p *Planner) Approve(ctx context.Context, in *api.PlannerApproveInput) (*api.PlannerAck, error) {
	var res api.PlannerAck
	if err := httpx.PostJSON(ctx, p.http, p.base+"/workflow/approve", in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ExecuteDurablePlan starts a durable run that executes an already
// generated plan. Completion arrives on the events topic.
func (p *Planner) ExecuteDurablePlan(ctx context.Context, in *api.AgentRunInput) (*api.AgentRunResult, error) {
	var res api.AgentRunResult
	if err := httpx.PostJSON(ctx, p.http, p.base+"/durable/execute-plan", in, &res); err != nil {
		return nil, err
	}
	p.log.Debug(ctx, "durable plan execution started", "child", res.WorkflowID, "success", res.Success)
	return &res, nil
}

// Execute runs the execution phase of a plan synchronously. The in-process
// planner workflow uses it for its execution activity.
func (p *Planner) Execute(ctx context.Context, in *api.ExecutionInput) (*api.ExecutionResult, error) {
	var res api.ExecutionResult
	if err := httpx.PostJSON(ctx, p.http, p.base+"/execute", in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Planning runs the planning phase of a planner instance synchronously.
func (p *Planner) Planning(ctx context.Context, in *api.PlanningInput) (*api.PlanningResult, error) {
	var res api.PlanningResult
	if err := httpx.PostJSON(ctx, p.http, p.base+"/planning", in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
