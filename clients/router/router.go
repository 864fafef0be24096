// Package router is the HTTP client for the function router, the service
// that executes individual workflow actions and forwards integration audit
// events into the platform database.
package router

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/weftworks/weft/clients/httpx"
	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/telemetry"
)

// defaultTimeout bounds a single action execution round trip. Long-running
// actions are modelled as durable agent runs, not slow HTTP calls.
const defaultTimeout = 60 * time.Second

// ExecuteRequest is the wire form of POST /execute.
type ExecuteRequest struct {
	FunctionSlug         string            `json:"function_slug"`
	ExecutionID          string            `json:"execution_id"`
	WorkflowID           string            `json:"workflow_id"`
	NodeID               string            `json:"node_id"`
	NodeName             string            `json:"node_name"`
	Input                map[string]any    `json:"input"`
	IntegrationID        string            `json:"integration_id,omitempty"`
	Integrations         map[string]any    `json:"integrations,omitempty"`
	DBExecutionID        string            `json:"db_execution_id,omitempty"`
	ConnectionExternalID string            `json:"connection_external_id,omitempty"`
	NodeOutputs          map[string]any    `json:"node_outputs,omitempty"`
	Otel                 map[string]string `json:"_otel,omitempty"`
}

// Client calls the function router.
type Client struct {
	base string
	http *http.Client
	log  telemetry.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(log telemetry.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New returns a client for the function router at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: defaultTimeout},
		log:  telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs one action through the router and returns its normalized
// result. Transport and HTTP-level failures surface as errors so the engine
// retries them; action-level failures come back as Success=false.
func (c *Client) Execute(ctx context.Context, req *ExecuteRequest) (*api.ActionResult, error) {
	start := time.Now()
	var res api.ActionResult
	if err := httpx.PostJSON(ctx, c.http, c.base+"/execute", req, &res); err != nil {
		return nil, err
	}
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
	}
	c.log.Debug(ctx, "router execute",
		"slug", req.FunctionSlug, "node", req.NodeID, "success", res.Success, "ms", res.DurationMs)
	return &res, nil
}

// ExternalEvent forwards one audit event to the router's external-event
// endpoint.
func (c *Client) ExternalEvent(ctx context.Context, event any) error {
	return httpx.PostJSON(ctx, c.http, c.base+"/external-event", event, nil)
}
