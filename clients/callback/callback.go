// Package callback posts flow-run status updates to external callback URLs.
// Deliveries are best-effort; callers treat errors as log-and-continue.
package callback

import (
	"context"
	"net/http"
	"time"

	"github.com/weftworks/weft/clients/httpx"
	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/telemetry"
)

const defaultTimeout = 15 * time.Second

// Update kinds on the callback wire.
const (
	TypeFlowRun    = "flow_run"
	TypeStepUpdate = "step_update"
)

// payload is the wire form of one callback delivery.
type payload struct {
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Payload     any    `json:"payload,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// Client delivers callbacks. Unlike the service clients it has no base URL;
// every input carries its own destination.
type Client struct {
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

// New returns a callback client.
func New(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{Timeout: defaultTimeout},
		log:  telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts a flow-run status update to in.CallbackURL.
func (c *Client) Send(ctx context.Context, in *api.APCallbackInput) error {
	return c.post(ctx, TypeFlowRun, in)
}

// SendStepUpdate posts a step-level progress update to in.CallbackURL.
func (c *Client) SendStepUpdate(ctx context.Context, in *api.APCallbackInput) error {
	return c.post(ctx, TypeStepUpdate, in)
}

func (c *Client) post(ctx context.Context, typ string, in *api.APCallbackInput) error {
	body := payload{
		Type:        typ,
		ExecutionID: in.ExecutionID,
		Status:      in.Status,
		Payload:     in.Payload,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := httpx.PostJSON(ctx, c.http, in.CallbackURL, body, nil); err != nil {
		return err
	}
	c.log.Debug(ctx, "callback delivered", "type", typ, "execution_id", in.ExecutionID, "status", in.Status)
	return nil
}
