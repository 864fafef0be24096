package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/weftworks/weft/runtime/workflow/engine"
)

// workflowContext adapts a Temporal workflow.Context to engine.WorkflowContext.
//
// External events are delivered through one pump goroutine per event name:
// the pump drains the signal channel into an ordered queue, and each
// WaitForEvent call claims the next queue position. Claims survive races, so
// an abandoned future never swallows an event meant for a later waiter, and
// events raised before anyone waits resolve the first claim immediately.
type workflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string

	streams map[string]*eventStream

	suspended    bool
	customStatus json.RawMessage
}

// NewWorkflowContext adapts a Temporal workflow.Context into the
// engine.WorkflowContext used by workflow bodies. Useful when invoking body
// helpers from workflows not started through this adapter but running on the
// same worker.
func NewWorkflowContext(e *Engine, ctx workflow.Context) engine.WorkflowContext {
	return newWorkflowContext(e, ctx)
}

func newWorkflowContext(e *Engine, tctx workflow.Context) *workflowContext {
	info := workflow.GetInfo(tctx)
	w := &workflowContext{
		engine:     e,
		ctx:        tctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
		streams:    make(map[string]*eventStream),
	}
	w.runControlPump()
	_ = workflow.SetQueryHandler(tctx, engine.QuerySuspended, func() (bool, error) {
		return w.suspended, nil
	})
	_ = workflow.SetQueryHandler(tctx, engine.QueryCustomStatus, func() (json.RawMessage, error) {
		return w.customStatus, nil
	})
	return w
}

// runControlPump consumes the reserved suspend and resume signals for the
// lifetime of the instance and toggles the suspended flag the Await gate and
// the suspended query read.
func (w *workflowContext) runControlPump() {
	workflow.Go(w.ctx, func(gctx workflow.Context) {
		suspendCh := workflow.GetSignalChannel(gctx, engine.SignalSuspend)
		resumeCh := workflow.GetSignalChannel(gctx, engine.SignalResume)
		selector := workflow.NewSelector(gctx)
		selector.AddReceive(suspendCh, func(c workflow.ReceiveChannel, _ bool) {
			var reason string
			c.Receive(gctx, &reason)
			w.suspended = true
		})
		selector.AddReceive(resumeCh, func(c workflow.ReceiveChannel, _ bool) {
			var reason string
			c.Receive(gctx, &reason)
			w.suspended = false
		})
		for {
			selector.Select(gctx)
		}
	})
}

func (w *workflowContext) Context() context.Context {
	return context.Background()
}

func (w *workflowContext) WorkflowID() string {
	return w.workflowID
}

func (w *workflowContext) RunID() string {
	return w.runID
}

func (w *workflowContext) Now() time.Time {
	return workflow.Now(w.ctx)
}

func (w *workflowContext) Logger() engine.Logger {
	return workflow.GetLogger(w.ctx)
}

func (w *workflowContext) SetQueryHandler(name string, handler any) error {
	return workflow.SetQueryHandler(w.ctx, name, handler)
}

func (w *workflowContext) SetCustomStatus(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.customStatus = raw
	return nil
}

func (w *workflowContext) ExecuteActivity(ctx context.Context, call engine.ActivityCall) (json.RawMessage, error) {
	fut, err := w.ExecuteActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *workflowContext) ExecuteActivityAsync(ctx context.Context, call engine.ActivityCall) (engine.Future[json.RawMessage], error) {
	if call.Name == "" {
		return nil, errors.New("activity name is required")
	}
	if err := w.gate(ctx); err != nil {
		return nil, err
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	return &rawFuture{future: fut, ctx: actx}, nil
}

func (w *workflowContext) WaitForEvent(ctx context.Context, name string) (engine.Future[json.RawMessage], error) {
	if name == "" {
		return nil, errors.New("event name is required")
	}
	if engine.IsReservedEvent(name) {
		return nil, engine.ErrReservedEventName
	}
	stream := w.stream(name)
	return &eventFuture{w: w, stream: stream, ticket: stream.take()}, nil
}

func (w *workflowContext) NewTimer(ctx context.Context, d time.Duration) (engine.Future[time.Time], error) {
	if err := w.gate(ctx); err != nil {
		return nil, err
	}
	if d <= 0 {
		return &readyTimer{at: workflow.Now(w.ctx)}, nil
	}
	return &timerFuture{future: workflow.NewTimer(w.ctx, d), ctx: w.ctx}, nil
}

func (w *workflowContext) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Suspension holds the body here even when the condition is satisfied;
	// buffered events and fired timers are observed after resume.
	return workflow.Await(w.ctx, func() bool {
		return !w.suspended && condition()
	})
}

func (w *workflowContext) StartChildWorkflow(ctx context.Context, req engine.ChildWorkflowRequest) (engine.ChildHandle, error) {
	if err := w.gate(ctx); err != nil {
		return nil, err
	}
	opts := workflow.ChildWorkflowOptions{
		WorkflowID:         req.ID,
		TaskQueue:          req.TaskQueue,
		WorkflowRunTimeout: req.RunTimeout,
	}
	cctx := workflow.WithChildOptions(w.ctx, opts)
	cctx, cancel := workflow.WithCancel(cctx)
	fut := workflow.ExecuteChildWorkflow(cctx, req.Workflow, req.Input)
	return &childHandle{future: fut, ctx: cctx, cancel: cancel}, nil
}

// gate blocks while the instance is suspended so no new work is dispatched
// until resume.
func (w *workflowContext) gate(ctx context.Context) error {
	if !w.suspended {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return workflow.Await(w.ctx, func() bool {
		return !w.suspended
	})
}

// stream returns the ordered event queue for name, starting its signal pump
// on first use.
func (w *workflowContext) stream(name string) *eventStream {
	if s, ok := w.streams[name]; ok {
		return s
	}
	s := &eventStream{}
	w.streams[name] = s
	workflow.Go(w.ctx, func(gctx workflow.Context) {
		ch := workflow.GetSignalChannel(gctx, name)
		for {
			var raw json.RawMessage
			ch.Receive(gctx, &raw)
			s.values = append(s.values, raw)
		}
	})
	return s
}

func (w *workflowContext) activityOptionsFor(name string, override engine.ActivityOptions) workflow.ActivityOptions {
	defaults := w.engine.activityDefaultsFor(name)

	queue := override.Queue
	if queue == "" {
		queue = defaults.Queue
	}

	timeout := override.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}

	retry := engine.ResolveRetryPolicy(engine.MergeRetryPolicies(defaults.RetryPolicy, override.RetryPolicy))

	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		TaskQueue:           queue,
		RetryPolicy:         convertRetryPolicy(retry),
	}
}

// eventStream is the per-name queue of delivered events. values is appended
// by the pump goroutine; tickets hands each waiter its claim position.
type eventStream struct {
	values  []json.RawMessage
	tickets int
}

func (s *eventStream) take() int {
	t := s.tickets
	s.tickets++
	return t
}

type eventFuture struct {
	w      *workflowContext
	stream *eventStream
	ticket int
}

func (f *eventFuture) IsReady() bool {
	return len(f.stream.values) > f.ticket
}

func (f *eventFuture) Get(ctx context.Context) (json.RawMessage, error) {
	if err := f.w.Await(ctx, f.IsReady); err != nil {
		return nil, err
	}
	return f.stream.values[f.ticket], nil
}

type rawFuture struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *rawFuture) Get(_ context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := f.future.Get(f.ctx, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (f *rawFuture) IsReady() bool {
	return f.future.IsReady()
}

type timerFuture struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *timerFuture) Get(_ context.Context) (time.Time, error) {
	if err := f.future.Get(f.ctx, nil); err != nil {
		return time.Time{}, err
	}
	return workflow.Now(f.ctx), nil
}

func (f *timerFuture) IsReady() bool {
	return f.future.IsReady()
}

type readyTimer struct {
	at time.Time
}

func (f *readyTimer) Get(context.Context) (time.Time, error) {
	return f.at, nil
}

func (f *readyTimer) IsReady() bool {
	return true
}

type childHandle struct {
	future workflow.ChildWorkflowFuture
	ctx    workflow.Context
	cancel workflow.CancelFunc
}

func (h *childHandle) Get(_ context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := h.future.Get(h.ctx, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (h *childHandle) IsReady() bool {
	return h.future.IsReady()
}

func (h *childHandle) Cancel(_ context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	return nil
}

func convertRetryPolicy(r engine.RetryPolicy) *temporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 && r.MaximumInterval == 0 {
		return nil
	}
	policy := &temporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	if r.MaximumInterval > 0 {
		policy.MaximumInterval = r.MaximumInterval
	}
	return policy
}
