// Package inmem provides an in-memory implementation of the workflow engine
// for development and tests. Instances run on goroutines with real timers;
// nothing survives a process restart. Activity inputs and outputs still
// cross a JSON boundary so values observed by bodies match the durable
// backend byte for byte.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/weftworks/weft/runtime/workflow/engine"
	"github.com/weftworks/weft/telemetry"
)

const pollInterval = 2 * time.Millisecond

type (
	eng struct {
		mu         sync.RWMutex
		workflows  map[string]engine.WorkflowDefinition
		activities map[string]*activityDef
		runs       map[string]*run
		logger     telemetry.Logger
	}

	activityDef struct {
		name   string
		opts   engine.ActivityOptions
		invoke invoker
	}

	// run is the record of one instance. The mutex guards every mutable
	// field; done closes when the body returns.
	run struct {
		id        string
		name      string
		memo      map[string]any
		startedAt time.Time
		cancel    context.CancelFunc
		done      chan struct{}

		mu              sync.Mutex
		status          engine.RuntimeStatus
		output          json.RawMessage
		errMsg          string
		completedAt     time.Time
		customStatus    json.RawMessage
		suspended       bool
		terminated      bool
		terminateReason string
		queues          map[string]*eventQueue
	}

	// eventQueue buffers deliveries for one event name. values grows on
	// RaiseEvent; tickets hands each waiter its claim position, so events
	// queue across suspension and abandoned waits never swallow deliveries.
	eventQueue struct {
		values  []json.RawMessage
		tickets int
	}

	wfCtx struct {
		goCtx context.Context
		e     *eng
		r     *run
	}
)

// Option configures the in-memory engine.
type Option func(*eng)

// WithLogger sets the logger used for run lifecycle and activity retries.
func WithLogger(l telemetry.Logger) Option {
	return func(e *eng) {
		e.logger = l
	}
}

// New returns an in-memory Engine implementation suitable for local
// development, tests, and single-process runs. It is not replay-safe and
// must not be used for production workloads.
func New(opts ...Option) engine.Engine {
	e := &eng{
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]*activityDef),
		runs:       make(map[string]*run),
		logger:     telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *eng) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("inmem engine: invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("inmem engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

func (e *eng) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" {
		return errors.New("inmem engine: activity name is required")
	}
	invoke, err := newInvoker(def.Handler)
	if err != nil {
		return fmt.Errorf("inmem engine: activity %q: %w", def.Name, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.activities[def.Name]; dup {
		return fmt.Errorf("inmem engine: activity %q already registered", def.Name)
	}
	e.activities[def.Name] = &activityDef{name: def.Name, opts: def.Options, invoke: invoke}
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.StartRequest) (engine.Handle, error) {
	if req.ID == "" {
		return nil, errors.New("inmem engine: workflow id is required")
	}
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inmem engine: workflow %q is not registered", req.Workflow)
	}

	input, err := toRaw(req.Input)
	if err != nil {
		return nil, fmt.Errorf("inmem engine: encode input: %w", err)
	}

	// Detach the body from the caller's context; a closed id may be reused,
	// a running one may not.
	base := context.WithoutCancel(ctx)
	var goCtx context.Context
	var cancel context.CancelFunc
	if req.RunTimeout > 0 {
		goCtx, cancel = context.WithTimeout(base, req.RunTimeout)
	} else {
		goCtx, cancel = context.WithCancel(base)
	}
	r := &run{
		id:        req.ID,
		name:      req.Workflow,
		memo:      req.Memo,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    engine.StatusRunning,
		queues:    make(map[string]*eventQueue),
	}

	e.mu.Lock()
	if existing, exists := e.runs[req.ID]; exists {
		existing.mu.Lock()
		closed := existing.status.Closed()
		existing.mu.Unlock()
		if !closed {
			e.mu.Unlock()
			cancel()
			return nil, fmt.Errorf("workflow %q: %w", req.ID, engine.ErrDuplicateWorkflowID)
		}
	}
	e.runs[req.ID] = r
	e.mu.Unlock()

	wctx := &wfCtx{goCtx: goCtx, e: e, r: r}
	go func() {
		defer cancel()
		defer close(r.done)
		out, runErr := def.Handler(wctx, input)

		r.mu.Lock()
		defer r.mu.Unlock()
		r.completedAt = time.Now()
		if r.terminated {
			r.status = engine.StatusTerminated
			r.errMsg = r.terminateReason
			return
		}
		if runErr != nil {
			r.status = engine.StatusFailed
			r.errMsg = runErr.Error()
			return
		}
		raw, merr := json.Marshal(out)
		if merr != nil {
			r.status = engine.StatusFailed
			r.errMsg = fmt.Sprintf("encode output: %v", merr)
			return
		}
		r.status = engine.StatusCompleted
		r.output = raw
	}()

	return &handle{r: r}, nil
}

func (e *eng) RaiseEvent(_ context.Context, workflowID, name string, payload any) error {
	if engine.IsReservedEvent(name) {
		return fmt.Errorf("%q: %w", name, engine.ErrReservedEventName)
	}
	r, err := e.openRun(workflowID)
	if err != nil {
		return err
	}
	raw, err := toRaw(payload)
	if err != nil {
		return fmt.Errorf("inmem engine: encode event payload: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[name]
	if q == nil {
		q = &eventQueue{}
		r.queues[name] = q
	}
	q.values = append(q.values, raw)
	return nil
}

func (e *eng) Describe(_ context.Context, workflowID string) (*engine.WorkflowState, error) {
	r, err := e.getRun(workflowID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.status
	if status == engine.StatusRunning && r.suspended {
		status = engine.StatusSuspended
	}
	return &engine.WorkflowState{
		WorkflowID:   r.id,
		RunID:        r.id,
		Name:         r.name,
		Status:       status,
		CustomStatus: r.customStatus,
		Output:       r.output,
		Error:        r.errMsg,
		StartedAt:    r.startedAt,
		CompletedAt:  r.completedAt,
		Memo:         r.memo,
	}, nil
}

func (e *eng) Terminate(_ context.Context, workflowID, reason string) error {
	r, err := e.openRun(workflowID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.terminated = true
	r.terminateReason = reason
	r.suspended = false
	r.mu.Unlock()
	r.cancel()
	return nil
}

func (e *eng) Suspend(_ context.Context, workflowID, _ string) error {
	r, err := e.openRun(workflowID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.suspended = true
	r.mu.Unlock()
	return nil
}

func (e *eng) Resume(_ context.Context, workflowID, _ string) error {
	r, err := e.getRun(workflowID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.suspended = false
	r.mu.Unlock()
	return nil
}

func (e *eng) Purge(_ context.Context, workflowID string) error {
	r, err := e.getRun(workflowID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	closed := r.status.Closed()
	r.mu.Unlock()
	if !closed {
		return fmt.Errorf("inmem engine: workflow %q is still running", workflowID)
	}
	e.mu.Lock()
	delete(e.runs, workflowID)
	e.mu.Unlock()
	return nil
}

func (e *eng) Close() error {
	return nil
}

func (e *eng) getRun(workflowID string) (*run, error) {
	e.mu.RLock()
	r, ok := e.runs[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", workflowID, engine.ErrWorkflowNotFound)
	}
	return r, nil
}

// openRun resolves a run that is still executing. Closed runs report not
// found, matching the durable backend's behavior for signals.
func (e *eng) openRun(workflowID string) (*run, error) {
	r, err := e.getRun(workflowID)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return nil, fmt.Errorf("workflow %q is closed: %w", workflowID, engine.ErrWorkflowNotFound)
	default:
		return r, nil
	}
}

func (e *eng) activity(name string) (*activityDef, error) {
	e.mu.RLock()
	def, ok := e.activities[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inmem engine: activity %q is not registered", name)
	}
	return def, nil
}

func (e *eng) invokeWithRetry(ctx context.Context, def *activityDef, input json.RawMessage, override engine.ActivityOptions) (json.RawMessage, error) {
	policy := engine.ResolveRetryPolicy(engine.MergeRetryPolicies(def.opts.RetryPolicy, override.RetryPolicy))
	timeout := override.Timeout
	if timeout == 0 {
		timeout = def.opts.Timeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}

	interval := policy.InitialInterval
	var lastErr error
	for attempt := 1; ; attempt++ {
		actCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := def.invoke(actCtx, input)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt >= policy.MaxAttempts {
			break
		}
		e.logger.Debug(ctx, "activity retry", "activity", def.name, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * policy.BackoffCoefficient)
		if policy.MaximumInterval > 0 && interval > policy.MaximumInterval {
			interval = policy.MaximumInterval
		}
	}
	return nil, fmt.Errorf("activity %q failed after %d attempts: %w", def.name, policy.MaxAttempts, lastErr)
}

type handle struct {
	r *run
}

func (h *handle) WorkflowID() string {
	return h.r.id
}

func (h *handle) RunID() string {
	return h.r.id
}

func (h *handle) Wait(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.r.done:
	}
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if h.r.status != engine.StatusCompleted {
		return errors.New(h.r.errMsg)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(h.r.output, result)
}

func (w *wfCtx) Context() context.Context {
	return w.goCtx
}

func (w *wfCtx) WorkflowID() string {
	return w.r.id
}

func (w *wfCtx) RunID() string {
	return w.r.id
}

func (w *wfCtx) Now() time.Time {
	return time.Now()
}

func (w *wfCtx) Logger() engine.Logger {
	return &runLogger{ctx: w.goCtx, l: w.e.logger, workflowID: w.r.id}
}

// SetQueryHandler is a no-op for the in-memory engine; Describe reads run
// state directly.
func (w *wfCtx) SetQueryHandler(string, any) error {
	return nil
}

func (w *wfCtx) SetCustomStatus(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.r.mu.Lock()
	w.r.customStatus = raw
	w.r.mu.Unlock()
	return nil
}

func (w *wfCtx) ExecuteActivity(ctx context.Context, call engine.ActivityCall) (json.RawMessage, error) {
	fut, err := w.ExecuteActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *wfCtx) ExecuteActivityAsync(ctx context.Context, call engine.ActivityCall) (engine.Future[json.RawMessage], error) {
	if call.Name == "" {
		return nil, errors.New("activity name is required")
	}
	if err := w.gate(ctx); err != nil {
		return nil, err
	}
	def, err := w.e.activity(call.Name)
	if err != nil {
		return nil, err
	}
	input, err := toRaw(call.Input)
	if err != nil {
		return nil, fmt.Errorf("encode %q input: %w", call.Name, err)
	}

	fut := &activityFuture{w: w, ready: make(chan struct{})}
	go func() {
		defer close(fut.ready)
		fut.result, fut.err = w.e.invokeWithRetry(w.goCtx, def, input, call.Options)
	}()
	return fut, nil
}

func (w *wfCtx) WaitForEvent(_ context.Context, name string) (engine.Future[json.RawMessage], error) {
	if name == "" {
		return nil, errors.New("event name is required")
	}
	if engine.IsReservedEvent(name) {
		return nil, engine.ErrReservedEventName
	}
	w.r.mu.Lock()
	q := w.r.queues[name]
	if q == nil {
		q = &eventQueue{}
		w.r.queues[name] = q
	}
	ticket := q.tickets
	q.tickets++
	w.r.mu.Unlock()
	return &eventFuture{w: w, name: name, ticket: ticket}, nil
}

func (w *wfCtx) NewTimer(ctx context.Context, d time.Duration) (engine.Future[time.Time], error) {
	if err := w.gate(ctx); err != nil {
		return nil, err
	}
	return &timerFuture{w: w, deadline: time.Now().Add(d)}, nil
}

func (w *wfCtx) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if !w.r.isSuspended() && condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.goCtx.Done():
			return w.goCtx.Err()
		case <-ticker.C:
		}
	}
}

func (w *wfCtx) StartChildWorkflow(ctx context.Context, req engine.ChildWorkflowRequest) (engine.ChildHandle, error) {
	if err := w.gate(ctx); err != nil {
		return nil, err
	}
	_, err := w.e.StartWorkflow(w.goCtx, engine.StartRequest{
		ID:         req.ID,
		Workflow:   req.Workflow,
		TaskQueue:  req.TaskQueue,
		Input:      req.Input,
		RunTimeout: req.RunTimeout,
	})
	if err != nil {
		return nil, err
	}
	child, err := w.e.getRun(req.ID)
	if err != nil {
		return nil, err
	}
	return &childHandle{w: w, child: child}, nil
}

func (w *wfCtx) gate(ctx context.Context) error {
	if !w.r.isSuspended() {
		return nil
	}
	return w.Await(ctx, func() bool { return true })
}

func (r *run) isSuspended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suspended
}

func (r *run) eventAt(name string, ticket int) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[name]
	if q == nil || len(q.values) <= ticket {
		return nil, false
	}
	return q.values[ticket], true
}

type activityFuture struct {
	w      *wfCtx
	ready  chan struct{}
	result json.RawMessage
	err    error
}

func (f *activityFuture) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

func (f *activityFuture) Get(ctx context.Context) (json.RawMessage, error) {
	if err := f.w.Await(ctx, f.IsReady); err != nil {
		return nil, err
	}
	return f.result, f.err
}

type eventFuture struct {
	w      *wfCtx
	name   string
	ticket int
}

func (f *eventFuture) IsReady() bool {
	_, ok := f.w.r.eventAt(f.name, f.ticket)
	return ok
}

func (f *eventFuture) Get(ctx context.Context) (json.RawMessage, error) {
	if err := f.w.Await(ctx, f.IsReady); err != nil {
		return nil, err
	}
	raw, _ := f.w.r.eventAt(f.name, f.ticket)
	return raw, nil
}

type timerFuture struct {
	w        *wfCtx
	deadline time.Time
}

func (f *timerFuture) IsReady() bool {
	return !time.Now().Before(f.deadline)
}

func (f *timerFuture) Get(ctx context.Context) (time.Time, error) {
	if err := f.w.Await(ctx, f.IsReady); err != nil {
		return time.Time{}, err
	}
	return f.deadline, nil
}

type childHandle struct {
	w     *wfCtx
	child *run
}

func (h *childHandle) IsReady() bool {
	select {
	case <-h.child.done:
		return true
	default:
		return false
	}
}

func (h *childHandle) Get(ctx context.Context) (json.RawMessage, error) {
	if err := h.w.Await(ctx, h.IsReady); err != nil {
		return nil, err
	}
	h.child.mu.Lock()
	defer h.child.mu.Unlock()
	if h.child.status != engine.StatusCompleted {
		return nil, errors.New(h.child.errMsg)
	}
	return h.child.output, nil
}

func (h *childHandle) Cancel(ctx context.Context) error {
	err := h.w.e.Terminate(ctx, h.child.id, "canceled by parent")
	if errors.Is(err, engine.ErrWorkflowNotFound) {
		return nil
	}
	return err
}

type runLogger struct {
	ctx        context.Context
	l          telemetry.Logger
	workflowID string
}

func (l *runLogger) Debug(msg string, keyvals ...any) {
	l.l.Debug(l.ctx, msg, append([]any{"workflow_id", l.workflowID}, keyvals...)...)
}

func (l *runLogger) Info(msg string, keyvals ...any) {
	l.l.Info(l.ctx, msg, append([]any{"workflow_id", l.workflowID}, keyvals...)...)
}

func (l *runLogger) Warn(msg string, keyvals ...any) {
	l.l.Warn(l.ctx, msg, append([]any{"workflow_id", l.workflowID}, keyvals...)...)
}

func (l *runLogger) Error(msg string, keyvals ...any) {
	l.l.Error(l.ctx, msg, append([]any{"workflow_id", l.workflowID}, keyvals...)...)
}

func toRaw(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return t, nil
	case []byte:
		if json.Valid(t) {
			return json.RawMessage(t), nil
		}
	}
	return json.Marshal(v)
}
