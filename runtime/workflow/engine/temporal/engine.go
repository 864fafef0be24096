package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/weftworks/weft/runtime/workflow/engine"
	"github.com/weftworks/weft/telemetry"
)

// Options configures the Temporal engine adapter. Either a pre-configured
// Client or ClientOptions must be provided. The adapter wires OTEL
// instrumentation, manages per-queue workers, and auto-starts workers on
// first workflow execution unless disabled.
type Options struct {
	// Client is an optional pre-configured Temporal client. If nil, the
	// adapter creates a lazy client from ClientOptions, allowing automatic
	// OTEL interceptor installation.
	Client client.Client

	// ClientOptions describe how to construct the Temporal client when
	// Client is nil. Only connection fields (HostPort, Namespace, etc.) need
	// to be set; OTEL interceptors are configured automatically.
	ClientOptions *client.Options

	// Namespace scopes visibility operations such as Purge. Defaults to the
	// client options namespace, then "default".
	Namespace string

	// WorkerOptions configures worker defaults. TaskQueue must be set and
	// defines the default queue used when definitions omit one. A worker is
	// created per unique task queue.
	WorkerOptions WorkerOptions

	// Instrumentation toggles OTEL tracing and metrics for the client and
	// workers. Both are enabled by default.
	Instrumentation InstrumentationOptions

	// DisableWorkerAutoStart disables automatic worker startup on first
	// workflow execution. Set it when registration order must be controlled
	// manually through Worker().
	DisableWorkerAutoStart bool

	// Logger emits worker lifecycle logs. If nil, a noop logger is used.
	Logger telemetry.Logger

	// Metrics records engine-level metrics. If nil, a noop recorder is used.
	Metrics telemetry.Metrics

	// Tracer creates engine-level spans. If nil, a noop tracer is used.
	Tracer telemetry.Tracer
}

// WorkerOptions configures the shared worker settings applied to all task
// queues managed by the engine.
type WorkerOptions struct {
	// TaskQueue is the default queue name used when workflow and activity
	// definitions omit a queue. Required.
	TaskQueue string

	// Options are passed directly to Temporal's worker.New constructor.
	Options worker.Options
}

// InstrumentationOptions configures how the engine wires OpenTelemetry
// tracing and metrics into the Temporal client and workers.
type InstrumentationOptions struct {
	// DisableTracing skips installing the OTEL tracing interceptor.
	DisableTracing bool

	// DisableMetrics skips installing the OTEL metrics handler.
	DisableMetrics bool

	// TracerOptions customize the OTEL tracing interceptor.
	TracerOptions temporalotel.TracerOptions

	// MetricsOptions customize the OTEL metrics handler.
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine implements engine.Engine using Temporal as the durable execution
// backend. It manages workflow and activity registration, per-queue worker
// lifecycle, and the lifecycle operations (describe, terminate, suspend,
// resume, purge) the control plane exposes.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	client      client.Client
	closeClient bool
	namespace   string

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu              sync.Mutex
	workers         map[string]*workerBundle
	workersStarted  bool
	workflows       map[string]engine.WorkflowDefinition
	activityOptions map[string]engine.ActivityOptions
}

// New constructs a Temporal engine adapter. Either Client or ClientOptions
// must be provided, and WorkerOptions must carry a default task queue.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, fmt.Errorf("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	namespace := opts.Namespace
	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
		if namespace == "" {
			namespace = clientOpts.Namespace
		}
	}
	if namespace == "" {
		namespace = "default"
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		namespace:         namespace,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		metrics:           metrics,
		tracer:            tracer,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}, nil
}

// RegisterWorkflow registers a workflow body with the Temporal worker for
// its task queue. The body is wrapped so it receives the adapter's
// WorkflowContext with event pumps and the suspend gate installed.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: workflow name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("temporal engine: workflow %q has no handler", def.Name)
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input json.RawMessage) (any, error) {
		return def.Handler(newWorkflowContext(e, tctx), input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity registers an activity handler with the Temporal worker
// for its task queue. Temporal decodes the JSON input payload directly into
// the handler's input type; per-activity defaults are retained for use when
// bodies schedule the activity without overrides.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: activity name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("temporal engine: activity %q has no handler", def.Name)
	}
	queue := def.Options.Queue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerActivity(def.Name, def.Handler)

	e.mu.Lock()
	e.activityOptions[def.Name] = def.Options
	e.mu.Unlock()
	return nil
}

// StartWorkflow launches a new instance on Temporal. The task queue resolves
// request → definition → engine default. Starting an id held by a running
// instance returns engine.ErrDuplicateWorkflowID; closed ids may be reused.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.StartRequest) (engine.Handle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	if req.ID == "" {
		return nil, fmt.Errorf("temporal engine: workflow id is required")
	}
	def, err := e.workflowDefinition(req.Workflow)
	if err != nil {
		return nil, err
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{
		ID:                 req.ID,
		TaskQueue:          queue,
		WorkflowRunTimeout: req.RunTimeout,
		Memo:               req.Memo,
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil, fmt.Errorf("workflow %q: %w", req.ID, engine.ErrDuplicateWorkflowID)
		}
		return nil, err
	}
	return &workflowHandle{run: run}, nil
}

// RaiseEvent delivers an external event as a Temporal signal.
func (e *Engine) RaiseEvent(ctx context.Context, workflowID, name string, payload any) error {
	if workflowID == "" {
		return fmt.Errorf("temporal engine: workflow id is required")
	}
	if engine.IsReservedEvent(name) {
		return fmt.Errorf("%q: %w", name, engine.ErrReservedEventName)
	}
	return mapNotFound(e.client.SignalWorkflow(ctx, workflowID, "", name, payload), workflowID)
}

// Describe returns the current state of an instance, combining the Temporal
// execution description with the custom status and suspended queries.
// Queries are best-effort: a closed instance with no worker available keeps
// its lifecycle fields and loses only the custom status.
func (e *Engine) Describe(ctx context.Context, workflowID string) (*engine.WorkflowState, error) {
	resp, err := e.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return nil, mapNotFound(err, workflowID)
	}
	info := resp.GetWorkflowExecutionInfo()
	state := &engine.WorkflowState{
		WorkflowID: workflowID,
		Status:     engine.StatusUnknown,
	}
	if exec := info.GetExecution(); exec != nil {
		state.RunID = exec.GetRunId()
	}
	if wt := info.GetType(); wt != nil {
		state.Name = wt.GetName()
	}
	if ts := info.GetStartTime(); ts != nil {
		state.StartedAt = ts.AsTime()
	}
	if ts := info.GetCloseTime(); ts != nil {
		state.CompletedAt = ts.AsTime()
	}
	state.Memo = decodeMemo(info.GetMemo())

	switch info.GetStatus() {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		state.Status = engine.StatusRunning
		if suspended, qerr := e.querySuspended(ctx, workflowID); qerr == nil && suspended {
			state.Status = engine.StatusSuspended
		}
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		state.Status = engine.StatusCompleted
		var out json.RawMessage
		if gerr := e.client.GetWorkflow(ctx, workflowID, state.RunID).Get(ctx, &out); gerr == nil {
			state.Output = out
		}
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:
		state.Status = engine.StatusFailed
		state.Error = e.closeError(ctx, workflowID, state.RunID)
	case enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		state.Status = engine.StatusFailed
		state.Error = "workflow run timed out"
	case enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED,
		enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:
		state.Status = engine.StatusTerminated
		state.Error = e.closeError(ctx, workflowID, state.RunID)
	case enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		state.Status = engine.StatusRunning
	}

	if raw, qerr := e.queryCustomStatus(ctx, workflowID); qerr == nil {
		state.CustomStatus = raw
	}
	return state, nil
}

// Terminate forcefully stops a running instance.
func (e *Engine) Terminate(ctx context.Context, workflowID, reason string) error {
	return mapNotFound(e.client.TerminateWorkflow(ctx, workflowID, "", reason), workflowID)
}

// Suspend pauses a running instance via the reserved control signal.
func (e *Engine) Suspend(ctx context.Context, workflowID, reason string) error {
	return mapNotFound(e.client.SignalWorkflow(ctx, workflowID, "", engine.SignalSuspend, reason), workflowID)
}

// Resume releases a suspended instance via the reserved control signal.
func (e *Engine) Resume(ctx context.Context, workflowID, reason string) error {
	return mapNotFound(e.client.SignalWorkflow(ctx, workflowID, "", engine.SignalResume, reason), workflowID)
}

// Purge removes the retained history and visibility record of a closed
// instance.
func (e *Engine) Purge(ctx context.Context, workflowID string) error {
	_, err := e.client.WorkflowService().DeleteWorkflowExecution(ctx, &workflowservice.DeleteWorkflowExecutionRequest{
		Namespace: e.namespace,
		WorkflowExecution: &commonpb.WorkflowExecution{
			WorkflowId: workflowID,
		},
	})
	return mapNotFound(err, workflowID)
}

// Worker returns a controller for manual worker lifecycle management. When
// auto-start is active (default) it is optional.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close stops all workers and closes the Temporal client if the engine
// created it. Call during shutdown.
func (e *Engine) Close() error {
	e.Worker().Stop()
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) querySuspended(ctx context.Context, workflowID string) (bool, error) {
	val, err := e.client.QueryWorkflow(ctx, workflowID, "", engine.QuerySuspended)
	if err != nil {
		return false, err
	}
	var suspended bool
	if err := val.Get(&suspended); err != nil {
		return false, err
	}
	return suspended, nil
}

func (e *Engine) queryCustomStatus(ctx context.Context, workflowID string) (json.RawMessage, error) {
	val, err := e.client.QueryWorkflow(ctx, workflowID, "", engine.QueryCustomStatus)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := val.Get(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (e *Engine) closeError(ctx context.Context, workflowID, runID string) string {
	if err := e.client.GetWorkflow(ctx, workflowID, runID).Get(ctx, nil); err != nil {
		return err.Error()
	}
	return ""
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	if queue == "" {
		return nil, fmt.Errorf("temporal engine: no task queue configured")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}

	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{
		queue:  queue,
		worker: w,
		logger: e.logger,
	}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) workflowDefinition(name string) (engine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.workflows[name]
	if !ok {
		return engine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
	}
	return def, nil
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func mapNotFound(err error, workflowID string) error {
	if err == nil {
		return nil
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("workflow %q: %w", workflowID, engine.ErrWorkflowNotFound)
	}
	return err
}

func decodeMemo(memo *commonpb.Memo) map[string]any {
	fields := memo.GetFields()
	if len(fields) == 0 {
		return nil
	}
	dc := converter.GetDefaultDataConverter()
	out := make(map[string]any, len(fields))
	for k, payload := range fields {
		var v any
		if err := dc.FromPayload(payload, &v); err == nil {
			out[k] = v
		}
	}
	return out
}

// WorkerController manages worker lifecycle for all task queues managed by
// the engine. Obtain one via Engine.Worker. Multiple controllers share
// state, so start and stop operations affect all workers globally.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers. Workers registered afterwards are
// auto-started as they are created.
func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

// Stop gracefully stops all workers managed by the engine.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()

	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		b.started = true
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.stopOnce.Do(func() {
		if b.started {
			b.worker.Stop()
		}
	})
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run client.WorkflowRun
}

func (h *workflowHandle) WorkflowID() string {
	return h.run.GetID()
}

func (h *workflowHandle) RunID() string {
	return h.run.GetRunID()
}

func (h *workflowHandle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}
