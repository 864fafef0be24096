// Package engine defines the durable execution abstractions the workflow
// runtime is built on. It provides pluggable interfaces so the interpreter
// and planner workflows can target Temporal, in-memory, or custom backends
// without modification.
//
// # Core Abstractions
//
//   - Engine: Registers workflows and activities, starts instances, raises
//     external events, and answers lifecycle queries (describe, terminate,
//     suspend, resume, purge). The control plane talks to an Engine only.
//
//   - WorkflowContext: Provides deterministic operations inside workflow
//     bodies. Bodies use it to schedule activities, arm timers, wait for
//     external events, start child workflows, and publish custom status.
//     Implementations must ensure replay-safe behavior.
//
//   - Future[T]: Represents a pending result (activity, timer, or external
//     event). Futures let a body arm several sources and race them with
//     AwaitAny without draining them in a fixed order.
//
//   - Handle: Represents a started instance. Callers use handles to wait for
//     completion or correlate ids.
//
// # Available Implementations
//
// Two engine implementations ship with weft:
//
//   - temporal: Production durable execution backed by Temporal. Supports
//     replay, long timers, and distributed workers.
//
//   - inmem: In-process execution for development and tests. No durability;
//     every instance runs on its own goroutine with real timers.
//
// # Determinism Requirements
//
// Workflow bodies run in a deterministic environment where the same input
// and history must produce the same decisions. WorkflowContext enforces this
// by providing Now() instead of time.Now(), requiring activities for all
// I/O, and delivering external events through replay-safe queues. Activity
// handlers are NOT deterministic and can perform arbitrary I/O; the engine
// records their results and replays them during recovery.
//
// Every activity input and output crosses the engine boundary as JSON, so a
// value observed by a body is always the JSON round-trip of what the handler
// produced, on every backend.
//
// # External Events
//
// Events raised with RaiseEvent are delivered by name to the waiting
// instance. Events queue: raising an event nobody is waiting for yet buffers
// it until a body arms a matching WaitForEvent. Names beginning with the
// reserved prefix are used for engine control signals and are rejected.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// RuntimeStatus is the lifecycle state of a workflow instance. The values
// are surfaced verbatim by the status endpoints.
type RuntimeStatus string

const (
	// StatusPending indicates the instance was accepted but has not started.
	StatusPending RuntimeStatus = "PENDING"
	// StatusRunning indicates the instance is actively executing.
	StatusRunning RuntimeStatus = "RUNNING"
	// StatusSuspended indicates the instance is paused; external events
	// buffer until resume.
	StatusSuspended RuntimeStatus = "SUSPENDED"
	// StatusCompleted indicates the instance finished successfully.
	StatusCompleted RuntimeStatus = "COMPLETED"
	// StatusFailed indicates the instance failed permanently.
	StatusFailed RuntimeStatus = "FAILED"
	// StatusTerminated indicates the instance was terminated externally.
	StatusTerminated RuntimeStatus = "TERMINATED"
	// StatusUnknown indicates the backend reported a state this package does
	// not model.
	StatusUnknown RuntimeStatus = "UNKNOWN"
)

// Closed reports whether the status is terminal.
func (s RuntimeStatus) Closed() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

var (
	// ErrWorkflowNotFound indicates that no instance exists for the given id.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrDuplicateWorkflowID indicates a start collided with a running
	// instance using the same id.
	ErrDuplicateWorkflowID = errors.New("workflow id already in use")
	// ErrReservedEventName indicates an attempt to raise an event whose name
	// is reserved for engine control signals.
	ErrReservedEventName = errors.New("event name is reserved")
)

// reservedPrefix namespaces engine control signals away from user events.
const reservedPrefix = "__weft_"

// Control signals and queries shared by all engine adapters.
const (
	// SignalSuspend pauses an instance at its next blocking primitive.
	SignalSuspend = reservedPrefix + "suspend"
	// SignalResume releases a suspended instance.
	SignalResume = reservedPrefix + "resume"

	// QueryCustomStatus returns the raw custom status last published by the
	// body via SetCustomStatus.
	QueryCustomStatus = "custom_status"
	// QuerySuspended returns whether the instance is currently suspended.
	QuerySuspended = "suspended"
)

// IsReservedEvent reports whether name belongs to the engine control
// namespace and must not be raised by callers.
func IsReservedEvent(name string) bool {
	return strings.HasPrefix(name, reservedPrefix)
}

type (
	// Engine abstracts durable workflow execution so adapters (Temporal,
	// in-memory, or custom) can be swapped without touching workflow bodies
	// or the control plane.
	Engine interface {
		// RegisterWorkflow registers a workflow body under a logical name.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity handler. Handler must be a
		// func(context.Context, *In) (*Out, error) or
		// func(context.Context, *In) error where In and Out are JSON-shaped.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow launches a new instance and returns a handle. Returns
		// ErrDuplicateWorkflowID when the id is held by a running instance.
		StartWorkflow(ctx context.Context, req StartRequest) (Handle, error)

		// RaiseEvent delivers an external event to an instance by name. The
		// payload is serialized by the backend. Events raised while the
		// instance is suspended buffer until resume. Returns
		// ErrWorkflowNotFound when the instance does not exist or is closed,
		// and ErrReservedEventName for reserved names.
		RaiseEvent(ctx context.Context, workflowID, name string, payload any) error

		// Describe returns the current state of an instance: status, custom
		// status, output or error when closed, and timing metadata.
		Describe(ctx context.Context, workflowID string) (*WorkflowState, error)

		// Terminate forcefully stops a running instance.
		Terminate(ctx context.Context, workflowID, reason string) error

		// Suspend pauses a running instance at its next blocking primitive.
		Suspend(ctx context.Context, workflowID, reason string) error

		// Resume releases a suspended instance.
		Resume(ctx context.Context, workflowID, reason string) error

		// Purge removes all retained state of a closed instance. Purging a
		// running instance fails.
		Purge(ctx context.Context, workflowID string) error

		// Close releases backend resources. Instances owned by other
		// processes are unaffected.
		Close() error
	}

	// WorkflowDefinition binds a workflow body to a logical name and default
	// task queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine.
		Name string
		// TaskQueue is the default queue used when starting new instances.
		TaskQueue string
		// Handler is the workflow body invoked by the engine.
		Handler WorkflowFunc
	}

	// WorkflowFunc is a workflow body entry point. The input is the JSON
	// serialization of the start payload; the returned value is serialized as
	// the instance output. Bodies must be deterministic with respect to
	// activity results and external events.
	WorkflowFunc func(ctx WorkflowContext, input json.RawMessage) (any, error)

	// ActivityDefinition binds an activity handler to a name with default
	// execution options.
	ActivityDefinition struct {
		// Name is the identifier bodies use to schedule the activity.
		Name string
		// Options are the defaults applied when a call does not override.
		Options ActivityOptions
		// Handler is the activity function. See Engine.RegisterActivity for
		// the accepted signatures.
		Handler any
	}

	// WorkflowContext exposes engine operations to workflow bodies within
	// the deterministic execution environment of an instance.
	//
	// Thread-safety: a WorkflowContext is bound to a single instance and
	// must not be shared across goroutines. Lifecycle: created by the engine
	// when the body starts and valid until it returns.
	WorkflowContext interface {
		// Context returns the Go context for the instance, used for
		// cancellation propagation into activity calls.
		Context() context.Context

		// WorkflowID returns the instance id.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// Now returns the current workflow time deterministically.
		Now() time.Time

		// Logger returns a replay-safe logger for the body.
		Logger() Logger

		// SetQueryHandler registers a read-only query handler external
		// clients can invoke to inspect instance state. Handlers must be
		// deterministic and side-effect free.
		SetQueryHandler(name string, handler any) error

		// SetCustomStatus publishes a status snapshot readable through
		// Describe and the QueryCustomStatus query. The value is serialized
		// immediately.
		SetCustomStatus(v any) error

		// ExecuteActivity schedules an activity and blocks until it
		// completes, returning the raw JSON result.
		ExecuteActivity(ctx context.Context, call ActivityCall) (json.RawMessage, error)

		// ExecuteActivityAsync schedules an activity and returns a Future so
		// bodies can race it against timers and events.
		ExecuteActivityAsync(ctx context.Context, call ActivityCall) (Future[json.RawMessage], error)

		// WaitForEvent arms a one-shot subscription to the named external
		// event and returns its Future. Events queue per name: each call
		// consumes the next delivery in arrival order, and an event raised
		// before the call resolves the Future immediately.
		WaitForEvent(ctx context.Context, name string) (Future[json.RawMessage], error)

		// NewTimer returns a Future that becomes ready after d elapses in
		// workflow time. A non-positive duration produces a Future that is
		// already ready.
		NewTimer(ctx context.Context, d time.Duration) (Future[time.Time], error)

		// Await blocks until condition returns true or ctx is done. The
		// condition must be deterministic and side-effect free. While the
		// instance is suspended Await does not return, even if the condition
		// holds.
		Await(ctx context.Context, condition func() bool) error

		// StartChildWorkflow starts a child instance and returns a handle to
		// await its completion.
		StartChildWorkflow(ctx context.Context, req ChildWorkflowRequest) (ChildHandle, error)
	}

	// Logger is the replay-safe logging surface available to workflow
	// bodies. Adapters route it to a backend that suppresses duplicate
	// output during replay.
	Logger interface {
		Debug(msg string, keyvals ...any)
		Info(msg string, keyvals ...any)
		Warn(msg string, keyvals ...any)
		Error(msg string, keyvals ...any)
	}

	// Future represents a pending result that becomes available once its
	// source (activity, timer, or external event) completes.
	//
	// Thread-safety: futures are bound to a single instance and must not be
	// shared across instances. Calling Get multiple times returns the same
	// result. IsReady enables racing several futures without blocking.
	Future[T any] interface {
		// Get blocks until the result is available and returns it.
		Get(ctx context.Context) (T, error)

		// IsReady reports whether Get will return without blocking.
		IsReady() bool
	}

	// ActivityCall describes a single activity invocation from inside a
	// workflow body.
	ActivityCall struct {
		// Name identifies the registered activity.
		Name string
		// Input is the payload passed to the handler. It is serialized to
		// JSON at the engine boundary.
		Input any
		// Options override the registered defaults for this invocation.
		Options ActivityOptions
	}

	// ActivityOptions configure retry and timeout behavior for an activity.
	ActivityOptions struct {
		// Queue overrides the activity queue. If empty, the activity inherits
		// the workflow's task queue.
		Queue string
		// RetryPolicy controls retry behavior. Zero-valued fields fall back
		// to DefaultRetryPolicy.
		RetryPolicy RetryPolicy
		// Timeout bounds a single activity attempt. Zero means one minute.
		Timeout time.Duration
	}

	// RetryPolicy defines retry semantics for activities. Zero-valued fields
	// mean the corresponding DefaultRetryPolicy field applies.
	RetryPolicy struct {
		// MaxAttempts caps the total number of attempts.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry.
		BackoffCoefficient float64
		// MaximumInterval caps the delay between retries.
		MaximumInterval time.Duration
	}

	// StartRequest describes how to launch a workflow instance.
	StartRequest struct {
		// ID is the instance id, unique among running instances.
		ID string
		// Workflow names the registered workflow definition to execute.
		Workflow string
		// TaskQueue selects the queue to schedule on. Empty means the
		// definition's queue.
		TaskQueue string
		// Input is the start payload, serialized to JSON at the boundary.
		Input any
		// Memo stores small diagnostic values alongside the instance.
		Memo map[string]any
		// RunTimeout bounds total execution time. Zero means no limit.
		RunTimeout time.Duration
	}

	// Handle allows callers to interact with a started instance.
	Handle interface {
		// WorkflowID returns the instance id.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// Wait blocks until the instance completes and decodes its output
		// into result when result is non-nil.
		Wait(ctx context.Context, result any) error
	}

	// WorkflowState is a point-in-time snapshot of an instance.
	WorkflowState struct {
		// WorkflowID is the instance id.
		WorkflowID string
		// RunID is the engine-assigned run identifier.
		RunID string
		// Name is the registered workflow name when the backend reports it.
		Name string
		// Status is the current lifecycle state.
		Status RuntimeStatus
		// CustomStatus is the raw snapshot last published by the body.
		// Backends differ in how many times the value gets re-encoded as a
		// JSON string; readers must unwrap until a non-string remains.
		CustomStatus json.RawMessage
		// Output is the serialized result, set once Status is COMPLETED.
		Output json.RawMessage
		// Error is the failure or termination message for closed instances.
		Error string
		// StartedAt is when the instance began executing.
		StartedAt time.Time
		// CompletedAt is when the instance closed; zero while open.
		CompletedAt time.Time
		// Memo echoes the start request memo when the backend retains it.
		Memo map[string]any
	}

	// ChildWorkflowRequest describes a child instance to start from within a
	// running body.
	ChildWorkflowRequest struct {
		// ID is the child instance id.
		ID string
		// Workflow names the registered workflow definition to execute.
		Workflow string
		// TaskQueue selects the queue to schedule the child on.
		TaskQueue string
		// Input is the child start payload.
		Input any
		// RunTimeout bounds total child execution time.
		RunTimeout time.Duration
	}

	// ChildHandle allows a parent body to await a child instance.
	ChildHandle interface {
		// Get blocks until the child completes and returns its raw result.
		Get(ctx context.Context) (json.RawMessage, error)
		// IsReady reports whether the child has closed.
		IsReady() bool
		// Cancel requests cancellation of the child instance.
		Cancel(ctx context.Context) error
	}
)

// DefaultRetryPolicy is applied to activity calls whose policy fields are
// zero: three attempts starting two seconds apart, doubling up to thirty
// seconds.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:        3,
	InitialInterval:    2 * time.Second,
	BackoffCoefficient: 2.0,
	MaximumInterval:    30 * time.Second,
}

// Awaitable is the readiness surface shared by futures with distinct result
// types, letting AwaitAny race them together.
type Awaitable interface {
	IsReady() bool
}

// AwaitAny blocks until at least one of the futures is ready and returns the
// index of the first ready future in argument order. Abandoned futures keep
// their buffered results; racing an event against a timer and walking away
// from the loser is the intended use.
func AwaitAny(ctx context.Context, wf WorkflowContext, futures ...Awaitable) (int, error) {
	if len(futures) == 0 {
		return 0, errors.New("await any: no futures")
	}
	winner := -1
	err := wf.Await(ctx, func() bool {
		for i, f := range futures {
			if f.IsReady() {
				winner = i
				return true
			}
		}
		return false
	})
	if err != nil {
		return 0, err
	}
	return winner, nil
}

// MergeRetryPolicies overlays non-zero fields of override onto base.
func MergeRetryPolicies(base, override RetryPolicy) RetryPolicy {
	result := base
	if override.MaxAttempts != 0 {
		result.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient != 0 {
		result.BackoffCoefficient = override.BackoffCoefficient
	}
	if override.MaximumInterval != 0 {
		result.MaximumInterval = override.MaximumInterval
	}
	return result
}

// ResolveRetryPolicy fills the zero fields of p from DefaultRetryPolicy.
func ResolveRetryPolicy(p RetryPolicy) RetryPolicy {
	return MergeRetryPolicies(DefaultRetryPolicy, p)
}
