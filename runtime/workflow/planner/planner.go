// Package planner implements the planner workflow: a fixed four-phase body
// (plan, persist, await approval, execute) that turns a feature request into
// an approved task plan and runs it.
//
// Unlike the dynamic workflow the shape here never varies; what varies is
// the side-channel traffic. Every phase transition streams a progress event,
// and when the run was started as a child the outcome of each half is
// mirrored to the waiting parent through completion envelopes on the events
// topic. The body runs under replay: timestamps come from workflow time and
// all I/O goes through activities.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/runtime/workflow/engine"
)

// defaultApprovalWindow bounds how long a plan may sit unapproved.
const defaultApprovalWindow = 24 * time.Hour

// Config carries registration settings for the planner workflow.
type Config struct {
	// TaskQueue is the queue the workflow and its activities run on.
	TaskQueue string
	// ApprovalTimeout overrides the plan approval window. Zero means 24
	// hours.
	ApprovalTimeout time.Duration
}

// Register installs the planner workflow body on the engine.
func Register(ctx context.Context, eng engine.Engine, cfg Config) error {
	window := cfg.ApprovalTimeout
	if window <= 0 {
		window = defaultApprovalWindow
	}
	return eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      api.WorkflowPlanner,
		TaskQueue: cfg.TaskQueue,
		Handler: func(wf engine.WorkflowContext, input json.RawMessage) (any, error) {
			return execute(wf, input, window)
		},
	})
}

// Run executes one planner instance with the default approval window.
func Run(wf engine.WorkflowContext, input json.RawMessage) (any, error) {
	return execute(wf, input, defaultApprovalWindow)
}

// bestEffortOptions bound side-channel activities (status streams, audit,
// callbacks) so broker or database trouble cannot wedge the body.
var bestEffortOptions = engine.ActivityOptions{
	RetryPolicy: engine.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Second},
	Timeout:     10 * time.Second,
}

func execute(wf engine.WorkflowContext, input json.RawMessage, window time.Duration) (any, error) {
	var in api.PlannerInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode planner input: %w", err)
	}
	if in.FeatureRequest == "" {
		return nil, errors.New("feature_request is required")
	}
	r := &run{wf: wf, in: in, window: window, startedAt: wf.Now()}
	return r.execute(), nil
}

// run is the per-instance planner state.
type run struct {
	wf     engine.WorkflowContext
	in     api.PlannerInput
	window time.Duration

	tasks     []map[string]any
	progress  int
	startedAt time.Time
}

func (r *run) execute() api.PlannerResult {
	id := r.wf.WorkflowID()
	ctx := r.wf.Context()

	r.publishStream(api.StreamStarted, map[string]any{
		"workflow_id":     id,
		"feature_request": r.in.FeatureRequest,
	})

	// Planning.
	r.setPhase(api.PhasePlanning, 10, "Planning tasks")
	var plan api.PlanningResult
	raw, err := r.wf.ExecuteActivity(ctx, engine.ActivityCall{
		Name:  api.ActivityPlannerPlanning,
		Input: &api.PlanningInput{WorkflowID: id, FeatureRequest: r.in.FeatureRequest},
	})
	if err == nil {
		err = json.Unmarshal(raw, &plan)
	}
	if err == nil && !plan.Success {
		msg := plan.Error
		if msg == "" {
			msg = "planning failed"
		}
		err = errors.New(msg)
	}
	if err != nil {
		r.notifyPlanning(false, err.Error())
		return r.fail(api.PhasePlanning, err.Error(), "Planning failed: "+err.Error())
	}
	r.tasks = plan.Tasks

	// Persist.
	r.setPhase(api.PhasePersisting, 30, "Persisting task plan")
	if _, err := r.wf.ExecuteActivity(ctx, engine.ActivityCall{
		Name:  api.ActivityPersistTasks,
		Input: &api.PersistTasksInput{WorkflowID: id, Tasks: r.tasks},
	}); err != nil {
		r.notifyPlanning(false, err.Error())
		return r.fail(api.PhasePersisting, err.Error(), "Persisting tasks failed: "+err.Error())
	}

	// Present the plan. The planning envelope goes out after the awaiting
	// status so that a parent reacting to it always observes the gate armed.
	message := fmt.Sprintf("Plan ready: %d tasks awaiting approval", len(r.tasks))
	r.progress = 50
	r.setStatus(api.CustomStatus{
		Phase:             api.PhaseAwaitingApproval,
		Progress:          50,
		Message:           message,
		ApprovalEventName: api.PlanApprovalEvent(id),
	})
	r.publishPhase(api.PhaseAwaitingApproval, 50, message, map[string]any{"task_count": len(r.tasks)})
	r.stepUpdate(api.PhaseAwaitingApproval)
	r.notifyPlanning(true, "")

	// Approval.
	requested := r.wf.Now()
	r.audit("approval_request", "running", map[string]any{
		"event_name":      api.PlanApprovalEvent(id),
		"timeout_seconds": int(r.window / time.Second),
		"task_count":      len(r.tasks),
	}, "", requested)

	decision, err := r.wf.WaitForEvent(ctx, api.PlanApprovalEvent(id))
	if err != nil {
		return r.fail(api.PhaseApproval, err.Error(), err.Error())
	}
	timeout, err := r.wf.NewTimer(ctx, r.window)
	if err != nil {
		return r.fail(api.PhaseApproval, err.Error(), err.Error())
	}
	winner, err := engine.AwaitAny(ctx, r.wf, decision, timeout)
	if err != nil {
		return r.fail(api.PhaseApproval, err.Error(), err.Error())
	}
	if winner == 1 {
		const msg = "Timed out waiting for approval"
		r.audit("approval_timeout", "error", nil, msg, requested)
		r.notifyExecution(false, msg, nil)
		return r.fail(api.PhaseApproval, msg,
			fmt.Sprintf("Approval timed out after %d hours", int(r.window.Hours())))
	}

	rawEvent, err := decision.Get(ctx)
	if err != nil {
		return r.fail(api.PhaseApproval, err.Error(), err.Error())
	}
	var approval api.ApprovalDecision
	if err := json.Unmarshal(rawEvent, &approval); err != nil {
		approval = api.ApprovalDecision{Approved: false, Reason: "undecodable approval payload"}
	}
	if !approval.Approved {
		reason := approval.Reason
		if reason == "" {
			reason = "no reason provided"
		}
		msg := "Plan rejected: " + reason
		r.audit("approval_response", "error", map[string]any{"approved": false, "approver": approval.Approver}, msg, requested)
		r.notifyExecution(false, msg, nil)
		return r.fail(api.PhaseApproval, msg, msg)
	}
	r.audit("approval_response", "success", map[string]any{"approved": true, "approver": approval.Approver}, "", requested)

	// Execution.
	r.setPhase(api.PhaseExecuting, 60, "Executing plan")
	r.publishStream(api.StreamExecutionStarted, map[string]any{
		"workflow_id": id,
		"task_count":  len(r.tasks),
	})
	var exec api.ExecutionResult
	raw, err = r.wf.ExecuteActivity(ctx, engine.ActivityCall{
		Name:  api.ActivityPlannerExecution,
		Input: &api.ExecutionInput{WorkflowID: id, FeatureRequest: r.in.FeatureRequest, Tasks: r.tasks},
	})
	if err == nil {
		err = json.Unmarshal(raw, &exec)
	}
	if err == nil && !exec.Success {
		msg := exec.Error
		if msg == "" {
			msg = "execution failed"
		}
		err = errors.New(msg)
	}
	if err != nil {
		r.publishStream(api.StreamExecutionCompleted, map[string]any{
			"workflow_id": id, "success": false, "error": err.Error(),
		})
		r.notifyExecution(false, err.Error(), nil)
		return r.fail(api.PhaseExecuting, err.Error(), "Execution failed: "+err.Error())
	}

	r.publishStream(api.StreamExecutionCompleted, map[string]any{
		"workflow_id": id, "success": true, "task_count": len(r.tasks),
	})
	r.notifyExecution(true, "", exec.Result)

	result := api.PlannerResult{
		Success:    true,
		WorkflowID: id,
		TaskCount:  len(r.tasks),
		Tasks:      r.tasks,
	}
	r.setStatus(api.CustomStatus{Phase: api.PhaseCompleted, Progress: 100, Message: "Plan executed successfully"})
	r.publishPhase(api.PhaseCompleted, 100, "Plan executed successfully", nil)
	r.callback(api.ActivitySendAPCallback, "completed", result)
	r.wf.Logger().Info("planner completed",
		"workflow_id", id,
		"task_count", len(r.tasks),
		"duration_ms", r.wf.Now().Sub(r.startedAt).Milliseconds())
	return result
}

// fail finishes the run in the named phase. The status API shows
// statusMessage; the result carries errMsg verbatim.
func (r *run) fail(phase, errMsg, statusMessage string) api.PlannerResult {
	result := api.PlannerResult{Success: false, Phase: phase, Error: errMsg}
	r.setStatus(api.CustomStatus{Phase: api.PhaseFailed, Progress: r.progress, Message: statusMessage})
	r.publishPhase(api.PhaseFailed, r.progress, statusMessage, map[string]any{"failed_phase": phase})
	r.callback(api.ActivitySendAPCallback, "failed", result)
	r.wf.Logger().Error("planner failed", "phase", phase, "error", errMsg)
	return result
}

// setPhase publishes one forward phase transition on every channel.
func (r *run) setPhase(phase string, progress int, message string) {
	r.progress = progress
	r.setStatus(api.CustomStatus{Phase: phase, Progress: progress, Message: message})
	r.publishPhase(phase, progress, message, nil)
	r.stepUpdate(phase)
}

func (r *run) setStatus(s api.CustomStatus) {
	if err := r.wf.SetCustomStatus(s); err != nil {
		r.wf.Logger().Warn("custom status update failed", "error", err)
	}
}

// publishPhase streams a phase_changed event. Failures are logged and
// swallowed; progress streaming never fails a run.
func (r *run) publishPhase(phase string, progress int, message string, extra map[string]any) {
	input := api.PhaseChangedInput{
		WorkflowID: r.wf.WorkflowID(),
		Phase:      phase,
		Progress:   progress,
		Message:    message,
		Extra:      extra,
	}
	if _, err := r.wf.ExecuteActivity(r.wf.Context(), engine.ActivityCall{
		Name:    api.ActivityPublishPhaseChanged,
		Input:   &input,
		Options: bestEffortOptions,
	}); err != nil {
		r.wf.Logger().Warn("phase event publish failed", "error", err)
	}
}

// publishStream emits one lifecycle event on the stream topic. The publish
// activity stamps envelope id, time, and source.
func (r *run) publishStream(eventType string, data map[string]any) {
	input := api.PublishEventInput{
		Topic: api.TopicStream,
		Event: api.Envelope{
			Type:       eventType,
			WorkflowID: r.wf.WorkflowID(),
			Data:       api.JSON(data),
			Timestamp:  r.wf.Now().UTC().Format(time.RFC3339),
		},
	}
	if _, err := r.wf.ExecuteActivity(r.wf.Context(), engine.ActivityCall{
		Name:    api.ActivityPublishEvent,
		Input:   &input,
		Options: bestEffortOptions,
	}); err != nil {
		r.wf.Logger().Warn("stream event publish failed", "event_type", eventType, "error", err)
	}
}

// notifyPlanning mirrors the planning outcome to a waiting parent.
func (r *run) notifyPlanning(success bool, errMsg string) {
	data := api.CompletionData{
		Type:    api.CompletionPlannerPlanning,
		Success: &success,
		Error:   errMsg,
	}
	if success {
		data.Tasks = r.tasks
		data.TaskCount = len(r.tasks)
	}
	r.notifyParent(data)
}

// notifyExecution mirrors the execution outcome to a waiting parent. Runs
// that never reach execution (approval timeout, rejection) still notify so
// the parent is released before its own timer fires.
func (r *run) notifyExecution(success bool, errMsg string, result json.RawMessage) {
	data := api.CompletionData{
		Type:    api.CompletionPlannerExecution,
		Success: &success,
		Error:   errMsg,
		Result:  result,
	}
	if success {
		data.Tasks = r.tasks
		data.TaskCount = len(r.tasks)
	}
	r.notifyParent(data)
}

// notifyParent publishes one completion envelope on the events topic. The
// bridge turns it into an external event on the parent instance.
func (r *run) notifyParent(data api.CompletionData) {
	if r.in.ParentExecutionID == "" {
		return
	}
	data.ParentExecutionID = r.in.ParentExecutionID
	data.WorkflowID = r.wf.WorkflowID()
	data.Timestamp = r.wf.Now().UTC().Format(time.RFC3339)
	input := api.PublishEventInput{
		Topic: api.TopicEvents,
		Event: api.Envelope{
			Type:       data.Type,
			WorkflowID: r.wf.WorkflowID(),
			Data:       api.JSON(data),
			Timestamp:  data.Timestamp,
		},
	}
	if _, err := r.wf.ExecuteActivity(r.wf.Context(), engine.ActivityCall{
		Name:    api.ActivityPublishEvent,
		Input:   &input,
		Options: bestEffortOptions,
	}); err != nil {
		r.wf.Logger().Warn("completion envelope publish failed", "type", data.Type, "error", err)
	}
}

// audit writes one approval audit row. Planner rows address the instance
// directly; there is no function router in this path.
func (r *run) audit(activity, status string, output map[string]any, errMsg string, started time.Time) {
	input := api.AuditLogInput{
		ExecutionID:  r.wf.WorkflowID(),
		NodeID:       "plan_approval",
		NodeName:     "Plan Approval",
		NodeType:     "approval",
		ActivityName: activity,
		Status:       status,
		Output:       output,
		Error:        errMsg,
		StartedAt:    started,
		CompletedAt:  r.wf.Now(),
		DurationMs:   r.wf.Now().Sub(started).Milliseconds(),
	}
	if _, err := r.wf.ExecuteActivity(r.wf.Context(), engine.ActivityCall{
		Name:    api.ActivityLogAudit,
		Input:   &input,
		Options: bestEffortOptions,
	}); err != nil {
		r.wf.Logger().Warn("audit write failed", "activity", activity, "error", err)
	}
}

// stepUpdate posts a phase transition to the caller's flow-run endpoint.
func (r *run) stepUpdate(phase string) {
	r.callback(api.ActivitySendAPStepUpdate, phase, nil)
}

func (r *run) callback(activity, status string, payload any) {
	if r.in.CallbackURL == "" {
		return
	}
	input := api.APCallbackInput{
		CallbackURL: r.in.CallbackURL,
		ExecutionID: r.wf.WorkflowID(),
		Status:      status,
		Payload:     payload,
	}
	if _, err := r.wf.ExecuteActivity(r.wf.Context(), engine.ActivityCall{
		Name:    activity,
		Input:   &input,
		Options: bestEffortOptions,
	}); err != nil {
		r.wf.Logger().Warn("callback post failed", "status", status, "error", err)
	}
}
