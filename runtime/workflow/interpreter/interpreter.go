// Package interpreter implements the dynamic workflow: a durable body that
// drives one user-authored graph definition to a terminal state.
//
// The body walks the definition's execution order node by node. Per node it
// resolves template placeholders over the accumulated outputs, dispatches on
// the node type (activities for I/O, timers and external events for waits,
// child workflows for planner runs), records the node output, and publishes
// coarse progress through the engine's custom status. Loop nodes may move the
// cursor backwards; branch nodes prune the losing subgraph; approval gates
// park the instance on an external event.
//
// Everything here runs under replay: no wall-clock reads, no randomness, no
// direct I/O. All bookkeeping lives in locals derived from the input and from
// activity results, so re-executing the body against recorded history always
// takes the same path.
package interpreter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/runtime/workflow/engine"
	"github.com/weftworks/weft/runtime/workflow/graph"
)

// Config carries registration settings for the dynamic workflow.
type Config struct {
	// TaskQueue is the queue the workflow and its activities run on.
	TaskQueue string
}

// Register installs the dynamic workflow body on the engine.
func Register(ctx context.Context, eng engine.Engine, cfg Config) error {
	return eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      api.WorkflowDynamic,
		TaskQueue: cfg.TaskQueue,
		Handler:   Run,
	})
}

// bestEffortOptions bound side-channel activities (status streams, audit,
// terminal persistence) so broker or database trouble cannot wedge the body.
var bestEffortOptions = engine.ActivityOptions{
	RetryPolicy: engine.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Second},
	Timeout:     10 * time.Second,
}

// Run interprets one dynamic workflow instance. Failures inside nodes are
// returned as a structured result rather than a workflow error so callers
// always see the accumulated outputs; only undecodable input errors the run.
func Run(wf engine.WorkflowContext, input json.RawMessage) (any, error) {
	var in api.InterpreterInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode interpreter input: %w", err)
	}
	if in.Definition == nil || len(in.Definition.ExecutionOrder) == 0 {
		return nil, errors.New("definition with a non-empty execution order is required")
	}
	r := newRun(wf, in)
	return r.execute(), nil
}

// skipRecord remembers why a branch decision deactivated a node.
type skipRecord struct {
	by     string
	branch string
}

// run is the per-instance interpreter state. All of it is replay-derived.
type run struct {
	wf  engine.WorkflowContext
	in  api.InterpreterInput
	def *graph.Definition

	edges     graph.EdgesBySource
	outputs   api.NodeOutputs
	stateVars map[string]any
	counters  map[string]int
	skips     map[string]skipRecord
	completed map[string]struct{}

	startedAt time.Time
	traceID   string
}

func newRun(wf engine.WorkflowContext, in api.InterpreterInput) *run {
	r := &run{
		wf:        wf,
		in:        in,
		def:       in.Definition,
		edges:     in.Definition.IndexEdges(),
		outputs:   make(api.NodeOutputs, len(in.Definition.Nodes)+2),
		stateVars: make(map[string]any),
		counters:  make(map[string]int),
		skips:     make(map[string]skipRecord),
		completed: make(map[string]struct{}),
		startedAt: wf.Now(),
		traceID:   traceIDFrom(in.TraceContext),
	}
	r.outputs[graph.TriggerKey] = api.NodeOutput{
		Label:      graph.TriggerKey,
		ActionType: graph.TriggerKey,
		Data:       in.TriggerData,
	}
	r.refreshState()
	return r
}

// refreshState rewrites the reserved state entry so templates resolved after
// a set-state node observe the update.
func (r *run) refreshState() {
	r.outputs[graph.StateKey] = api.NodeOutput{
		Label:      graph.StateKey,
		ActionType: graph.StateKey,
		Data:       map[string]any{"success": true, "data": r.stateVars},
	}
}

// nodeOutcome is the result of dispatching one node. jumpTo moves the cursor
// backwards for loop passes; -1 advances normally.
type nodeOutcome struct {
	data   any
	jumpTo int
}

func out(data any) nodeOutcome { return nodeOutcome{data: data, jumpTo: -1} }

func (r *run) execute() api.InterpreterResult {
	log := r.wf.Logger()
	log.Info("workflow execution started",
		"definition_id", r.def.ID,
		"definition_name", r.def.Name,
		"nodes", len(r.def.ExecutionOrder))

	r.setStatus(api.CustomStatus{
		Phase:    api.PhaseRunning,
		Progress: 0,
		Message:  "Workflow execution started",
	})
	r.publishPhase(api.PhaseRunning, 0, "Workflow execution started", nil)

	order := r.def.ExecutionOrder
	for i := 0; i < len(order); {
		id := order[i]
		node, ok := r.def.NodeByID(id)
		if !ok {
			return r.finishFailed(fmt.Errorf("execution order references unknown node %q", id))
		}
		if !node.Enabled {
			r.completed[id] = struct{}{}
			i++
			continue
		}
		if sk, skipped := r.skips[id]; skipped {
			r.store(node, map[string]any{
				"skipped":     true,
				"skippedBy":   sk.by,
				"reason":      fmt.Sprintf("Skipped by branch decision at %s", sk.by),
				"branchTaken": sk.branch,
			})
			i++
			continue
		}

		r.setStatus(api.CustomStatus{
			Phase:           api.PhaseRunning,
			Progress:        r.progress(),
			Message:         fmt.Sprintf("Executing %s", node.DisplayName()),
			CurrentNodeID:   node.ID,
			CurrentNodeName: node.DisplayName(),
		})

		outcome, err := r.executeNode(i, node)
		if outcome.data != nil {
			r.store(node, outcome.data)
		}
		if err != nil {
			var rej *rejectionError
			if errors.As(err, &rej) {
				return r.finishRejected(rej)
			}
			return r.finishFailed(err)
		}
		if controlStop(outcome.data) {
			log.Info("workflow stop requested by action result", "node_id", node.ID)
			break
		}
		if outcome.jumpTo >= 0 {
			i = outcome.jumpTo
		} else {
			i++
		}
	}
	return r.finishCompleted()
}

// store records a node's output under its id with the display label resolved
// per the label fallback chain, and counts the node as completed.
func (r *run) store(node *graph.Node, data any) {
	r.outputs[node.ID] = api.NodeOutput{
		Label:      labelFor(node),
		ActionType: node.ConfigString("actionType", ""),
		Data:       data,
	}
	r.completed[node.ID] = struct{}{}
}

// progress maps the completed-node count to a 0..99 percentage. The cap
// leaves room for loop passes revisiting earlier nodes; 100 is reserved for
// terminal success.
func (r *run) progress() int {
	p := int(math.Round(float64(len(r.completed)) / float64(len(r.def.ExecutionOrder)) * 100))
	if p > 99 {
		p = 99
	}
	return p
}

func (r *run) finishCompleted() api.InterpreterResult {
	result := api.InterpreterResult{Success: true, Phase: api.PhaseCompleted}
	r.finish(&result, api.CustomStatus{
		Phase:    api.PhaseCompleted,
		Progress: 100,
		Message:  "Workflow completed successfully",
	})
	r.wf.Logger().Info("workflow completed",
		"definition_id", r.def.ID,
		"duration_ms", result.DurationMs)
	return result
}

func (r *run) finishFailed(err error) api.InterpreterResult {
	result := api.InterpreterResult{Success: false, Phase: api.PhaseFailed, Error: err.Error()}
	r.finish(&result, api.CustomStatus{
		Phase:    api.PhaseFailed,
		Progress: r.progress(),
		Message:  err.Error(),
	})
	r.wf.Logger().Error("workflow failed",
		"definition_id", r.def.ID,
		"error", err.Error())
	return result
}

func (r *run) finishRejected(rej *rejectionError) api.InterpreterResult {
	result := api.InterpreterResult{Success: false, Phase: api.PhaseRejected, Error: rej.Error()}
	r.finish(&result, api.CustomStatus{
		Phase:    api.PhaseRejected,
		Progress: r.progress(),
		Message:  rej.Error(),
	})
	r.wf.Logger().Info("workflow rejected",
		"definition_id", r.def.ID,
		"node", rej.node,
		"reason", rej.reason)
	return result
}

// finish flattens the outputs, persists them, updates the terminal audit row
// when one exists, and publishes the terminal status. Persistence here is
// best-effort: the run result stands even when the stores are down.
func (r *run) finish(result *api.InterpreterResult, status api.CustomStatus) {
	result.Outputs = r.outputs.Flatten()
	result.DurationMs = r.wf.Now().Sub(r.startedAt).Milliseconds()

	r.setStatus(status)

	persist := api.PersistStateInput{
		Key:   api.KeyOutputs(r.def.ID, r.wf.WorkflowID()),
		Value: result.Outputs,
	}
	if _, err := r.wf.ExecuteActivity(r.wf.Context(), engine.ActivityCall{
		Name:    api.ActivityPersistState,
		Input:   &persist,
		Options: bestEffortOptions,
	}); err != nil {
		r.wf.Logger().Warn("outputs persistence failed", "error", err)
	}

	if r.in.DBExecutionID != "" {
		dbStatus := "success"
		if !result.Success {
			dbStatus = "error"
		}
		update := api.PersistResultsInput{
			DBExecutionID: r.in.DBExecutionID,
			Output:        result.Outputs,
			Status:        dbStatus,
			CompletedAt:   r.wf.Now(),
			DurationMs:    result.DurationMs,
		}
		if _, err := r.wf.ExecuteActivity(r.wf.Context(), engine.ActivityCall{
			Name:    api.ActivityPersistResults,
			Input:   &update,
			Options: bestEffortOptions,
		}); err != nil {
			r.wf.Logger().Warn("execution row update failed",
				"db_execution_id", r.in.DBExecutionID, "error", err)
		}
	}

	r.publishPhase(status.Phase, status.Progress, status.Message, nil)
}

// setStatus publishes the custom status snapshot the status API reads.
func (r *run) setStatus(s api.CustomStatus) {
	s.TraceID = r.traceID
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
		r.wf.Logger().Warn("phase event publish failed", "phase", phase, "error", err)
	}
}

// audit inserts one node-level audit row. Rows are only written for runs
// carrying a database execution id, and failures never surface.
func (r *run) audit(in api.AuditLogInput) {
	if r.in.DBExecutionID == "" {
		return
	}
	in.ExecutionID = r.in.DBExecutionID
	if _, err := r.wf.ExecuteActivity(r.wf.Context(), engine.ActivityCall{
		Name:    api.ActivityLogAudit,
		Input:   &in,
		Options: bestEffortOptions,
	}); err != nil {
		r.wf.Logger().Warn("audit write failed", "node_id", in.NodeID, "error", err)
	}
}

// rejectionError carries an approval denial out of node dispatch so the main
// loop can close the run with the rejected phase.
type rejectionError struct {
	node   string
	reason string
}

func (e *rejectionError) Error() string {
	return fmt.Sprintf("Workflow rejected at %s: %s", e.node, e.reason)
}

// traceIDFrom extracts the trace id field of a W3C traceparent header.
func traceIDFrom(tc map[string]string) string {
	parts := strings.SplitN(tc["traceparent"], "-", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
