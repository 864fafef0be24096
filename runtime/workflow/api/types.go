// Package api holds the types shared across workflow bodies, activities, the
// completion bridge, and the HTTP control plane. Everything here crosses a
// serialization boundary, so every type is JSON-shaped and free of behavior
// that would break workflow replay.
package api

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/weftworks/weft/runtime/workflow/graph"
)

// Registered workflow names. The engine resolves workflow bodies by these
// names at schedule time.
const (
	// WorkflowDynamic is the dynamic-graph interpreter workflow.
	WorkflowDynamic = "dynamic_workflow"
	// WorkflowPlanner is the four-phase planner workflow.
	WorkflowPlanner = "planner_workflow"
)

type (
	// InterpreterInput is the start payload of a dynamic workflow instance.
	//
	// Contract: the definition is immutable for the lifetime of the run and
	// every field must survive a JSON round-trip unchanged, since the engine
	// replays the body from its serialized history.
	InterpreterInput struct {
		// Definition is the graph to interpret.
		Definition *graph.Definition `json:"definition"`
		// TriggerData seeds the reserved "trigger" output entry.
		TriggerData map[string]any `json:"triggerData,omitempty"`
		// Integrations carries opaque integration credentials handed through
		// to the function router.
		Integrations map[string]any `json:"integrations,omitempty"`
		// DBExecutionID, when present, is the audit row updated at terminal.
		DBExecutionID string `json:"dbExecutionId,omitempty"`
		// NodeConnectionMap maps node ids to external connection ids used by
		// the function router.
		NodeConnectionMap map[string]string `json:"nodeConnectionMap,omitempty"`
		// TraceContext propagates W3C trace headers into activity calls.
		TraceContext map[string]string `json:"traceContext,omitempty"`
	}

	// InterpreterResult is the terminal value of a dynamic workflow.
	InterpreterResult struct {
		Success    bool           `json:"success"`
		Outputs    map[string]any `json:"outputs,omitempty"`
		Error      string         `json:"error,omitempty"`
		DurationMs int64          `json:"durationMs"`
		Phase      string         `json:"phase"`
	}

	// NodeOutput is one entry of the per-instance outputs map.
	NodeOutput struct {
		// Label is the display name used for template alias matching.
		Label string `json:"label,omitempty"`
		// ActionType records the action slug for action nodes.
		ActionType string `json:"actionType,omitempty"`
		// Data is the node's result value.
		Data any `json:"data"`
	}

	// NodeOutputs maps node ids (plus the reserved "trigger" and "state"
	// entries) to their outputs.
	NodeOutputs map[string]NodeOutput

	// PlannerInput starts a planner workflow, either directly through the
	// planner API or as a child of the interpreter.
	PlannerInput struct {
		// FeatureRequest is the user goal handed to the planning agent.
		FeatureRequest string `json:"feature_request"`
		// ParentExecutionID routes completion envelopes back to a waiting
		// parent instance. Empty for top-level planner runs.
		ParentExecutionID string `json:"parent_execution_id,omitempty"`
		// CallbackURL, when present, receives flow-run step updates.
		CallbackURL string `json:"callback_url,omitempty"`
		// Metadata carries caller-owned annotations.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// PlannerResult is the terminal value of a planner workflow.
	PlannerResult struct {
		Success    bool             `json:"success"`
		WorkflowID string           `json:"workflow_id,omitempty"`
		TaskCount  int              `json:"task_count,omitempty"`
		Tasks      []map[string]any `json:"tasks,omitempty"`
		Phase      string           `json:"phase,omitempty"`
		Error      string           `json:"error,omitempty"`
	}
)

// Workflow phases surfaced through CustomStatus and terminal results.
const (
	PhaseRunning          = "running"
	PhaseAwaitingApproval = "awaiting_approval"
	PhaseCompleted        = "completed"
	PhaseFailed           = "failed"
	PhaseRejected         = "rejected"

	// Planner-specific phases.
	PhasePlanning   = "planning"
	PhasePersisting = "persisting"
	PhaseApproval   = "approval"
	PhaseExecuting  = "executing"
)

// ControlStopField is the marker a function-router result may carry under
// data to stop the run early with success.
const ControlStopField = "__workflow_builder_control"

// Flatten projects the outputs map to id → data, the shape persisted to the
// state store and returned from the status API.
func (o NodeOutputs) Flatten() map[string]any {
	flat := make(map[string]any, len(o))
	for id, out := range o {
		flat[id] = out.Data
	}
	return flat
}

// State-store key families. The strings are a contract shared with external
// readers; do not reshape them.

// KeyOutputs addresses the flattened outputs of one execution.
func KeyOutputs(workflowID, executionID string) string {
	return fmt.Sprintf("workflow:%s:%s:outputs", workflowID, executionID)
}

// KeyTasks addresses the persisted task list of a planner run.
func KeyTasks(workflowID string) string {
	return "tasks:" + workflowID
}

// KeyEvents addresses the capped per-instance stream-event mirror.
func KeyEvents(workflowID string) string {
	return "workflow-events-" + workflowID
}

// KeyWorkflowIndex is the list of known instance ids backing the listing
// endpoints.
const KeyWorkflowIndex = "workflow_index"

// EventsMirrorCap bounds the per-instance event mirror list.
const EventsMirrorCap = 500

const instanceSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewInstanceID builds a dynamic-workflow instance id:
// {definitionId}-{epochMillis}-{7 alphanumerics}. Called outside workflow
// bodies only; the suffix is random.
func NewInstanceID(definitionID string) string {
	var b [7]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// fixed suffix rather than panicking in the request path.
		return fmt.Sprintf("%s-%d-%s", definitionID, time.Now().UnixMilli(), "0000000")
	}
	for i := range b {
		b[i] = instanceSuffixAlphabet[int(b[i])%len(instanceSuffixAlphabet)]
	}
	return fmt.Sprintf("%s-%d-%s", definitionID, time.Now().UnixMilli(), string(b[:]))
}

// DefinitionIDFromInstance recovers the definition id prefix from an
// instance id produced by NewInstanceID. Returns the input unchanged when
// the id does not match the expected shape.
func DefinitionIDFromInstance(instanceID string) string {
	parts := strings.Split(instanceID, "-")
	if len(parts) < 3 {
		return instanceID
	}
	return strings.Join(parts[:len(parts)-2], "-")
}

// JSON marshals v, panicking on failure. Reserve it for values known to be
// JSON-shaped (maps, slices, api types); never feed it channels or funcs.
func JSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("api.JSON: %v", err))
	}
	return b
}
