package api

import (
	"encoding/json"
	"time"

	"github.com/weftworks/weft/runtime/workflow/graph"
)

// Activity registration names. Workflow bodies schedule activities by these
// names so that engine backends can route them without importing the
// implementations.
const (
	ActivityExecuteAction       = "execute_action"
	ActivityPublishEvent        = "publish_event"
	ActivityPublishPhaseChanged = "publish_phase_changed"

	ActivityPersistState = "persist_state"
	ActivityGetState     = "get_state"
	ActivityDeleteState  = "delete_state"

	ActivityLogAudit       = "log_audit"
	ActivityPersistResults = "persist_results_to_db"

	ActivityCallAgentRun        = "call_agent_run"
	ActivityCallDurableAgentRun = "call_durable_agent_run"
	ActivityCallMastraAgentRun  = "call_mastra_agent_run"
	ActivityCallDurablePlan     = "call_durable_execute_plan"

	ActivityCallPlannerPlan     = "call_planner_plan"
	ActivityCallPlannerWorkflow = "call_planner_workflow"
	ActivityCallPlannerContinue = "call_planner_continue"
	ActivityCallPlannerApprove  = "call_planner_approve"

	ActivityPlannerPlanning  = "planner_planning"
	ActivityPersistTasks     = "persist_tasks"
	ActivityPlannerExecution = "planner_execution"

	ActivitySendAPCallback   = "send_ap_callback"
	ActivitySendAPStepUpdate = "send_ap_step_update"
)

type (
	// ExecuteActionInput hands one action node to the function router. The
	// activity resolves templates against NodeOutputs itself so that resolved
	// values never enter workflow history.
	ExecuteActionInput struct {
		Node                 graph.Node        `json:"node"`
		NodeOutputs          NodeOutputs       `json:"node_outputs,omitempty"`
		ExecutionID          string            `json:"execution_id"`
		WorkflowID           string            `json:"workflow_id"`
		Integrations         map[string]any    `json:"integrations,omitempty"`
		DBExecutionID        string            `json:"db_execution_id,omitempty"`
		ConnectionExternalID string            `json:"connection_external_id,omitempty"`
		Otel                 map[string]string `json:"_otel,omitempty"`
	}

	// ActionResult is the normalized outcome of an action execution.
	ActionResult struct {
		Success    bool            `json:"success"`
		Data       any             `json:"data,omitempty"`
		Error      string          `json:"error,omitempty"`
		DurationMs int64           `json:"duration_ms,omitempty"`
		Pause      *PauseDirective `json:"pause,omitempty"`
	}

	// PauseDirective asks the interpreter to pause mid-action, either for a
	// fixed delay or until an external webhook resumes the node.
	PauseDirective struct {
		Kind      string `json:"kind"`
		Seconds   int    `json:"seconds,omitempty"`
		RequestID string `json:"requestId,omitempty"`
	}

	// PublishEventInput publishes one envelope to a pub/sub topic. The
	// activity stamps id, time, and source when the body leaves them empty,
	// and mirrors stream events into the state store.
	PublishEventInput struct {
		Topic string   `json:"topic"`
		Event Envelope `json:"event"`
	}

	// PhaseChangedInput publishes a phase_changed stream event for one
	// instance.
	PhaseChangedInput struct {
		WorkflowID string         `json:"workflow_id"`
		Phase      string         `json:"phase"`
		Progress   int            `json:"progress"`
		Message    string         `json:"message,omitempty"`
		Extra      map[string]any `json:"extra,omitempty"`
	}

	// PersistStateInput writes one value to the state store.
	PersistStateInput struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}

	// GetStateInput reads one key from the state store.
	GetStateInput struct {
		Key string `json:"key"`
	}

	// GetStateOutput is the read result; Found is false on missing keys.
	GetStateOutput struct {
		Found bool            `json:"found"`
		Value json.RawMessage `json:"value,omitempty"`
	}

	// DeleteStateInput removes one key from the state store.
	DeleteStateInput struct {
		Key string `json:"key"`
	}

	// AuditLogInput inserts one node-level audit row. Timestamps come from
	// the workflow body's deterministic clock.
	AuditLogInput struct {
		ExecutionID  string    `json:"execution_id"`
		NodeID       string    `json:"node_id"`
		NodeName     string    `json:"node_name"`
		NodeType     string    `json:"node_type"`
		ActivityName string    `json:"activity_name,omitempty"`
		Status       string    `json:"status"`
		Input        any       `json:"input,omitempty"`
		Output       any       `json:"output,omitempty"`
		Error        string    `json:"error,omitempty"`
		StartedAt    time.Time `json:"started_at"`
		CompletedAt  time.Time `json:"completed_at"`
		DurationMs   int64     `json:"duration_ms"`
	}

	// PersistResultsInput updates the terminal columns of an externally
	// created execution row.
	PersistResultsInput struct {
		DBExecutionID string    `json:"db_execution_id"`
		Output        any       `json:"output"`
		Status        string    `json:"status"`
		CompletedAt   time.Time `json:"completed_at"`
		DurationMs    int64     `json:"duration_ms"`
	}

	// AgentRunInput starts an agent run on the agent service. Durable runs
	// return a child workflow id and complete through the events topic;
	// non-durable runs return the result inline.
	AgentRunInput struct {
		Prompt            string            `json:"prompt,omitempty"`
		ActionType        string            `json:"action_type"`
		Config            map[string]any    `json:"config,omitempty"`
		ParentExecutionID string            `json:"parent_execution_id"`
		WorkflowID        string            `json:"workflow_id"`
		ExecutionID       string            `json:"execution_id"`
		NodeID            string            `json:"node_id"`
		DBExecutionID     string            `json:"db_execution_id,omitempty"`
		Otel              map[string]string `json:"_otel,omitempty"`
	}

	// AgentRunResult is the agent service's response to a run request.
	AgentRunResult struct {
		Success    bool            `json:"success"`
		WorkflowID string          `json:"workflow_id,omitempty"`
		Result     json.RawMessage `json:"result,omitempty"`
		Error      string          `json:"error,omitempty"`
	}

	// PlannerPlanInput asks the planner service for a stateless plan.
	PlannerPlanInput struct {
		FeatureRequest string         `json:"feature_request"`
		Context        map[string]any `json:"context,omitempty"`
	}

	// PlannerPlanResult carries the generated task list.
	PlannerPlanResult struct {
		Success bool             `json:"success"`
		Tasks   []map[string]any `json:"tasks,omitempty"`
		Error   string           `json:"error,omitempty"`
	}

	// PlannerWorkflowInput starts a durable planner run on the planner
	// service and returns its workflow id.
	PlannerWorkflowInput struct {
		FeatureRequest    string `json:"feature_request"`
		ParentExecutionID string `json:"parent_execution_id,omitempty"`
		CallbackURL       string `json:"callback_url,omitempty"`
	}

	// PlannerWorkflowResult acknowledges a durable planner start.
	PlannerWorkflowResult struct {
		Success    bool   `json:"success"`
		WorkflowID string `json:"workflow_id,omitempty"`
		Error      string `json:"error,omitempty"`
	}

	// PlannerApproveInput forwards an approval decision to a planner run.
	PlannerApproveInput struct {
		WorkflowID string `json:"workflow_id"`
		Approved   bool   `json:"approved"`
		Reason     string `json:"reason,omitempty"`
	}

	// PlannerContinueInput resumes a planner run with user feedback.
	PlannerContinueInput struct {
		WorkflowID string `json:"workflow_id"`
		Feedback   string `json:"feedback,omitempty"`
	}

	// PlannerAck is the generic planner-service acknowledgement.
	PlannerAck struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}

	// PlanningInput runs the planning phase of a planner instance.
	PlanningInput struct {
		WorkflowID     string `json:"workflow_id"`
		FeatureRequest string `json:"feature_request"`
	}

	// PlanningResult is the planning phase outcome.
	PlanningResult struct {
		Success bool             `json:"success"`
		Tasks   []map[string]any `json:"tasks,omitempty"`
		Error   string           `json:"error,omitempty"`
	}

	// PersistTasksInput stores the approved task list of a planner run.
	PersistTasksInput struct {
		WorkflowID string           `json:"workflow_id"`
		Tasks      []map[string]any `json:"tasks"`
	}

	// ExecutionInput runs the execution phase of a planner instance.
	ExecutionInput struct {
		WorkflowID     string           `json:"workflow_id"`
		FeatureRequest string           `json:"feature_request"`
		Tasks          []map[string]any `json:"tasks,omitempty"`
	}

	// ExecutionResult is the execution phase outcome.
	ExecutionResult struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   string          `json:"error,omitempty"`
	}

	// APCallbackInput posts a flow-run status to an external callback.
	APCallbackInput struct {
		CallbackURL string `json:"callback_url"`
		ExecutionID string `json:"execution_id"`
		Status      string `json:"status"`
		Payload     any    `json:"payload,omitempty"`
	}
)
