package api

import "encoding/json"

// Pub/sub topics.
const (
	// TopicStream carries UI-facing lifecycle events.
	TopicStream = "workflow.stream"
	// TopicEvents carries agent completion envelopes consumed by the bridge.
	TopicEvents = "workflow.events"
)

// EnvelopeSource is the CloudEvents source stamped on outbound envelopes.
const EnvelopeSource = "workflow-orchestrator"

// Envelope is the CloudEvents-shaped message exchanged over pub/sub. Inbound
// completion envelopes and outbound stream events share the shape; producers
// fill the subset that applies.
type Envelope struct {
	ID              string          `json:"id,omitempty"`
	Type            string          `json:"type"`
	Source          string          `json:"source,omitempty"`
	SpecVersion     string          `json:"specversion,omitempty"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	WorkflowID      string          `json:"workflowId,omitempty"`
	AgentID         string          `json:"agentId,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	Time            string          `json:"time,omitempty"`
	Timestamp       string          `json:"timestamp,omitempty"`
	TraceParent     string          `json:"traceparent,omitempty"`
	TraceState      string          `json:"tracestate,omitempty"`
}

// CompletionData is the data payload of a completion envelope. Producers on
// the agent side are loose about which fields they set; parent_execution_id
// is the only one the bridge requires.
type CompletionData struct {
	Type              string           `json:"type,omitempty"`
	ParentExecutionID string           `json:"parent_execution_id,omitempty"`
	WorkflowID        string           `json:"workflow_id,omitempty"`
	Phase             string           `json:"phase,omitempty"`
	Success           *bool            `json:"success,omitempty"`
	Tasks             []map[string]any `json:"tasks,omitempty"`
	TaskCount         int              `json:"task_count,omitempty"`
	Result            json.RawMessage  `json:"result,omitempty"`
	Error             string           `json:"error,omitempty"`
	Timestamp         string           `json:"timestamp,omitempty"`
	FeatureRequest    string           `json:"feature_request,omitempty"`
}

// Completion envelope types the bridge forwards. Anything else on the
// events topic is acknowledged and dropped.
const (
	CompletionExecution        = "execution_completed"
	CompletionPlanning         = "planning_completed"
	CompletionPhase            = "phase_completed"
	CompletionPlannerPlanning  = "planner_planning_completed"
	CompletionPlannerExecution = "planner_execution_completed"
)

// CompletionEventName maps a completion envelope type to the external event
// raised on the waiting parent. This mapping is the versioned contract
// between the agent plane and waiting workflows; the interpreter and planner
// derive their await names from the same helpers below.
func CompletionEventName(completionType, workflowID string) (string, bool) {
	switch completionType {
	case CompletionExecution, CompletionPlannerExecution:
		return ExecutionCompletedEvent(workflowID), true
	case CompletionPlanning, CompletionPlannerPlanning:
		return PlanningCompletedEvent(workflowID), true
	case CompletionPhase:
		return PhaseCompletedEvent(workflowID), true
	}
	return "", false
}

// ExecutionCompletedEvent names the event raised when a child run finishes.
func ExecutionCompletedEvent(workflowID string) string {
	return "planner_execution_" + workflowID
}

// PlanningCompletedEvent names the event raised when planning finishes.
func PlanningCompletedEvent(workflowID string) string {
	return "planner_planning_" + workflowID
}

// PhaseCompletedEvent names the event raised on intermediate phase
// transitions of a child run.
func PhaseCompletedEvent(workflowID string) string {
	return "planner_phase_" + workflowID
}

// LegacyAgentCompletedEvent names the event older agent-service builds raise
// directly on the parent instance. Waiters listen on it alongside
// ExecutionCompletedEvent until those builds age out.
func LegacyAgentCompletedEvent(workflowID string) string {
	return "agent_completed_" + workflowID
}

// ApprovalEventName names the external event an approval-gate node waits on
// when its config does not pin one.
func ApprovalEventName(nodeID string) string {
	return "approval_" + nodeID
}

// PlanApprovalEvent names the external event a planner instance waits on
// after presenting its plan.
func PlanApprovalEvent(workflowID string) string {
	return "plan_approval_" + workflowID
}

// ApprovalDecision is the payload of approval-gate and plan-approval events.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	Approver string `json:"approver,omitempty"`
}

// Stream event types published on TopicStream.
const (
	StreamStarted            = "started"
	StreamPhaseChanged       = "phase_changed"
	StreamPlanningCompleted  = "planner_planning_completed"
	StreamExecutionStarted   = "execution_started"
	StreamExecutionCompleted = "planner_execution_completed"
	StreamWorkflowCompleted  = "workflow_completed"
	StreamWorkflowFailed     = "workflow_failed"
)
