package interpreter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/runtime/workflow/condition"
	"github.com/weftworks/weft/runtime/workflow/engine"
	"github.com/weftworks/weft/runtime/workflow/graph"
	"github.com/weftworks/weft/runtime/workflow/template"
)

const (
	// actionMastraExecute hands a prepared plan to the agent plane.
	actionMastraExecute = "mastra/execute"
	// actionDurablePrefix marks action types executed as child workflows.
	actionDurablePrefix = "durable/"

	// defaultPlanPrompt is used when a mastra/execute node carries no prompt.
	defaultPlanPrompt = "Execute the provided plan"

	defaultAgentTimeoutMinutes    = 30
	defaultApprovalTimeoutSeconds = 86400
	defaultLoopMaxIterations      = 10
)

// executeNode dispatches one node by type. The returned outcome carries the
// node output (stored by the caller) and an optional backwards jump; a
// non-nil error ends the run.
func (r *run) executeNode(i int, node *graph.Node) (nodeOutcome, error) {
	switch node.Type {
	case graph.NodeTrigger:
		return r.triggerNode(), nil
	case graph.NodeAction, graph.NodeActivity:
		return r.actionNode(node)
	case graph.NodeApprovalGate:
		return r.approvalNode(node)
	case graph.NodeTimer:
		return r.timerNode(node)
	case graph.NodeIfElse:
		return r.ifElseNode(node), nil
	case graph.NodeLoopUntil:
		return r.loopNode(i, node)
	case graph.NodeSetState:
		return r.setStateNode(node)
	case graph.NodeTransform:
		return r.transformNode(node)
	case graph.NodePublishEvent:
		return r.publishEventNode(node), nil
	case graph.NodeNote:
		return out(map[string]any{"noop": true}), nil
	case graph.NodeCondition:
		// Legacy builder nodes; routing moved to if-else long ago.
		return out(map[string]any{"result": true, "branch": graph.HandleTrue}), nil
	default:
		r.wf.Logger().Warn("unsupported node type",
			"node_id", node.ID, "type", string(node.Type))
		return out(map[string]any{
			"skipped": true,
			"reason":  fmt.Sprintf("Unsupported node type: %s", node.Type),
		}), nil
	}
}

// failNode records a node-level failure. With continueOnError the failure
// becomes the node output and the run moves on; without it the same record
// is stored and the run terminates.
func (r *run) failNode(node *graph.Node, msg string) (nodeOutcome, error) {
	record := map[string]any{"success": false, "error": msg}
	if node.ContinueOnError() {
		r.wf.Logger().Warn("node failed, continuing",
			"node_id", node.ID, "error", msg)
		return out(record), nil
	}
	return out(record), fmt.Errorf("Node %s failed: %s", node.DisplayName(), msg)
}

// triggerNode passes the trigger payload through as the node's own output so
// templates can address it by the trigger node's id as well as the reserved
// trigger entry.
func (r *run) triggerNode() nodeOutcome {
	if r.in.TriggerData == nil {
		return out(map[string]any{})
	}
	return out(r.in.TriggerData)
}

func (r *run) actionNode(node *graph.Node) (nodeOutcome, error) {
	actionType := strings.TrimSpace(node.ConfigString("actionType", ""))
	if actionType == "" {
		return r.failNode(node, "missing actionType")
	}
	if actionType == actionMastraExecute || strings.HasPrefix(actionType, actionDurablePrefix) {
		return r.agentNode(node, actionType)
	}

	// The activity resolves templates over config itself; the outputs map is
	// passed verbatim so resolved values never enter workflow history.
	input := api.ExecuteActionInput{
		Node:                 *node,
		NodeOutputs:          r.outputs,
		ExecutionID:          r.wf.WorkflowID(),
		WorkflowID:           r.def.ID,
		Integrations:         r.in.Integrations,
		DBExecutionID:        r.in.DBExecutionID,
		ConnectionExternalID: r.in.NodeConnectionMap[node.ID],
		Otel:                 r.in.TraceContext,
	}
	raw, err := r.wf.ExecuteActivity(r.wf.Context(), engine.ActivityCall{
		Name:  api.ActivityExecuteAction,
		Input: &input,
	})
	if err != nil {
		return r.failNode(node, err.Error())
	}

	var result api.ActionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return r.failNode(node, fmt.Sprintf("undecodable action result: %v", err))
	}
	// Keep the loosely-typed form as the stored output so fields outside the
	// normalized result shape stay addressable by templates.
	var data any
	if err := json.Unmarshal(raw, &data); err != nil || data == nil {
		data = map[string]any{"success": result.Success}
	}

	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "action reported failure"
		}
		if node.ContinueOnError() {
			r.wf.Logger().Warn("action failed, continuing",
				"node_id", node.ID, "action_type", actionType, "error", msg)
			return out(data), nil
		}
		return out(data), fmt.Errorf("Node %s failed: %s", node.DisplayName(), msg)
	}
	return out(data), nil
}

// agentNode starts a durable child run on the agent plane and parks the
// instance until the child's completion envelope arrives or the node's
// timeout elapses. Completions may arrive under the current event name or
// the legacy agent_completed spelling; both resolve the same wait.
func (r *run) agentNode(node *graph.Node, actionType string) (nodeOutcome, error) {
	ctx := r.wf.Context()
	resolved := template.New(r.outputs).ResolveConfig(node.Config)

	prompt, _ := resolved["prompt"].(string)
	prompt = strings.TrimSpace(prompt)
	if prompt == "" && actionType == actionMastraExecute {
		prompt = defaultPlanPrompt
	}
	if prompt == "" {
		return r.failNode(node, "agent node requires a prompt")
	}

	started := r.wf.Now()
	input := api.AgentRunInput{
		Prompt:            prompt,
		ActionType:        actionType,
		Config:            resolved,
		ParentExecutionID: r.wf.WorkflowID(),
		WorkflowID:        r.def.ID,
		ExecutionID:       r.wf.WorkflowID(),
		NodeID:            node.ID,
		DBExecutionID:     r.in.DBExecutionID,
		Otel:              r.in.TraceContext,
	}
	activity := childActivityFor(actionType)
	raw, err := r.wf.ExecuteActivity(ctx, engine.ActivityCall{Name: activity, Input: &input})
	if err != nil {
		return r.failNode(node, err.Error())
	}
	var start api.AgentRunResult
	if err := json.Unmarshal(raw, &start); err != nil {
		return r.failNode(node, fmt.Sprintf("undecodable agent start result: %v", err))
	}
	if !start.Success || start.WorkflowID == "" {
		msg := start.Error
		if msg == "" {
			msg = "agent service did not return a workflow id"
		}
		return r.failNode(node, msg)
	}
	childID := start.WorkflowID
	r.wf.Logger().Info("agent child started",
		"node_id", node.ID, "child_workflow_id", childID, "action_type", actionType)

	r.audit(api.AuditLogInput{
		NodeID:       node.ID,
		NodeName:     node.DisplayName(),
		NodeType:     string(node.Type),
		ActivityName: activity,
		Status:       "running",
		Input:        map[string]any{"prompt": prompt, "child_workflow_id": childID},
		StartedAt:    started,
		CompletedAt:  r.wf.Now(),
	})

	timeoutMinutes := node.ConfigNumber("timeoutMinutes", defaultAgentTimeoutMinutes)
	if timeoutMinutes <= 0 {
		timeoutMinutes = defaultAgentTimeoutMinutes
	}
	completed, err := r.wf.WaitForEvent(ctx, api.ExecutionCompletedEvent(childID))
	if err != nil {
		return nodeOutcome{jumpTo: -1}, err
	}
	legacy, err := r.wf.WaitForEvent(ctx, api.LegacyAgentCompletedEvent(childID))
	if err != nil {
		return nodeOutcome{jumpTo: -1}, err
	}
	timeout, err := r.wf.NewTimer(ctx, time.Duration(timeoutMinutes*float64(time.Minute)))
	if err != nil {
		return nodeOutcome{jumpTo: -1}, err
	}
	winner, err := engine.AwaitAny(ctx, r.wf, completed, legacy, timeout)
	if err != nil {
		return nodeOutcome{jumpTo: -1}, err
	}

	if winner == 2 {
		msg := fmt.Sprintf("Timed out after %g minutes waiting for agent run %s", timeoutMinutes, childID)
		r.audit(api.AuditLogInput{
			NodeID:       node.ID,
			NodeName:     node.DisplayName(),
			NodeType:     string(node.Type),
			ActivityName: activity,
			Status:       "error",
			Error:        msg,
			StartedAt:    started,
			CompletedAt:  r.wf.Now(),
			DurationMs:   r.wf.Now().Sub(started).Milliseconds(),
		})
		return r.failNode(node, msg)
	}

	payload := completed
	if winner == 1 {
		payload = legacy
	}
	rawEvent, err := payload.Get(ctx)
	if err != nil {
		return nodeOutcome{jumpTo: -1}, err
	}
	var done api.CompletionData
	if err := json.Unmarshal(rawEvent, &done); err != nil {
		return r.failNode(node, fmt.Sprintf("undecodable completion payload: %v", err))
	}

	success := done.Success == nil || *done.Success
	var result any
	if len(done.Result) > 0 {
		if err := json.Unmarshal(done.Result, &result); err != nil {
			result = string(done.Result)
		}
	}
	if !success {
		msg := done.Error
		if msg == "" {
			msg = "agent run failed"
		}
		r.audit(api.AuditLogInput{
			NodeID:       node.ID,
			NodeName:     node.DisplayName(),
			NodeType:     string(node.Type),
			ActivityName: activity,
			Status:       "error",
			Output:       result,
			Error:        msg,
			StartedAt:    started,
			CompletedAt:  r.wf.Now(),
			DurationMs:   r.wf.Now().Sub(started).Milliseconds(),
		})
		return r.failNode(node, msg)
	}

	var data any
	switch {
	case result != nil:
		data = result
	case len(done.Tasks) > 0:
		data = map[string]any{"success": true, "tasks": done.Tasks, "task_count": len(done.Tasks)}
	default:
		data = map[string]any{"success": true}
	}
	r.audit(api.AuditLogInput{
		NodeID:       node.ID,
		NodeName:     node.DisplayName(),
		NodeType:     string(node.Type),
		ActivityName: activity,
		Status:       "success",
		Output:       data,
		StartedAt:    started,
		CompletedAt:  r.wf.Now(),
		DurationMs:   r.wf.Now().Sub(started).Milliseconds(),
	})
	return out(data), nil
}

// childActivityFor picks the start activity for a child-workflow action type.
func childActivityFor(actionType string) string {
	switch {
	case actionType == actionMastraExecute:
		return api.ActivityCallDurablePlan
	case strings.HasPrefix(actionType, actionDurablePrefix+"mastra"):
		return api.ActivityCallMastraAgentRun
	default:
		return api.ActivityCallDurableAgentRun
	}
}

// approvalPayload tolerates both field spellings seen from approval UIs.
type approvalPayload struct {
	Approved    bool   `json:"approved"`
	Reason      string `json:"reason"`
	RespondedBy string `json:"respondedBy"`
	Approver    string `json:"approver"`
}

func (r *run) approvalNode(node *graph.Node) (nodeOutcome, error) {
	ctx := r.wf.Context()
	eventName := strings.TrimSpace(node.ConfigString("eventName", ""))
	if eventName == "" {
		eventName = api.ApprovalEventName(node.ID)
	}
	timeoutSeconds := node.ConfigInt("timeoutSeconds", defaultApprovalTimeoutSeconds)
	if timeoutSeconds <= 0 {
		timeoutSeconds = defaultApprovalTimeoutSeconds
	}

	requested := r.wf.Now()
	r.audit(api.AuditLogInput{
		NodeID:       node.ID,
		NodeName:     node.DisplayName(),
		NodeType:     string(node.Type),
		ActivityName: "approval_request",
		Status:       "running",
		Input:        map[string]any{"event_name": eventName, "timeout_seconds": timeoutSeconds},
		StartedAt:    requested,
		CompletedAt:  requested,
	})

	// Surface the event name so callers know what to raise.
	r.setStatus(api.CustomStatus{
		Phase:             api.PhaseAwaitingApproval,
		Progress:          r.progress(),
		Message:           fmt.Sprintf("Waiting for approval at %s", node.DisplayName()),
		CurrentNodeID:     node.ID,
		CurrentNodeName:   node.DisplayName(),
		ApprovalEventName: eventName,
	})
	r.publishPhase(api.PhaseAwaitingApproval, r.progress(),
		fmt.Sprintf("Waiting for approval at %s", node.DisplayName()),
		map[string]any{"approval_event_name": eventName, "node_id": node.ID})

	decision, err := r.wf.WaitForEvent(ctx, eventName)
	if err != nil {
		return nodeOutcome{jumpTo: -1}, err
	}
	timeout, err := r.wf.NewTimer(ctx, time.Duration(timeoutSeconds)*time.Second)
	if err != nil {
		return nodeOutcome{jumpTo: -1}, err
	}
	winner, err := engine.AwaitAny(ctx, r.wf, decision, timeout)
	if err != nil {
		return nodeOutcome{jumpTo: -1}, err
	}

	if winner == 1 {
		reason := fmt.Sprintf("Timed out after %d seconds", timeoutSeconds)
		r.audit(api.AuditLogInput{
			NodeID:       node.ID,
			NodeName:     node.DisplayName(),
			NodeType:     string(node.Type),
			ActivityName: "approval_timeout",
			Status:       "error",
			Error:        reason,
			StartedAt:    requested,
			CompletedAt:  r.wf.Now(),
			DurationMs:   r.wf.Now().Sub(requested).Milliseconds(),
		})
		record := map[string]any{"approved": false, "reason": reason}
		return nodeOutcome{data: record, jumpTo: -1},
			fmt.Errorf("Approval timed out at %s after %d seconds", node.DisplayName(), timeoutSeconds)
	}

	rawEvent, err := decision.Get(ctx)
	if err != nil {
		return nodeOutcome{jumpTo: -1}, err
	}
	var response approvalPayload
	if err := json.Unmarshal(rawEvent, &response); err != nil {
		response = approvalPayload{Approved: false, Reason: "undecodable approval payload"}
	}
	respondedBy := response.RespondedBy
	if respondedBy == "" {
		respondedBy = response.Approver
	}
	record := map[string]any{
		"approved":    response.Approved,
		"reason":      response.Reason,
		"respondedBy": respondedBy,
	}

	if !response.Approved {
		reason := response.Reason
		if reason == "" {
			reason = "no reason provided"
		}
		r.audit(api.AuditLogInput{
			NodeID:       node.ID,
			NodeName:     node.DisplayName(),
			NodeType:     string(node.Type),
			ActivityName: "approval_response",
			Status:       "error",
			Output:       record,
			Error:        reason,
			StartedAt:    requested,
			CompletedAt:  r.wf.Now(),
			DurationMs:   r.wf.Now().Sub(requested).Milliseconds(),
		})
		return nodeOutcome{data: record, jumpTo: -1},
			&rejectionError{node: node.DisplayName(), reason: reason}
	}

	r.audit(api.AuditLogInput{
		NodeID:       node.ID,
		NodeName:     node.DisplayName(),
		NodeType:     string(node.Type),
		ActivityName: "approval_response",
		Status:       "success",
		Output:       record,
		StartedAt:    requested,
		CompletedAt:  r.wf.Now(),
		DurationMs:   r.wf.Now().Sub(requested).Milliseconds(),
	})
	return out(record), nil
}

func (r *run) timerNode(node *graph.Node) (nodeOutcome, error) {
	ctx := r.wf.Context()
	d := timerDuration(node)
	started := r.wf.Now()

	timer, err := r.wf.NewTimer(ctx, d)
	if err != nil {
		return nodeOutcome{jumpTo: -1}, err
	}
	if _, err := timer.Get(ctx); err != nil {
		return nodeOutcome{jumpTo: -1}, err
	}

	r.audit(api.AuditLogInput{
		NodeID:       node.ID,
		NodeName:     node.DisplayName(),
		NodeType:     string(node.Type),
		ActivityName: "timer",
		Status:       "success",
		Input:        map[string]any{"duration_seconds": int(d / time.Second)},
		StartedAt:    started,
		CompletedAt:  r.wf.Now(),
		DurationMs:   r.wf.Now().Sub(started).Milliseconds(),
	})
	return out(map[string]any{"completed": true}), nil
}

// timerDuration reads the first configured unit; absent config waits one
// minute.
func timerDuration(node *graph.Node) time.Duration {
	if v := node.ConfigInt("durationSeconds", -1); v >= 0 {
		return time.Duration(v) * time.Second
	}
	if v := node.ConfigInt("durationMinutes", -1); v >= 0 {
		return time.Duration(v) * time.Minute
	}
	if v := node.ConfigInt("durationHours", -1); v >= 0 {
		return time.Duration(v) * time.Hour
	}
	return time.Minute
}

func (r *run) ifElseNode(node *graph.Node) nodeOutcome {
	met, operator := r.evaluateCondition(node)
	chosen, losing := graph.HandleTrue, graph.HandleFalse
	if !met {
		chosen, losing = graph.HandleFalse, graph.HandleTrue
	}

	skipped := r.edges.BranchSkips(node.ID, chosen, losing)
	ids := make([]string, 0, len(skipped))
	for id := range skipped {
		r.skips[id] = skipRecord{by: node.ID, branch: chosen}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	r.wf.Logger().Info("branch decision",
		"node_id", node.ID, "branch", chosen, "skipped", len(ids))
	return out(map[string]any{
		"conditionMet":   met,
		"branch":         chosen,
		"operator":       operator,
		"skippedNodeIds": ids,
	})
}

func (r *run) loopNode(i int, node *graph.Node) (nodeOutcome, error) {
	started := r.wf.Now()
	met, _ := r.evaluateCondition(node)
	iteration := r.counters[node.ID]

	if met {
		decision := map[string]any{"conditionMet": true, "iteration": iteration}
		r.auditLoop(node, decision, started)
		return out(decision), nil
	}

	startID := node.ConfigString("loopStartNodeId", "")
	startIndex, ok := r.def.OrderIndex(startID)
	if !ok || startIndex >= i {
		return nodeOutcome{jumpTo: -1},
			fmt.Errorf("Node %s failed: loopStartNodeId %q must name an earlier node", node.DisplayName(), startID)
	}

	maxIterations := node.ConfigInt("maxIterations", defaultLoopMaxIterations)
	if maxIterations < 1 {
		maxIterations = defaultLoopMaxIterations
	}
	// The body has executed iteration+1 times when the cursor reaches the
	// loop node; jumping again would exceed the configured bound.
	if iteration+1 >= maxIterations {
		if node.ConfigString("onMaxIterations", "fail") == "continue" {
			decision := map[string]any{
				"conditionMet":          false,
				"exceededMaxIterations": true,
				"exitedLoop":            true,
				"iteration":             iteration,
			}
			r.auditLoop(node, decision, started)
			return out(decision), nil
		}
		return nodeOutcome{jumpTo: -1},
			fmt.Errorf("Node %s failed: exceeded max iterations (%d)", node.DisplayName(), maxIterations)
	}

	r.counters[node.ID] = iteration + 1
	if delay := node.ConfigInt("delaySeconds", 0); delay > 0 {
		timer, err := r.wf.NewTimer(r.wf.Context(), time.Duration(delay)*time.Second)
		if err != nil {
			return nodeOutcome{jumpTo: -1}, err
		}
		if _, err := timer.Get(r.wf.Context()); err != nil {
			return nodeOutcome{jumpTo: -1}, err
		}
	}

	decision := map[string]any{
		"conditionMet": false,
		"iteration":    iteration + 1,
		"jumpToIndex":  startIndex,
	}
	r.auditLoop(node, decision, started)
	r.wf.Logger().Info("loop pass",
		"node_id", node.ID, "iteration", iteration+1, "jump_to", startID)
	return nodeOutcome{data: decision, jumpTo: startIndex}, nil
}

func (r *run) auditLoop(node *graph.Node, decision map[string]any, started time.Time) {
	r.audit(api.AuditLogInput{
		NodeID:       node.ID,
		NodeName:     node.DisplayName(),
		NodeType:     string(node.Type),
		ActivityName: "loop_until",
		Status:       "success",
		Output:       decision,
		StartedAt:    started,
		CompletedAt:  r.wf.Now(),
		DurationMs:   r.wf.Now().Sub(started).Milliseconds(),
	})
}

// evaluateCondition resolves a branching node's operands and evaluates its
// single comparison. Both left/right and firstValue/secondValue spellings
// are accepted.
func (r *run) evaluateCondition(node *graph.Node) (bool, string) {
	resolver := template.New(r.outputs)
	left, ok := node.ConfigValue("left")
	if !ok {
		left, _ = node.ConfigValue("firstValue")
	}
	right, ok := node.ConfigValue("right")
	if !ok {
		right, _ = node.ConfigValue("secondValue")
	}
	operator := node.ConfigString("operator", "")
	met := condition.Match(condition.Condition{
		Operator:    condition.Operator(operator),
		FirstValue:  resolver.Resolve(left),
		SecondValue: resolver.Resolve(right),
	})
	return met, operator
}

func (r *run) setStateNode(node *graph.Node) (nodeOutcome, error) {
	resolver := template.New(r.outputs)
	key := ""
	if raw, ok := node.ConfigValue("key"); ok {
		if s, ok := resolver.Resolve(raw).(string); ok {
			key = strings.TrimSpace(s)
		}
	}
	if key == "" {
		return r.failNode(node, "set-state requires a key")
	}

	value := resolver.Resolve(node.Config["value"])
	if s, ok := value.(string); ok {
		value = bestEffortJSONParse(s)
	}
	r.stateVars[key] = value
	r.refreshState()

	return out(map[string]any{"success": true, "key": key, "value": value}), nil
}

func (r *run) transformNode(node *graph.Node) (nodeOutcome, error) {
	resolver := template.New(r.outputs)
	raw, _ := node.ConfigValue("templateJson")
	resolved := resolver.Resolve(raw)
	if s, ok := resolved.(string); ok {
		resolved = bestEffortJSONParse(s)
	}
	switch resolved.(type) {
	case map[string]any, []any:
		return out(map[string]any{"success": true, "data": resolved}), nil
	}
	return r.failNode(node, "transform template must produce an object or array")
}

func (r *run) publishEventNode(node *graph.Node) nodeOutcome {
	resolver := template.New(r.outputs)
	eventType := "custom_event"
	if s, ok := resolver.Resolve(node.ConfigString("eventType", "")).(string); ok && strings.TrimSpace(s) != "" {
		eventType = strings.TrimSpace(s)
	}
	topic := node.ConfigString("topic", api.TopicStream)

	r.publishPhase(api.PhaseRunning, r.progress(),
		fmt.Sprintf("Published event: %s", eventType),
		map[string]any{"event_type": eventType, "node_id": node.ID})
	return out(map[string]any{
		"published": true,
		"topic":     topic,
		"eventType": eventType,
	})
}

// bestEffortJSONParse decodes strings that happen to hold JSON documents so
// state values and transform results keep their structure. Anything that
// does not parse stays a string.
func bestEffortJSONParse(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return s
	}
	return v
}

// controlStop reports whether an action result carries the builder's stop
// marker: result.data.__workflow_builder_control.stop == true.
func controlStop(data any) bool {
	m, ok := data.(map[string]any)
	if !ok {
		return false
	}
	inner, ok := m["data"].(map[string]any)
	if !ok {
		return false
	}
	control, ok := inner[api.ControlStopField].(map[string]any)
	if !ok {
		return false
	}
	stop, ok := control["stop"].(bool)
	return ok && stop
}

// labelFor resolves the stored display label: explicit label, then a
// title-cased rendering of the action slug, then the node id.
func labelFor(node *graph.Node) string {
	if node.Label != "" {
		return node.Label
	}
	if slug := node.ConfigString("actionType", ""); slug != "" {
		return titleFromSlug(slug)
	}
	return node.ID
}

// titleFromSlug renders an action slug as a display label:
// "http/request.get" becomes "Http Request Get".
func titleFromSlug(slug string) string {
	parts := strings.FieldsFunc(slug, func(c rune) bool {
		return c == '/' || c == '.' || c == '_' || c == '-'
	})
	for i, p := range parts {
		runes := []rune(p)
		runes[0] = unicode.ToUpper(runes[0])
		parts[i] = string(runes)
	}
	return strings.Join(parts, " ")
}
