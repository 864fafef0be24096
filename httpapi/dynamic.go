package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/runtime/workflow/engine"
	"github.com/weftworks/weft/runtime/workflow/graph"
)

// listLimit bounds how many instances the listing endpoints hydrate per
// request.
const listLimit = 50

type (
	startWorkflowRequest struct {
		Definition        json.RawMessage   `json:"definition"`
		TriggerData       map[string]any    `json:"triggerData"`
		Integrations      map[string]any    `json:"integrations"`
		DBExecutionID     string            `json:"dbExecutionId"`
		NodeConnectionMap map[string]string `json:"nodeConnectionMap"`
		TraceContext      map[string]string `json:"traceContext"`
	}

	raiseEventRequest struct {
		EventName string `json:"eventName"`
		EventData any    `json:"eventData"`
	}

	controlRequest struct {
		Reason string `json:"reason"`
	}

	statusResponse struct {
		InstanceID        string         `json:"instanceId"`
		WorkflowID        string         `json:"workflowId"`
		RuntimeStatus     string         `json:"runtimeStatus"`
		Phase             string         `json:"phase,omitempty"`
		Progress          int            `json:"progress"`
		Message           string         `json:"message,omitempty"`
		CurrentNodeID     string         `json:"currentNodeId,omitempty"`
		CurrentNodeName   string         `json:"currentNodeName,omitempty"`
		ApprovalEventName string         `json:"approvalEventName,omitempty"`
		Outputs           map[string]any `json:"outputs,omitempty"`
		Error             string         `json:"error,omitempty"`
		StartedAt         string         `json:"startedAt,omitempty"`
		CompletedAt       string         `json:"completedAt,omitempty"`
	}

	listItem struct {
		InstanceID    string `json:"instanceId"`
		WorkflowID    string `json:"workflowId"`
		RuntimeStatus string `json:"runtimeStatus"`
		Phase         string `json:"phase,omitempty"`
		Progress      int    `json:"progress"`
		StartedAt     string `json:"startedAt,omitempty"`
		CompletedAt   string `json:"completedAt,omitempty"`
	}
)

// startWorkflow schedules a dynamic workflow instance from a definition
// carried in the request body.
func (s *Server) startWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var req startWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if len(req.Definition) == 0 {
		return errorJSON(c, http.StatusBadRequest, "definition is required")
	}
	if err := graph.ValidateJSON(req.Definition); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	var def graph.Definition
	if err := json.Unmarshal(req.Definition, &def); err != nil {
		return errorJSON(c, http.StatusBadRequest, "malformed definition: "+err.Error())
	}
	if err := def.Validate(); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	instanceID := api.NewInstanceID(def.ID)
	_, err := s.eng.StartWorkflow(ctx, engine.StartRequest{
		ID:       instanceID,
		Workflow: api.WorkflowDynamic,
		Input: api.InterpreterInput{
			Definition:        &def,
			TriggerData:       req.TriggerData,
			Integrations:      req.Integrations,
			DBExecutionID:     req.DBExecutionID,
			NodeConnectionMap: req.NodeConnectionMap,
			TraceContext:      req.TraceContext,
		},
	})
	if err != nil {
		return s.engineError(c, err)
	}
	if err := s.store.AddInstance(ctx, instanceID); err != nil {
		s.log.Warn(ctx, "record instance in workflow index failed",
			"instance_id", instanceID, "error", err)
	}
	s.metrics.IncCounter("workflow_api_starts_total", 1, "workflow", api.WorkflowDynamic)
	s.log.Info(ctx, "workflow started",
		"instance_id", instanceID, "definition_id", def.ID, "nodes", len(def.Nodes))

	return c.JSON(http.StatusOK, map[string]string{
		"instanceId": instanceID,
		"workflowId": def.ID,
		"status":     "started",
	})
}

// workflowStatus reports the engine view of one instance merged with its
// latest custom status snapshot.
func (s *Server) workflowStatus(c echo.Context) error {
	id := c.Param("id")
	st, err := s.eng.Describe(c.Request().Context(), id)
	if err != nil {
		return s.engineError(c, err)
	}
	return c.JSON(http.StatusOK, dynamicStatus(id, st))
}

func dynamicStatus(id string, st *engine.WorkflowState) statusResponse {
	resp := statusResponse{
		InstanceID:    id,
		WorkflowID:    api.DefinitionIDFromInstance(id),
		RuntimeStatus: string(st.Status),
	}
	if cs, ok := api.DecodeCustomStatus(st.CustomStatus); ok {
		resp.Phase = cs.Phase
		resp.Progress = cs.Progress
		resp.Message = cs.Message
		resp.CurrentNodeID = cs.CurrentNodeID
		resp.CurrentNodeName = cs.CurrentNodeName
		resp.ApprovalEventName = cs.ApprovalEventName
	}
	if len(st.Output) > 0 {
		var result api.InterpreterResult
		if err := json.Unmarshal(st.Output, &result); err == nil {
			resp.Outputs = result.Outputs
			if result.Error != "" {
				resp.Error = result.Error
			}
			if resp.Phase == "" {
				resp.Phase = result.Phase
			}
		}
	}
	if st.Error != "" {
		resp.Error = st.Error
	}
	if !st.StartedAt.IsZero() {
		resp.StartedAt = st.StartedAt.UTC().Format(time.RFC3339)
	}
	if !st.CompletedAt.IsZero() {
		resp.CompletedAt = st.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// raiseWorkflowEvent delivers an external event, typically an approval
// decision or a child-completion replay.
func (s *Server) raiseWorkflowEvent(c echo.Context) error {
	id := c.Param("id")
	var req raiseEventRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.EventName == "" {
		return errorJSON(c, http.StatusBadRequest, "eventName is required")
	}
	if err := s.eng.RaiseEvent(c.Request().Context(), id, req.EventName, req.EventData); err != nil {
		return s.engineError(c, err)
	}
	s.log.Info(c.Request().Context(), "external event raised",
		"instance_id", id, "event", req.EventName)
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "raised",
		"eventName": req.EventName,
	})
}

func (s *Server) terminateWorkflow(c echo.Context) error {
	id := c.Param("id")
	reason := controlReason(c, "terminated via API")
	if err := s.eng.Terminate(c.Request().Context(), id, reason); err != nil {
		return s.engineError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "terminated"})
}

func (s *Server) pauseWorkflow(c echo.Context) error {
	id := c.Param("id")
	reason := controlReason(c, "paused via API")
	if err := s.eng.Suspend(c.Request().Context(), id, reason); err != nil {
		return s.engineError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) resumeWorkflow(c echo.Context) error {
	id := c.Param("id")
	reason := controlReason(c, "resumed via API")
	if err := s.eng.Resume(c.Request().Context(), id, reason); err != nil {
		return s.engineError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "resumed"})
}

// controlReason reads the optional reason from a control request body.
func controlReason(c echo.Context, fallback string) string {
	var req controlRequest
	if err := c.Bind(&req); err != nil || req.Reason == "" {
		return fallback
	}
	return req.Reason
}

// purgeWorkflow removes the retained state of a closed instance.
func (s *Server) purgeWorkflow(c echo.Context) error {
	id := c.Param("id")
	if err := s.eng.Purge(c.Request().Context(), id); err != nil {
		if errors.Is(err, engine.ErrWorkflowNotFound) {
			return errorJSON(c, http.StatusNotFound, "workflow not found")
		}
		// Purging an open instance is refused by every backend.
		return errorJSON(c, http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "purged"})
}

// listWorkflows hydrates the workflow index against the engine. Instances
// the engine no longer knows (purged or expired history) are listed with
// status UNKNOWN.
func (s *Server) listWorkflows(c echo.Context) error {
	ctx := c.Request().Context()
	ids, err := s.store.Instances(ctx)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	if len(ids) > listLimit {
		ids = ids[:listLimit]
	}
	items := make([]listItem, 0, len(ids))
	for _, id := range ids {
		item := listItem{
			InstanceID:    id,
			WorkflowID:    api.DefinitionIDFromInstance(id),
			RuntimeStatus: string(engine.StatusUnknown),
		}
		if st, err := s.eng.Describe(ctx, id); err == nil {
			item.RuntimeStatus = string(st.Status)
			if cs, ok := api.DecodeCustomStatus(st.CustomStatus); ok {
				item.Phase = cs.Phase
				item.Progress = cs.Progress
			}
			if !st.StartedAt.IsZero() {
				item.StartedAt = st.StartedAt.UTC().Format(time.RFC3339)
			}
			if !st.CompletedAt.IsZero() {
				item.CompletedAt = st.CompletedAt.UTC().Format(time.RFC3339)
			}
		}
		items = append(items, item)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"workflows": items,
		"count":     len(items),
	})
}

// workflowEvents returns the mirrored stream events of one instance.
func (s *Server) workflowEvents(c echo.Context) error {
	id := c.Param("id")
	events, err := s.store.Events(c.Request().Context(), id)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	if events == nil {
		events = []api.Envelope{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"instanceId": id,
		"events":     events,
		"count":      len(events),
	})
}
