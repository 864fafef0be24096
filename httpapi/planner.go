package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/runtime/workflow/engine"
)

// plannerIDPrefix marks planner instances in the shared workflow index.
const plannerIDPrefix = "planner"

type plannerStatusResponse struct {
	WorkflowID    string `json:"workflow_id"`
	RuntimeStatus string `json:"runtimeStatus"`
	Phase         string `json:"phase,omitempty"`
	Progress      int    `json:"progress"`
	Message       string `json:"message,omitempty"`
	TaskCount     int    `json:"task_count,omitempty"`
	Error         string `json:"error,omitempty"`
	StartedAt     string `json:"startedAt,omitempty"`
	CompletedAt   string `json:"completedAt,omitempty"`
}

// startPlanner schedules a planner run for a feature request.
func (s *Server) startPlanner(c echo.Context) error {
	ctx := c.Request().Context()

	var in api.PlannerInput
	if err := c.Bind(&in); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(in.FeatureRequest) == "" {
		return errorJSON(c, http.StatusBadRequest, "feature_request is required")
	}

	id := api.NewInstanceID(plannerIDPrefix)
	_, err := s.eng.StartWorkflow(ctx, engine.StartRequest{
		ID:       id,
		Workflow: api.WorkflowPlanner,
		Input:    in,
	})
	if err != nil {
		return s.engineError(c, err)
	}
	if err := s.store.AddInstance(ctx, id); err != nil {
		s.log.Warn(ctx, "record instance in workflow index failed",
			"instance_id", id, "error", err)
	}
	s.metrics.IncCounter("workflow_api_starts_total", 1, "workflow", api.WorkflowPlanner)
	s.log.Info(ctx, "planner started",
		"instance_id", id, "parent_execution_id", in.ParentExecutionID)

	return c.JSON(http.StatusOK, map[string]string{
		"workflow_id": id,
		"status":      "started",
	})
}

// listPlanners lists planner instances from the shared workflow index.
func (s *Server) listPlanners(c echo.Context) error {
	ctx := c.Request().Context()
	ids, err := s.store.Instances(ctx)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	items := make([]plannerStatusResponse, 0)
	for _, id := range ids {
		if !strings.HasPrefix(id, plannerIDPrefix+"-") {
			continue
		}
		if len(items) == listLimit {
			break
		}
		st, err := s.eng.Describe(ctx, id)
		if err != nil {
			items = append(items, plannerStatusResponse{
				WorkflowID:    id,
				RuntimeStatus: string(engine.StatusUnknown),
			})
			continue
		}
		items = append(items, plannerRunStatus(id, st))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"workflows": items,
		"count":     len(items),
	})
}

// approvePlan raises the plan approval decision for a waiting planner run.
func (s *Server) approvePlan(c echo.Context) error {
	id := c.Param("id")
	var decision api.ApprovalDecision
	if err := c.Bind(&decision); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if err := s.eng.RaiseEvent(c.Request().Context(), id, api.PlanApprovalEvent(id), decision); err != nil {
		return s.engineError(c, err)
	}
	s.log.Info(c.Request().Context(), "plan approval raised",
		"instance_id", id, "approved", decision.Approved)
	return c.JSON(http.StatusOK, map[string]any{
		"workflow_id": id,
		"approved":    decision.Approved,
		"status":      "submitted",
	})
}

// plannerStatus reports one planner run.
func (s *Server) plannerStatus(c echo.Context) error {
	id := c.Param("id")
	st, err := s.eng.Describe(c.Request().Context(), id)
	if err != nil {
		return s.engineError(c, err)
	}
	return c.JSON(http.StatusOK, plannerRunStatus(id, st))
}

func plannerRunStatus(id string, st *engine.WorkflowState) plannerStatusResponse {
	resp := plannerStatusResponse{
		WorkflowID:    id,
		RuntimeStatus: string(st.Status),
	}
	if cs, ok := api.DecodeCustomStatus(st.CustomStatus); ok {
		resp.Phase = cs.Phase
		resp.Progress = cs.Progress
		resp.Message = cs.Message
	}
	if len(st.Output) > 0 {
		var result api.PlannerResult
		if err := json.Unmarshal(st.Output, &result); err == nil {
			resp.TaskCount = result.TaskCount
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

// plannerTasks returns the persisted task list of a planner run.
func (s *Server) plannerTasks(c echo.Context) error {
	id := c.Param("id")
	raw, found, err := s.store.Get(c.Request().Context(), api.KeyTasks(id))
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	if !found {
		return errorJSON(c, http.StatusNotFound, "tasks not found")
	}
	var tasks []any
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return errorJSON(c, http.StatusInternalServerError, "stored tasks are not a list")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"workflow_id": id,
		"tasks":       tasks,
		"count":       len(tasks),
	})
}
