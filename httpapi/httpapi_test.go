package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	redisstate "github.com/weftworks/weft/features/state/redis"
	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/runtime/workflow/engine"
	"github.com/weftworks/weft/runtime/workflow/engine/inmem"
)

// harness wires the server against the in-memory engine and a miniredis
// backed state store, with stub workflow bodies standing in for the
// interpreter and planner.
type harness struct {
	ts    *httptest.Server
	eng   engine.Engine
	store *redisstate.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	eng := inmem.New()
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:    api.WorkflowDynamic,
		Handler: stubDynamic,
	}))
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:    api.WorkflowPlanner,
		Handler: stubPlanner,
	}))
	t.Cleanup(func() { _ = eng.Close() })

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := redisstate.New(redisstate.Options{Client: client})
	require.NoError(t, err)

	s, err := New(Options{Engine: eng, State: store})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &harness{ts: ts, eng: eng, store: store}
}

// stubDynamic completes immediately unless the definition metadata carries
// wait=true, in which case it blocks on a "proceed" event first.
func stubDynamic(wf engine.WorkflowContext, input json.RawMessage) (any, error) {
	var in api.InterpreterInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	_ = wf.SetCustomStatus(api.CustomStatus{
		Phase:         api.PhaseRunning,
		Progress:      50,
		CurrentNodeID: in.Definition.ExecutionOrder[0],
	})
	if wait, _ := in.Definition.Metadata["wait"].(bool); wait {
		fut, err := wf.WaitForEvent(wf.Context(), "proceed")
		if err != nil {
			return nil, err
		}
		if _, err := fut.Get(wf.Context()); err != nil {
			return nil, err
		}
	}
	_ = wf.SetCustomStatus(api.CustomStatus{Phase: api.PhaseCompleted, Progress: 100})
	return api.InterpreterResult{
		Success:    true,
		Outputs:    map[string]any{"n1": map[string]any{"data": in.TriggerData}},
		DurationMs: 5,
		Phase:      api.PhaseCompleted,
	}, nil
}

// stubPlanner publishes an awaiting_approval status and blocks on its plan
// approval event, mirroring the real planner's control surface.
func stubPlanner(wf engine.WorkflowContext, input json.RawMessage) (any, error) {
	var in api.PlannerInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	eventName := api.PlanApprovalEvent(wf.WorkflowID())
	_ = wf.SetCustomStatus(api.CustomStatus{
		Phase:             api.PhaseAwaitingApproval,
		Progress:          50,
		ApprovalEventName: eventName,
	})
	fut, err := wf.WaitForEvent(wf.Context(), eventName)
	if err != nil {
		return nil, err
	}
	raw, err := fut.Get(wf.Context())
	if err != nil {
		return nil, err
	}
	var decision api.ApprovalDecision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return nil, err
	}
	if !decision.Approved {
		_ = wf.SetCustomStatus(api.CustomStatus{Phase: api.PhaseRejected, Progress: 100})
		return api.PlannerResult{
			WorkflowID: wf.WorkflowID(),
			Phase:      api.PhaseRejected,
			Error:      "plan rejected: " + decision.Reason,
		}, nil
	}
	_ = wf.SetCustomStatus(api.CustomStatus{Phase: api.PhaseCompleted, Progress: 100})
	return api.PlannerResult{
		Success:    true,
		WorkflowID: wf.WorkflowID(),
		TaskCount:  2,
		Phase:      api.PhaseCompleted,
	}, nil
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

// awaitField polls a GET endpoint until the named field equals want.
func (h *harness) awaitField(t *testing.T, path, field, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last map[string]any
	for time.Now().Before(deadline) {
		code, body := h.do(t, http.MethodGet, path, nil)
		if code == http.StatusOK && body[field] == want {
			return body
		}
		last = body
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s=%q at %s, last: %v", field, want, path, last)
	return nil
}

func definitionJSON(id string, wait bool) map[string]any {
	def := map[string]any{
		"id":   id,
		"name": "Contact Sync",
		"nodes": []map[string]any{
			{"id": "n1", "type": "action", "label": "Find Contact", "config": map[string]any{"actionType": "find_contact"}},
		},
		"executionOrder": []string{"n1"},
	}
	if wait {
		def["metadata"] = map[string]any{"wait": true}
	}
	return def
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	require.ErrorContains(t, err, "engine is required")

	_, err = New(Options{Engine: inmem.New()})
	require.ErrorContains(t, err, "state store is required")
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
}

func TestReadyz(t *testing.T) {
	eng := inmem.New()
	t.Cleanup(func() { _ = eng.Close() })
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := redisstate.New(redisstate.Options{Client: client})
	require.NoError(t, err)

	healthy := func(context.Context) error { return nil }
	broken := func(context.Context) error { return errors.New("connection refused") }

	s, err := New(Options{Engine: eng, State: store, ReadyChecks: map[string]ReadyCheck{
		"redis": healthy,
	}})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	s2, err := New(Options{Engine: eng, State: store, ReadyChecks: map[string]ReadyCheck{
		"redis":    healthy,
		"postgres": broken,
	}})
	require.NoError(t, err)
	ts2 := httptest.NewServer(s2.Handler())
	t.Cleanup(ts2.Close)

	resp, err = http.Get(ts2.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "unavailable", body["status"])
	checks, ok := body["checks"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, checks["postgres"], "connection refused")
}

func TestStartWorkflowValidation(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/v2/workflows", map[string]any{})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "definition is required", body["error"])

	// Schema violation: no nodes.
	code, body = h.do(t, http.MethodPost, "/api/v2/workflows", map[string]any{
		"definition": map[string]any{"id": "wf-1", "name": "Empty", "nodes": []any{}, "executionOrder": []string{"n1"}},
	})
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, body["error"], "definition")

	// Structural violation: executionOrder names an unknown node.
	def := definitionJSON("wf-1", false)
	def["executionOrder"] = []string{"ghost"}
	code, _ = h.do(t, http.MethodPost, "/api/v2/workflows", map[string]any{"definition": def})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestStartAndStatusRoundTrip(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/v2/workflows", map[string]any{
		"definition":  definitionJSON("wf-crm", false),
		"triggerData": map[string]any{"email": "ada@example.com"},
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "started", body["status"])
	require.Equal(t, "wf-crm", body["workflowId"])
	instanceID, _ := body["instanceId"].(string)
	require.True(t, strings.HasPrefix(instanceID, "wf-crm-"))

	status := h.awaitField(t, "/api/v2/workflows/"+instanceID+"/status", "runtimeStatus", string(engine.StatusCompleted))
	require.Equal(t, instanceID, status["instanceId"])
	require.Equal(t, "wf-crm", status["workflowId"])
	require.Equal(t, api.PhaseCompleted, status["phase"])
	require.EqualValues(t, 100, status["progress"])
	require.NotEmpty(t, status["startedAt"])
	require.NotEmpty(t, status["completedAt"])
	outputs, ok := status["outputs"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, outputs, "n1")
}

func TestStatusUnknownInstance(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodGet, "/api/v2/workflows/wf-ghost-1-aaaaaaa/status", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "workflow not found", body["error"])
}

func TestRaiseEvent(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/v2/workflows", map[string]any{
		"definition": definitionJSON("wf-gate", true),
	})
	require.Equal(t, http.StatusOK, code)
	instanceID := body["instanceId"].(string)

	h.awaitField(t, "/api/v2/workflows/"+instanceID+"/status", "runtimeStatus", string(engine.StatusRunning))

	// Name is mandatory.
	code, body = h.do(t, http.MethodPost, "/api/v2/workflows/"+instanceID+"/events", map[string]any{
		"eventData": map[string]any{"ok": true},
	})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "eventName is required", body["error"])

	// Reserved names are refused.
	code, _ = h.do(t, http.MethodPost, "/api/v2/workflows/"+instanceID+"/events", map[string]any{
		"eventName": "__weft_suspend",
	})
	require.Equal(t, http.StatusBadRequest, code)

	// Unknown instances are 404.
	code, _ = h.do(t, http.MethodPost, "/api/v2/workflows/wf-ghost-1-aaaaaaa/events", map[string]any{
		"eventName": "proceed",
	})
	require.Equal(t, http.StatusNotFound, code)

	code, body = h.do(t, http.MethodPost, "/api/v2/workflows/"+instanceID+"/events", map[string]any{
		"eventName": "proceed",
		"eventData": map[string]any{"approved": true},
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "raised", body["status"])
	require.Equal(t, "proceed", body["eventName"])

	h.awaitField(t, "/api/v2/workflows/"+instanceID+"/status", "runtimeStatus", string(engine.StatusCompleted))
}

func TestLifecycleControls(t *testing.T) {
	h := newHarness(t)

	_, body := h.do(t, http.MethodPost, "/api/v2/workflows", map[string]any{
		"definition": definitionJSON("wf-pause", true),
	})
	instanceID := body["instanceId"].(string)
	h.awaitField(t, "/api/v2/workflows/"+instanceID+"/status", "runtimeStatus", string(engine.StatusRunning))

	code, body := h.do(t, http.MethodPost, "/api/v2/workflows/"+instanceID+"/pause", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "paused", body["status"])
	h.awaitField(t, "/api/v2/workflows/"+instanceID+"/status", "runtimeStatus", string(engine.StatusSuspended))

	code, body = h.do(t, http.MethodPost, "/api/v2/workflows/"+instanceID+"/resume", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "resumed", body["status"])
	h.awaitField(t, "/api/v2/workflows/"+instanceID+"/status", "runtimeStatus", string(engine.StatusRunning))

	// An open instance cannot be purged.
	code, _ = h.do(t, http.MethodDelete, "/api/v2/workflows/"+instanceID, nil)
	require.Equal(t, http.StatusConflict, code)

	code, body = h.do(t, http.MethodPost, "/api/v2/workflows/"+instanceID+"/terminate", map[string]any{
		"reason": "operator request",
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "terminated", body["status"])
	h.awaitField(t, "/api/v2/workflows/"+instanceID+"/status", "runtimeStatus", string(engine.StatusTerminated))

	code, body = h.do(t, http.MethodDelete, "/api/v2/workflows/"+instanceID, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "purged", body["status"])

	code, _ = h.do(t, http.MethodGet, "/api/v2/workflows/"+instanceID+"/status", nil)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodDelete, "/api/v2/workflows/"+instanceID, nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestListWorkflows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, first := h.do(t, http.MethodPost, "/api/v2/workflows", map[string]any{
		"definition": definitionJSON("wf-a", false),
	})
	_, second := h.do(t, http.MethodPost, "/api/v2/workflows", map[string]any{
		"definition": definitionJSON("wf-b", true),
	})
	// An indexed instance the engine has already forgotten.
	require.NoError(t, h.store.AddInstance(ctx, "wf-old-1756000000000-abcdefg"))

	code, body := h.do(t, http.MethodGet, "/api/v2/workflows", nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 3, body["count"])

	items := body["workflows"].([]any)
	require.Len(t, items, 3)
	// Newest first.
	top := items[0].(map[string]any)
	require.Equal(t, "wf-old-1756000000000-abcdefg", top["instanceId"])
	require.Equal(t, "wf-old", top["workflowId"])
	require.Equal(t, string(engine.StatusUnknown), top["runtimeStatus"])

	byInstance := map[string]map[string]any{}
	for _, it := range items {
		entry := it.(map[string]any)
		byInstance[entry["instanceId"].(string)] = entry
	}
	require.Contains(t, byInstance, first["instanceId"].(string))
	require.Contains(t, byInstance, second["instanceId"].(string))
	require.NotEqual(t, string(engine.StatusUnknown), byInstance[second["instanceId"].(string)]["runtimeStatus"])
}

func TestWorkflowEventsEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, h.store.AppendEvent(ctx, "wf-evt-1-aaaaaaa", api.Envelope{
			ID:         fmt.Sprintf("evt-%d", i),
			Type:       "workflow.step.completed",
			WorkflowID: "wf-evt-1-aaaaaaa",
			Data:       json.RawMessage(`{"step":"n1"}`),
		}))
	}

	code, body := h.do(t, http.MethodGet, "/api/v2/workflows/wf-evt-1-aaaaaaa/events", nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, body["count"])
	events := body["events"].([]any)
	first := events[0].(map[string]any)
	require.Equal(t, "evt-0", first["id"])
	require.Equal(t, "workflow.step.completed", first["type"])

	// No mirror yet is an empty list, not an error.
	code, body = h.do(t, http.MethodGet, "/api/v2/workflows/wf-none-1-aaaaaaa/events", nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 0, body["count"])
}

func TestPlannerFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	code, body := h.do(t, http.MethodPost, "/api/workflows", map[string]any{})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "feature_request is required", body["error"])

	code, body = h.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"feature_request": "sync new leads into the CRM",
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "started", body["status"])
	id := body["workflow_id"].(string)
	require.True(t, strings.HasPrefix(id, "planner-"))

	status := h.awaitField(t, "/api/workflows/"+id+"/status", "phase", api.PhaseAwaitingApproval)
	require.Equal(t, id, status["workflow_id"])
	require.EqualValues(t, 50, status["progress"])

	// The singular alias answers the same routes.
	code, aliased := h.do(t, http.MethodGet, "/api/workflow/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, id, aliased["workflow_id"])

	// Tasks are written by the persistence activity; seed the store the
	// same way and read them back.
	code, body = h.do(t, http.MethodGet, "/api/workflows/"+id+"/tasks", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "tasks not found", body["error"])

	tasks := []map[string]any{
		{"title": "Create webhook trigger", "order": 1},
		{"title": "Map lead fields", "order": 2},
	}
	require.NoError(t, h.store.Set(ctx, api.KeyTasks(id), tasks))

	code, body = h.do(t, http.MethodGet, "/api/workflows/"+id+"/tasks", nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, body["count"])
	gotTasks := body["tasks"].([]any)
	require.Equal(t, "Create webhook trigger", gotTasks[0].(map[string]any)["title"])

	code, body = h.do(t, http.MethodPost, "/api/workflows/"+id+"/approve", map[string]any{
		"approved": true,
		"approver": "ops@example.com",
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["approved"])

	final := h.awaitField(t, "/api/workflows/"+id+"/status", "runtimeStatus", string(engine.StatusCompleted))
	require.Equal(t, api.PhaseCompleted, final["phase"])
	require.EqualValues(t, 2, final["task_count"])

	// The planner listing shows the run; the v2 listing shows it too since
	// both feed from the shared index.
	code, body = h.do(t, http.MethodGet, "/api/workflows", nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["count"])
	entry := body["workflows"].([]any)[0].(map[string]any)
	require.Equal(t, id, entry["workflow_id"])
}

func TestPlannerRejection(t *testing.T) {
	h := newHarness(t)

	_, body := h.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"feature_request": "delete production",
	})
	id := body["workflow_id"].(string)
	h.awaitField(t, "/api/workflows/"+id+"/status", "phase", api.PhaseAwaitingApproval)

	code, _ := h.do(t, http.MethodPost, "/api/workflows/"+id+"/approve", map[string]any{
		"approved": false,
		"reason":   "too risky",
	})
	require.Equal(t, http.StatusOK, code)

	final := h.awaitField(t, "/api/workflows/"+id+"/status", "phase", api.PhaseRejected)
	require.Contains(t, final["error"], "too risky")
}

func TestApproveUnknownPlanner(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodPost, "/api/workflows/planner-1-aaaaaaa/approve", map[string]any{
		"approved": true,
	})
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "workflow not found", body["error"])
}

func TestRateLimit(t *testing.T) {
	eng := inmem.New()
	t.Cleanup(func() { _ = eng.Close() })
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := redisstate.New(redisstate.Options{Client: client})
	require.NoError(t, err)

	s, err := New(Options{Engine: eng, State: store, RateLimit: 1})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	limited := false
	for i := 0; i < 5; i++ {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	require.True(t, limited, "expected at least one request to be rate limited")
}
