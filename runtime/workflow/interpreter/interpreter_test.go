package interpreter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/runtime/workflow/engine"
	"github.com/weftworks/weft/runtime/workflow/engine/inmem"
	"github.com/weftworks/weft/runtime/workflow/graph"
	"github.com/weftworks/weft/runtime/workflow/template"
)

// actionFunc fakes one function-router action type.
type actionFunc func(resolved map[string]any, in *api.ExecuteActionInput) (*api.ActionResult, error)

// agentStart records which start activity a child node scheduled.
type agentStart struct {
	activity string
	input    api.AgentRunInput
}

// world wires the dynamic workflow onto an in-memory engine with
// recording fakes for every activity the body schedules.
type world struct {
	eng engine.Engine

	mu          sync.Mutex
	actions     map[string]actionFunc
	calls       map[string]int
	resolved    map[string]map[string]any
	agentResult api.AgentRunResult
	agentStarts []agentStart
	stateWrites map[string]any
	results     []api.PersistResultsInput
	audits      []api.AuditLogInput
	phases      []api.PhaseChangedInput
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		eng:         inmem.New(),
		actions:     make(map[string]actionFunc),
		calls:       make(map[string]int),
		resolved:    make(map[string]map[string]any),
		stateWrites: make(map[string]any),
	}
	ctx := context.Background()
	require.NoError(t, Register(ctx, w.eng, Config{TaskQueue: "test"}))

	register := func(name string, handler any) {
		require.NoError(t, w.eng.RegisterActivity(ctx, engine.ActivityDefinition{
			Name:    name,
			Handler: handler,
		}))
	}
	register(api.ActivityExecuteAction, func(_ context.Context, in *api.ExecuteActionInput) (*api.ActionResult, error) {
		resolved := template.New(in.NodeOutputs).ResolveConfig(in.Node.Config)
		w.mu.Lock()
		w.calls[in.Node.ID]++
		w.resolved[in.Node.ID] = resolved
		fn := w.actions[in.Node.ConfigString("actionType", "")]
		w.mu.Unlock()
		if fn == nil {
			return &api.ActionResult{Success: true}, nil
		}
		return fn(resolved, in)
	})
	agentHandler := func(activity string) func(context.Context, *api.AgentRunInput) (*api.AgentRunResult, error) {
		return func(_ context.Context, in *api.AgentRunInput) (*api.AgentRunResult, error) {
			w.mu.Lock()
			w.agentStarts = append(w.agentStarts, agentStart{activity: activity, input: *in})
			res := w.agentResult
			w.mu.Unlock()
			return &res, nil
		}
	}
	register(api.ActivityCallDurableAgentRun, agentHandler(api.ActivityCallDurableAgentRun))
	register(api.ActivityCallDurablePlan, agentHandler(api.ActivityCallDurablePlan))
	register(api.ActivityCallMastraAgentRun, agentHandler(api.ActivityCallMastraAgentRun))
	register(api.ActivityPersistState, func(_ context.Context, in *api.PersistStateInput) error {
		w.mu.Lock()
		w.stateWrites[in.Key] = in.Value
		w.mu.Unlock()
		return nil
	})
	register(api.ActivityPersistResults, func(_ context.Context, in *api.PersistResultsInput) error {
		w.mu.Lock()
		w.results = append(w.results, *in)
		w.mu.Unlock()
		return nil
	})
	register(api.ActivityLogAudit, func(_ context.Context, in *api.AuditLogInput) error {
		w.mu.Lock()
		w.audits = append(w.audits, *in)
		w.mu.Unlock()
		return nil
	})
	register(api.ActivityPublishPhaseChanged, func(_ context.Context, in *api.PhaseChangedInput) error {
		w.mu.Lock()
		w.phases = append(w.phases, *in)
		w.mu.Unlock()
		return nil
	})
	return w
}

func (w *world) start(t *testing.T, id string, in api.InterpreterInput) engine.Handle {
	t.Helper()
	handle, err := w.eng.StartWorkflow(context.Background(), engine.StartRequest{
		ID:       id,
		Workflow: api.WorkflowDynamic,
		Input:    in,
	})
	require.NoError(t, err)
	return handle
}

func (w *world) wait(t *testing.T, h engine.Handle) api.InterpreterResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var res api.InterpreterResult
	require.NoError(t, h.Wait(ctx, &res))
	return res
}

func (w *world) awaitPhase(t *testing.T, id, phase string) api.CustomStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := w.eng.Describe(context.Background(), id)
		require.NoError(t, err)
		if status, ok := api.DecodeCustomStatus(state.CustomStatus); ok && status.Phase == phase {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s never reached phase %q", id, phase)
	return api.CustomStatus{}
}

func (w *world) awaitAgentStart(t *testing.T) agentStart {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		n := len(w.agentStarts)
		var first agentStart
		if n > 0 {
			first = w.agentStarts[0]
		}
		w.mu.Unlock()
		if n > 0 {
			return first
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("agent start activity was never called")
	return agentStart{}
}

func (w *world) callCount(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[id]
}

func (w *world) resolvedFor(id string) map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resolved[id]
}

func (w *world) auditActivities() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, len(w.audits))
	for i, row := range w.audits {
		names[i] = row.ActivityName
	}
	return names
}

func (w *world) phaseMessages() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	msgs := make([]string, len(w.phases))
	for i, p := range w.phases {
		msgs[i] = p.Message
	}
	return msgs
}

func testNode(id string, typ graph.NodeType, config map[string]any) graph.Node {
	return graph.Node{ID: id, Type: typ, Enabled: true, Config: config}
}

func testDef(id string, nodes []graph.Node, edges []graph.Edge) *graph.Definition {
	order := make([]string, len(nodes))
	for i, n := range nodes {
		order[i] = n.ID
	}
	return &graph.Definition{ID: id, Name: id, Nodes: nodes, Edges: edges, ExecutionOrder: order}
}

func TestHelloWorkflow(t *testing.T) {
	w := newWorld(t)
	w.actions["echo"] = func(resolved map[string]any, _ *api.ExecuteActionInput) (*api.ActionResult, error) {
		return &api.ActionResult{Success: true, Data: resolved["text"]}, nil
	}

	d := testDef("hello", []graph.Node{
		testNode("T", graph.NodeTrigger, nil),
		testNode("A", graph.NodeAction, map[string]any{"actionType": "echo", "text": "{{T.name}}"}),
	}, nil)
	h := w.start(t, "hello-1", api.InterpreterInput{
		Definition:    d,
		TriggerData:   map[string]any{"name": "world"},
		DBExecutionID: "db-1",
	})
	res := w.wait(t, h)

	require.True(t, res.Success)
	assert.Equal(t, api.PhaseCompleted, res.Phase)
	assert.Equal(t, "world", w.resolvedFor("A")["text"])
	assert.Equal(t, map[string]any{"success": true, "data": "world"}, res.Outputs["A"])
	assert.Equal(t, map[string]any{"name": "world"}, res.Outputs["trigger"])

	// Terminal persistence: flattened outputs plus the execution row update.
	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Contains(t, w.stateWrites, api.KeyOutputs("hello", "hello-1"))
	require.Len(t, w.results, 1)
	assert.Equal(t, "db-1", w.results[0].DBExecutionID)
	assert.Equal(t, "success", w.results[0].Status)

	state, err := w.eng.Describe(context.Background(), "hello-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, state.Status)
	status, ok := api.DecodeCustomStatus(state.CustomStatus)
	require.True(t, ok)
	assert.Equal(t, api.PhaseCompleted, status.Phase)
	assert.Equal(t, 100, status.Progress)
}

func TestApprovalRejectionStopsRun(t *testing.T) {
	w := newWorld(t)
	d := testDef("appr", []graph.Node{
		testNode("T", graph.NodeTrigger, nil),
		testNode("G", graph.NodeApprovalGate, map[string]any{"eventName": "go"}),
		testNode("A", graph.NodeAction, map[string]any{"actionType": "echo"}),
	}, nil)
	h := w.start(t, "appr-1", api.InterpreterInput{Definition: d, DBExecutionID: "db-2"})

	status := w.awaitPhase(t, "appr-1", api.PhaseAwaitingApproval)
	assert.Equal(t, "go", status.ApprovalEventName)
	assert.Equal(t, "G", status.CurrentNodeID)

	require.NoError(t, w.eng.RaiseEvent(context.Background(), "appr-1", "go",
		api.ApprovalDecision{Approved: false, Reason: "nope"}))
	res := w.wait(t, h)

	assert.False(t, res.Success)
	assert.Equal(t, api.PhaseRejected, res.Phase)
	assert.Equal(t, "Workflow rejected at G: nope", res.Error)
	assert.Equal(t, 0, w.callCount("A"))
	assert.Equal(t, map[string]any{
		"approved": false, "reason": "nope", "respondedBy": "",
	}, res.Outputs["G"])
	assert.Contains(t, w.auditActivities(), "approval_request")
	assert.Contains(t, w.auditActivities(), "approval_response")
}

func TestApprovalApprovedContinues(t *testing.T) {
	w := newWorld(t)
	d := testDef("appr", []graph.Node{
		testNode("T", graph.NodeTrigger, nil),
		testNode("G", graph.NodeApprovalGate, nil),
		testNode("A", graph.NodeAction, map[string]any{"actionType": "echo"}),
	}, nil)
	h := w.start(t, "appr-2", api.InterpreterInput{Definition: d})

	// Without config.eventName the gate derives its own event name.
	status := w.awaitPhase(t, "appr-2", api.PhaseAwaitingApproval)
	assert.Equal(t, api.ApprovalEventName("G"), status.ApprovalEventName)

	require.NoError(t, w.eng.RaiseEvent(context.Background(), "appr-2", status.ApprovalEventName,
		api.ApprovalDecision{Approved: true, Approver: "ops"}))
	res := w.wait(t, h)

	require.True(t, res.Success)
	assert.Equal(t, 1, w.callCount("A"))
	assert.Equal(t, map[string]any{
		"approved": true, "reason": "", "respondedBy": "ops",
	}, res.Outputs["G"])
}

func TestApprovalTimeoutFailsRun(t *testing.T) {
	w := newWorld(t)
	d := testDef("appr", []graph.Node{
		testNode("T", graph.NodeTrigger, nil),
		testNode("G", graph.NodeApprovalGate, map[string]any{"timeoutSeconds": 1}),
		testNode("A", graph.NodeAction, map[string]any{"actionType": "echo"}),
	}, nil)
	h := w.start(t, "appr-3", api.InterpreterInput{Definition: d, DBExecutionID: "db-3"})
	res := w.wait(t, h)

	assert.False(t, res.Success)
	assert.Equal(t, api.PhaseFailed, res.Phase)
	assert.Contains(t, res.Error, "Approval timed out at G")
	assert.Equal(t, 0, w.callCount("A"))
	assert.Equal(t, map[string]any{
		"approved": false, "reason": "Timed out after 1 seconds",
	}, res.Outputs["G"])
	assert.Contains(t, w.auditActivities(), "approval_timeout")
}

func TestLoopUntilStateCondition(t *testing.T) {
	w := newWorld(t)
	var bumps atomic.Int64
	w.actions["bump"] = func(map[string]any, *api.ExecuteActionInput) (*api.ActionResult, error) {
		return &api.ActionResult{Success: true, Data: bumps.Add(1)}, nil
	}

	d := testDef("loop", []graph.Node{
		testNode("T", graph.NodeTrigger, nil),
		testNode("B", graph.NodeAction, map[string]any{"actionType": "bump"}),
		testNode("S", graph.NodeSetState, map[string]any{"key": "k", "value": "{{B.data}}"}),
		testNode("L", graph.NodeLoopUntil, map[string]any{
			"operator":        "NUMBER_IS_EQUAL_TO",
			"left":            "{{State.k}}",
			"right":           3,
			"loopStartNodeId": "B",
			"maxIterations":   5,
		}),
	}, nil)
	res := w.wait(t, w.start(t, "loop-1", api.InterpreterInput{Definition: d}))

	require.True(t, res.Success)
	assert.Equal(t, 3, w.callCount("B"))
	assert.Equal(t, map[string]any{
		"conditionMet": true, "iteration": float64(2),
	}, res.Outputs["L"])
	assert.Equal(t, map[string]any{
		"success": true, "key": "k", "value": float64(3),
	}, res.Outputs["S"])
}

func TestLoopUntilMaxIterations(t *testing.T) {
	// The loop condition references an unresolvable path, which coerces to 0
	// and never equals 3.
	loopConfig := func(onMax string) map[string]any {
		return map[string]any{
			"operator":        "NUMBER_IS_EQUAL_TO",
			"left":            "{{State.never}}",
			"right":           3,
			"loopStartNodeId": "B",
			"maxIterations":   2,
			"onMaxIterations": onMax,
		}
	}
	nodes := func(onMax string) []graph.Node {
		return []graph.Node{
			testNode("T", graph.NodeTrigger, nil),
			testNode("B", graph.NodeAction, map[string]any{"actionType": "echo"}),
			testNode("L", graph.NodeLoopUntil, loopConfig(onMax)),
		}
	}

	t.Run("fail mode terminates the run", func(t *testing.T) {
		w := newWorld(t)
		res := w.wait(t, w.start(t, "loop-fail", api.InterpreterInput{
			Definition: testDef("loop", nodes("fail"), nil),
		}))
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "exceeded max iterations (2)")
		assert.Equal(t, 2, w.callCount("B"))
	})

	t.Run("continue mode exits the loop", func(t *testing.T) {
		w := newWorld(t)
		res := w.wait(t, w.start(t, "loop-cont", api.InterpreterInput{
			Definition: testDef("loop", nodes("continue"), nil),
		}))
		require.True(t, res.Success)
		assert.Equal(t, 2, w.callCount("B"))
		assert.Equal(t, map[string]any{
			"conditionMet":          false,
			"exceededMaxIterations": true,
			"exitedLoop":            true,
			"iteration":             float64(1),
		}, res.Outputs["L"])
	})
}

func TestLoopUntilRejectsForwardStart(t *testing.T) {
	w := newWorld(t)
	d := testDef("loop", []graph.Node{
		testNode("T", graph.NodeTrigger, nil),
		testNode("L", graph.NodeLoopUntil, map[string]any{
			"operator":        "NUMBER_IS_EQUAL_TO",
			"left":            "{{State.never}}",
			"right":           3,
			"loopStartNodeId": "B",
		}),
		testNode("B", graph.NodeAction, map[string]any{"actionType": "echo"}),
	}, nil)
	res := w.wait(t, w.start(t, "loop-bad", api.InterpreterInput{Definition: d}))

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, `loopStartNodeId "B" must name an earlier node`)
}

func TestIfElsePrunesLosingBranch(t *testing.T) {
	build := func() *graph.Definition {
		return testDef("branch", []graph.Node{
			testNode("T", graph.NodeTrigger, nil),
			testNode("I", graph.NodeIfElse, map[string]any{
				"operator": "NUMBER_IS_GREATER_THAN",
				"left":     "{{T.x}}",
				"right":    10,
			}),
			testNode("U", graph.NodeAction, map[string]any{"actionType": "echo"}),
			testNode("V", graph.NodeAction, map[string]any{"actionType": "echo"}),
			testNode("W", graph.NodeAction, map[string]any{"actionType": "echo"}),
			testNode("J", graph.NodeAction, map[string]any{"actionType": "echo"}),
		}, []graph.Edge{
			{Source: "I", Target: "U", SourceHandle: graph.HandleTrue},
			{Source: "U", Target: "V"},
			{Source: "V", Target: "J"},
			{Source: "I", Target: "W", SourceHandle: graph.HandleFalse},
			{Source: "W", Target: "J"},
		})
	}

	t.Run("true branch", func(t *testing.T) {
		w := newWorld(t)
		res := w.wait(t, w.start(t, "br-true", api.InterpreterInput{
			Definition:  build(),
			TriggerData: map[string]any{"x": 20},
		}))
		require.True(t, res.Success)
		assert.Equal(t, 1, w.callCount("U"))
		assert.Equal(t, 1, w.callCount("V"))
		assert.Equal(t, 1, w.callCount("J"))
		assert.Equal(t, 0, w.callCount("W"))
		assert.Equal(t, map[string]any{
			"conditionMet":   true,
			"branch":         "true",
			"operator":       "NUMBER_IS_GREATER_THAN",
			"skippedNodeIds": []any{"W"},
		}, res.Outputs["I"])
		assert.Equal(t, map[string]any{
			"skipped":     true,
			"skippedBy":   "I",
			"reason":      "Skipped by branch decision at I",
			"branchTaken": "true",
		}, res.Outputs["W"])
	})

	t.Run("false branch", func(t *testing.T) {
		w := newWorld(t)
		res := w.wait(t, w.start(t, "br-false", api.InterpreterInput{
			Definition:  build(),
			TriggerData: map[string]any{"x": 0},
		}))
		require.True(t, res.Success)
		assert.Equal(t, 0, w.callCount("U"))
		assert.Equal(t, 0, w.callCount("V"))
		assert.Equal(t, 1, w.callCount("W"))
		assert.Equal(t, 1, w.callCount("J"))
		assert.Equal(t, []any{"U", "V"}, res.Outputs["I"].(map[string]any)["skippedNodeIds"])
	})
}

func TestAgentChildCompletion(t *testing.T) {
	completion := map[string]any{
		"workflow_id": "C",
		"success":     true,
		"result":      map[string]any{"data": "ok"},
		"timestamp":   "2025-01-01T00:00:00Z",
	}
	for name, event := range map[string]string{
		"execution event":    api.ExecutionCompletedEvent("C"),
		"legacy agent event": api.LegacyAgentCompletedEvent("C"),
	} {
		t.Run(name, func(t *testing.T) {
			w := newWorld(t)
			w.agentResult = api.AgentRunResult{Success: true, WorkflowID: "C"}
			d := testDef("agent", []graph.Node{
				testNode("T", graph.NodeTrigger, nil),
				testNode("N", graph.NodeAction, map[string]any{
					"actionType":     "durable/agent.run",
					"prompt":         "{{T.prompt}}",
					"timeoutMinutes": 1,
				}),
			}, nil)
			h := w.start(t, "agent-1", api.InterpreterInput{
				Definition:  d,
				TriggerData: map[string]any{"prompt": "do it"},
			})

			started := w.awaitAgentStart(t)
			assert.Equal(t, api.ActivityCallDurableAgentRun, started.activity)
			assert.Equal(t, "do it", started.input.Prompt)
			assert.Equal(t, "agent-1", started.input.ParentExecutionID)
			assert.Equal(t, "N", started.input.NodeID)

			require.NoError(t, w.eng.RaiseEvent(context.Background(), "agent-1", event, completion))
			res := w.wait(t, h)

			require.True(t, res.Success)
			assert.Equal(t, map[string]any{"data": "ok"}, res.Outputs["N"])
		})
	}
}

func TestAgentChildFailureEnvelope(t *testing.T) {
	w := newWorld(t)
	w.agentResult = api.AgentRunResult{Success: true, WorkflowID: "C"}
	d := testDef("agent", []graph.Node{
		testNode("T", graph.NodeTrigger, nil),
		testNode("N", graph.NodeAction, map[string]any{
			"actionType": "durable/agent.run",
			"prompt":     "go",
		}),
	}, nil)
	h := w.start(t, "agent-2", api.InterpreterInput{Definition: d})

	w.awaitAgentStart(t)
	require.NoError(t, w.eng.RaiseEvent(context.Background(), "agent-2",
		api.ExecutionCompletedEvent("C"),
		map[string]any{"workflow_id": "C", "success": false, "error": "agent exploded"}))
	res := w.wait(t, h)

	assert.False(t, res.Success)
	assert.Equal(t, "Node N failed: agent exploded", res.Error)
}

func TestAgentChildTimeoutContinueOnError(t *testing.T) {
	w := newWorld(t)
	w.agentResult = api.AgentRunResult{Success: true, WorkflowID: "C"}
	d := testDef("agent", []graph.Node{
		testNode("T", graph.NodeTrigger, nil),
		testNode("N", graph.NodeAction, map[string]any{
			"actionType":      "durable/agent.run",
			"prompt":          "go",
			"timeoutMinutes":  0.002,
			"continueOnError": true,
		}),
		testNode("A", graph.NodeAction, map[string]any{"actionType": "echo"}),
	}, nil)
	res := w.wait(t, w.start(t, "agent-3", api.InterpreterInput{Definition: d}))

	require.True(t, res.Success)
	assert.Equal(t, 1, w.callCount("A"))
	out, ok := res.Outputs["N"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "Timed out after")
}

func TestMastraExecuteDefaultsPrompt(t *testing.T) {
	w := newWorld(t)
	w.agentResult = api.AgentRunResult{Success: true, WorkflowID: "P"}
	d := testDef("plan", []graph.Node{
		testNode("T", graph.NodeTrigger, nil),
		testNode("N", graph.NodeAction, map[string]any{
			"actionType":     "mastra/execute",
			"timeoutMinutes": 1,
		}),
	}, nil)
	h := w.start(t, "plan-1", api.InterpreterInput{Definition: d})

	started := w.awaitAgentStart(t)
	assert.Equal(t, api.ActivityCallDurablePlan, started.activity)
	assert.Equal(t, "Execute the provided plan", started.input.Prompt)

	require.NoError(t, w.eng.RaiseEvent(context.Background(), "plan-1",
		api.ExecutionCompletedEvent("P"),
		map[string]any{"workflow_id": "P", "success": true}))
	res := w.wait(t, h)
	require.True(t, res.Success)
	assert.Equal(t, map[string]any{"success": true}, res.Outputs["N"])
}

func TestActionFailureHonoursContinueOnError(t *testing.T) {
	boom := func(map[string]any, *api.ExecuteActionInput) (*api.ActionResult, error) {
		return &api.ActionResult{Success: false, Error: "boom"}, nil
	}

	t.Run("without continueOnError the run fails", func(t *testing.T) {
		w := newWorld(t)
		w.actions["boom"] = boom
		d := testDef("err", []graph.Node{
			testNode("T", graph.NodeTrigger, nil),
			testNode("A1", graph.NodeAction, map[string]any{"actionType": "boom"}),
			testNode("A2", graph.NodeAction, map[string]any{"actionType": "echo"}),
		}, nil)
		res := w.wait(t, w.start(t, "err-1", api.InterpreterInput{Definition: d}))

		assert.False(t, res.Success)
		assert.Equal(t, api.PhaseFailed, res.Phase)
		assert.Equal(t, "Node A1 failed: boom", res.Error)
		assert.Equal(t, 0, w.callCount("A2"))
		// The failing node's result is still recorded.
		assert.Equal(t, map[string]any{"success": false, "error": "boom"}, res.Outputs["A1"])
	})

	t.Run("with continueOnError the run proceeds", func(t *testing.T) {
		w := newWorld(t)
		w.actions["boom"] = boom
		d := testDef("err", []graph.Node{
			testNode("T", graph.NodeTrigger, nil),
			testNode("A1", graph.NodeAction, map[string]any{"actionType": "boom", "continueOnError": true}),
			testNode("A2", graph.NodeAction, map[string]any{"actionType": "echo"}),
		}, nil)
		res := w.wait(t, w.start(t, "err-2", api.InterpreterInput{Definition: d}))

		require.True(t, res.Success)
		assert.Equal(t, 1, w.callCount("A2"))
		assert.Equal(t, map[string]any{"success": false, "error": "boom"}, res.Outputs["A1"])
	})
}

func TestControlStopEndsRunEarly(t *testing.T) {
	w := newWorld(t)
	w.actions["halt"] = func(map[string]any, *api.ExecuteActionInput) (*api.ActionResult, error) {
		return &api.ActionResult{
			Success: true,
			Data:    map[string]any{api.ControlStopField: map[string]any{"stop": true}},
		}, nil
	}
	d := testDef("halt", []graph.Node{
		testNode("T", graph.NodeTrigger, nil),
		testNode("A1", graph.NodeAction, map[string]any{"actionType": "halt"}),
		testNode("A2", graph.NodeAction, map[string]any{"actionType": "echo"}),
	}, nil)
	res := w.wait(t, w.start(t, "halt-1", api.InterpreterInput{Definition: d}))

	require.True(t, res.Success)
	assert.Equal(t, api.PhaseCompleted, res.Phase)
	assert.Equal(t, 0, w.callCount("A2"))
}

func TestMissingActionTypeFailsNode(t *testing.T) {
	w := newWorld(t)
	d := testDef("cfg", []graph.Node{
		testNode("T", graph.NodeTrigger, nil),
		testNode("A", graph.NodeAction, nil),
	}, nil)
	res := w.wait(t, w.start(t, "cfg-1", api.InterpreterInput{Definition: d}))

	assert.False(t, res.Success)
	assert.Equal(t, "Node A failed: missing actionType", res.Error)
}

func TestDisabledUnknownNoteAndConditionNodes(t *testing.T) {
	w := newWorld(t)
	disabled := testNode("D", graph.NodeAction, map[string]any{"actionType": "echo"})
	disabled.Enabled = false
	d := testDef("misc", []graph.Node{
		testNode("T", graph.NodeTrigger, nil),
		disabled,
		testNode("X", graph.NodeType("webhook"), nil),
		testNode("M", graph.NodeNote, nil),
		testNode("C", graph.NodeCondition, nil),
	}, nil)
	res := w.wait(t, w.start(t, "misc-1", api.InterpreterInput{Definition: d}))

	require.True(t, res.Success)
	assert.Equal(t, 0, w.callCount("D"))
	assert.NotContains(t, res.Outputs, "D")
	assert.Equal(t, map[string]any{
		"skipped": true, "reason": "Unsupported node type: webhook",
	}, res.Outputs["X"])
	assert.Equal(t, map[string]any{"noop": true}, res.Outputs["M"])
	assert.Equal(t, map[string]any{"result": true, "branch": "true"}, res.Outputs["C"])
}

func TestTimerSetStateTransformPublish(t *testing.T) {
	w := newWorld(t)
	d := testDef("mix", []graph.Node{
		testNode("T", graph.NodeTrigger, nil),
		testNode("W", graph.NodeTimer, map[string]any{"durationSeconds": 0}),
		testNode("S", graph.NodeSetState, map[string]any{"key": "who", "value": "{{T.name}}"}),
		testNode("X", graph.NodeTransform, map[string]any{
			"templateJson": `{"greet":"hi {{State.who}}"}`,
		}),
		testNode("P", graph.NodePublishEvent, map[string]any{"eventType": "announced"}),
	}, nil)
	res := w.wait(t, w.start(t, "mix-1", api.InterpreterInput{
		Definition:  d,
		TriggerData: map[string]any{"name": "world"},
	}))

	require.True(t, res.Success)
	assert.Equal(t, map[string]any{"completed": true}, res.Outputs["W"])
	assert.Equal(t, map[string]any{"success": true, "key": "who", "value": "world"}, res.Outputs["S"])
	assert.Equal(t, map[string]any{
		"success": true,
		"data":    map[string]any{"greet": "hi world"},
	}, res.Outputs["X"])
	assert.Equal(t, map[string]any{
		"published": true, "topic": api.TopicStream, "eventType": "announced",
	}, res.Outputs["P"])
	assert.Contains(t, w.phaseMessages(), "Published event: announced")
}

func TestBlankSetStateKeyContinueOnError(t *testing.T) {
	w := newWorld(t)
	d := testDef("state", []graph.Node{
		testNode("T", graph.NodeTrigger, nil),
		testNode("S", graph.NodeSetState, map[string]any{"value": 1, "continueOnError": true}),
		testNode("A", graph.NodeAction, map[string]any{"actionType": "echo"}),
	}, nil)
	res := w.wait(t, w.start(t, "state-1", api.InterpreterInput{Definition: d}))

	require.True(t, res.Success)
	assert.Equal(t, 1, w.callCount("A"))
	assert.Equal(t, map[string]any{
		"success": false, "error": "set-state requires a key",
	}, res.Outputs["S"])
}

func TestLabelFallbackChain(t *testing.T) {
	labelled := graph.Node{ID: "n1", Label: "My Step"}
	assert.Equal(t, "My Step", labelFor(&labelled))

	typed := graph.Node{ID: "n2", Config: map[string]any{"actionType": "http/request.get"}}
	assert.Equal(t, "Http Request Get", labelFor(&typed))

	bare := graph.Node{ID: "n3"}
	assert.Equal(t, "n3", labelFor(&bare))
}

func TestControlStopDetection(t *testing.T) {
	assert.True(t, controlStop(map[string]any{
		"success": true,
		"data":    map[string]any{api.ControlStopField: map[string]any{"stop": true}},
	}))
	assert.False(t, controlStop(map[string]any{
		"data": map[string]any{api.ControlStopField: map[string]any{"stop": false}},
	}))
	assert.False(t, controlStop(map[string]any{"data": "plain"}))
	assert.False(t, controlStop(nil))
	assert.False(t, controlStop("string"))
}

func TestBestEffortJSONParse(t *testing.T) {
	assert.Equal(t, map[string]any{"a": float64(1)}, bestEffortJSONParse(`{"a":1}`))
	assert.Equal(t, []any{float64(1), float64(2)}, bestEffortJSONParse(`[1,2]`))
	assert.Equal(t, float64(3), bestEffortJSONParse("3"))
	assert.Equal(t, true, bestEffortJSONParse("true"))
	assert.Equal(t, "plain words", bestEffortJSONParse("plain words"))
	assert.Equal(t, "", bestEffortJSONParse(""))
}

func TestProgressStaysUnderTerminalCap(t *testing.T) {
	// Many nodes so intermediate rounding approaches but never reaches 100.
	nodes := []graph.Node{testNode("T", graph.NodeTrigger, nil)}
	for i := 0; i < 9; i++ {
		nodes = append(nodes, testNode(fmt.Sprintf("A%d", i), graph.NodeAction,
			map[string]any{"actionType": "echo"}))
	}
	w := newWorld(t)
	var maxSeen atomic.Int64
	w.actions["echo"] = func(_ map[string]any, in *api.ExecuteActionInput) (*api.ActionResult, error) {
		state, err := w.eng.Describe(context.Background(), in.ExecutionID)
		if err == nil {
			if status, ok := api.DecodeCustomStatus(state.CustomStatus); ok {
				if int64(status.Progress) > maxSeen.Load() {
					maxSeen.Store(int64(status.Progress))
				}
			}
		}
		return &api.ActionResult{Success: true}, nil
	}
	res := w.wait(t, w.start(t, "cap-1", api.InterpreterInput{Definition: testDef("cap", nodes, nil)}))

	require.True(t, res.Success)
	assert.LessOrEqual(t, maxSeen.Load(), int64(99))
}

func TestIdenticalRunsAreDeterministic(t *testing.T) {
	// Two runs of the same definition with identically scripted activity
	// results must agree on every output, state write, and audit row. The
	// body keeps all bookkeeping in run-local variables, so nothing outside
	// the scripted activities can leak into the result.
	run := func(id string) (api.InterpreterResult, []string, []string, any) {
		w := newWorld(t)
		var n atomic.Int64
		w.actions["seq"] = func(map[string]any, *api.ExecuteActionInput) (*api.ActionResult, error) {
			return &api.ActionResult{Success: true, Data: n.Add(1)}, nil
		}
		d := testDef("det", []graph.Node{
			testNode("T", graph.NodeTrigger, nil),
			testNode("A", graph.NodeAction, map[string]any{"actionType": "seq"}),
			testNode("S", graph.NodeSetState, map[string]any{"key": "count", "value": "{{A.data}}"}),
			testNode("L", graph.NodeLoopUntil, map[string]any{
				"operator":        "NUMBER_IS_EQUAL_TO",
				"left":            "{{State.count}}",
				"right":           2,
				"loopStartNodeId": "A",
				"maxIterations":   4,
			}),
			testNode("X", graph.NodeTransform, map[string]any{
				"templateJson": `{"final":"{{State.count}}"}`,
			}),
		}, nil)
		res := w.wait(t, w.start(t, id, api.InterpreterInput{
			Definition:    d,
			TriggerData:   map[string]any{"seed": "fixed"},
			DBExecutionID: "db-det",
		}))
		audits := w.auditActivities()
		phases := w.phaseMessages()
		w.mu.Lock()
		terminal := w.stateWrites[api.KeyOutputs("det", id)]
		w.mu.Unlock()
		require.NotNil(t, terminal)
		return res, audits, phases, terminal
	}

	first, firstAudits, firstPhases, firstTerminal := run("det-1")
	second, secondAudits, secondPhases, secondTerminal := run("det-2")

	first.DurationMs, second.DurationMs = 0, 0
	assert.Equal(t, first, second)
	assert.Equal(t, firstAudits, secondAudits)
	assert.Equal(t, firstPhases, secondPhases)
	assert.Equal(t, firstTerminal, secondTerminal)

	sOut, ok := first.Outputs["S"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), sOut["value"])
}
