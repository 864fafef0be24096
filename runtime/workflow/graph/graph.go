// Package graph models user-authored workflow definitions: typed nodes wired
// by directed edges plus an explicit execution order. Definitions arrive as
// JSON from the workflow builder and are interpreted at runtime, so the types
// here stay close to the wire shape and tolerate partial configuration.
package graph

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// NodeType identifies the runtime behavior of a node.
type NodeType string

const (
	NodeTrigger      NodeType = "trigger"
	NodeAction       NodeType = "action"
	NodeActivity     NodeType = "activity"
	NodeApprovalGate NodeType = "approval-gate"
	NodeTimer        NodeType = "timer"
	NodeIfElse       NodeType = "if-else"
	NodeLoopUntil    NodeType = "loop-until"
	NodeSetState     NodeType = "set-state"
	NodeTransform    NodeType = "transform"
	NodePublishEvent NodeType = "publish-event"
	NodeNote         NodeType = "note"
	NodeCondition    NodeType = "condition"
)

// Known reports whether t is one of the supported node types.
func (t NodeType) Known() bool {
	switch t {
	case NodeTrigger, NodeAction, NodeActivity, NodeApprovalGate, NodeTimer,
		NodeIfElse, NodeLoopUntil, NodeSetState, NodeTransform,
		NodePublishEvent, NodeNote, NodeCondition:
		return true
	}
	return false
}

// Branch handles used by if-else edges.
const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

// StateKey is the reserved identifier that addresses the mutable state bucket
// in outputs and templates. Definitions may not use it (in either casing) as
// a node id.
const StateKey = "state"

// TriggerKey is the reserved outputs entry seeded with the trigger payload.
const TriggerKey = "trigger"

type (
	// Definition is a complete workflow graph as authored in the builder.
	Definition struct {
		// ID uniquely identifies the definition.
		ID string `json:"id"`
		// Name is the human-readable workflow name.
		Name string `json:"name"`
		// Description optionally documents the workflow.
		Description string `json:"description,omitempty"`
		// Nodes are the workflow steps.
		Nodes []Node `json:"nodes"`
		// Edges wire node outputs to downstream nodes. Loop-back edges are
		// not part of the DAG view; loops point back via node config.
		Edges []Edge `json:"edges,omitempty"`
		// ExecutionOrder lists node ids in interpretation order, a
		// topological linearisation of the nodes. Branching and loops are
		// expressed by skipping or revisiting entries, never by reordering.
		ExecutionOrder []string `json:"executionOrder"`
		// Metadata carries builder-owned annotations (positions, versions).
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Node is a single workflow step.
	Node struct {
		// ID uniquely identifies the node within the definition.
		ID string `json:"id"`
		// Type selects the runtime behavior.
		Type NodeType `json:"type"`
		// Label is the display name; it doubles as a template alias for the
		// node's output.
		Label string `json:"label,omitempty"`
		// Enabled gates execution. Nodes default to enabled when the field
		// is absent from the JSON document.
		Enabled bool `json:"enabled"`
		// Config holds type-specific settings; string values may contain
		// template placeholders resolved at execution time.
		Config map[string]any `json:"config,omitempty"`
	}

	// Edge is a directed connection between two nodes.
	Edge struct {
		// ID optionally identifies the edge.
		ID string `json:"id,omitempty"`
		// Source is the upstream node id.
		Source string `json:"source"`
		// Target is the downstream node id.
		Target string `json:"target"`
		// SourceHandle distinguishes multiple outputs of the source node,
		// e.g. "true"/"false" on if-else nodes.
		SourceHandle string `json:"sourceHandle,omitempty"`
	}
)

// UnmarshalJSON decodes a node, defaulting Enabled to true when the field is
// absent.
func (n *Node) UnmarshalJSON(data []byte) error {
	type alias Node
	aux := alias{Enabled: true}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*n = Node(aux)
	return nil
}

// NodeByID returns the node with the given id.
func (d *Definition) NodeByID(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// OrderIndex returns the position of a node id within the execution order.
func (d *Definition) OrderIndex(id string) (int, bool) {
	for i, nid := range d.ExecutionOrder {
		if nid == id {
			return i, true
		}
	}
	return 0, false
}

// ConfigString returns the string value at key, or def when the key is
// absent or not a string.
func (n *Node) ConfigString(key, def string) string {
	if v, ok := n.Config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// ConfigNumber returns the numeric value at key coerced to float64. String
// values that parse as numbers are accepted; anything else yields def.
func (n *Node) ConfigNumber(key string, def float64) float64 {
	v, ok := n.Config[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}
	return def
}

// ConfigInt returns the value at key as an int, rounding numeric values and
// parsing numeric strings. Absent or unparseable values yield def.
func (n *Node) ConfigInt(key string, def int) int {
	f := n.ConfigNumber(key, math.NaN())
	if math.IsNaN(f) {
		return def
	}
	return int(math.Round(f))
}

// ConfigBool returns the boolean value at key. The strings accepted by
// strconv.ParseBool are recognised; anything else yields def.
func (n *Node) ConfigBool(key string, def bool) bool {
	v, ok := n.Config[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return def
}

// ConfigValue returns the raw config value at key.
func (n *Node) ConfigValue(key string) (any, bool) {
	v, ok := n.Config[key]
	return v, ok
}

// ContinueOnError reports whether node failures should be recorded without
// failing the run.
func (n *Node) ContinueOnError() bool {
	return n.ConfigBool("continueOnError", false)
}

// DisplayName returns the node label, falling back to the id.
func (n *Node) DisplayName() string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

// Decode parses a JSON definition document.
func Decode(data []byte) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return &d, nil
}
