package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// branchDef wires the shape from the if/else pruning property: I branches to
// [U,V] on true and [W] on false, both converging on join J.
func branchDef() *Definition {
	return &Definition{
		ID:   "wf",
		Name: "branching",
		Nodes: []Node{
			{ID: "t", Type: NodeTrigger, Enabled: true},
			{ID: "i", Type: NodeIfElse, Enabled: true},
			{ID: "u", Type: NodeAction, Enabled: true},
			{ID: "v", Type: NodeAction, Enabled: true},
			{ID: "w", Type: NodeAction, Enabled: true},
			{ID: "j", Type: NodeAction, Enabled: true},
		},
		Edges: []Edge{
			{Source: "t", Target: "i"},
			{Source: "i", Target: "u", SourceHandle: HandleTrue},
			{Source: "u", Target: "v"},
			{Source: "v", Target: "j"},
			{Source: "i", Target: "w", SourceHandle: HandleFalse},
			{Source: "w", Target: "j"},
		},
		ExecutionOrder: []string{"t", "i", "u", "v", "w", "j"},
	}
}

func TestReachable(t *testing.T) {
	idx := branchDef().IndexEdges()

	got := idx.Reachable("u")
	assert.Equal(t, map[string]struct{}{"u": {}, "v": {}, "j": {}}, got)

	got = idx.Reachable("w")
	assert.Equal(t, map[string]struct{}{"w": {}, "j": {}}, got)

	assert.Empty(t, idx.Reachable())
}

func TestReachableHandlesCycles(t *testing.T) {
	d := &Definition{
		Nodes: []Node{{ID: "a"}, {ID: "b"}},
		Edges: []Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	}
	got := d.IndexEdges().Reachable("a")
	assert.Len(t, got, 2)
}

func TestBranchSkipsExcludesJoinAndSelf(t *testing.T) {
	idx := branchDef().IndexEdges()

	skips := idx.BranchSkips("i", HandleTrue, HandleFalse)
	assert.Equal(t, map[string]struct{}{"w": {}}, skips, "join j stays live")

	skips = idx.BranchSkips("i", HandleFalse, HandleTrue)
	assert.Equal(t, map[string]struct{}{"u": {}, "v": {}}, skips)
}

func TestTargetsFiltersByHandle(t *testing.T) {
	idx := branchDef().IndexEdges()
	require.Equal(t, []string{"u"}, idx.Targets("i", HandleTrue))
	require.Equal(t, []string{"w"}, idx.Targets("i", HandleFalse))
	assert.ElementsMatch(t, []string{"u", "w"}, idx.Targets("i", ""))
}
