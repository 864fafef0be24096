package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeEnabledDefaultsTrue(t *testing.T) {
	var n Node
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","type":"action"}`), &n))
	assert.True(t, n.Enabled)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"b","type":"action","enabled":false}`), &n))
	assert.False(t, n.Enabled)
}

func TestConfigAccessors(t *testing.T) {
	n := Node{Config: map[string]any{
		"text":    "hello",
		"count":   float64(3),
		"countS":  "4",
		"ratio":   "2.5",
		"flag":    true,
		"flagS":   "true",
		"nothing": nil,
	}}

	assert.Equal(t, "hello", n.ConfigString("text", "x"))
	assert.Equal(t, "x", n.ConfigString("missing", "x"))
	assert.Equal(t, "x", n.ConfigString("count", "x"), "non-string yields default")

	assert.Equal(t, 3.0, n.ConfigNumber("count", 0))
	assert.Equal(t, 4.0, n.ConfigNumber("countS", 0))
	assert.Equal(t, 9.0, n.ConfigNumber("missing", 9))
	assert.Equal(t, 3, n.ConfigInt("ratio", 0), "rounds to nearest")

	assert.True(t, n.ConfigBool("flag", false))
	assert.True(t, n.ConfigBool("flagS", false))
	assert.False(t, n.ConfigBool("missing", false))
	assert.True(t, n.ConfigBool("nothing", true))
}

func TestContinueOnError(t *testing.T) {
	n := Node{Config: map[string]any{"continueOnError": true}}
	assert.True(t, n.ContinueOnError())
	assert.False(t, (&Node{}).ContinueOnError())
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Fetch", (&Node{ID: "n1", Label: "Fetch"}).DisplayName())
	assert.Equal(t, "n1", (&Node{ID: "n1"}).DisplayName())
}

func TestDecodeDefaultsAndLookups(t *testing.T) {
	raw := []byte(`{
		"id": "wf-1",
		"name": "demo",
		"nodes": [
			{"id": "t", "type": "trigger"},
			{"id": "a", "type": "action", "label": "Do It", "config": {"actionType": "echo"}}
		],
		"edges": [{"source": "t", "target": "a"}],
		"executionOrder": ["t", "a"]
	}`)
	d, err := Decode(raw)
	require.NoError(t, err)

	n, ok := d.NodeByID("a")
	require.True(t, ok)
	assert.True(t, n.Enabled)
	assert.Equal(t, NodeAction, n.Type)

	idx, ok := d.OrderIndex("a")
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	_, ok = d.NodeByID("zzz")
	assert.False(t, ok)
}
