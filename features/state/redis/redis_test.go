package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/runtime/workflow/api"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := New(Options{Client: client})
	require.NoError(t, err)
	return store
}

func TestSetGetRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// Non-string values are JSON-encoded.
	require.NoError(t, store.Set(ctx, "k1", map[string]any{"n": 1, "s": "x"}))
	raw, found, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"n":1,"s":"x"}`, string(raw))

	// Strings pass through and come back as JSON strings.
	require.NoError(t, store.Set(ctx, "k2", "plain text"))
	raw, found, err = store.Get(ctx, "k2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, `"plain text"`, string(raw))

	// Numbers survive as JSON numbers.
	require.NoError(t, store.Set(ctx, "k3", 42))
	raw, _, err = store.Get(ctx, "k3")
	require.NoError(t, err)
	require.Equal(t, `42`, string(raw))
}

func TestGetMissingKey(t *testing.T) {
	store := newStore(t)

	raw, found, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, raw)
}

func TestDelete(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v"))
	require.NoError(t, store.Delete(ctx, "k"))
	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)

	// Deleting a missing key is not an error.
	require.NoError(t, store.Delete(ctx, "k"))
}

func TestAppendEventMirror(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env := api.Envelope{
			ID:         fmt.Sprintf("evt-%d", i),
			Type:       api.StreamPhaseChanged,
			WorkflowID: "wf-1",
			Data:       api.JSON(map[string]any{"progress": i}),
		}
		require.NoError(t, store.AppendEvent(ctx, "wf-1", env))
	}

	events, err := store.Events(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, "evt-0", events[0].ID)
	require.Equal(t, "evt-2", events[2].ID)

	// Other instances see nothing.
	other, err := store.Events(ctx, "wf-2")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestAppendEventCapsMirror(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	total := api.EventsMirrorCap + 25
	for i := 0; i < total; i++ {
		env := api.Envelope{ID: fmt.Sprintf("evt-%d", i), Type: "started", WorkflowID: "wf-1"}
		require.NoError(t, store.AppendEvent(ctx, "wf-1", env))
	}

	events, err := store.Events(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, events, api.EventsMirrorCap)
	// The oldest entries were trimmed away.
	require.Equal(t, fmt.Sprintf("evt-%d", total-api.EventsMirrorCap), events[0].ID)
	require.Equal(t, fmt.Sprintf("evt-%d", total-1), events[len(events)-1].ID)
}

func TestEventsSkipsUndecodableEntries(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendEvent(ctx, "wf-1", api.Envelope{ID: "good", Type: "started"}))
	require.NoError(t, store.rdb.RPush(ctx, api.KeyEvents("wf-1"), "{{garbage").Err())
	require.NoError(t, store.AppendEvent(ctx, "wf-1", api.Envelope{ID: "also-good", Type: "started"}))

	events, err := store.Events(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "good", events[0].ID)
	require.Equal(t, "also-good", events[1].ID)
}

func TestInstanceIndexNewestFirst(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddInstance(ctx, "wf-a"))
	require.NoError(t, store.AddInstance(ctx, "wf-b"))
	require.NoError(t, store.AddInstance(ctx, "wf-c"))

	ids, err := store.Instances(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"wf-c", "wf-b", "wf-a"}, ids)
}

func TestInstancesEmpty(t *testing.T) {
	store := newStore(t)

	ids, err := store.Instances(context.Background())
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestStoredValuesAreRawJSON(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	outputs := map[string]any{
		"A": map[string]any{"success": true, "data": "world"},
	}
	require.NoError(t, store.Set(ctx, api.KeyOutputs("hello", "hello-1"), outputs))

	raw, found, err := store.Get(ctx, api.KeyOutputs("hello", "hello-1"))
	require.NoError(t, err)
	require.True(t, found)

	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "world", decoded["A"]["data"])
}
