package mongo

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/weftworks/weft/runtime/workflow/api"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		skipMongoTests = true
	}
}

func getStore(t *testing.T) *Store {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	store, err := New(Options{
		Client:     testMongoClient,
		Database:   "weft_test",
		Collection: t.Name(),
	})
	require.NoError(t, err)
	require.NoError(t, store.coll.Drop(context.Background()))
	return store
}

func TestSetGetRoundTrip(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", map[string]any{"n": 1}))
	raw, found, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"n":1}`, string(raw))

	// Overwrite replaces the value.
	require.NoError(t, store.Set(ctx, "k1", "now a string"))
	raw, found, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, `"now a string"`, string(raw))

	_, found, err = store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDeleteState(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", 1))
	require.NoError(t, store.Delete(ctx, "k"))
	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Delete(ctx, "k"))
}

func TestEventMirrorCap(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()

	total := api.EventsMirrorCap + 10
	for i := 0; i < total; i++ {
		env := api.Envelope{ID: fmt.Sprintf("evt-%d", i), Type: "started", WorkflowID: "wf-1"}
		require.NoError(t, store.AppendEvent(ctx, "wf-1", env))
	}

	events, err := store.Events(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, events, api.EventsMirrorCap)
	require.Equal(t, fmt.Sprintf("evt-%d", total-api.EventsMirrorCap), events[0].ID)
	require.Equal(t, fmt.Sprintf("evt-%d", total-1), events[len(events)-1].ID)

	other, err := store.Events(ctx, "wf-2")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestInstanceIndex(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddInstance(ctx, "wf-a"))
	require.NoError(t, store.AddInstance(ctx, "wf-b"))

	ids, err := store.Instances(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"wf-b", "wf-a"}, ids)
}
