// Package mongo implements the state seam on MongoDB. Every entry lives in
// one collection keyed by _id, mirroring the key/value layout of the Redis
// store: scalar keys hold an encoded value, the event mirror holds a capped
// array, and the instance index holds an id list ordered newest first.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/weftworks/weft/features/state"
	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/telemetry"
)

const (
	defaultCollection = "workflow_state"
	defaultOpTimeout  = 5 * time.Second
)

type (
	// Options configures the store.
	Options struct {
		// Client is a connected Mongo client. Required; the caller owns its
		// lifecycle.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides the collection name. Defaults to
		// "workflow_state".
		Collection string
		// Timeout bounds individual operations. Defaults to five seconds.
		Timeout time.Duration
		// Logger receives store diagnostics.
		Logger telemetry.Logger
	}

	// Store is the Mongo-backed state store.
	Store struct {
		coll    *mongodriver.Collection
		timeout time.Duration
		log     telemetry.Logger
	}

	// valueDocument holds one scalar state entry.
	valueDocument struct {
		Key       string    `bson:"_id"`
		Value     string    `bson:"value"`
		UpdatedAt time.Time `bson:"updated_at"`
	}

	// listDocument holds the event mirror and the instance index.
	listDocument struct {
		Key     string   `bson:"_id"`
		Entries []string `bson:"entries"`
	}
)

var _ state.Store = (*Store)(nil)

// New returns a Mongo-backed state store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Store{
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
		log:     log,
	}, nil
}

// Set writes one value, JSON-encoding non-string values.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	encoded, err := state.Encode(value)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := valueDocument{Key: key, Value: encoded, UpdatedAt: time.Now().UTC()}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	return err
}

// Get reads one key; missing keys return found=false.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc valueDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return state.Decode(doc.Value), true, nil
}

// Delete removes one key.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

// AppendEvent pushes one envelope onto the instance's mirror, capped to the
// newest api.EventsMirrorCap entries.
func (s *Store) AppendEvent(ctx context.Context, workflowID string, env api.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$push": bson.M{"entries": bson.M{
		"$each":  []string{string(payload)},
		"$slice": -api.EventsMirrorCap,
	}}}
	_, err = s.coll.UpdateOne(ctx, bson.M{"_id": api.KeyEvents(workflowID)}, update,
		options.UpdateOne().SetUpsert(true))
	return err
}

// Events returns the mirrored envelopes of one instance, oldest first.
func (s *Store) Events(ctx context.Context, workflowID string) ([]api.Envelope, error) {
	entries, err := s.entries(ctx, api.KeyEvents(workflowID))
	if err != nil {
		return nil, err
	}
	events := make([]api.Envelope, 0, len(entries))
	for _, entry := range entries {
		var env api.Envelope
		if err := json.Unmarshal([]byte(entry), &env); err != nil {
			s.log.Warn(ctx, "skipping undecodable mirrored event", "workflow_id", workflowID, "error", err)
			continue
		}
		events = append(events, env)
	}
	return events, nil
}

// AddInstance prepends an instance id to the workflow index.
func (s *Store) AddInstance(ctx context.Context, instanceID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$push": bson.M{"entries": bson.M{
		"$each":     []string{instanceID},
		"$position": 0,
	}}}
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": api.KeyWorkflowIndex}, update,
		options.UpdateOne().SetUpsert(true))
	return err
}

// Instances lists recorded instance ids, newest first.
func (s *Store) Instances(ctx context.Context) ([]string, error) {
	return s.entries(ctx, api.KeyWorkflowIndex)
}

func (s *Store) entries(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc listDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return doc.Entries, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
