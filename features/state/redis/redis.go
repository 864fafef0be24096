// Package redis implements the state seam on Redis. Scalar state lives in
// plain keys, the per-instance event mirror in a capped list, and the
// instance index in a list ordered newest first.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/weftworks/weft/features/state"
	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/telemetry"
)

type (
	// Options configures the store.
	Options struct {
		// Client is the Redis connection. Required; the caller owns its
		// lifecycle.
		Client *goredis.Client
		// TTL expires scalar state keys. Zero keeps them forever. The event
		// mirror and instance index never expire.
		TTL time.Duration
		// Logger receives store diagnostics.
		Logger telemetry.Logger
	}

	// Store is the Redis-backed state store.
	Store struct {
		rdb *goredis.Client
		ttl time.Duration
		log telemetry.Logger
	}
)

var _ state.Store = (*Store)(nil)

// New returns a Redis-backed state store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Store{rdb: opts.Client, ttl: opts.TTL, log: log}, nil
}

// Set writes one value, JSON-encoding non-string values.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	encoded, err := state.Encode(value)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, encoded, s.ttl).Err()
}

// Get reads one key; missing keys return found=false.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	stored, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return state.Decode(stored), true, nil
}

// Delete removes one key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// AppendEvent pushes one envelope onto the instance's mirror list and trims
// it to the newest api.EventsMirrorCap entries.
func (s *Store) AppendEvent(ctx context.Context, workflowID string, env api.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	key := api.KeyEvents(workflowID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, -int64(api.EventsMirrorCap), -1)
	_, err = pipe.Exec(ctx)
	return err
}

// Events returns the mirrored envelopes of one instance, oldest first.
// Entries that no longer decode are skipped rather than failing the read.
func (s *Store) Events(ctx context.Context, workflowID string) ([]api.Envelope, error) {
	raw, err := s.rdb.LRange(ctx, api.KeyEvents(workflowID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]api.Envelope, 0, len(raw))
	for _, entry := range raw {
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
	return s.rdb.LPush(ctx, api.KeyWorkflowIndex, instanceID).Err()
}

// Instances lists recorded instance ids, newest first.
func (s *Store) Instances(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.LRange(ctx, api.KeyWorkflowIndex, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return ids, nil
}
