// Package state defines the key/value seam backing workflow outputs, task
// plans, and the per-instance event mirror. Redis and Mongo implementations
// live in subpackages; both JSON-encode non-string values so that readers
// see one representation regardless of driver.
package state

import (
	"context"
	"encoding/json"

	"github.com/weftworks/weft/runtime/workflow/api"
)

// Store is implemented by the state backends.
type Store interface {
	// Set writes one value under key, JSON-encoding non-string values.
	Set(ctx context.Context, key string, value any) error
	// Get reads one key. The second return is false when the key is absent.
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	// Delete removes one key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// AppendEvent mirrors one stream envelope under the instance's event
	// list, trimmed to api.EventsMirrorCap entries.
	AppendEvent(ctx context.Context, workflowID string, env api.Envelope) error
	// Events returns the mirrored envelopes of one instance, oldest first.
	Events(ctx context.Context, workflowID string) ([]api.Envelope, error)

	// AddInstance records an instance id in the workflow index.
	AddInstance(ctx context.Context, instanceID string) error
	// Instances lists the recorded instance ids, newest first.
	Instances(ctx context.Context) ([]string, error)
}

// Encode renders a value the way every backend stores it: strings pass
// through, everything else is JSON.
func Encode(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode is the inverse of Encode for readers that need raw JSON: values
// that are not valid JSON are returned as JSON strings.
func Decode(stored string) json.RawMessage {
	if json.Valid([]byte(stored)) {
		return json.RawMessage(stored)
	}
	quoted, _ := json.Marshal(stored)
	return quoted
}
