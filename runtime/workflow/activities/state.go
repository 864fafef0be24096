package activities

import (
	"context"

	"github.com/weftworks/weft/runtime/workflow/api"
)

// PersistState writes one value to the state store.
func (s *Service) PersistState(ctx context.Context, in *api.PersistStateInput) error {
	if err := s.deps.State.Set(ctx, in.Key, in.Value); err != nil {
		return err
	}
	s.log.Debug(ctx, "state persisted", "key", in.Key)
	return nil
}

// GetState reads one key from the state store. Missing keys are a result,
// not an error.
func (s *Service) GetState(ctx context.Context, in *api.GetStateInput) (*api.GetStateOutput, error) {
	value, found, err := s.deps.State.Get(ctx, in.Key)
	if err != nil {
		return nil, err
	}
	return &api.GetStateOutput{Found: found, Value: value}, nil
}

// DeleteState removes one key from the state store.
func (s *Service) DeleteState(ctx context.Context, in *api.DeleteStateInput) error {
	return s.deps.State.Delete(ctx, in.Key)
}

// PersistTasks stores the approved task list of a planner run under the
// tasks key.
func (s *Service) PersistTasks(ctx context.Context, in *api.PersistTasksInput) error {
	if err := s.deps.State.Set(ctx, api.KeyTasks(in.WorkflowID), in.Tasks); err != nil {
		return err
	}
	s.log.Debug(ctx, "tasks persisted", "workflow_id", in.WorkflowID, "count", len(in.Tasks))
	return nil
}
