package activities

import (
	"context"

	"github.com/weftworks/weft/runtime/workflow/api"
)

// externalAuditEvent is the wrapper the function router expects on its
// external-event endpoint.
type externalAuditEvent struct {
	Type string             `json:"type"`
	Data *api.AuditLogInput `json:"data"`
}

// LogAudit records one node-level execution log. The row is fanned out to
// the function router's external-event endpoint and inserted into the audit
// database. The fan-out is advisory and only logged on failure; the insert
// error is returned so the engine can retry it. Without an audit store the
// insert is skipped.
func (s *Service) LogAudit(ctx context.Context, in *api.AuditLogInput) error {
	if s.deps.Router != nil {
		event := externalAuditEvent{Type: "workflow_execution_log", Data: in}
		if err := s.deps.Router.ExternalEvent(ctx, event); err != nil {
			s.log.Warn(ctx, "external audit event failed",
				"execution_id", in.ExecutionID, "node_id", in.NodeID, "error", err)
		}
	}
	if s.deps.Audit == nil {
		return nil
	}
	if err := s.deps.Audit.InsertLog(ctx, in); err != nil {
		s.met.IncCounter("workflow_audit_writes_total", 1, "outcome", "error")
		return err
	}
	s.met.IncCounter("workflow_audit_writes_total", 1, "outcome", "ok")
	return nil
}

// PersistResults writes the terminal columns of an externally created
// execution row. Without an audit store it is a no-op.
func (s *Service) PersistResults(ctx context.Context, in *api.PersistResultsInput) error {
	if s.deps.Audit == nil {
		return nil
	}
	if err := s.deps.Audit.UpdateExecution(ctx, in); err != nil {
		return err
	}
	s.log.Debug(ctx, "execution results persisted",
		"db_execution_id", in.DBExecutionID, "status", in.Status)
	return nil
}
