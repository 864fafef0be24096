// Package audit defines the execution-log seam. The postgres subpackage
// writes workflow_execution_logs rows and the terminal workflow_executions
// update; a nil store disables auditing without branching at call sites.
package audit

import (
	"context"

	"github.com/weftworks/weft/runtime/workflow/api"
)

// Store persists node-level audit rows and terminal execution results.
type Store interface {
	// InsertLog appends one node-level execution log row.
	InsertLog(ctx context.Context, in *api.AuditLogInput) error
	// UpdateExecution writes the terminal columns of an externally created
	// execution row.
	UpdateExecution(ctx context.Context, in *api.PersistResultsInput) error
}
