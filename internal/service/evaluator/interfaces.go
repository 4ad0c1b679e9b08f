package evaluator

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TransactionCounter reports how many permitted actions of a given type a
// permission has executed within a rolling window. The evaluator consults
// it for scope frequency limits; the action-execution path records into it.
type TransactionCounter interface {
	// Count returns the number of recorded actions inside the window
	// ending now.
	Count(ctx context.Context, permissionID uuid.UUID, actionType string, window time.Duration) (int, error)

	// Record registers one permitted action at the current time.
	Record(ctx context.Context, permissionID uuid.UUID, actionType string) error
}

// Instrumentation receives one measurement per completed permission check.
// Implementations must be cheap; the evaluator calls this on every action.
type Instrumentation interface {
	RecordDecision(ctx context.Context, permitted bool, elapsed time.Duration)
}
