package interaction

import (
	"errors"
	"fmt"

	"github.com/tternquist/hotboard/internal/lock"
)

var (
	// ErrLockTimeout means another request holds the resource lock. Retryable.
	ErrLockTimeout = fmt.Errorf("operation in progress, retry later: %w", lock.ErrNotAcquired)

	// ErrPreconditionFailed means the resource does not allow the action,
	// for example it is missing or not published. Not retryable.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// DurableWriteError wraps a failed source-of-truth write. The transaction
// was rolled back and no derived state was touched.
type DurableWriteError struct {
	Op  string
	Err error
}

func (e *DurableWriteError) Error() string {
	return fmt.Sprintf("%s: durable write failed: %v", e.Op, e.Err)
}

func (e *DurableWriteError) Unwrap() error {
	return e.Err
}

func preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPreconditionFailed, fmt.Sprintf(format, args...))
}

// resultLabel maps an orchestrator error to the metrics result label.
func resultLabel(out Outcome, err error) string {
	var dwe *DurableWriteError
	switch {
	case err == nil && out.Applied:
		return "applied"
	case err == nil:
		return "noop"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case errors.As(err, &dwe):
		return "write_failed"
	default:
		return "error"
	}
}
