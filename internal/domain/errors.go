package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrBadTick         = errors.New("bad tick")
	ErrEmptyTrade      = errors.New("empty trade")
	ErrUnknownReason   = errors.New("unknown remove reason")
	ErrUnknownState    = errors.New("unknown chain state")
	ErrWatchdogTimeout = errors.New("watchdog timeout")
	ErrLockHeld        = errors.New("lock already held")
)

// ChainError wraps a chain RPC failure with a transience classification. The
// reconciler treats transient failures as retryable (rpcFailed in the run
// summary) and permanent ones as decode-level defects.
type ChainError struct {
	Transient bool
	Err       error
}

func (e *ChainError) Error() string {
	if e.Transient {
		return "chain (transient): " + e.Err.Error()
	}
	return "chain (permanent): " + e.Err.Error()
}

func (e *ChainError) Unwrap() error { return e.Err }

// IsTransientChain reports whether err is a transient chain failure.
func IsTransientChain(err error) bool {
	var ce *ChainError
	return errors.As(err, &ce) && ce.Transient
}
