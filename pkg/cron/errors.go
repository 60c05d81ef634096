package cron

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers branch on these with errors.Is; the wrapped
// message carries the human-readable detail.
var (
	ErrInvalidInput    = errors.New("cron: invalid input")
	ErrQuotaExceeded   = errors.New("cron: quota exceeded")
	ErrNotFound        = errors.New("cron: job not found")
	ErrScheduleInvalid = errors.New("cron: schedule invalid")
	ErrRunFailed       = errors.New("cron: run failed")
	ErrRunTimeout      = errors.New("cron: run timed out")
	ErrStoreIO         = errors.New("cron: store io error")
	ErrCorruption      = errors.New("cron: store corruption")
)

// wrapf wraps one of the sentinel kinds above with a formatted detail
// message, preserving errors.Is(err, kind).
func wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
