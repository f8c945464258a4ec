package rangefetch

import (
	"errors"
	"fmt"

	"github.com/vietddude/chainfetch/internal/core/domain"
)

// ErrResultSetTooLarge is wrapped by sources that refuse a query because it
// would return too many records.
var ErrResultSetTooLarge = errors.New("result set too large")

// UnrecoverableRangeError is returned when a top-level window failed at every
// granularity of the ladder.
type UnrecoverableRangeError struct {
	Address string
	Label   string
	// Window is the top-level window that could not be fetched.
	Window domain.FetchRange
	// Failed is the sub-window that failed at the smallest granularity.
	Failed domain.FetchRange
	// Remaining is everything from Window.Start to the end of the task. None
	// of it was handed to the caller.
	Remaining domain.FetchRange
	Err       error
}

func (e *UnrecoverableRangeError) Error() string {
	name := e.Address
	if e.Label != "" {
		name = fmt.Sprintf("%s (%s)", e.Label, e.Address)
	}
	return fmt.Sprintf("unrecoverable range %s in window %s for %s: %v", e.Failed, e.Window, name, e.Err)
}

func (e *UnrecoverableRangeError) Unwrap() error {
	return e.Err
}

// Oversized reports whether the source refused the smallest window for its
// result size rather than failing transiently.
func (e *UnrecoverableRangeError) Oversized() bool {
	return errors.Is(e.Err, ErrResultSetTooLarge)
}

// subWindowError ties a source failure to the sub-window that caused it.
type subWindowError struct {
	window domain.FetchRange
	err    error
}

func (e *subWindowError) Error() string {
	return fmt.Sprintf("get logs %s: %v", e.window, e.err)
}

func (e *subWindowError) Unwrap() error {
	return e.err
}
