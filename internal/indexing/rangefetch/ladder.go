package rangefetch

import (
	"errors"
	"fmt"
)

// ErrInvalidLadder is returned for ladders that are empty, not strictly
// decreasing, or do not end at 1.
var ErrInvalidLadder = errors.New("invalid granularity ladder")

// Ladder is the ordered list of window sizes the fetcher tries, largest first.
type Ladder []uint64

// DefaultLadder steps down by a factor of ten.
var DefaultLadder = Ladder{10000, 1000, 100, 10, 1}

// NewLadder validates steps and returns them as a Ladder.
func NewLadder(steps ...uint64) (Ladder, error) {
	l := Ladder(append([]uint64(nil), steps...))
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Validate checks the ladder invariants.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidLadder)
	}
	for i, g := range l {
		if g == 0 {
			return fmt.Errorf("%w: zero granularity at position %d", ErrInvalidLadder, i)
		}
		if i > 0 && g >= l[i-1] {
			return fmt.Errorf("%w: %d does not decrease from %d", ErrInvalidLadder, g, l[i-1])
		}
	}
	if l[len(l)-1] != 1 {
		return fmt.Errorf("%w: must end at 1, ends at %d", ErrInvalidLadder, l[len(l)-1])
	}
	return nil
}

// Largest returns the top-level window size.
func (l Ladder) Largest() uint64 {
	return l[0]
}
