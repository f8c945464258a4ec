package domain

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidRange is returned when a range has start > end or a zero split size.
var ErrInvalidRange = errors.New("invalid block range")

// FetchRange is an inclusive block range.
type FetchRange struct {
	Start uint64 `json:"start" yaml:"start"`
	End   uint64 `json:"end"   yaml:"end"`
}

// NewFetchRange validates and returns a range.
func NewFetchRange(start, end uint64) (FetchRange, error) {
	if start > end {
		return FetchRange{}, fmt.Errorf("%w: start > end: %d > %d", ErrInvalidRange, start, end)
	}
	return FetchRange{Start: start, End: end}, nil
}

// String returns the range in "start-end" format.
func (r FetchRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Size returns the number of blocks in the range.
func (r FetchRange) Size() uint64 {
	return r.End - r.Start + 1
}

// Contains reports whether height lies inside the range.
func (r FetchRange) Contains(height uint64) bool {
	return height >= r.Start && height <= r.End
}

// Split partitions the range into contiguous windows of at most size blocks.
// Windows start at r.Start and the last one is clipped to r.End.
func (r FetchRange) Split(size uint64) []FetchRange {
	if size == 0 {
		return nil
	}
	if r.Size() <= size {
		return []FetchRange{r}
	}

	chunks := make([]FetchRange, 0, (r.Size()+size-1)/size)
	current := r.Start

	for {
		chunkEnd := r.End
		if r.End-current >= size {
			chunkEnd = current + size - 1
		}
		chunks = append(chunks, FetchRange{Start: current, End: chunkEnd})
		if chunkEnd == r.End {
			break
		}
		current = chunkEnd + 1
	}

	return chunks
}

// Overlaps checks if two ranges overlap or are adjacent.
func (r FetchRange) Overlaps(other FetchRange) bool {
	return r.Start <= other.End+1 && other.Start <= r.End+1
}

// Merge merges two overlapping/adjacent ranges.
func (r FetchRange) Merge(other FetchRange) FetchRange {
	return FetchRange{Start: min(r.Start, other.Start), End: max(r.End, other.End)}
}

// MergeRanges merges overlapping and adjacent ranges. The input slice is sorted in place.
func MergeRanges(ranges []FetchRange) []FetchRange {
	if len(ranges) <= 1 {
		return ranges
	}

	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Start < ranges[j].Start
	})

	merged := []FetchRange{ranges[0]}

	for i := 1; i < len(ranges); i++ {
		last := &merged[len(merged)-1]
		current := ranges[i]

		if last.Overlaps(current) {
			*last = last.Merge(current)
		} else {
			merged = append(merged, current)
		}
	}

	return merged
}

// ParseFetchRange parses a "start-end" string into a FetchRange.
func ParseFetchRange(s string) (FetchRange, error) {
	var start, end uint64
	if _, err := fmt.Sscanf(s, "%d-%d", &start, &end); err != nil {
		return FetchRange{}, fmt.Errorf("%w: invalid range format: %s", ErrInvalidRange, s)
	}
	return NewFetchRange(start, end)
}
