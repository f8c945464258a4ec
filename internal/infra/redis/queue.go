package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/chainfetch/internal/core/domain"
)

// RangeQueue records block ranges that could not be fetched for one task so a
// later run can resume them. Ranges are kept in a sorted set scored by start.
type RangeQueue struct {
	rdb   *redis.Client
	label string
}

// NewRangeQueue creates the queue for label.
func NewRangeQueue(client *Client, label string) *RangeQueue {
	return &RangeQueue{rdb: client.rdb, label: label}
}

// Label returns the task label the queue belongs to.
func (q *RangeQueue) Label() string {
	return q.label
}

func (q *RangeQueue) key() string {
	return fmt.Sprintf("failed_ranges:%s", q.label)
}

// Push adds r to the queue. Pushing the same range twice stores it once.
func (q *RangeQueue) Push(ctx context.Context, r domain.FetchRange) error {
	if err := q.rdb.ZAdd(ctx, q.key(), redis.Z{Score: float64(r.Start), Member: r.String()}).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// Pop removes and returns the range with the lowest start.
func (q *RangeQueue) Pop(ctx context.Context) (domain.FetchRange, bool, error) {
	results, err := q.rdb.ZPopMin(ctx, q.key(), 1).Result()
	if err != nil {
		return domain.FetchRange{}, false, fmt.Errorf("zpopmin failed: %w", err)
	}
	if len(results) == 0 {
		return domain.FetchRange{}, false, nil
	}

	member, ok := results[0].Member.(string)
	if !ok {
		return domain.FetchRange{}, false, fmt.Errorf("unexpected member type %T", results[0].Member)
	}
	r, err := domain.ParseFetchRange(member)
	if err != nil {
		return domain.FetchRange{}, false, err
	}
	return r, true, nil
}

// All returns every queued range ordered by start.
func (q *RangeQueue) All(ctx context.Context) ([]domain.FetchRange, error) {
	members, err := q.rdb.ZRange(ctx, q.key(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	ranges := make([]domain.FetchRange, 0, len(members))
	for _, m := range members {
		r, err := domain.ParseFetchRange(m)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// Len returns the number of queued ranges.
func (q *RangeQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.key()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return n, nil
}

// Clear removes every queued range.
func (q *RangeQueue) Clear(ctx context.Context) error {
	return q.rdb.Del(ctx, q.key()).Err()
}

// Merge collapses overlapping and adjacent ranges in place and returns the
// merged set.
func (q *RangeQueue) Merge(ctx context.Context) ([]domain.FetchRange, error) {
	ranges, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(ranges) <= 1 {
		return ranges, nil
	}

	merged := domain.MergeRanges(ranges)
	members := make([]redis.Z, len(merged))
	for i, r := range merged {
		members[i] = redis.Z{Score: float64(r.Start), Member: r.String()}
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, q.key())
		pipe.ZAdd(ctx, q.key(), members...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rewrite queue: %w", err)
	}
	return merged, nil
}
