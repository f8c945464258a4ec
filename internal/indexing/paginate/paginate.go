// Package paginate walks cursor-paginated sources page by page until an empty
// page, with a hard ceiling on the number of requests.
package paginate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/chainfetch/internal/core/domain"
	"github.com/vietddude/chainfetch/internal/core/retry"
	"github.com/vietddude/chainfetch/internal/indexing/metrics"
	"github.com/vietddude/chainfetch/internal/indexing/progress"
)

// ErrInvalidPageSize is returned for a non-positive page size or ceiling.
var ErrInvalidPageSize = errors.New("page size and ceiling must be positive")

// PageSource returns one page of records for target.
type PageSource interface {
	GetPage(ctx context.Context, target string, cursor domain.PaginationCursor, mode domain.RecordMode) ([]domain.Record, error)
}

// KeyFunc returns the identity of a record. Records with an empty key are
// never de-duplicated.
type KeyFunc func(domain.Record) string

// PageRequest describes one traversal.
type PageRequest struct {
	Target   string
	PageSize int
	Mode     domain.RecordMode
	// Ceiling is the maximum number of pages requested.
	Ceiling int
}

// PaginationRunawayError is returned when Ceiling pages were fetched and none
// of them was empty.
type PaginationRunawayError struct {
	Target  string
	Ceiling int
	Fetched int
}

func (e *PaginationRunawayError) Error() string {
	return fmt.Sprintf("pagination for %s did not terminate within %d pages (%d records fetched)", e.Target, e.Ceiling, e.Fetched)
}

// Config holds paginator settings.
type Config struct {
	PageSize int // Default page size (default: 1000)
	MaxPages int // Default ceiling (default: 10)
	Retry    retry.Policy
	Reporter progress.Reporter
}

// DefaultConfig returns default paginator configuration.
func DefaultConfig() Config {
	return Config{
		PageSize: 1000,
		MaxPages: 10,
		Retry: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
	}
}

// Paginator is the cursor paginator.
type Paginator struct {
	source   PageSource
	cfg      Config
	reporter progress.Reporter
	log      *slog.Logger
}

// NewPaginator creates a paginator. Zero config fields take their defaults.
func NewPaginator(source PageSource, cfg Config) *Paginator {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	return &Paginator{
		source:   source,
		cfg:      cfg,
		reporter: progress.OrNop(cfg.Reporter),
		log:      slog.Default().With("component", "paginate"),
	}
}

// Request builds a PageRequest for target using the configured page size and
// ceiling.
func (p *Paginator) Request(target string, mode domain.RecordMode) PageRequest {
	return PageRequest{Target: target, PageSize: p.cfg.PageSize, Mode: mode, Ceiling: p.cfg.MaxPages}
}

// Paginate fetches pages 1, 2, ... until an empty page and returns the
// records de-duplicated by key, first occurrence first.
func (p *Paginator) Paginate(ctx context.Context, req PageRequest, key KeyFunc) ([]domain.Record, error) {
	if req.PageSize <= 0 || req.Ceiling <= 0 {
		return nil, fmt.Errorf("%w: page_size=%d ceiling=%d", ErrInvalidPageSize, req.PageSize, req.Ceiling)
	}
	if key == nil {
		key = KeyForMode(req.Mode)
	}

	log := p.log.With("target", req.Target, "mode", string(req.Mode))
	seen := make(map[string]struct{})
	out := make([]domain.Record, 0)
	cursor := domain.FirstPage(req.PageSize)

	for fetched := 0; fetched < req.Ceiling; fetched++ {
		page, err := retry.DoValue(ctx, p.cfg.Retry, func(ctx context.Context) ([]domain.Record, error) {
			return p.source.GetPage(ctx, req.Target, cursor, req.Mode)
		})
		if err != nil {
			metrics.SourceCalls.WithLabelValues("get_page", "error").Inc()
			return nil, fmt.Errorf("page %d of %s: %w", cursor.Page, req.Target, err)
		}
		metrics.SourceCalls.WithLabelValues("get_page", "ok").Inc()
		metrics.PagesFetched.WithLabelValues(string(req.Mode)).Inc()
		p.reporter.Tick(fetched+1, req.Ceiling)

		if len(page) == 0 {
			log.Debug("Pagination complete", "pages", cursor.Page, "records", len(out))
			return out, nil
		}

		for _, rec := range page {
			k := key(rec)
			if k != "" {
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
			}
			out = append(out, rec)
		}

		cursor = cursor.Next()
	}

	log.Error("Pagination ceiling reached without an empty page", "ceiling", req.Ceiling, "records", len(out))
	return nil, &PaginationRunawayError{Target: req.Target, Ceiling: req.Ceiling, Fetched: len(out)}
}

// FieldKey keys records by the string value of field.
func FieldKey(field string) KeyFunc {
	return func(r domain.Record) string {
		return r.String(field)
	}
}

// CompositeKey keys records by several fields joined with ':'. A record
// missing the first field gets an empty key.
func CompositeKey(fields ...string) KeyFunc {
	return func(r domain.Record) string {
		if len(fields) == 0 || r.String(fields[0]) == "" {
			return ""
		}
		k := r.String(fields[0])
		for _, f := range fields[1:] {
			k += ":" + r.String(f)
		}
		return k
	}
}

// KeyForMode returns the default identity for Etherscan-style transaction
// records: the hash for external transactions, and hash plus trace id for
// internal ones, since one transaction can carry many internal transfers.
func KeyForMode(mode domain.RecordMode) KeyFunc {
	if mode == domain.RecordModeInternal {
		return CompositeKey("hash", "traceId")
	}
	return FieldKey("hash")
}
