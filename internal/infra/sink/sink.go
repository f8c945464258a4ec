// Package sink writes fetched items to stdout, local files, S3-compatible
// object storage or Postgres.
package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/vietddude/chainfetch/internal/infra/storage/postgres"
)

// Format selects the encoding of stream outputs.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// Sink receives items in order. Close flushes and releases the destination.
type Sink interface {
	Write(ctx context.Context, item any) error
	Close() error
}

// Options configures Open.
type Options struct {
	Format Format
	// Columns is the CSV header; items are projected onto it.
	Columns []string

	// Kind and Label tag Postgres rows.
	Kind  string
	Label string
	RunID uuid.UUID

	S3       S3Config
	Database postgres.Config
}

// Open resolves target to a sink:
//
//	-                   stdout
//	s3://bucket/key     object uploaded on Close
//	postgres://...      rows in fetched_records
//	anything else       local file
//
// Stream targets ending in .gz are gzip-compressed.
func Open(ctx context.Context, target string, opts Options) (Sink, error) {
	if opts.Format == "" {
		opts.Format = FormatJSONL
	}
	if opts.RunID == uuid.Nil {
		opts.RunID = uuid.New()
	}

	switch {
	case target == "-":
		return newStreamSink(nopCloser{os.Stdout}, opts, nil)
	case strings.HasPrefix(target, "s3://"):
		return openS3(ctx, target, opts)
	case strings.HasPrefix(target, "postgres://"), strings.HasPrefix(target, "postgresql://"):
		cfg := opts.Database
		cfg.URL = target
		return openPostgres(ctx, cfg, opts)
	}
	return openFile(target, opts)
}

func openFile(path string, opts Options) (Sink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	if strings.HasSuffix(path, ".gz") {
		return newStreamSink(f, opts, gzip.NewWriter(f))
	}
	return newStreamSink(f, opts, nil)
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
