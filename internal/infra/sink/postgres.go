package sink

import (
	"context"
	"fmt"

	"github.com/vietddude/chainfetch/internal/infra/storage/postgres"
)

const postgresBatchSize = 500

type batchSaver interface {
	SaveBatch(ctx context.Context, items []any) error
}

// postgresSink buffers items and saves them in batches.
type postgresSink struct {
	repo    batchSaver
	buf     []any
	closeDB func() error
}

func openPostgres(ctx context.Context, cfg postgres.Config, opts Options) (Sink, error) {
	db, err := postgres.NewDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := postgres.NewRecordRepo(db.DB, opts.RunID, opts.Kind, opts.Label)
	return &postgresSink{repo: repo, closeDB: db.Close}, nil
}

func (s *postgresSink) Write(ctx context.Context, item any) error {
	s.buf = append(s.buf, item)
	if len(s.buf) >= postgresBatchSize {
		return s.flush(ctx)
	}
	return nil
}

func (s *postgresSink) flush(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	if err := s.repo.SaveBatch(ctx, s.buf); err != nil {
		return err
	}
	s.buf = s.buf[:0]
	return nil
}

func (s *postgresSink) Close() error {
	err := s.flush(context.Background())
	if s.closeDB != nil {
		if cerr := s.closeDB(); cerr != nil && err == nil {
			err = fmt.Errorf("close database: %w", cerr)
		}
	}
	return err
}
