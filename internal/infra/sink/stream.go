package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vietddude/chainfetch/internal/core/domain"
)

// streamSink encodes items onto a byte stream, optionally through a
// compressor that is closed before the underlying destination.
type streamSink struct {
	dst        io.WriteCloser
	compressor io.WriteCloser
	enc        encoder
	afterClose func() error
}

func newStreamSink(dst io.WriteCloser, opts Options, compressor io.WriteCloser) (*streamSink, error) {
	var w io.Writer = dst
	if compressor != nil {
		w = compressor
	}

	var enc encoder
	switch opts.Format {
	case FormatJSONL:
		enc = newJSONLEncoder(w)
	case FormatCSV:
		if len(opts.Columns) == 0 {
			return nil, fmt.Errorf("csv output needs columns")
		}
		enc = newCSVEncoder(w, opts.Columns)
	default:
		return nil, fmt.Errorf("unknown output format %q", opts.Format)
	}
	return &streamSink{dst: dst, compressor: compressor, enc: enc}, nil
}

func (s *streamSink) Write(_ context.Context, item any) error {
	return s.enc.Encode(item)
}

func (s *streamSink) Close() error {
	if err := s.enc.Flush(); err != nil {
		_ = s.dst.Close()
		return fmt.Errorf("flush output: %w", err)
	}
	if s.compressor != nil {
		if err := s.compressor.Close(); err != nil {
			_ = s.dst.Close()
			return fmt.Errorf("close compressor: %w", err)
		}
	}
	if err := s.dst.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if s.afterClose != nil {
		return s.afterClose()
	}
	return nil
}

type encoder interface {
	Encode(item any) error
	Flush() error
}

type jsonlEncoder struct {
	enc *json.Encoder
}

func newJSONLEncoder(w io.Writer) *jsonlEncoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &jsonlEncoder{enc: enc}
}

func (e *jsonlEncoder) Encode(item any) error {
	return e.enc.Encode(item)
}

func (e *jsonlEncoder) Flush() error { return nil }

type csvEncoder struct {
	w             *csv.Writer
	columns       []string
	headerWritten bool
}

func newCSVEncoder(w io.Writer, columns []string) *csvEncoder {
	return &csvEncoder{w: csv.NewWriter(w), columns: columns}
}

func (e *csvEncoder) Encode(item any) error {
	if !e.headerWritten {
		if err := e.w.Write(e.columns); err != nil {
			return err
		}
		e.headerWritten = true
	}
	row := make([]string, len(e.columns))
	for i, col := range e.columns {
		row[i] = field(item, col)
	}
	return e.w.Write(row)
}

func (e *csvEncoder) Flush() error {
	if !e.headerWritten {
		if err := e.w.Write(e.columns); err != nil {
			return err
		}
		e.headerWritten = true
	}
	e.w.Flush()
	return e.w.Error()
}

type fielder interface {
	Field(name string) string
}

func field(item any, col string) string {
	switch v := item.(type) {
	case fielder:
		return v.Field(col)
	case domain.Record:
		return v.String(col)
	case map[string]string:
		return v[col]
	case map[string]any:
		return domain.Record(v).String(col)
	}
	return ""
}
