package domain

import "fmt"

// Record is an opaque record returned by a paginated source.
type Record map[string]any

// String returns the value stored under key formatted as a string.
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// RecordMode selects which record family a paginated source returns.
type RecordMode string

const (
	RecordModeExternal RecordMode = "external"
	RecordModeInternal RecordMode = "internal"
)

// PaginationCursor points at one page. Pages are 1-based.
type PaginationCursor struct {
	Page     int
	PageSize int
}

// FirstPage returns the cursor for page 1.
func FirstPage(pageSize int) PaginationCursor {
	return PaginationCursor{Page: 1, PageSize: pageSize}
}

// Next returns the cursor for the following page.
func (c PaginationCursor) Next() PaginationCursor {
	return PaginationCursor{Page: c.Page + 1, PageSize: c.PageSize}
}
