// Package format streams task records as CSV or JSON. Writers never hold more
// than the batch they are given; output is a pure function of the input
// sequence and Meta, so identical inputs produce identical bytes.
package format

import (
	"fmt"
	"io"
	"time"

	"github.com/dharsanguruparan/TaskExport/internal/model"
)

// DateLayout is the textual form of every task timestamp (UTC, seconds).
const DateLayout = "2006-01-02 15:04:05"

// Meta describes the export being written.
type Meta struct {
	ExportedAt time.Time
}

// Writer streams batches of tasks. Close writes the trailing structure and
// must be called exactly once after the last batch; the output is only
// complete after Close returns nil.
type Writer interface {
	WriteBatch(tasks []model.Task) error
	Close() error
	// Count is the number of tasks written so far.
	Count() int64
}

// NewWriter returns the writer for f.
func NewWriter(f model.Format, w io.Writer, meta Meta) (Writer, error) {
	switch f {
	case model.FormatCSV:
		return newCSVWriter(w), nil
	case model.FormatJSON:
		return newJSONWriter(w, meta), nil
	default:
		return nil, fmt.Errorf("%w: %q", model.ErrUnsupportedFormat, f)
	}
}

// FormatDate renders t in DateLayout; nil renders as "".
func FormatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(DateLayout)
}
