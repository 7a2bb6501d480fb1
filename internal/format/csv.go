package format

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/dharsanguruparan/TaskExport/internal/model"
)

// CSVHeader is the fixed column list of CSV exports.
var CSVHeader = []string{"ID", "Title", "Description", "Status", "Priority", "Created At", "Updated At", "Completed At"}

type csvWriter struct {
	w      *csv.Writer
	header bool
	count  int64
}

func newCSVWriter(w io.Writer) *csvWriter {
	return &csvWriter{w: csv.NewWriter(w)}
}

func (c *csvWriter) writeHeader() error {
	if c.header {
		return nil
	}
	c.header = true
	if err := c.w.Write(CSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	return nil
}

func (c *csvWriter) WriteBatch(tasks []model.Task) error {
	if err := c.writeHeader(); err != nil {
		return err
	}
	for i := range tasks {
		if err := c.w.Write(csvRow(&tasks[i])); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
		c.count++
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// Close emits the header for an empty export and flushes.
func (c *csvWriter) Close() error {
	if err := c.writeHeader(); err != nil {
		return err
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func (c *csvWriter) Count() int64 {
	return c.count
}

func csvRow(t *model.Task) []string {
	return []string{
		t.ID,
		t.Title,
		t.Description,
		t.Status,
		t.Priority,
		FormatDate(&t.CreatedAt),
		FormatDate(&t.UpdatedAt),
		FormatDate(t.CompletedAt),
	}
}
