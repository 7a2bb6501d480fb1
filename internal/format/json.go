package format

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dharsanguruparan/TaskExport/internal/model"
)

// jsonTask is the element shape of the "tasks" array.
type jsonTask struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
	CompletedAt string `json:"completedAt,omitempty"`
}

// jsonWriter frames {"exportedAt":..,"tasks":[..],"totalTasks":N}. totalTasks
// follows the array so it always equals the number of elements written.
type jsonWriter struct {
	w       io.Writer
	meta    Meta
	started bool
	count   int64
}

func newJSONWriter(w io.Writer, meta Meta) *jsonWriter {
	return &jsonWriter{w: w, meta: meta}
}

func (j *jsonWriter) open() error {
	if j.started {
		return nil
	}
	j.started = true
	exportedAt, err := json.Marshal(j.meta.ExportedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("encode exportedAt: %w", err)
	}
	if _, err := fmt.Fprintf(j.w, `{"exportedAt":%s,"tasks":[`, exportedAt); err != nil {
		return fmt.Errorf("write json prologue: %w", err)
	}
	return nil
}

func (j *jsonWriter) WriteBatch(tasks []model.Task) error {
	if err := j.open(); err != nil {
		return err
	}
	for i := range tasks {
		data, err := json.Marshal(toJSONTask(&tasks[i]))
		if err != nil {
			return fmt.Errorf("encode task %s: %w", tasks[i].ID, err)
		}
		if j.count > 0 {
			if _, err := io.WriteString(j.w, ","); err != nil {
				return fmt.Errorf("write json separator: %w", err)
			}
		}
		if _, err := j.w.Write(data); err != nil {
			return fmt.Errorf("write json element: %w", err)
		}
		j.count++
	}
	return nil
}

func (j *jsonWriter) Close() error {
	if err := j.open(); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(j.w, `],"totalTasks":%d}`, j.count); err != nil {
		return fmt.Errorf("write json epilogue: %w", err)
	}
	return nil
}

func (j *jsonWriter) Count() int64 {
	return j.count
}

func toJSONTask(t *model.Task) jsonTask {
	return jsonTask{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		CreatedAt:   FormatDate(&t.CreatedAt),
		UpdatedAt:   FormatDate(&t.UpdatedAt),
		CompletedAt: FormatDate(t.CompletedAt),
	}
}
