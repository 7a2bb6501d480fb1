package format

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/TaskExport/internal/model"
)

var exportedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleTasks() []model.Task {
	created := time.Date(2024, 4, 30, 8, 15, 30, 999, time.FixedZone("CEST", 2*3600))
	done := time.Date(2024, 4, 30, 9, 0, 0, 0, time.UTC)
	return []model.Task{
		{ID: "t1", Title: "plain", Description: "nothing special", Status: "pending", Priority: "low", CreatedAt: created, UpdatedAt: created},
		{ID: "t2", Title: "comma, inside", Description: `say "hi"`, Status: "completed", Priority: "high", CreatedAt: created, UpdatedAt: done, CompletedAt: &done},
		{ID: "t3", Title: "multi\nline", Description: "a,\"b\"\nc", Status: "in-progress", Priority: "medium", CreatedAt: created, UpdatedAt: created},
	}
}

func writeAll(t *testing.T, f model.Format, batches ...[]model.Task) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(f, &buf, Meta{ExportedAt: exportedAt})
	require.NoError(t, err)
	for _, b := range batches {
		require.NoError(t, w.WriteBatch(b))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestCSVRoundTrip(t *testing.T) {
	tasks := sampleTasks()
	out := writeAll(t, model.FormatCSV, tasks[:2], tasks[2:])

	rows, err := csv.NewReader(bytes.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, len(tasks)+1)
	assert.Equal(t, CSVHeader, rows[0])
	for i, task := range tasks {
		row := rows[i+1]
		assert.Equal(t, task.ID, row[0])
		assert.Equal(t, task.Title, row[1])
		assert.Equal(t, task.Description, row[2])
		assert.Equal(t, task.Status, row[3])
		assert.Equal(t, task.Priority, row[4])
	}
	assert.Equal(t, "2024-04-30 06:15:30", rows[1][5], "dates are UTC with second precision")
	assert.Equal(t, "", rows[1][7], "missing completion date is empty")
	assert.Equal(t, "2024-04-30 09:00:00", rows[2][7])
}

func TestCSVQuotesOnlyWhenNeeded(t *testing.T) {
	out := writeAll(t, model.FormatCSV, sampleTasks()[1:2])
	assert.Contains(t, string(out), `"comma, inside","say ""hi"""`)
	assert.Contains(t, string(out), "t2,")
}

// encoding/csv also quotes a field that starts with a space or tab or holds a
// carriage return; readers still recover the exact value.
func TestCSVQuotesLeadingSpaceAndCarriageReturn(t *testing.T) {
	task := sampleTasks()[0]
	task.Title = " padded"
	task.Description = "line\rfeed"
	out := writeAll(t, model.FormatCSV, []model.Task{task})

	assert.Contains(t, string(out), "t1,\" padded\",\"line\rfeed\",pending,")

	rows, err := csv.NewReader(bytes.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, " padded", rows[1][1])
	assert.Equal(t, "line\rfeed", rows[1][2])
}

func TestCSVEmptyExportHasHeader(t *testing.T) {
	out := writeAll(t, model.FormatCSV)
	assert.Equal(t, "ID,Title,Description,Status,Priority,Created At,Updated At,Completed At\n", string(out))
}

func TestJSONRoundTrip(t *testing.T) {
	tasks := sampleTasks()
	out := writeAll(t, model.FormatJSON, tasks[:1], nil, tasks[1:])

	var doc struct {
		ExportedAt string           `json:"exportedAt"`
		TotalTasks int              `json:"totalTasks"`
		Tasks      []map[string]any `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "2024-05-01T12:00:00Z", doc.ExportedAt)
	assert.Equal(t, len(doc.Tasks), doc.TotalTasks)
	require.Len(t, doc.Tasks, 3)
	assert.Equal(t, "a,\"b\"\nc", doc.Tasks[2]["description"])
	_, hasCompleted := doc.Tasks[0]["completedAt"]
	assert.False(t, hasCompleted, "absent completion date is omitted")
	assert.Equal(t, "2024-04-30 09:00:00", doc.Tasks[1]["completedAt"])
}

func TestJSONEmptyExport(t *testing.T) {
	out := writeAll(t, model.FormatJSON)
	assert.JSONEq(t, `{"exportedAt":"2024-05-01T12:00:00Z","tasks":[],"totalTasks":0}`, string(out))
}

func TestOutputIsDeterministic(t *testing.T) {
	for _, f := range []model.Format{model.FormatCSV, model.FormatJSON} {
		tasks := sampleTasks()
		a := writeAll(t, f, tasks)
		b := writeAll(t, f, tasks[:1], tasks[1:])
		assert.Equal(t, a, b, "format %s", f)
	}
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := NewWriter(model.Format("xlsx"), &bytes.Buffer{}, Meta{})
	assert.True(t, errors.Is(err, model.ErrUnsupportedFormat))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteErrorsSurface(t *testing.T) {
	for _, f := range []model.Format{model.FormatCSV, model.FormatJSON} {
		w, err := NewWriter(f, failingWriter{}, Meta{ExportedAt: exportedAt})
		require.NoError(t, err)
		assert.Error(t, w.WriteBatch(sampleTasks()), "format %s", f)
	}
}
