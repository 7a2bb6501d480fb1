package model

import "time"

// Task is a record of the task store. The export path only ever reads it.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// priorityRank orders task priorities for sorting; unknown values sort first.
var priorityRank = map[string]int{"low": 1, "medium": 2, "high": 3}

// PriorityRank returns the sort rank of a task priority.
func PriorityRank(p string) int {
	return priorityRank[p]
}
