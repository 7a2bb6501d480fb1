package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Sort fields accepted by FilterSpec.SortBy.
const (
	SortCreatedAt   = "createdAt"
	SortUpdatedAt   = "updatedAt"
	SortCompletedAt = "completedAt"
	SortPriority    = "priority"
	SortStatus      = "status"
	SortTitle       = "title"

	SortAsc  = "asc"
	SortDesc = "desc"
)

// FilterSpec selects the tasks of an export. It is a value object: two specs
// that normalize to the same value share a fingerprint.
type FilterSpec struct {
	Status        []string   `json:"status,omitempty" validate:"omitempty,dive,oneof=pending in-progress completed"`
	Priority      []string   `json:"priority,omitempty" validate:"omitempty,dive,oneof=low medium high"`
	CreatedFrom   *time.Time `json:"createdFrom,omitempty"`
	CreatedTo     *time.Time `json:"createdTo,omitempty"`
	CompletedFrom *time.Time `json:"completedFrom,omitempty"`
	CompletedTo   *time.Time `json:"completedTo,omitempty"`
	SortBy        string     `json:"sortBy,omitempty" validate:"omitempty,oneof=createdAt updatedAt completedAt priority status title"`
	SortOrder     string     `json:"sortOrder,omitempty" validate:"omitempty,oneof=asc desc"`
}

// Normalize returns a canonical copy: sets sorted and de-duplicated, times in
// UTC, sort defaults filled in.
func (f FilterSpec) Normalize() FilterSpec {
	out := FilterSpec{
		Status:        normalizeSet(f.Status),
		Priority:      normalizeSet(f.Priority),
		CreatedFrom:   utc(f.CreatedFrom),
		CreatedTo:     utc(f.CreatedTo),
		CompletedFrom: utc(f.CompletedFrom),
		CompletedTo:   utc(f.CompletedTo),
		SortBy:        f.SortBy,
		SortOrder:     f.SortOrder,
	}
	if out.SortBy == "" {
		out.SortBy = SortCreatedAt
	}
	if out.SortOrder == "" {
		out.SortOrder = SortDesc
	}
	return out
}

// Fingerprint identifies the normalized filter for reuse lookups.
func (f FilterSpec) Fingerprint() string {
	// Marshal of this struct cannot fail: only strings, slices and times.
	data, _ := json.Marshal(f.Normalize())
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Matches evaluates the filter against a task in memory.
func (f FilterSpec) Matches(t Task) bool {
	if len(f.Status) > 0 && !contains(f.Status, t.Status) {
		return false
	}
	if len(f.Priority) > 0 && !contains(f.Priority, t.Priority) {
		return false
	}
	if f.CreatedFrom != nil && t.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && t.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	if f.CompletedFrom != nil || f.CompletedTo != nil {
		if t.CompletedAt == nil {
			return false
		}
		if f.CompletedFrom != nil && t.CompletedAt.Before(*f.CompletedFrom) {
			return false
		}
		if f.CompletedTo != nil && t.CompletedAt.After(*f.CompletedTo) {
			return false
		}
	}
	return true
}

func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
