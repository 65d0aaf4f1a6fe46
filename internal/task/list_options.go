package task

import (
	"slices"
	"strings"
)

// SortOrder defines how results should be ordered when listing tasks.
type SortOrder int

const (
	// SortByCreation orders tasks by creation sequence (oldest first).
	SortByCreation SortOrder = iota
	// SortByUpdatedDesc orders tasks by UpdatedAt descending (most recent first).
	SortByUpdatedDesc
	// SortByUpdatedAsc orders tasks by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how tasks are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	GoalRunID  string
	ParentID   string
	Assignee   string
	Statuses   []Status
	HasResult  *bool
	Order      SortOrder
	Query      string
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	switch opts.Order {
	case SortByCreation, SortByUpdatedDesc, SortByUpdatedAsc:
	default:
		opts.Order = SortByCreation
	}
	opts.GoalRunID = strings.TrimSpace(opts.GoalRunID)
	opts.Assignee = strings.TrimSpace(opts.Assignee)
	opts.Query = strings.ToLower(strings.TrimSpace(opts.Query))
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of tasks returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching tasks before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithGoalRun restricts the listing to one goal run.
func WithGoalRun(id string) ListOption {
	return func(opts *ListOptions) {
		opts.GoalRunID = id
	}
}

// WithAssignee restricts the listing to tasks held by one agent.
func WithAssignee(agentID string) ListOption {
	return func(opts *ListOptions) {
		opts.Assignee = agentID
	}
}

// WithStatuses filters tasks by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithParent restricts the listing to subtasks delegated from one task.
func WithParent(taskID string) ListOption {
	return func(opts *ListOptions) {
		opts.ParentID = taskID
	}
}

// WithResultPresence filters tasks by whether they already carry a result.
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) {
		opts.HasResult = &hasResult
	}
}

// WithSortOrder changes the returned order of tasks.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery filters tasks by case-insensitive matching on description and result.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func (opts ListOptions) matches(t *Task) bool {
	if opts.GoalRunID != "" && t.GoalRunID != opts.GoalRunID {
		return false
	}
	if opts.ParentID != "" && t.ParentID != opts.ParentID {
		return false
	}
	if opts.Assignee != "" && t.Assignee != opts.Assignee {
		return false
	}
	if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, t.Status) {
		return false
	}
	if opts.HasResult != nil && (t.Result != "") != *opts.HasResult {
		return false
	}
	if opts.Query != "" {
		haystack := strings.ToLower(t.Description + "\n" + t.Result)
		if !strings.Contains(haystack, opts.Query) {
			return false
		}
	}
	return true
}

// normalizeStatuses drops unknown and repeated statuses, keeping first-seen order.
func normalizeStatuses(input []Status) []Status {
	var out []Status
	for _, status := range input {
		if IsValidStatus(status) && !slices.Contains(out, status) {
			out = append(out, status)
		}
	}
	return out
}
