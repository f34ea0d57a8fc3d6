package bitrix

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StatusCompleted is the task status the portal uses for a closed task.
const StatusCompleted = 5

// RemovedPrefix marks a checklist item the engine could not delete.
const RemovedPrefix = "[REMOVED] "

// Task is the subset of task fields the engine reads.
type Task struct {
	ID            int       `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	Status        int       `json:"status"`
	Deadline      time.Time `json:"deadline,omitzero"`
	ResponsibleID int       `json:"responsible_id,omitempty"`
	Bindings      []string  `json:"bindings,omitempty"`
}

// Completed reports whether the task is closed.
func (t Task) Completed() bool {
	return t.Status == StatusCompleted
}

func taskFromMap(m map[string]any) Task {
	t := Task{
		ID:            toInt(m["id"]),
		Status:        toInt(m["status"]),
		ResponsibleID: toInt(m["responsibleId"]),
	}
	t.Title, _ = m["title"].(string)
	t.Description, _ = m["description"].(string)
	if s, ok := m["deadline"].(string); ok {
		t.Deadline, _ = parseTime(s, time.UTC)
	}
	if list, ok := m["ufCrmTask"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				t.Bindings = append(t.Bindings, s)
			}
		}
	}
	return t
}

// ChecklistItem is one line of a task checklist.
type ChecklistItem struct {
	ID         int    `json:"id"`
	Title      string `json:"title"`
	SortIndex  int    `json:"sort_index"`
	IsComplete bool   `json:"is_complete"`
}

// Removed reports whether the item was soft-deleted by the engine.
func (ci ChecklistItem) Removed() bool {
	return strings.HasPrefix(ci.Title, RemovedPrefix)
}

// Tasks wraps the tasks.task.* and task.checklistitem.* methods.
type Tasks struct {
	c Caller
}

func NewTasks(c Caller) *Tasks {
	return &Tasks{c: c}
}

var taskSelect = []string{"ID", "TITLE", "DESCRIPTION", "STATUS", "DEADLINE", "RESPONSIBLE_ID", "UF_CRM_TASK"}

// Get fetches a task by id.
func (t *Tasks) Get(ctx context.Context, taskID int) (Task, error) {
	raw, err := t.c.Call(ctx, "tasks.task.get", map[string]any{
		"taskId": taskID,
		"select": taskSelect,
	})
	if err != nil {
		return Task{}, err
	}
	var res struct {
		Task map[string]any `json:"task"`
	}
	if err := decodeResult(raw, &res); err != nil {
		return Task{}, fmt.Errorf("decoding task %d: %w", taskID, err)
	}
	if res.Task == nil {
		return Task{}, &RemoteError{Code: "NOT_FOUND", Description: fmt.Sprintf("task %d", taskID)}
	}
	return taskFromMap(res.Task), nil
}

// Add creates a task and returns its id. fields use the upper-case names
// tasks.task.add expects.
func (t *Tasks) Add(ctx context.Context, fields map[string]any) (int, error) {
	raw, err := t.c.Call(ctx, "tasks.task.add", map[string]any{"fields": fields})
	if err != nil {
		return 0, fmt.Errorf("adding task: %w", err)
	}
	var res struct {
		Task map[string]any `json:"task"`
	}
	if err := decodeResult(raw, &res); err != nil {
		return 0, fmt.Errorf("decoding added task: %w", err)
	}
	id := toInt(res.Task["id"])
	if id == 0 {
		return 0, fmt.Errorf("added task has no id")
	}
	return id, nil
}

// Update writes fields to a task.
func (t *Tasks) Update(ctx context.Context, taskID int, fields map[string]any) error {
	_, err := t.c.Call(ctx, "tasks.task.update", map[string]any{"taskId": taskID, "fields": fields})
	if err != nil {
		return fmt.Errorf("updating task %d: %w", taskID, err)
	}
	return nil
}

// Complete closes a task.
func (t *Tasks) Complete(ctx context.Context, taskID int) error {
	_, err := t.c.Call(ctx, "tasks.task.complete", map[string]any{"taskId": taskID})
	if err != nil {
		return fmt.Errorf("completing task %d: %w", taskID, err)
	}
	return nil
}

// FindByBinding returns open tasks bound to the given UF_CRM_TASK token,
// oldest first.
func (t *Tasks) FindByBinding(ctx context.Context, binding string) ([]Task, error) {
	raw, err := t.c.Call(ctx, "tasks.task.list", map[string]any{
		"filter": map[string]any{
			"UF_CRM_TASK": binding,
			"!STATUS":     StatusCompleted,
		},
		"order":  map[string]any{"ID": "asc"},
		"select": taskSelect,
	})
	if err != nil {
		return nil, fmt.Errorf("listing tasks for %s: %w", binding, err)
	}
	var res struct {
		Tasks []map[string]any `json:"tasks"`
	}
	if err := decodeResult(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding task list: %w", err)
	}
	tasks := make([]Task, 0, len(res.Tasks))
	for _, m := range res.Tasks {
		tasks = append(tasks, taskFromMap(m))
	}
	return tasks, nil
}

// ListChecklist returns the task's checklist items ordered as the portal
// returns them.
func (t *Tasks) ListChecklist(ctx context.Context, taskID int) ([]ChecklistItem, error) {
	raw, err := t.c.Call(ctx, "task.checklistitem.getlist", map[string]any{"TASKID": taskID})
	if err != nil {
		return nil, fmt.Errorf("listing checklist of task %d: %w", taskID, err)
	}
	var rows []map[string]any
	if err := decodeResult(raw, &rows); err != nil {
		return nil, fmt.Errorf("decoding checklist: %w", err)
	}
	items := make([]ChecklistItem, 0, len(rows))
	for _, r := range rows {
		title, _ := r["TITLE"].(string)
		items = append(items, ChecklistItem{
			ID:         toInt(r["ID"]),
			Title:      title,
			SortIndex:  toInt(r["SORT_INDEX"]),
			IsComplete: isYes(r["IS_COMPLETE"]),
		})
	}
	return items, nil
}

// AddChecklistItem appends an item and returns its id.
func (t *Tasks) AddChecklistItem(ctx context.Context, taskID int, title string, sortIndex int) (int, error) {
	raw, err := t.c.Call(ctx, "task.checklistitem.add", map[string]any{
		"TASKID": taskID,
		"FIELDS": map[string]any{"TITLE": title, "SORT_INDEX": sortIndex, "IS_COMPLETE": "N"},
	})
	if err != nil {
		return 0, fmt.Errorf("adding checklist item: %w", err)
	}
	var id any
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("decoding checklist item id: %w", err)
	}
	return toInt(id), nil
}

// UpdateChecklistItem rewrites an item's title and sort index.
func (t *Tasks) UpdateChecklistItem(ctx context.Context, taskID, itemID int, title string, sortIndex int) error {
	_, err := t.c.Call(ctx, "task.checklistitem.update", map[string]any{
		"TASKID": taskID,
		"ITEMID": itemID,
		"FIELDS": map[string]any{"TITLE": title, "SORT_INDEX": sortIndex},
	})
	if err != nil {
		return fmt.Errorf("updating checklist item %d: %w", itemID, err)
	}
	return nil
}

// DeleteChecklistItem removes an item.
func (t *Tasks) DeleteChecklistItem(ctx context.Context, taskID, itemID int) error {
	_, err := t.c.Call(ctx, "task.checklistitem.delete", map[string]any{"TASKID": taskID, "ITEMID": itemID})
	if err != nil {
		return fmt.Errorf("deleting checklist item %d: %w", itemID, err)
	}
	return nil
}

func isYes(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "Y")
	default:
		return false
	}
}
