// Package checklist keeps a task checklist in line with a desired list of
// lines. Lines the engine owns carry a bracketed key at the start of their
// title, "[F:123] act.pdf" for a file or "[L:sign] Signed by client" for a
// static label. Lines without a key belong to people and are never touched.
package checklist

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/makshsn/mpk-b24-api-sub000/internal/attachments"
	"github.com/makshsn/mpk-b24-api-sub000/internal/bitrix"
)

const (
	ActionUnchanged        = "unchanged"
	ActionReconciled       = "reconciled"
	ActionPartial          = "partial"
	ActionListFailed       = "list_failed"
	ActionDesiredMalformed = "desired_malformed"
)

// Desired is one line the checklist should contain.
type Desired struct {
	Key   string `json:"key"`
	Title string `json:"title"`
}

// Label is a static checklist line configured per entity type.
type Label struct {
	Key   string `yaml:"key" json:"key"`
	Title string `yaml:"title" json:"title"`
}

func FileKey(id int) string { return "F:" + strconv.Itoa(id) }

func LabelKey(key string) string { return "L:" + key }

// Title renders the checklist title carrying d's key.
func Title(d Desired) string {
	return "[" + d.Key + "] " + d.Title
}

// ParseMarker returns the key at the start of an owned title.
func ParseMarker(title string) (string, bool) {
	if !strings.HasPrefix(title, "[") {
		return "", false
	}
	end := strings.IndexByte(title, ']')
	if end < 0 {
		return "", false
	}
	key := title[1:end]
	kind, value, ok := strings.Cut(key, ":")
	if !ok || value == "" || (kind != "F" && kind != "L") {
		return "", false
	}
	return key, true
}

// DesiredFromFiles builds one line per file whose kind is in extensions.
// An empty extensions list accepts every file.
func DesiredFromFiles(files []attachments.File, extensions []string) []Desired {
	allowed := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		allowed[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}
	var out []Desired
	for _, f := range files {
		if f.ID == 0 {
			continue
		}
		if len(allowed) > 0 && !allowed[f.Kind] {
			continue
		}
		out = append(out, Desired{Key: FileKey(f.ID), Title: f.Name})
	}
	return out
}

// DesiredFromLabels builds one line per label.
func DesiredFromLabels(labels []Label) []Desired {
	out := make([]Desired, 0, len(labels))
	for _, l := range labels {
		out = append(out, Desired{Key: LabelKey(l.Key), Title: l.Title})
	}
	return out
}

// Result lists the operations applied, by key.
type Result struct {
	Action      string                 `json:"action"`
	Added       []string               `json:"added,omitempty"`
	Updated     []string               `json:"updated,omitempty"`
	Deleted     []string               `json:"deleted,omitempty"`
	SoftDeleted []string               `json:"soft_deleted,omitempty"`
	Failed      []string               `json:"failed,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Items       []bitrix.ChecklistItem `json:"-"`
}

// Ops counts the successful mutations.
func (r Result) Ops() int {
	return len(r.Added) + len(r.Updated) + len(r.Deleted) + len(r.SoftDeleted)
}

type Reconciler struct {
	tasks  *bitrix.Tasks
	logger *slog.Logger
}

func New(tasks *bitrix.Tasks) *Reconciler {
	return &Reconciler{tasks: tasks, logger: slog.Default()}
}

// Reconcile brings the owned lines of the task's checklist in line with
// desired. Running it again with the same input changes nothing.
func (r *Reconciler) Reconcile(ctx context.Context, taskID int, desired []Desired) Result {
	if err := validate(desired); err != nil {
		return Result{Action: ActionDesiredMalformed, Error: err.Error()}
	}

	items, err := r.tasks.ListChecklist(ctx, taskID)
	if err != nil {
		return Result{Action: ActionListFailed, Error: err.Error()}
	}

	res := Result{Items: items}
	owned := make(map[string]bitrix.ChecklistItem)
	var stale []bitrix.ChecklistItem
	maxSort := 0
	for _, it := range items {
		maxSort = max(maxSort, it.SortIndex)
		key, ok := ParseMarker(it.Title)
		if !ok {
			continue
		}
		if _, dup := owned[key]; dup {
			stale = append(stale, it)
			continue
		}
		owned[key] = it
	}

	want := make(map[string]bool, len(desired))
	for i, d := range desired {
		want[d.Key] = true
		title := Title(d)
		existing, ok := owned[d.Key]
		switch {
		case !ok:
			if _, err := r.tasks.AddChecklistItem(ctx, taskID, title, i); err != nil {
				res.fail(d.Key, err)
				continue
			}
			res.Added = append(res.Added, d.Key)
		case existing.Title != title:
			if err := r.tasks.UpdateChecklistItem(ctx, taskID, existing.ID, title, i); err != nil {
				res.fail(d.Key, err)
				continue
			}
			res.Updated = append(res.Updated, d.Key)
		}
	}

	for key, it := range owned {
		if !want[key] {
			stale = append(stale, it)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].SortIndex < stale[j].SortIndex })

	for _, it := range stale {
		key, _ := ParseMarker(it.Title)
		err := r.tasks.DeleteChecklistItem(ctx, taskID, it.ID)
		if err == nil {
			res.Deleted = append(res.Deleted, key)
			continue
		}
		// The account may lack delete rights; make the line read as dead instead.
		r.logger.Warn("checklist delete failed, soft-deleting", "task_id", taskID, "item_id", it.ID, "error", err)
		maxSort++
		if err := r.tasks.UpdateChecklistItem(ctx, taskID, it.ID, bitrix.RemovedPrefix+it.Title, maxSort); err != nil {
			res.fail(key, err)
			continue
		}
		res.SoftDeleted = append(res.SoftDeleted, key)
	}

	switch {
	case len(res.Failed) > 0:
		res.Action = ActionPartial
	case res.Ops() > 0:
		res.Action = ActionReconciled
	default:
		res.Action = ActionUnchanged
	}

	if res.Ops() > 0 {
		if fresh, err := r.tasks.ListChecklist(ctx, taskID); err == nil {
			res.Items = fresh
		} else {
			res.fail("list", err)
			res.Action = ActionPartial
		}
	}
	return res
}

func (r *Result) fail(key string, err error) {
	r.Failed = append(r.Failed, key)
	msg := key + ": " + err.Error()
	if r.Error == "" {
		r.Error = msg
	} else {
		r.Error += "; " + msg
	}
}

func validate(desired []Desired) error {
	seen := make(map[string]bool, len(desired))
	for i, d := range desired {
		if _, ok := ParseMarker(Title(d)); !ok {
			return fmt.Errorf("line %d has invalid key %q", i, d.Key)
		}
		if strings.Contains(d.Key, "]") {
			return fmt.Errorf("line %d key %q contains ']'", i, d.Key)
		}
		if strings.TrimSpace(d.Title) == "" {
			return fmt.Errorf("line %d (%s) has an empty title", i, d.Key)
		}
		if seen[d.Key] {
			return fmt.Errorf("duplicate key %q", d.Key)
		}
		seen[d.Key] = true
	}
	return nil
}

// Progress counts live lines and completed ones. Soft-deleted lines are
// not counted.
func Progress(items []bitrix.ChecklistItem) (done, total int) {
	for _, it := range items {
		if it.Removed() {
			continue
		}
		total++
		if it.IsComplete {
			done++
		}
	}
	return done, total
}
