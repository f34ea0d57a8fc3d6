// Package lifecycle makes sure every active item has exactly one open
// companion task and keeps that task's deadline and content in step with
// the item.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/makshsn/mpk-b24-api-sub000/internal/attachments"
	"github.com/makshsn/mpk-b24-api-sub000/internal/bitrix"
)

const (
	ActionCreated      = "created"
	ActionReused       = "reused"
	ActionSynced       = "synced"
	ActionUnchanged    = "unchanged"
	ActionCreateFailed = "create_failed"
	ActionSyncFailed   = "sync_failed"
)

// Options configures an Orchestrator for one entity type.
type Options struct {
	TaskField     string
	DeadlineField string
	TitleField    string
	AssignedField string
	TitlePrefix   string
	ResponsibleID int
	GroupID       int
	DeadlineHour  int
	Location      *time.Location
	Stamp         bitrix.SyncStamp
}

// TaskState is what the item's recorded task id points at. A task that
// could not be fetched counts as missing.
type TaskState struct {
	TaskID    int         `json:"task_id"`
	Exists    bool        `json:"exists"`
	Completed bool        `json:"completed"`
	Task      bitrix.Task `json:"-"`
	Error     string      `json:"error,omitempty"`
}

// Active reports whether the recorded task can be kept.
func (s TaskState) Active() bool {
	return s.Exists && !s.Completed
}

type Request struct {
	EntityTypeID       int
	ItemID             int
	Item               bitrix.Item
	State              TaskState
	Files              []attachments.File
	AttachmentsChanged bool
}

type Result struct {
	Action           string `json:"action"`
	TaskID           int    `json:"task_id,omitempty"`
	Created          bool   `json:"created,omitempty"`
	Reused           bool   `json:"reused,omitempty"`
	DeadlineSynced   bool   `json:"deadline_synced,omitempty"`
	ContentRefreshed bool   `json:"content_refreshed,omitempty"`
	Deadline         string `json:"deadline,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Mutated reports whether the orchestrator changed anything remotely.
func (r Result) Mutated() bool {
	return r.Created || r.Reused || r.DeadlineSynced || r.ContentRefreshed
}

type Orchestrator struct {
	crm    *bitrix.CRM
	tasks  *bitrix.Tasks
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func New(crm *bitrix.CRM, tasks *bitrix.Tasks, opts Options) *Orchestrator {
	if opts.Location == nil {
		opts.Location = time.FixedZone("UTC+3", 3*3600)
	}
	if opts.DeadlineHour <= 0 || opts.DeadlineHour > 23 {
		opts.DeadlineHour = 18
	}
	return &Orchestrator{crm: crm, tasks: tasks, opts: opts, logger: slog.Default(), now: time.Now}
}

// SetClock replaces the time source.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// DefaultDeadline is the 25th of the current month when today is earlier
// than the 25th, otherwise the 25th of next month, at hour in loc.
func DefaultDeadline(now time.Time, hour int, loc *time.Location) time.Time {
	n := now.In(loc)
	month := n.Month()
	if n.Day() >= 25 {
		month++
	}
	return time.Date(n.Year(), month, 25, hour, 0, 0, 0, loc)
}

// Inspect resolves the item's recorded task.
func (o *Orchestrator) Inspect(ctx context.Context, item bitrix.Item) TaskState {
	id := item.Int(o.opts.TaskField)
	if id == 0 {
		return TaskState{}
	}
	task, err := o.tasks.Get(ctx, id)
	if err != nil {
		return TaskState{TaskID: id, Error: err.Error()}
	}
	return TaskState{TaskID: id, Exists: true, Completed: task.Completed(), Task: task}
}

// Ensure keeps the recorded task in sync, or finds or creates one when the
// recorded task is missing or closed.
func (o *Orchestrator) Ensure(ctx context.Context, req Request) Result {
	if req.State.Active() {
		res := Result{TaskID: req.State.TaskID}
		o.sync(ctx, req, req.State.Task, &res)
		return res
	}

	binding := bitrix.Binding(req.EntityTypeID, req.ItemID)
	found, err := o.tasks.FindByBinding(ctx, binding)
	if err != nil {
		// Creating blind could duplicate a task a previous delivery made.
		return Result{Action: ActionCreateFailed, Error: err.Error()}
	}

	itemDeadline, hasDeadline := req.Item.Time(o.opts.DeadlineField, o.opts.Location)

	if len(found) > 0 {
		task := found[0]
		res := Result{Action: ActionReused, TaskID: task.ID, Reused: true}
		var deadline time.Time
		if !hasDeadline && task.Deadline.IsZero() {
			deadline = DefaultDeadline(o.now(), o.opts.DeadlineHour, o.opts.Location)
		}
		o.writeBack(ctx, req, task.ID, deadline, &res)
		o.logger.Info("reusing bound task", "entity_type_id", req.EntityTypeID, "item_id", req.ItemID, "task_id", task.ID)
		if !deadline.IsZero() {
			req.Item = withField(req.Item, o.opts.DeadlineField, deadline.Format(time.RFC3339))
		}
		o.sync(ctx, req, task, &res)
		return res
	}

	deadline := itemDeadline
	if !hasDeadline {
		deadline = DefaultDeadline(o.now(), o.opts.DeadlineHour, o.opts.Location)
	}

	fields := map[string]any{
		"TITLE":          o.title(req),
		"DESCRIPTION":    o.description(req),
		"RESPONSIBLE_ID": o.responsible(req.Item),
		"DEADLINE":       deadline.Format(time.RFC3339),
		"UF_CRM_TASK":    []string{binding},
	}
	if o.opts.GroupID > 0 {
		fields["GROUP_ID"] = o.opts.GroupID
	}
	taskID, err := o.tasks.Add(ctx, fields)
	if err != nil {
		return Result{Action: ActionCreateFailed, Error: err.Error()}
	}

	res := Result{Action: ActionCreated, TaskID: taskID, Created: true, Deadline: deadline.Format(time.RFC3339)}
	var itemDefault time.Time
	if !hasDeadline {
		itemDefault = deadline
	}
	o.writeBack(ctx, req, taskID, itemDefault, &res)
	o.logger.Info("task created", "entity_type_id", req.EntityTypeID, "item_id", req.ItemID, "task_id", taskID)
	return res
}

// writeBack records the task id, and a default deadline if one was
// computed, on the item. A failure leaves the task findable by binding.
func (o *Orchestrator) writeBack(ctx context.Context, req Request, taskID int, deadline time.Time, res *Result) {
	fields := map[string]any{}
	if req.Item.Int(o.opts.TaskField) != taskID {
		fields[o.opts.TaskField] = taskID
	}
	if !deadline.IsZero() && o.opts.DeadlineField != "" {
		fields[o.opts.DeadlineField] = deadline.Format(time.RFC3339)
	}
	if len(fields) == 0 {
		return
	}
	o.opts.Stamp.Apply(fields, o.now())
	if err := o.crm.UpdateItem(ctx, req.EntityTypeID, req.ItemID, fields); err != nil {
		res.Error = err.Error()
	}
}

// sync pushes the item deadline to the task when they differ by day, and
// refreshes title and description only when the attachments changed.
func (o *Orchestrator) sync(ctx context.Context, req Request, task bitrix.Task, res *Result) {
	fields := map[string]any{}

	if itemDeadline, ok := req.Item.Time(o.opts.DeadlineField, o.opts.Location); ok {
		if !sameDay(itemDeadline, task.Deadline, o.opts.Location) {
			fields["DEADLINE"] = itemDeadline.Format(time.RFC3339)
			res.Deadline = itemDeadline.Format(time.RFC3339)
		}
	}

	refresh := false
	if req.AttachmentsChanged {
		title, desc := o.title(req), o.description(req)
		if title != task.Title {
			fields["TITLE"] = title
			refresh = true
		}
		if desc != task.Description {
			fields["DESCRIPTION"] = desc
			refresh = true
		}
	}

	if len(fields) == 0 {
		if res.Action == "" {
			res.Action = ActionUnchanged
		}
		return
	}
	if err := o.tasks.Update(ctx, task.ID, fields); err != nil {
		res.Action = ActionSyncFailed
		res.Error = err.Error()
		return
	}
	_, res.DeadlineSynced = fields["DEADLINE"]
	res.ContentRefreshed = refresh
	if res.Action == "" {
		res.Action = ActionSynced
	}
}

func (o *Orchestrator) title(req Request) string {
	name := strings.TrimSpace(req.Item.String(o.opts.TitleField))
	if name == "" {
		name = "#" + strconv.Itoa(req.ItemID)
	}
	if o.opts.TitlePrefix == "" {
		return name
	}
	return o.opts.TitlePrefix + " " + name
}

func (o *Orchestrator) description(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CRM item %d (type %d).", req.ItemID, req.EntityTypeID)
	if len(req.Files) > 0 {
		b.WriteString("\n\nDocuments:")
		for _, f := range req.Files {
			b.WriteString("\n- ")
			b.WriteString(f.Name)
			if f.Pages > 0 {
				fmt.Fprintf(&b, " (%d p.)", f.Pages)
			}
		}
	}
	return b.String()
}

func (o *Orchestrator) responsible(item bitrix.Item) int {
	if id := item.Int(o.opts.AssignedField); id > 0 {
		return id
	}
	return o.opts.ResponsibleID
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() == b.IsZero()
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

func withField(item bitrix.Item, field string, value any) bitrix.Item {
	out := make(bitrix.Item, len(item)+1)
	for k, v := range item {
		out[k] = v
	}
	out[field] = value
	return out
}
