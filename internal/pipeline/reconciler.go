// Package pipeline runs one reconciliation of a CRM item: it chains the
// snapshot diff, attachment normalization, task lifecycle, checklist and
// auto-completion steps and folds their outcomes into a single Result.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/makshsn/mpk-b24-api-sub000/internal/attachments"
	"github.com/makshsn/mpk-b24-api-sub000/internal/bitrix"
	"github.com/makshsn/mpk-b24-api-sub000/internal/checklist"
	"github.com/makshsn/mpk-b24-api-sub000/internal/completion"
	"github.com/makshsn/mpk-b24-api-sub000/internal/config"
	"github.com/makshsn/mpk-b24-api-sub000/internal/diff"
	"github.com/makshsn/mpk-b24-api-sub000/internal/lifecycle"
	"github.com/makshsn/mpk-b24-api-sub000/internal/snapshot"
)

// Overall actions. Step failures report the failing step's own action.
const (
	ActionReconciled      = "reconciled"
	ActionNoChange        = "no_change"
	ActionSkipAntiLoop    = "skip_anti_loop"
	ActionSkipFailedStage = completion.ActionSkipFailedStage
	ActionFetchFailed     = "fetch_failed"
	ActionItemNotFound    = "item_not_found"
	ActionIgnoredEvent    = "ignored_event"

	// ActionChecklistDeferred is reported for the checklist step when some
	// attachment could not be read, so the desired lines are not known.
	ActionChecklistDeferred = "deferred"
)

// Result is the JSON-serializable outcome of one reconciliation.
type Result struct {
	OK           bool                `json:"ok"`
	Action       string              `json:"action"`
	Error        string              `json:"error,omitempty"`
	RunID        string              `json:"run_id"`
	Event        string              `json:"event"`
	EntityTypeID int                 `json:"entity_type_id"`
	ItemID       int                 `json:"item_id"`
	FirstSeen    bool                `json:"first_seen"`
	ChangedKeys  []string            `json:"changed_keys"`
	StageChanged bool                `json:"stage_changed"`
	Attachments  *attachments.Result `json:"attachments,omitempty"`
	Task         *lifecycle.Result   `json:"task,omitempty"`
	Checklist    *checklist.Result   `json:"checklist,omitempty"`
	Completion   *completion.Result  `json:"completion,omitempty"`
	StartedAt    time.Time           `json:"started_at"`
	DurationMs   int64               `json:"duration_ms"`
}

// Deps are the collaborators shared by every entity type.
type Deps struct {
	CRM        *bitrix.CRM
	Tasks      *bitrix.Tasks
	Downloader bitrix.Downloader
	Snapshots  *snapshot.Store
}

// Reconciler reconciles items of one entity type.
type Reconciler struct {
	crm       *bitrix.CRM
	snapshots *snapshot.Store
	entity    config.Entity
	engine    config.EngineConfig
	loc       *time.Location

	files     *attachments.Normalizer
	lifecycle *lifecycle.Orchestrator
	checklist *checklist.Reconciler
	complete  *completion.Machine

	logger *slog.Logger
	now    func() time.Time
}

// New wires the per-step components for entity.
func New(deps Deps, entity config.Entity, engine config.EngineConfig) *Reconciler {
	stamp := bitrix.SyncStamp{AtField: entity.Fields.SyncAt, SrcField: entity.Fields.SyncSrc}
	loc := engine.Location()

	return &Reconciler{
		crm:       deps.CRM,
		snapshots: deps.Snapshots,
		entity:    entity,
		engine:    engine,
		loc:       loc,
		files: attachments.New(deps.CRM, deps.Downloader, attachments.Options{
			FilesField:    entity.Fields.Files,
			Stamp:         stamp,
			ExtractKinds:  entity.Extract.Kinds,
			MaxEntries:    engine.MaxZipEntries,
			MaxEntryBytes: int64(engine.MaxEntryBytes),
			ChunkSize:     engine.UploadChunkSize,
			Workers:       engine.DownloadWorkers,
		}),
		lifecycle: lifecycle.New(deps.CRM, deps.Tasks, lifecycle.Options{
			TaskField:     entity.Fields.Task,
			DeadlineField: entity.Fields.Deadline,
			TitleField:    entity.Fields.Title,
			AssignedField: entity.Fields.Assigned,
			TitlePrefix:   entity.Task.TitlePrefix,
			ResponsibleID: entity.Task.ResponsibleID,
			GroupID:       entity.Task.GroupID,
			DeadlineHour:  engine.DeadlineHour,
			Location:      loc,
			Stamp:         stamp,
		}),
		checklist: checklist.New(deps.Tasks),
		complete: completion.New(deps.CRM, deps.Tasks, completion.Options{
			StageField:   entity.Fields.Stage,
			SuccessStage: entity.Stages.Success,
			FailedStages: entity.Stages.Failed,
			Stamp:        stamp,
		}),
		logger: slog.Default(),
		now:    time.Now,
	}
}

// SetClock replaces the time source of the reconciler and its steps.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
	r.files.SetClock(now)
	r.lifecycle.SetClock(now)
	r.complete.SetClock(now)
}

// EntityTypeID returns the entity type this reconciler serves.
func (r *Reconciler) EntityTypeID() int {
	return r.entity.EntityTypeID
}

// Reconcile runs the full pipeline for the item named by ev:
//  1. Fetch the current item; the event payload is never trusted
//  2. Stop if the item carries a fresh engine stamp (anti-loop)
//  3. Diff against the stored snapshot, then overwrite the snapshot
//  4. Stop item events that changed nothing relevant
//  5. Stop on a failed stage
//  6. Normalize attachments
//  7. Inspect the recorded task, create or sync it on active stages
//  8. Reconcile the checklist against the final files
//  9. Evaluate auto-completion
//
// Step failures do not stop later steps; they are collected into the
// result, which is never returned as an error.
func (r *Reconciler) Reconcile(ctx context.Context, ev Event) (res Result) {
	start := r.now()
	res = Result{
		OK:           true,
		RunID:        uuid.NewString(),
		Event:        ev.Event,
		EntityTypeID: ev.EntityTypeID,
		ItemID:       ev.ItemID,
		ChangedKeys:  []string{},
		StartedAt:    start,
	}
	defer func() {
		res.DurationMs = r.now().Sub(start).Milliseconds()
		r.log(res)
	}()

	if !ev.Known() {
		res.Action = ActionIgnoredEvent
		return res
	}

	// 1. Fetch.
	item, err := r.crm.GetItem(ctx, ev.EntityTypeID, ev.ItemID)
	if err != nil {
		res.OK = false
		res.Action = ActionFetchFailed
		if bitrix.IsNotFound(err) {
			res.Action = ActionItemNotFound
		}
		res.Error = err.Error()
		return res
	}

	// 2. Anti-loop guard.
	if !ev.Manual() && r.freshStamp(item, start) {
		res.Action = ActionSkipAntiLoop
		return res
	}

	// 3. Diff and snapshot.
	next := diff.Normalize(item)
	prev, err := r.snapshots.Read(ev.EntityTypeID, ev.ItemID)
	if err != nil {
		r.logger.Warn("snapshot read failed, treating item as first seen",
			"entity_type_id", ev.EntityTypeID, "item_id", ev.ItemID, "error", err)
	}
	var d diff.Diff
	if prev == nil {
		res.FirstSeen = true
	} else {
		d = diff.Compute(prev.Item, next, r.diffOptions())
		res.ChangedKeys = d.ChangedKeys
		res.StageChanged = d.StageChanged
	}
	r.snapshots.Write(ev.EntityTypeID, ev.ItemID, snapshot.Snapshot{FetchedAt: start, Item: next})

	// 4. Change gate.
	if ev.Gated() && !res.FirstSeen && d.Empty() {
		res.Action = ActionNoChange
		return res
	}

	stage := item.String(r.entity.Fields.Stage)

	// 5. Failed stage.
	if r.complete.IsFailed(stage) {
		c := r.complete.Evaluate(ctx, completion.Input{EntityTypeID: ev.EntityTypeID, ItemID: ev.ItemID, Stage: stage})
		res.Completion = &c
		res.Action = ActionSkipFailedStage
		return res
	}

	var failures []string
	fail := func(action, msg string) {
		if res.OK {
			res.OK = false
			res.Action = action
		}
		if msg != "" {
			failures = append(failures, msg)
		}
	}

	// 6. Attachments.
	notify := r.engine.NotifyEmptyFiles &&
		(res.FirstSeen || ev.Manual() || d.Has(r.entity.Fields.Files))
	a := r.files.Normalize(ctx, attachments.Request{
		EntityTypeID: ev.EntityTypeID,
		ItemID:       ev.ItemID,
		Item:         item,
		Notify:       notify,
	})
	res.Attachments = &a
	if a.Failed() {
		fail(a.Action, strings.Join(a.Errors, "; "))
	}
	filesKnown := !slices.ContainsFunc(a.FinalFiles, func(f attachments.File) bool { return f.Failed })

	// 7. Task lifecycle.
	state := r.lifecycle.Inspect(ctx, item)
	taskID, taskCompleted := 0, false
	if state.Exists {
		taskID, taskCompleted = state.TaskID, state.Completed
	}

	activeStage := !r.complete.IsSuccess(stage)
	catchUp := state.Exists && state.Completed && !res.StageChanged
	if activeStage && !catchUp {
		l := r.lifecycle.Ensure(ctx, lifecycle.Request{
			EntityTypeID:       ev.EntityTypeID,
			ItemID:             ev.ItemID,
			Item:               item,
			State:              state,
			Files:              a.FinalFiles,
			AttachmentsChanged: a.Changed || res.FirstSeen || d.Has(r.entity.Fields.Files),
		})
		res.Task = &l
		switch l.Action {
		case lifecycle.ActionCreateFailed:
			// A closed task left over from before a reopen must not
			// drive completion.
			fail(l.Action, l.Error)
			taskID, taskCompleted = 0, false
		case lifecycle.ActionSyncFailed:
			fail(l.Action, l.Error)
			taskID, taskCompleted = l.TaskID, false
		default:
			if l.Error != "" {
				fail(l.Action, l.Error)
			}
			taskID, taskCompleted = l.TaskID, false
		}
	}

	// 8. Checklist.
	var lines []bitrix.ChecklistItem
	evaluate := true
	if taskID != 0 && !taskCompleted {
		if !filesKnown {
			res.Checklist = &checklist.Result{Action: ActionChecklistDeferred}
			evaluate = false
		} else {
			c := r.checklist.Reconcile(ctx, taskID, r.desired(a.FinalFiles))
			res.Checklist = &c
			lines = c.Items
			switch c.Action {
			case checklist.ActionListFailed:
				fail(c.Action, c.Error)
				evaluate = false
			case checklist.ActionDesiredMalformed:
				fail(c.Action, c.Error)
				evaluate = false
				r.comment(ctx, ev, fmt.Sprintf("The checklist of task #%d was not updated: %s.", taskID, c.Error))
			case checklist.ActionPartial:
				// Items may predate the failed writes, and a missing line
				// must not let the task close.
				fail(c.Action, c.Error)
				evaluate = false
			}
		}
	}

	// 9. Auto-completion.
	if evaluate {
		c := r.complete.Evaluate(ctx, completion.Input{
			EntityTypeID:  ev.EntityTypeID,
			ItemID:        ev.ItemID,
			Stage:         stage,
			TaskID:        taskID,
			TaskCompleted: taskCompleted,
			Checklist:     lines,
		})
		res.Completion = &c
		switch c.Action {
		case completion.ActionCompletedPartial, completion.ActionStageUpdateFailed:
			fail(c.Action, c.Error)
		}
	}

	if len(failures) > 0 {
		res.Error = strings.Join(failures, "; ")
	}
	if res.OK {
		res.Action = ActionNoChange
		if res.mutated() {
			res.Action = ActionReconciled
		}
	}
	return res
}

func (r *Reconciler) diffOptions() diff.Options {
	ignore := append([]string(nil), diff.DefaultIgnoreKeys...)
	ignore = append(ignore, r.entity.Fields.SyncAt, r.entity.Fields.SyncSrc)
	return diff.Options{
		IgnoreKeys: ignore,
		OnlyKeys:   r.entity.Watch,
		StageKey:   r.entity.Fields.Stage,
	}
}

// freshStamp reports whether the engine itself wrote the item within the
// anti-loop window.
func (r *Reconciler) freshStamp(item bitrix.Item, now time.Time) bool {
	window := r.engine.AntiLoop()
	if window <= 0 || item.String(r.entity.Fields.SyncSrc) != bitrix.SourceName {
		return false
	}
	at, ok := item.Time(r.entity.Fields.SyncAt, r.loc)
	if !ok {
		return false
	}
	age := now.Sub(at)
	return age < window && age > -window
}

func (r *Reconciler) desired(files []attachments.File) []checklist.Desired {
	if d := checklist.DesiredFromFiles(files, r.entity.Checklist.Extensions); len(d) > 0 {
		return d
	}
	labels := make([]checklist.Label, len(r.entity.Checklist.Labels))
	for i, l := range r.entity.Checklist.Labels {
		labels[i] = checklist.Label{Key: l.Key, Title: l.Title}
	}
	return checklist.DesiredFromLabels(labels)
}

func (r *Reconciler) comment(ctx context.Context, ev Event, text string) {
	if err := r.crm.AddTimelineComment(ctx, ev.EntityTypeID, ev.ItemID, text); err != nil {
		r.logger.Warn("timeline comment failed", "entity_type_id", ev.EntityTypeID, "item_id", ev.ItemID, "error", err)
	}
}

func (r *Reconciler) log(res Result) {
	attrs := []any{
		"run_id", res.RunID,
		"event", res.Event,
		"entity_type_id", res.EntityTypeID,
		"item_id", res.ItemID,
		"action", res.Action,
		"duration_ms", res.DurationMs,
	}
	if !res.OK {
		r.logger.Warn("reconciliation failed", append(attrs, "error", res.Error)...)
		return
	}
	r.logger.Info("reconciliation finished", attrs...)
}

func (res Result) mutated() bool {
	if res.Attachments != nil && res.Attachments.Changed {
		return true
	}
	if res.Task != nil && res.Task.Mutated() {
		return true
	}
	if res.Checklist != nil && res.Checklist.Ops() > 0 {
		return true
	}
	return res.Completion != nil && res.Completion.Mutated()
}
