// Package completion closes the loop from a finished checklist back to the
// item: it completes the task and moves the item to its success stage.
package completion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/makshsn/mpk-b24-api-sub000/internal/bitrix"
	"github.com/makshsn/mpk-b24-api-sub000/internal/checklist"
)

const (
	ActionSkipFailedStage     = "skip_failed_stage"
	ActionNoTask              = "no_task"
	ActionStageCaughtUp       = "stage_caught_up"
	ActionAlreadyDone         = "already_done"
	ActionChecklistEmpty      = "checklist_empty"
	ActionChecklistIncomplete = "checklist_incomplete"
	ActionCompleted           = "completed"
	ActionCompletedPartial    = "completed_partial"
	ActionStageUpdateFailed   = "stage_update_failed"
)

// Options configures a Machine for one entity type.
type Options struct {
	StageField   string
	SuccessStage string
	FailedStages []string
	Stamp        bitrix.SyncStamp
}

type Input struct {
	EntityTypeID  int
	ItemID        int
	Stage         string
	TaskID        int
	TaskCompleted bool
	Checklist     []bitrix.ChecklistItem
}

type Result struct {
	Action        string `json:"action"`
	Done          int    `json:"done"`
	Total         int    `json:"total"`
	TaskCompleted bool   `json:"task_completed,omitempty"`
	StageMoved    bool   `json:"stage_moved,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Mutated reports whether the machine changed anything remotely.
func (r Result) Mutated() bool {
	return r.TaskCompleted || r.StageMoved
}

type Machine struct {
	crm    *bitrix.CRM
	tasks  *bitrix.Tasks
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func New(crm *bitrix.CRM, tasks *bitrix.Tasks, opts Options) *Machine {
	if opts.StageField == "" {
		opts.StageField = "stageId"
	}
	return &Machine{crm: crm, tasks: tasks, opts: opts, logger: slog.Default(), now: time.Now}
}

// SetClock replaces the time source used for sync stamps.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// IsFailed reports whether stage is one of the configured failure stages.
func (m *Machine) IsFailed(stage string) bool {
	for _, s := range m.opts.FailedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// IsSuccess reports whether stage is the success stage.
func (m *Machine) IsSuccess(stage string) bool {
	return stage != "" && stage == m.opts.SuccessStage
}

// Evaluate applies the first matching rule:
//
//  1. failed stage: nothing
//  2. no task: nothing
//  3. task completed: move the item to success unless already there
//  4. empty checklist: nothing
//  5. incomplete checklist: nothing
//  6. complete the task, then move the item to success
func (m *Machine) Evaluate(ctx context.Context, in Input) Result {
	res := Result{}
	res.Done, res.Total = checklist.Progress(in.Checklist)

	switch {
	case m.IsFailed(in.Stage):
		res.Action = ActionSkipFailedStage
		return res
	case in.TaskID == 0:
		res.Action = ActionNoTask
		return res
	case in.TaskCompleted:
		if m.IsSuccess(in.Stage) {
			res.Action = ActionAlreadyDone
			return res
		}
		if err := m.moveStage(ctx, in); err != nil {
			res.Action = ActionStageUpdateFailed
			res.Error = err.Error()
			return res
		}
		res.Action = ActionStageCaughtUp
		res.StageMoved = true
		return res
	case res.Total == 0:
		res.Action = ActionChecklistEmpty
		return res
	case res.Done < res.Total:
		res.Action = ActionChecklistIncomplete
		return res
	}

	// Neither failure is rolled back; rule 3 finishes the job next time.
	var errs []string
	if err := m.tasks.Complete(ctx, in.TaskID); err != nil {
		errs = append(errs, err.Error())
	} else {
		res.TaskCompleted = true
	}
	if !m.IsSuccess(in.Stage) {
		if err := m.moveStage(ctx, in); err != nil {
			errs = append(errs, err.Error())
		} else {
			res.StageMoved = true
		}
	}

	if len(errs) > 0 {
		res.Action = ActionCompletedPartial
		res.Error = strings.Join(errs, "; ")
		m.logger.Warn("auto-completion incomplete",
			"entity_type_id", in.EntityTypeID, "item_id", in.ItemID, "task_id", in.TaskID, "error", res.Error)
		return res
	}

	res.Action = ActionCompleted
	text := fmt.Sprintf("Checklist of task #%d is complete (%d/%d). The task was closed and the item moved to the final stage.",
		in.TaskID, res.Done, res.Total)
	if err := m.crm.AddTimelineComment(ctx, in.EntityTypeID, in.ItemID, text); err != nil {
		res.Error = err.Error()
	}
	m.logger.Info("item auto-completed", "entity_type_id", in.EntityTypeID, "item_id", in.ItemID, "task_id", in.TaskID)
	return res
}

func (m *Machine) moveStage(ctx context.Context, in Input) error {
	if m.opts.SuccessStage == "" {
		return fmt.Errorf("no success stage configured")
	}
	fields := m.opts.Stamp.Apply(map[string]any{m.opts.StageField: m.opts.SuccessStage}, m.now())
	return m.crm.UpdateItem(ctx, in.EntityTypeID, in.ItemID, fields)
}
