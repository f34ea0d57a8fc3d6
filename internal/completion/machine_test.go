package completion

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/makshsn/mpk-b24-api-sub000/internal/bitrix"
	"github.com/makshsn/mpk-b24-api-sub000/internal/bitrix/bitrixtest"
)

const (
	entity  = 1036
	itemID  = 5
	success = "DT1036_5:SUCCESS"
	failed  = "DT1036_5:FAIL"
	active  = "DT1036_5:CLIENT"
)

func newMachine(fake *bitrixtest.Fake) *Machine {
	m := New(bitrix.NewCRM(fake), bitrix.NewTasks(fake), Options{
		SuccessStage: success,
		FailedStages: []string{failed, "DT1036_5:LOST"},
		Stamp:        bitrix.SyncStamp{AtField: "ufSyncAt", SrcField: "ufSyncSrc"},
	})
	m.SetClock(func() time.Time { return time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC) })
	return m
}

func lines(done ...bool) []bitrix.ChecklistItem {
	out := make([]bitrix.ChecklistItem, len(done))
	for i, d := range done {
		out[i] = bitrix.ChecklistItem{ID: i + 1, Title: "[L:x] line", IsComplete: d}
	}
	return out
}

func TestEvaluate_NoOpRules(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want string
	}{
		{"failed stage beats completed checklist", Input{Stage: failed, TaskID: 1, Checklist: lines(true, true)}, ActionSkipFailedStage},
		{"failed stage beats completed task", Input{Stage: failed, TaskID: 1, TaskCompleted: true}, ActionSkipFailedStage},
		{"no task", Input{Stage: active, Checklist: lines(true)}, ActionNoTask},
		{"already done", Input{Stage: success, TaskID: 1, TaskCompleted: true}, ActionAlreadyDone},
		{"empty checklist", Input{Stage: active, TaskID: 1}, ActionChecklistEmpty},
		{"incomplete", Input{Stage: active, TaskID: 1, Checklist: lines(true, false)}, ActionChecklistIncomplete},
		{"only removed lines", Input{Stage: active, TaskID: 1, Checklist: []bitrix.ChecklistItem{{Title: "[REMOVED] [F:1] a", IsComplete: false}}}, ActionChecklistEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := bitrixtest.New()
			fake.PutItem(entity, itemID, map[string]any{"stageId": tt.in.Stage})
			tt.in.EntityTypeID, tt.in.ItemID = entity, itemID

			res := newMachine(fake).Evaluate(context.Background(), tt.in)
			if res.Action != tt.want {
				t.Errorf("Action = %q, want %q", res.Action, tt.want)
			}
			if len(fake.Calls()) != 0 {
				t.Errorf("calls = %v, want none", fake.Methods())
			}
		})
	}
}

func TestEvaluate_CompletesAndMovesStage(t *testing.T) {
	fake := bitrixtest.New()
	task := fake.PutTask("t", 2)
	fake.PutItem(entity, itemID, map[string]any{"stageId": active})

	res := newMachine(fake).Evaluate(context.Background(), Input{
		EntityTypeID: entity, ItemID: itemID, Stage: active, TaskID: task, Checklist: lines(true, true),
	})
	if res.Action != ActionCompleted || !res.TaskCompleted || !res.StageMoved {
		t.Fatalf("result = %+v", res)
	}
	if got, _ := fake.Task(task); !got.Completed() {
		t.Error("task not completed")
	}
	item := fake.Item(entity, itemID)
	if item.Stage() != success {
		t.Errorf("stage = %q", item.Stage())
	}
	if item.String("ufSyncAt") != "2024-05-10T12:00:00Z" {
		t.Errorf("stage move not stamped: %v", item["ufSyncAt"])
	}
	comments := fake.Comments()
	if len(comments) != 1 || comments[0].EntityType != "DYNAMIC_1036" || !strings.Contains(comments[0].Text, "2/2") {
		t.Errorf("comments = %+v", comments)
	}
}

func TestEvaluate_CatchUpAfterEarlierFailure(t *testing.T) {
	fake := bitrixtest.New()
	task := fake.PutTask("t", bitrix.StatusCompleted)
	fake.PutItem(entity, itemID, map[string]any{"stageId": active})

	res := newMachine(fake).Evaluate(context.Background(), Input{
		EntityTypeID: entity, ItemID: itemID, Stage: active, TaskID: task, TaskCompleted: true,
	})
	if res.Action != ActionStageCaughtUp || !res.StageMoved {
		t.Fatalf("result = %+v", res)
	}
	if fake.Item(entity, itemID).Stage() != success {
		t.Error("stage not caught up")
	}
	if fake.CallsTo("tasks.task.complete") != 0 {
		t.Error("completed task completed again")
	}
}

func TestEvaluate_PartialProgressIsReported(t *testing.T) {
	fake := bitrixtest.New()
	task := fake.PutTask("t", 2)
	fake.PutItem(entity, itemID, map[string]any{"stageId": active})
	fake.Errors["crm.item.update"] = &bitrix.RemoteError{Code: "ACCESS_DENIED", Status: 403}

	m := newMachine(fake)
	res := m.Evaluate(context.Background(), Input{
		EntityTypeID: entity, ItemID: itemID, Stage: active, TaskID: task, Checklist: lines(true),
	})
	if res.Action != ActionCompletedPartial || !res.TaskCompleted || res.StageMoved || res.Error == "" {
		t.Fatalf("result = %+v", res)
	}
	if got, _ := fake.Task(task); !got.Completed() {
		t.Error("task completion was rolled back")
	}

	delete(fake.Errors, "crm.item.update")
	res = m.Evaluate(context.Background(), Input{
		EntityTypeID: entity, ItemID: itemID, Stage: active, TaskID: task, TaskCompleted: true,
	})
	if res.Action != ActionStageCaughtUp {
		t.Errorf("next pass Action = %q, want %q", res.Action, ActionStageCaughtUp)
	}
}
