package checklist

import (
	"context"
	"reflect"
	"sort"
	"testing"

	"github.com/makshsn/mpk-b24-api-sub000/internal/attachments"
	"github.com/makshsn/mpk-b24-api-sub000/internal/bitrix"
	"github.com/makshsn/mpk-b24-api-sub000/internal/bitrix/bitrixtest"
)

func ownedKeys(items []bitrix.ChecklistItem) []string {
	var keys []string
	for _, it := range items {
		if k, ok := ParseMarker(it.Title); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func TestParseMarker(t *testing.T) {
	tests := []struct {
		title string
		key   string
		ok    bool
	}{
		{"[F:10] act.pdf", "F:10", true},
		{"[L:sign] Signed", "L:sign", true},
		{"[REMOVED] [F:10] act.pdf", "", false},
		{"call the client", "", false},
		{"[X:1] other", "", false},
		{"[F:] empty", "", false},
		{"[F:10 unterminated", "", false},
	}
	for _, tt := range tests {
		key, ok := ParseMarker(tt.title)
		if key != tt.key || ok != tt.ok {
			t.Errorf("ParseMarker(%q) = %q, %v; want %q, %v", tt.title, key, ok, tt.key, tt.ok)
		}
	}
}

func TestDesiredFromFiles(t *testing.T) {
	files := []attachments.File{
		{ID: 10, Name: "a.pdf", Kind: "pdf"},
		{ID: 11, Name: "photo.jpg", Kind: "jpg"},
		{ID: 0, Name: "pending.pdf", Kind: "pdf"},
	}
	got := DesiredFromFiles(files, []string{".PDF"})
	want := []Desired{{Key: "F:10", Title: "a.pdf"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DesiredFromFiles = %v, want %v", got, want)
	}
	if n := len(DesiredFromFiles(files, nil)); n != 2 {
		t.Errorf("without filter = %d lines, want 2", n)
	}
}

func TestReconcile_AddsUpdatesDeletesAndLeavesForeign(t *testing.T) {
	fake := bitrixtest.New()
	task := fake.PutTask("t", 2)
	fake.AddChecklistItem(task, "call the client", true)
	fake.AddChecklistItem(task, "[F:10] old name.pdf", false)
	fake.AddChecklistItem(task, "[F:99] gone.pdf", false)
	r := New(bitrix.NewTasks(fake))

	desired := []Desired{
		{Key: "F:10", Title: "new name.pdf"},
		{Key: "F:11", Title: "b.pdf"},
	}
	res := r.Reconcile(context.Background(), task, desired)

	if res.Action != ActionReconciled {
		t.Fatalf("Action = %q, error = %s", res.Action, res.Error)
	}
	if !reflect.DeepEqual(res.Added, []string{"F:11"}) ||
		!reflect.DeepEqual(res.Updated, []string{"F:10"}) ||
		!reflect.DeepEqual(res.Deleted, []string{"F:99"}) {
		t.Errorf("result = %+v", res)
	}

	items := fake.Checklist(task)
	if len(items) != 3 || items[0].Title != "call the client" || !items[0].IsComplete {
		t.Errorf("foreign line was touched: %+v", items)
	}
	if got := ownedKeys(items); !reflect.DeepEqual(got, []string{"F:10", "F:11"}) {
		t.Errorf("owned keys = %v", got)
	}
	if !reflect.DeepEqual(ownedKeys(res.Items), []string{"F:10", "F:11"}) {
		t.Errorf("result items not refreshed: %+v", res.Items)
	}
}

func TestReconcile_Converges(t *testing.T) {
	fake := bitrixtest.New()
	task := fake.PutTask("t", 2)
	fake.AddChecklistItem(task, "[L:old] Old milestone", false)
	r := New(bitrix.NewTasks(fake))
	desired := DesiredFromLabels([]Label{{Key: "sign", Title: "Signed"}, {Key: "pay", Title: "Paid"}})

	first := r.Reconcile(context.Background(), task, desired)
	if first.Ops() == 0 {
		t.Fatal("first pass made no changes")
	}

	fake.ResetCalls()
	second := r.Reconcile(context.Background(), task, desired)
	if second.Action != ActionUnchanged || second.Ops() != 0 {
		t.Errorf("second pass = %+v", second)
	}
	if m := fake.Mutations(); len(m) != 0 {
		t.Errorf("second pass mutated: %v", fake.Methods())
	}
	if got := ownedKeys(second.Items); !reflect.DeepEqual(got, []string{"L:pay", "L:sign"}) {
		t.Errorf("owned keys = %v", got)
	}
}

func TestReconcile_SoftDeleteOnDeleteFailure(t *testing.T) {
	fake := bitrixtest.New()
	task := fake.PutTask("t", 2)
	fake.AddChecklistItem(task, "[F:1] a.pdf", true)
	fake.AddChecklistItem(task, "[F:2] b.pdf", false)
	fake.Errors["task.checklistitem.delete"] = &bitrix.RemoteError{Code: "ACCESS_DENIED", Status: 403}
	r := New(bitrix.NewTasks(fake))

	desired := []Desired{{Key: "F:1", Title: "a.pdf"}}
	res := r.Reconcile(context.Background(), task, desired)
	if res.Action != ActionReconciled || !reflect.DeepEqual(res.SoftDeleted, []string{"F:2"}) {
		t.Fatalf("result = %+v", res)
	}

	items := fake.Checklist(task)
	var removed bitrix.ChecklistItem
	for _, it := range items {
		if it.Removed() {
			removed = it
		}
	}
	if removed.Title != "[REMOVED] [F:2] b.pdf" {
		t.Fatalf("soft-deleted title = %q", removed.Title)
	}
	for _, it := range items {
		if !it.Removed() && it.SortIndex >= removed.SortIndex {
			t.Errorf("soft-deleted line not pushed to the end: %+v", items)
		}
	}

	done, total := Progress(items)
	if done != 1 || total != 1 {
		t.Errorf("Progress = %d/%d, want 1/1", done, total)
	}

	fake.ResetCalls()
	again := r.Reconcile(context.Background(), task, desired)
	if again.Ops() != 0 || len(fake.Mutations()) != 0 {
		t.Errorf("soft-deleted line was touched again: %v", fake.Methods())
	}
}

func TestReconcile_DuplicateOwnedLinesCollapse(t *testing.T) {
	fake := bitrixtest.New()
	task := fake.PutTask("t", 2)
	fake.AddChecklistItem(task, "[F:1] a.pdf", false)
	fake.AddChecklistItem(task, "[F:1] a.pdf", false)
	r := New(bitrix.NewTasks(fake))

	res := r.Reconcile(context.Background(), task, []Desired{{Key: "F:1", Title: "a.pdf"}})
	if !reflect.DeepEqual(res.Deleted, []string{"F:1"}) {
		t.Errorf("Deleted = %v", res.Deleted)
	}
	if n := len(fake.Checklist(task)); n != 1 {
		t.Errorf("checklist has %d lines, want 1", n)
	}
}

func TestReconcile_MalformedDesired(t *testing.T) {
	fake := bitrixtest.New()
	task := fake.PutTask("t", 2)
	r := New(bitrix.NewTasks(fake))

	for _, desired := range [][]Desired{
		{{Key: "F:1", Title: "a"}, {Key: "F:1", Title: "b"}},
		{{Key: "bad", Title: "x"}},
		{{Key: "L:x", Title: "  "}},
	} {
		res := r.Reconcile(context.Background(), task, desired)
		if res.Action != ActionDesiredMalformed {
			t.Errorf("Reconcile(%v) Action = %q", desired, res.Action)
		}
	}
	if len(fake.Calls()) != 0 {
		t.Errorf("calls = %v, want none", fake.Methods())
	}
}

func TestReconcile_PartialFailure(t *testing.T) {
	fake := bitrixtest.New()
	task := fake.PutTask("t", 2)
	fake.Errors["task.checklistitem.add"] = &bitrix.RemoteError{Code: "ERROR_CORE", Status: 400}
	r := New(bitrix.NewTasks(fake))

	res := r.Reconcile(context.Background(), task, []Desired{{Key: "F:1", Title: "a.pdf"}})
	if res.Action != ActionPartial || !reflect.DeepEqual(res.Failed, []string{"F:1"}) || res.Error == "" {
		t.Errorf("result = %+v", res)
	}
}
