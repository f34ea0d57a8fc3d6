package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/makshsn/mpk-b24-api-sub000/internal/diff"
	"github.com/makshsn/mpk-b24-api-sub000/internal/pipeline"
	"github.com/makshsn/mpk-b24-api-sub000/internal/snapshot"
	"github.com/makshsn/mpk-b24-api-sub000/internal/storage"
)

// --- mocks ---

type mockReconciler struct {
	events []pipeline.Event
	doFn   func(ev pipeline.Event) pipeline.Result
}

func (m *mockReconciler) Do(_ context.Context, ev pipeline.Event) pipeline.Result {
	m.events = append(m.events, ev)
	return m.doFn(ev)
}

// --- helpers ---

func newTestMCPDeps(t *testing.T, rec *mockReconciler) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	snaps, err := snapshot.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening snapshots: %v", err)
	}

	return MCPDeps{
		Store:      store,
		Snapshots:  snaps,
		Reconciler: rec,
		Entities:   staticEntities{1036},
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_ReconcileItem(t *testing.T) {
	rec := &mockReconciler{doFn: func(ev pipeline.Event) pipeline.Result {
		return pipeline.Result{OK: true, Action: pipeline.ActionReconciled, RunID: "run-1", Event: ev.Event, EntityTypeID: ev.EntityTypeID, ItemID: ev.ItemID, StartedAt: time.Now()}
	}}
	deps, store := newTestMCPDeps(t, rec)

	result, err := mcpReconcileItem(deps)(context.Background(), makeCallToolRequest("reconcile_item", map[string]interface{}{
		"entity_type_id": float64(1036),
		"item_id":        float64(5),
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	if len(rec.events) != 1 || rec.events[0].Event != pipeline.EventManual || rec.events[0].ItemID != 5 {
		t.Errorf("events = %+v", rec.events)
	}
	var res pipeline.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if res.Action != pipeline.ActionReconciled {
		t.Errorf("action = %s", res.Action)
	}

	run, err := store.GetRun("run-1")
	if err != nil || run.Event != pipeline.EventManual {
		t.Errorf("journaled run = %+v, %v", run, err)
	}
}

func TestMCPTool_ReconcileItemFailure(t *testing.T) {
	rec := &mockReconciler{doFn: func(ev pipeline.Event) pipeline.Result {
		return pipeline.Result{Action: pipeline.ActionItemNotFound, Error: "not found", RunID: "run-2", ItemID: ev.ItemID}
	}}
	deps, _ := newTestMCPDeps(t, rec)

	result, _ := mcpReconcileItem(deps)(context.Background(), makeCallToolRequest("reconcile_item", map[string]interface{}{
		"entity_type_id": float64(1036),
		"item_id":        float64(77),
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), pipeline.ActionItemNotFound) {
		t.Errorf("result = %+v", result)
	}
}

func TestMCPTool_ReconcileItemValidation(t *testing.T) {
	rec := &mockReconciler{}
	deps, _ := newTestMCPDeps(t, rec)

	result, _ := mcpReconcileItem(deps)(context.Background(), makeCallToolRequest("reconcile_item", map[string]interface{}{
		"entity_type_id": float64(1036),
	}))
	if !result.IsError {
		t.Error("expected error for missing item_id")
	}
	if len(rec.events) != 0 {
		t.Error("reconciler called with invalid arguments")
	}
}

func TestMCPTool_GetSnapshot(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &mockReconciler{})
	deps.Snapshots.Save(1036, 5, snapshot.Snapshot{FetchedAt: time.Now(), Item: diff.NormalizedItem{"stageId": "DT1036_8:NEW"}})

	result, _ := mcpGetSnapshot(deps)(context.Background(), makeCallToolRequest("get_snapshot", map[string]interface{}{
		"entity_type_id": float64(1036),
		"item_id":        float64(5),
	}))
	if result.IsError || !strings.Contains(toolText(t, result), "DT1036_8:NEW") {
		t.Errorf("snapshot text = %s", toolText(t, result))
	}

	result, _ = mcpGetSnapshot(deps)(context.Background(), makeCallToolRequest("get_snapshot", map[string]interface{}{
		"entity_type_id": float64(1036),
		"item_id":        float64(6),
	}))
	if result.IsError || !strings.Contains(toolText(t, result), "No snapshot") {
		t.Errorf("missing snapshot text = %s", toolText(t, result))
	}
}

func TestMCPTool_RecentRuns(t *testing.T) {
	deps, store := newTestMCPDeps(t, &mockReconciler{})

	result, _ := mcpRecentRuns(deps)(context.Background(), makeCallToolRequest("recent_runs", nil))
	if toolText(t, result) != "No runs recorded." {
		t.Errorf("empty text = %q", toolText(t, result))
	}

	store.SaveRun(storage.Run{RunID: "ok", Event: "MANUAL", EntityTypeID: 1036, ItemID: 1, OK: true, Action: "no_change", StartedAt: time.Now()})
	store.SaveRun(storage.Run{RunID: "bad", Event: "MANUAL", EntityTypeID: 1036, ItemID: 2, Action: "upload_failed", StartedAt: time.Now()})

	result, _ = mcpRecentRuns(deps)(context.Background(), makeCallToolRequest("recent_runs", map[string]interface{}{
		"failed_only": true,
	}))
	var runs []storage.Run
	if err := json.Unmarshal([]byte(toolText(t, result)), &runs); err != nil {
		t.Fatalf("runs not JSON: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "bad" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestMCPResource_Entities(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &mockReconciler{})

	contents, err := mcpResourceEntities(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "b24sync://entities"},
	})
	if err != nil {
		t.Fatal(err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	if text != `{"entity_types":[1036]}` {
		t.Errorf("resource = %s", text)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &mockReconciler{})
	if NewMCPServer(deps) == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
