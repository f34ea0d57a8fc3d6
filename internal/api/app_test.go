package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/makshsn/mpk-b24-api-sub000/internal/diff"
	"github.com/makshsn/mpk-b24-api-sub000/internal/snapshot"
	"github.com/makshsn/mpk-b24-api-sub000/internal/storage"
)

const testToken = "test-token-12345"

type staticEntities []int

func (s staticEntities) EntityTypes() []int { return s }

type staticQueue int

func (q staticQueue) Pending() int { return int(q) }

func setupAppHandler(t *testing.T, token string) (http.Handler, *storage.Store, *snapshot.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	snaps, err := snapshot.Open(t.TempDir())
	if err != nil {
		t.Fatalf("snapshot.Open: %v", err)
	}

	handler, err := NewAppHandler(AppDeps{
		Store:     store,
		Snapshots: snaps,
		Entities:  staticEntities{1036, 1040},
		Queue:     staticQueue(2),
		Token:     token,
	})
	if err != nil {
		t.Fatalf("NewAppHandler: %v", err)
	}
	return handler, store, snaps
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestPostEvent_Queued(t *testing.T) {
	h, store, _ := setupAppHandler(t, testToken)

	body := `{"event":"ONCRMDYNAMICITEMUPDATE","entity_type_id":1036,"item_id":5,"payload":{"FIELDS":{"ID":5}}}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/events", body, testToken))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["id"] == "" || resp["status"] != "queued" {
		t.Errorf("response = %v", resp)
	}

	ev, err := store.ClaimNextEvent()
	if err != nil || ev == nil {
		t.Fatalf("ClaimNextEvent = %v, %v", ev, err)
	}
	if ev.ID != resp["id"] || ev.EntityTypeID != 1036 || ev.ItemID != 5 || ev.Event != "ONCRMDYNAMICITEMUPDATE" {
		t.Errorf("stored event = %+v", ev)
	}
	if ev.Payload != `{"FIELDS":{"ID":5}}` {
		t.Errorf("payload = %s", ev.Payload)
	}
}

func TestPostEvent_Invalid(t *testing.T) {
	h, store, _ := setupAppHandler(t, testToken)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing item", `{"event":"ONTASKUPDATE","entity_type_id":1036}`},
		{"string id", `{"event":"ONTASKUPDATE","entity_type_id":1036,"item_id":"5"}`},
		{"zero entity", `{"event":"ONTASKUPDATE","entity_type_id":0,"item_id":5}`},
		{"lowercase event", `{"event":"ontaskupdate","entity_type_id":1036,"item_id":5}`},
		{"extra field", `{"event":"ONTASKUPDATE","entity_type_id":1036,"item_id":5,"auth":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodPost, "/events", tt.body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}

	if n, _ := store.CountEvents(storage.StatusPending); n != 0 {
		t.Errorf("invalid events stored: %d", n)
	}
}

func TestAuth(t *testing.T) {
	h, _, _ := setupAppHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/runs", "", "wrong"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("health without token status = %d", rr.Code)
	}
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	h, _, _ := setupAppHandler(t, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/runs", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	h, store, _ := setupAppHandler(t, testToken)
	store.EnqueueEvent(storage.InboxEvent{ID: "a", Event: "ONTASKUPDATE", EntityTypeID: 1036, ItemID: 1})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))

	var resp struct {
		Status        string `json:"status"`
		PendingEvents int    `json:"pending_events"`
		ActiveItems   int    `json:"active_items"`
		EntityTypes   []int  `json:"entity_types"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.Status != "ok" || resp.PendingEvents != 1 || resp.ActiveItems != 2 || len(resp.EntityTypes) != 2 {
		t.Errorf("health = %+v", resp)
	}
}

func TestGetSnapshot(t *testing.T) {
	h, _, snaps := setupAppHandler(t, testToken)
	fetched := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	if err := snaps.Save(1036, 5, snapshot.Snapshot{FetchedAt: fetched, Item: diff.NormalizedItem{"title": "Invoice"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/snapshots/1036/5", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var got snapshot.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Item["title"] != "Invoice" || !got.FetchedAt.Equal(fetched) {
		t.Errorf("snapshot = %+v", got)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/snapshots/1036/6", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing snapshot status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/snapshots/abc/6", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rr.Code)
	}
}

func TestRuns(t *testing.T) {
	h, store, _ := setupAppHandler(t, testToken)
	start := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	store.SaveRun(storage.Run{RunID: "r1", Event: "MANUAL", EntityTypeID: 1036, ItemID: 5, OK: true, Action: "reconciled", ResultJSON: `{"ok":true}`, StartedAt: start})
	store.SaveRun(storage.Run{RunID: "r2", Event: "ONTASKUPDATE", EntityTypeID: 1036, ItemID: 6, Action: "fetch_failed", Error: "timeout", ResultJSON: `{"ok":false}`, StartedAt: start.Add(time.Second)})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/runs?failed=true", "", testToken))
	var runs []storage.Run
	if err := json.Unmarshal(rr.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decoding: %v; body = %s", err, rr.Body.String())
	}
	if len(runs) != 1 || runs[0].RunID != "r2" {
		t.Errorf("failed runs = %+v", runs)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/runs?item_id=5&entity_type_id=1036", "", testToken))
	runs = nil
	json.Unmarshal(rr.Body.Bytes(), &runs)
	if len(runs) != 1 || runs[0].RunID != "r1" {
		t.Errorf("item runs = %+v", runs)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/runs/r1", "", testToken))
	var detail struct {
		Run    storage.Run     `json:"run"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &detail); err != nil {
		t.Fatal(err)
	}
	if detail.Run.RunID != "r1" || string(detail.Result) != `{"ok":true}` {
		t.Errorf("detail = %+v %s", detail.Run, detail.Result)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/runs/nope", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d", rr.Code)
	}
}
