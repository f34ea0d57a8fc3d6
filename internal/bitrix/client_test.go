package bitrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestCall_PostsJSONToMethodPath(t *testing.T) {
	var gotPath, gotContentType string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"result":{"item":{"id":5,"stageId":"DT1036_5:NEW"}},"time":{}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/rest/1/secret/", time.Second)
	item, err := NewCRM(c).GetItem(context.Background(), 1036, 5)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}

	if gotPath != "/rest/1/secret/crm.item.get.json" {
		t.Errorf("path = %q", gotPath)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotBody["entityTypeId"] != float64(1036) || gotBody["id"] != float64(5) {
		t.Errorf("body = %v", gotBody)
	}
	if item.ID() != 5 || item.Stage() != "DT1036_5:NEW" {
		t.Errorf("item = %v", item)
	}
}

func TestCall_EnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"NOT_FOUND","error_description":"Not found"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Call(context.Background(), "crm.item.get", nil)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want *RemoteError", err)
	}
	if re.Code != "NOT_FOUND" || re.Description != "Not found" || re.Status != http.StatusBadRequest {
		t.Errorf("RemoteError = %+v", re)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound = false")
	}
}

func TestCall_ErrorInSuccessfulResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"ACCESS_DENIED","error_description":"no rights"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Call(context.Background(), "tasks.task.add", nil)
	var re *RemoteError
	if !errors.As(err, &re) || re.Code != "ACCESS_DENIED" {
		t.Fatalf("error = %v, want ACCESS_DENIED", err)
	}
}

func TestCall_NonJSONFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "<html>bad gateway</html>")
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Call(context.Background(), "crm.item.get", nil)
	var re *RemoteError
	if !errors.As(err, &re) || re.Status != http.StatusBadGateway {
		t.Fatalf("error = %v, want 502 RemoteError", err)
	}
}

func TestCall_RateLimitRetry(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempt.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":"QUERY_LIMIT_EXCEEDED","error_description":"Too many requests"}`)
			return
		}
		fmt.Fprint(w, `{"result":true}`)
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, time.Second).Call(context.Background(), "tasks.task.update", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(res) != "true" {
		t.Errorf("result = %s", res)
	}
	if attempt.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempt.Load())
	}
}

func TestCall_RateLimitExhausted(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Call(context.Background(), "crm.item.get", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if attempt.Load() != maxRetries {
		t.Errorf("attempts = %d, want %d", attempt.Load(), maxRetries)
	}
}

func TestTasks_FindByBindingFilter(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"result":{"tasks":[{"id":"77","title":"Docs","status":"2","deadline":"2024-05-25T18:00:00+03:00","ufCrmTask":["T40c_5"]}]}}`)
	}))
	defer srv.Close()

	tasks, err := NewTasks(NewClient(srv.URL, time.Second)).FindByBinding(context.Background(), "T40c_5")
	if err != nil {
		t.Fatalf("FindByBinding: %v", err)
	}
	filter, _ := gotBody["filter"].(map[string]any)
	if filter["UF_CRM_TASK"] != "T40c_5" || filter["!STATUS"] != float64(StatusCompleted) {
		t.Errorf("filter = %v", filter)
	}
	if len(tasks) != 1 || tasks[0].ID != 77 || tasks[0].Status != 2 {
		t.Fatalf("tasks = %+v", tasks)
	}
	if tasks[0].Deadline.Day() != 25 || len(tasks[0].Bindings) != 1 {
		t.Errorf("task = %+v", tasks[0])
	}
}

func TestTasks_ListChecklist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":[{"ID":"1","TITLE":"[F:10] a.pdf","SORT_INDEX":"0","IS_COMPLETE":"Y"},{"ID":"2","TITLE":"call client","SORT_INDEX":"1","IS_COMPLETE":"N"}]}`)
	}))
	defer srv.Close()

	items, err := NewTasks(NewClient(srv.URL, time.Second)).ListChecklist(context.Background(), 9)
	if err != nil {
		t.Fatalf("ListChecklist: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %+v", items)
	}
	if !items[0].IsComplete || items[1].IsComplete || items[1].SortIndex != 1 {
		t.Errorf("items = %+v", items)
	}
}

func TestDownload_NameFromDisposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bitrix/services/main/ajax.php" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="fallback.zip"; filename*=UTF-8''%D0%B4%D0%BE%D0%B3%D0%BE%D0%B2%D0%BE%D1%80.zip`)
		io.WriteString(w, "PK\x03\x04data")
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/rest/1/secret", time.Second)
	dl, err := c.Download(context.Background(), FileRef{ID: 3, URL: "/bitrix/services/main/ajax.php"})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if dl.Name != "договор.zip" {
		t.Errorf("Name = %q", dl.Name)
	}
	if !strings.HasPrefix(string(dl.Data), "PK") {
		t.Errorf("Data = %q", dl.Data)
	}
}

func TestDownload_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 100))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	c.SetMaxDownloadBytes(10)
	if _, err := c.Download(context.Background(), FileRef{ID: 1, URL: srv.URL + "/f"}); err == nil {
		t.Fatal("expected size error")
	}
}

func TestDispositionFilename(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{`attachment; filename="a.pdf"`, "a.pdf"},
		{`attachment; filename*=UTF-8''%D0%B0.pdf`, "а.pdf"},
		{`attachment; filename=scan 1.pdf`, "scan 1.pdf"},
		{`attachment; filename="../../etc/passwd"`, "passwd"},
		{`inline`, ""},
	}
	for _, tt := range tests {
		if got := DispositionFilename(tt.header); got != tt.want {
			t.Errorf("DispositionFilename(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestItemAccessors(t *testing.T) {
	item := Item{
		"id":          float64(5),
		"stageId":     "DT1036_5:NEW",
		"ufCrm5Task":  "77",
		"ufCrm5Files": []any{map[string]any{"id": float64(10), "urlMachine": "/dl?id=10"}, map[string]any{"name": "no id"}},
		"ufCrm5Date":  "2024-05-25T00:00:00+03:00",
	}
	if item.Int("ufCrm5Task") != 77 {
		t.Errorf("Int = %d", item.Int("ufCrm5Task"))
	}
	files := item.Files("ufCrm5Files")
	if len(files) != 1 || files[0].ID != 10 || files[0].URL != "/dl?id=10" {
		t.Errorf("Files = %+v", files)
	}
	d, ok := item.Time("ufCrm5Date", time.UTC)
	if !ok || d.Day() != 25 {
		t.Errorf("Time = %v, %v", d, ok)
	}
	if _, ok := item.Time("missing", time.UTC); ok {
		t.Error("Time on missing field reported ok")
	}
}

func TestBinding(t *testing.T) {
	if got := Binding(1036, 5); got != "T40c_5" {
		t.Errorf("Binding = %q, want T40c_5", got)
	}
}

func TestSyncStampApply(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fields := SyncStamp{AtField: "ufSyncAt", SrcField: "ufSyncSrc"}.Apply(map[string]any{"stageId": "X"}, now)
	if fields["ufSyncAt"] != "2024-05-01T12:00:00Z" || fields["ufSyncSrc"] != SourceName || fields["stageId"] != "X" {
		t.Errorf("fields = %v", fields)
	}
}
