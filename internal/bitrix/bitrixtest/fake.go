// Package bitrixtest provides an in-memory portal for tests. It implements
// bitrix.Caller and bitrix.Downloader and records every call.
package bitrixtest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/makshsn/mpk-b24-api-sub000/internal/bitrix"
)

// Call is a recorded method invocation. Params have been through a JSON
// round trip, so numbers are float64.
type Call struct {
	Method string
	Params map[string]any
}

// Comment is a recorded timeline comment.
type Comment struct {
	EntityType string
	EntityID   int
	Text       string
}

type file struct {
	name string
	data []byte
}

type itemKey struct {
	entityTypeID int
	itemID       int
}

var mutating = map[string]bool{
	"crm.item.update":           true,
	"crm.timeline.comment.add":  true,
	"tasks.task.add":            true,
	"tasks.task.update":         true,
	"tasks.task.complete":       true,
	"task.checklistitem.add":    true,
	"task.checklistitem.update": true,
	"task.checklistitem.delete": true,
}

// Fake is an in-memory portal.
type Fake struct {
	// Errors forces a method to fail. Keys are method names.
	Errors map[string]error
	// DownloadErrors forces the download of a file id to fail.
	DownloadErrors map[int]error

	mu         sync.Mutex
	fileFields map[string]bool
	items      map[itemKey]map[string]any
	tasks      map[int]map[string]any
	checklists map[int][]map[string]any
	files      map[int]file
	comments   []Comment
	calls      []Call
	nextID     int
}

// New creates an empty portal. fileFields lists the item fields holding files.
func New(fileFields ...string) *Fake {
	f := &Fake{
		Errors:         map[string]error{},
		DownloadErrors: map[int]error{},
		fileFields:     map[string]bool{},
		items:          map[itemKey]map[string]any{},
		tasks:          map[int]map[string]any{},
		checklists:     map[int][]map[string]any{},
		files:          map[int]file{},
		nextID:         100,
	}
	for _, name := range fileFields {
		f.fileFields[name] = true
	}
	return f
}

func (f *Fake) id() int {
	f.nextID++
	return f.nextID
}

// AddFile stores a file and returns its id.
func (f *Fake) AddFile(name string, data []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id()
	f.files[id] = file{name: name, data: data}
	return id
}

// FileName returns the stored name of a file.
func (f *Fake) FileName(id int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[id].name
}

// FileData returns the stored content of a file.
func (f *Fake) FileData(id int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[id].data
}

// FileValue builds a file field value for the given ids, as the portal
// returns it: no names, only ids and download urls.
func FileValue(ids ...int) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = map[string]any{"id": float64(id), "urlMachine": "fake://file/" + strconv.Itoa(id)}
	}
	return out
}

// PutItem stores an item. Its "id" field is set to itemID.
func (f *Fake) PutItem(entityTypeID, itemID int, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := roundTrip(fields)
	item["id"] = float64(itemID)
	f.items[itemKey{entityTypeID, itemID}] = item
}

// Item returns a copy of a stored item, or nil.
func (f *Fake) Item(entityTypeID, itemID int) bitrix.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemKey{entityTypeID, itemID}]
	if !ok {
		return nil
	}
	return bitrix.Item(roundTrip(item))
}

// PutTask stores a task in tasks.task.get shape and returns its id.
func (f *Fake) PutTask(title string, status int, bindings ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id()
	bs := make([]any, len(bindings))
	for i, b := range bindings {
		bs[i] = b
	}
	f.tasks[id] = map[string]any{
		"id":        strconv.Itoa(id),
		"title":     title,
		"status":    strconv.Itoa(status),
		"ufCrmTask": bs,
	}
	return id
}

// SetTaskField overrides one camelCase field of a stored task.
func (f *Fake) SetTaskField(taskID int, field string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[taskID]; ok {
		t[field] = value
	}
}

// Task returns a stored task.
func (f *Fake) Task(taskID int) (bitrix.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return bitrix.Task{}, false
	}
	data, _ := json.Marshal(map[string]any{"task": t})
	tasks := bitrix.NewTasks(staticCaller(data))
	task, _ := tasks.Get(context.Background(), taskID)
	return task, true
}

// TaskCount returns the number of stored tasks.
func (f *Fake) TaskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// AddChecklistItem stores a checklist line directly and returns its id.
func (f *Fake) AddChecklistItem(taskID int, title string, complete bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id()
	f.checklists[taskID] = append(f.checklists[taskID], map[string]any{
		"ID":          strconv.Itoa(id),
		"TITLE":       title,
		"SORT_INDEX":  strconv.Itoa(len(f.checklists[taskID])),
		"IS_COMPLETE": yn(complete),
	})
	return id
}

// CompleteChecklist ticks every line of a task's checklist.
func (f *Fake) CompleteChecklist(taskID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.checklists[taskID] {
		row["IS_COMPLETE"] = "Y"
	}
}

// Checklist returns the stored checklist of a task.
func (f *Fake) Checklist(taskID int) []bitrix.ChecklistItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bitrix.ChecklistItem, 0, len(f.checklists[taskID]))
	for _, row := range f.checklists[taskID] {
		id, _ := strconv.Atoi(row["ID"].(string))
		sortIndex, _ := strconv.Atoi(fmt.Sprint(row["SORT_INDEX"]))
		out = append(out, bitrix.ChecklistItem{
			ID:         id,
			Title:      row["TITLE"].(string),
			SortIndex:  sortIndex,
			IsComplete: row["IS_COMPLETE"] == "Y",
		})
	}
	return out
}

// Comments returns the recorded timeline comments.
func (f *Fake) Comments() []Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Comment(nil), f.comments...)
}

// Calls returns every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Methods returns the recorded method names in call order.
func (f *Fake) Methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Method
	}
	return out
}

// CallsTo counts calls of one method.
func (f *Fake) CallsTo(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Mutations returns the recorded calls that change portal state.
func (f *Fake) Mutations() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if mutating[c.Method] {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls forgets the recorded calls.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Download implements bitrix.Downloader.
func (f *Fake) Download(_ context.Context, ref bitrix.FileRef) (*bitrix.Download, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.DownloadErrors[ref.ID]; err != nil {
		return nil, err
	}
	fl, ok := f.files[ref.ID]
	if !ok {
		return nil, &bitrix.RemoteError{Code: "DOWNLOAD_FAILED", Description: fmt.Sprintf("file %d", ref.ID), Status: 404}
	}
	return &bitrix.Download{Name: fl.name, Data: append([]byte(nil), fl.data...)}, nil
}

// Call implements bitrix.Caller.
func (f *Fake) Call(_ context.Context, method string, params map[string]any) (json.RawMessage, error) {
	p := roundTrip(params)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: method, Params: p})
	if err := f.Errors[method]; err != nil {
		return nil, err
	}

	var result any
	var err error
	switch method {
	case "crm.item.get":
		result, err = f.itemGet(p)
	case "crm.item.update":
		result, err = f.itemUpdate(p)
	case "crm.timeline.comment.add":
		fields, _ := p["fields"].(map[string]any)
		f.comments = append(f.comments, Comment{
			EntityType: fmt.Sprint(fields["ENTITY_TYPE"]),
			EntityID:   num(fields["ENTITY_ID"]),
			Text:       fmt.Sprint(fields["COMMENT"]),
		})
		result = f.id()
	case "tasks.task.get":
		t, ok := f.tasks[num(p["taskId"])]
		if !ok {
			return nil, &bitrix.RemoteError{Code: "ERROR_CORE", Description: "task not found or not accessible", Status: 400}
		}
		result = map[string]any{"task": t}
	case "tasks.task.add":
		result = f.taskAdd(p)
	case "tasks.task.update":
		result, err = f.taskUpdate(p)
	case "tasks.task.complete":
		t, ok := f.tasks[num(p["taskId"])]
		if !ok {
			return nil, &bitrix.RemoteError{Code: "ERROR_CORE", Description: "task not found", Status: 400}
		}
		t["status"] = strconv.Itoa(bitrix.StatusCompleted)
		result = map[string]any{"task": t}
	case "tasks.task.list":
		result = f.taskList(p)
	case "task.checklistitem.getlist":
		rows := f.checklists[num(p["TASKID"])]
		if rows == nil {
			rows = []map[string]any{}
		}
		result = rows
	case "task.checklistitem.add":
		result = f.checklistAdd(p)
	case "task.checklistitem.update":
		result, err = f.checklistUpdate(p)
	case "task.checklistitem.delete":
		result, err = f.checklistDelete(p)
	default:
		return nil, &bitrix.RemoteError{Code: "ERROR_METHOD_NOT_FOUND", Description: method, Status: 404}
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (f *Fake) itemGet(p map[string]any) (any, error) {
	item, ok := f.items[itemKey{num(p["entityTypeId"]), num(p["id"])}]
	if !ok {
		return nil, &bitrix.RemoteError{Code: "NOT_FOUND", Description: "item not found", Status: 400}
	}
	return map[string]any{"item": item}, nil
}

func (f *Fake) itemUpdate(p map[string]any) (any, error) {
	key := itemKey{num(p["entityTypeId"]), num(p["id"])}
	item, ok := f.items[key]
	if !ok {
		return nil, &bitrix.RemoteError{Code: "NOT_FOUND", Description: "item not found", Status: 400}
	}
	fields, _ := p["fields"].(map[string]any)
	for k, v := range fields {
		if f.fileFields[k] {
			ids, err := f.storeFiles(v)
			if err != nil {
				return nil, err
			}
			item[k] = FileValue(ids...)
			continue
		}
		item[k] = v
	}
	return map[string]any{"item": item}, nil
}

// storeFiles accepts {"id": N} for kept files and [name, base64] for new ones.
func (f *Fake) storeFiles(v any) ([]int, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, &bitrix.RemoteError{Code: "INVALID_ARG_VALUE", Description: "file field must be a list", Status: 400}
	}
	var ids []int
	for _, entry := range list {
		switch e := entry.(type) {
		case map[string]any:
			id := num(e["id"])
			if _, ok := f.files[id]; !ok {
				return nil, &bitrix.RemoteError{Code: "INVALID_ARG_VALUE", Description: fmt.Sprintf("unknown file %d", id), Status: 400}
			}
			ids = append(ids, id)
		case []any:
			if len(e) != 2 {
				return nil, &bitrix.RemoteError{Code: "INVALID_ARG_VALUE", Description: "file data must be [name, content]", Status: 400}
			}
			data, err := base64.StdEncoding.DecodeString(fmt.Sprint(e[1]))
			if err != nil {
				return nil, &bitrix.RemoteError{Code: "INVALID_ARG_VALUE", Description: "bad base64", Status: 400}
			}
			id := f.id()
			f.files[id] = file{name: fmt.Sprint(e[0]), data: data}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

var taskFieldNames = map[string]string{
	"TITLE":          "title",
	"DESCRIPTION":    "description",
	"DEADLINE":       "deadline",
	"RESPONSIBLE_ID": "responsibleId",
	"UF_CRM_TASK":    "ufCrmTask",
	"GROUP_ID":       "groupId",
	"STATUS":         "status",
}

func (f *Fake) taskAdd(p map[string]any) any {
	fields, _ := p["fields"].(map[string]any)
	id := f.id()
	t := map[string]any{"id": strconv.Itoa(id), "status": "2"}
	for k, v := range fields {
		if name, ok := taskFieldNames[k]; ok {
			t[name] = v
		}
	}
	f.tasks[id] = t
	return map[string]any{"task": map[string]any{"id": strconv.Itoa(id)}}
}

func (f *Fake) taskUpdate(p map[string]any) (any, error) {
	t, ok := f.tasks[num(p["taskId"])]
	if !ok {
		return nil, &bitrix.RemoteError{Code: "ERROR_CORE", Description: "task not found", Status: 400}
	}
	fields, _ := p["fields"].(map[string]any)
	for k, v := range fields {
		if name, ok := taskFieldNames[k]; ok {
			t[name] = v
		}
	}
	return map[string]any{"task": t}, nil
}

func (f *Fake) taskList(p map[string]any) any {
	filter, _ := p["filter"].(map[string]any)
	binding, _ := filter["UF_CRM_TASK"].(string)
	_, excludeDone := filter["!STATUS"]

	ids := make([]int, 0, len(f.tasks))
	for id := range f.tasks {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	tasks := []any{}
	for _, id := range ids {
		t := f.tasks[id]
		if excludeDone && num(t["status"]) == bitrix.StatusCompleted {
			continue
		}
		if binding != "" && !hasBinding(t, binding) {
			continue
		}
		tasks = append(tasks, t)
	}
	return map[string]any{"tasks": tasks}
}

func hasBinding(t map[string]any, binding string) bool {
	list, _ := t["ufCrmTask"].([]any)
	for _, b := range list {
		if b == binding {
			return true
		}
	}
	return false
}

func (f *Fake) checklistAdd(p map[string]any) any {
	taskID := num(p["TASKID"])
	fields, _ := p["FIELDS"].(map[string]any)
	id := f.id()
	f.checklists[taskID] = append(f.checklists[taskID], map[string]any{
		"ID":          strconv.Itoa(id),
		"TITLE":       fmt.Sprint(fields["TITLE"]),
		"SORT_INDEX":  strconv.Itoa(num(fields["SORT_INDEX"])),
		"IS_COMPLETE": "N",
	})
	return id
}

func (f *Fake) findChecklistRow(p map[string]any) (map[string]any, int, error) {
	taskID := num(p["TASKID"])
	itemID := strconv.Itoa(num(p["ITEMID"]))
	for i, row := range f.checklists[taskID] {
		if row["ID"] == itemID {
			return row, i, nil
		}
	}
	return nil, -1, &bitrix.RemoteError{Code: "ERROR_CORE", Description: "checklist item not found", Status: 400}
}

func (f *Fake) checklistUpdate(p map[string]any) (any, error) {
	row, _, err := f.findChecklistRow(p)
	if err != nil {
		return nil, err
	}
	fields, _ := p["FIELDS"].(map[string]any)
	if v, ok := fields["TITLE"]; ok {
		row["TITLE"] = fmt.Sprint(v)
	}
	if v, ok := fields["SORT_INDEX"]; ok {
		row["SORT_INDEX"] = strconv.Itoa(num(v))
	}
	if v, ok := fields["IS_COMPLETE"]; ok {
		row["IS_COMPLETE"] = fmt.Sprint(v)
	}
	return true, nil
}

func (f *Fake) checklistDelete(p map[string]any) (any, error) {
	_, i, err := f.findChecklistRow(p)
	if err != nil {
		return nil, err
	}
	taskID := num(p["TASKID"])
	rows := f.checklists[taskID]
	f.checklists[taskID] = append(rows[:i:i], rows[i+1:]...)
	return true, nil
}

func roundTrip(v map[string]any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("bitrixtest: params not serializable: %v", err))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out
}

func num(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(n))
		return i
	default:
		return 0
	}
}

func yn(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

type staticCaller json.RawMessage

func (s staticCaller) Call(context.Context, string, map[string]any) (json.RawMessage, error) {
	return json.RawMessage(s), nil
}
