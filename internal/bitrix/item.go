package bitrix

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Item is a CRM item as returned by crm.item.get, keyed by camelCase field name.
type Item map[string]any

// ID returns the item id, or 0 when absent.
func (it Item) ID() int {
	return toInt(it["id"])
}

// Stage returns the stageId field.
func (it Item) Stage() string {
	return it.String("stageId")
}

// String returns a scalar field as a string. Missing and null fields give "".
func (it Item) String(field string) string {
	switch v := it[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Int returns a numeric field, accepting both numbers and numeric strings.
func (it Item) Int(field string) int {
	return toInt(it[field])
}

// Time parses a datetime or date field. The zone of date-only values is loc.
func (it Item) Time(field string, loc *time.Location) (time.Time, bool) {
	return parseTime(it.String(field), loc)
}

// FileRef is one entry of a file field.
type FileRef struct {
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Files returns the entries of a file field in field order. Entries
// without an id are skipped.
func (it Item) Files(field string) []FileRef {
	var raw []any
	switch v := it[field].(type) {
	case []any:
		raw = v
	case map[string]any:
		raw = []any{v}
	default:
		return nil
	}

	refs := make([]FileRef, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		id := toInt(m["id"])
		if id == 0 {
			continue
		}
		ref := FileRef{ID: id}
		for _, k := range []string{"name", "originalName", "fileName"} {
			if s, ok := m[k].(string); ok && s != "" {
				ref.Name = s
				break
			}
		}
		// urlMachine works with webhook auth; url needs a browser session.
		for _, k := range []string{"urlMachine", "downloadUrl", "url"} {
			if s, ok := m[k].(string); ok && s != "" {
				ref.URL = s
				break
			}
		}
		refs = append(refs, ref)
	}
	return refs
}

// FileIDs returns the ids of a file field in field order.
func (it Item) FileIDs(field string) []int {
	refs := it.Files(field)
	ids := make([]int, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	return ids
}

// Binding is the UF_CRM_TASK token that ties a task to a dynamic item.
func Binding(entityTypeID, itemID int) string {
	return "T" + strconv.FormatInt(int64(entityTypeID), 16) + "_" + strconv.Itoa(itemID)
}

// SourceName is written to the sync source field on every engine write.
const SourceName = "b24sync"

// SyncStamp names the item fields that mark an engine write.
type SyncStamp struct {
	AtField  string
	SrcField string
}

// Apply adds the stamp to an update's fields.
func (s SyncStamp) Apply(fields map[string]any, now time.Time) map[string]any {
	if s.AtField != "" {
		fields[s.AtField] = now.Format(time.RFC3339)
	}
	if s.SrcField != "" {
		fields[s.SrcField] = SourceName
	}
	return fields
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

func parseTime(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02", "02.01.2006 15:04:05", "02.01.2006"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
