// Package diff reduces raw CRM items to a flat, order-independent form and
// computes which fields changed between two such forms.
package diff

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// NormalizedItem maps a field name to a normalized value: nil, string,
// float64, bool, or a sorted, de-duplicated []string.
type NormalizedItem map[string]any

// Options narrows the set of keys Compute considers.
type Options struct {
	IgnoreKeys []string
	OnlyKeys   []string
	StageKey   string
}

// Diff describes what changed between two normalized items.
type Diff struct {
	ChangedKeys  []string `json:"changed_keys"`
	StageChanged bool     `json:"stage_changed"`
	StageBefore  string   `json:"stage_before,omitempty"`
	StageAfter   string   `json:"stage_after,omitempty"`
}

// Empty reports whether no key changed.
func (d Diff) Empty() bool {
	return len(d.ChangedKeys) == 0
}

// Has reports whether key is among the changed keys.
func (d Diff) Has(key string) bool {
	i := sort.SearchStrings(d.ChangedKeys, key)
	return i < len(d.ChangedKeys) && d.ChangedKeys[i] == key
}

// DefaultIgnoreKeys are fields the CRM rewrites on every save.
var DefaultIgnoreKeys = []string{
	"updatedTime",
	"updatedBy",
	"movedTime",
	"movedBy",
	"lastActivityTime",
	"lastActivityBy",
}

// Normalize flattens a raw item. Nested objects collapse to their "id" or
// are dropped; arrays become sorted sets of scalar strings.
func Normalize(raw map[string]any) NormalizedItem {
	out := make(NormalizedItem, len(raw))
	for k, v := range raw {
		nv, ok := normalizeValue(v)
		if !ok {
			continue
		}
		out[k] = nv
	}
	return out
}

func normalizeValue(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, true
	case []any:
		return normalizeArray(val), true
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		return normalizeArray(items), true
	case map[string]any:
		id, ok := val["id"]
		if !ok {
			return nil, false
		}
		s, ok := scalarString(id)
		if !ok {
			return nil, false
		}
		return s, true
	default:
		return normalizeScalar(val)
	}
}

func normalizeScalar(v any) (any, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		return val, true
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, false
		}
		return val, true
	case float32:
		return normalizeScalar(float64(val))
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	default:
		return fmt.Sprint(val), true
	}
}

func normalizeArray(items []any) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		var ok bool
		if m, isMap := item.(map[string]any); isMap {
			id, hasID := m["id"]
			if !hasID {
				continue
			}
			s, ok = scalarString(id)
		} else {
			s, ok = scalarString(item)
		}
		if !ok {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return "", false
		}
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case map[string]any, []any:
		return "", false
	default:
		return fmt.Sprint(val), true
	}
}

// Compute returns the keys whose normalized values differ between prev and
// next. A key present on one side only counts as changed. prev must not be
// the zero value for a first-seen item; callers handle that case themselves.
func Compute(prev, next NormalizedItem, opts Options) Diff {
	ignore := make(map[string]struct{}, len(opts.IgnoreKeys))
	for _, k := range opts.IgnoreKeys {
		ignore[k] = struct{}{}
	}
	var only map[string]struct{}
	if len(opts.OnlyKeys) > 0 {
		only = make(map[string]struct{}, len(opts.OnlyKeys))
		for _, k := range opts.OnlyKeys {
			only[k] = struct{}{}
		}
	}

	keys := make(map[string]struct{}, len(prev)+len(next))
	for k := range prev {
		keys[k] = struct{}{}
	}
	for k := range next {
		keys[k] = struct{}{}
	}

	changed := []string{}
	for k := range keys {
		if _, skip := ignore[k]; skip {
			continue
		}
		if only != nil {
			if _, ok := only[k]; !ok {
				continue
			}
		}
		pv, inPrev := prev[k]
		nv, inNext := next[k]
		if inPrev != inNext || !Equal(pv, nv) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)

	d := Diff{ChangedKeys: changed}
	if opts.StageKey != "" {
		d.StageBefore, _ = prev[opts.StageKey].(string)
		d.StageAfter, _ = next[opts.StageKey].(string)
		d.StageChanged = d.StageBefore != d.StageAfter
	}
	return d
}

// Equal compares two normalized values. Arrays compare positionally, which
// is set equality only because Normalize already sorted both sides.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case []string, []any:
		as, aok := stringSlice(av)
		bs, bok := stringSlice(b)
		if !aok || !bok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if as[i] != bs[i] {
				return false
			}
		}
		return true
	case string, float64, bool:
		return a == b
	default:
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
}

// stringSlice accepts both []string and the []any a JSON round trip yields.
func stringSlice(v any) ([]string, bool) {
	switch val := v.(type) {
	case []string:
		return val, true
	case []any:
		out := make([]string, len(val))
		for i, item := range val {
			s, ok := scalarString(item)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}
