package abivars

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Input is one Abinit input deck: an ordered set of variable assignments.
// Mutation never leaks between tasks; callers Clone before overlaying
// task-specific variables on a shared template.
type Input struct {
	keys []string
	vals map[string]any
}

func New() *Input {
	return &Input{vals: make(map[string]any)}
}

// FromMap builds an Input with the map's keys in sorted order, so decks
// built from literal maps serialize deterministically.
func FromMap(m map[string]any) *Input {
	in := New()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		in.Set(k, m[k])
	}
	return in
}

// Set assigns a variable, preserving first-insertion order for the deck.
func (in *Input) Set(key string, val any) *Input {
	if _, ok := in.vals[key]; !ok {
		in.keys = append(in.keys, key)
	}
	in.vals[key] = val
	return in
}

// SetMany overlays the given variables in sorted key order.
func (in *Input) SetMany(m map[string]any) *Input {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		in.Set(k, m[k])
	}
	return in
}

func (in *Input) Get(key string) (any, bool) {
	v, ok := in.vals[key]
	return v, ok
}

func (in *Input) Len() int { return len(in.keys) }

func (in *Input) Keys() []string {
	out := make([]string, len(in.keys))
	copy(out, in.keys)
	return out
}

// Clone returns an independent copy. Variable values are treated as
// immutable once set, so a shallow copy of each entry is enough.
func (in *Input) Clone() *Input {
	c := &Input{
		keys: make([]string, len(in.keys)),
		vals: make(map[string]any, len(in.vals)),
	}
	copy(c.keys, in.keys)
	for k, v := range in.vals {
		c.vals[k] = v
	}
	return c
}

// Deck renders the deck in Abinit's "variable value" format.
func (in *Input) Deck() string {
	var b strings.Builder
	for _, k := range in.keys {
		b.WriteString(k)
		b.WriteByte(' ')
		b.WriteString(formatValue(in.vals[k]))
		b.WriteByte('\n')
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = formatValue(e)
		}
		return strings.Join(parts, " ")
	case []int:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = fmt.Sprintf("%d", e)
		}
		return strings.Join(parts, " ")
	case []float64:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = fmt.Sprintf("%g", e)
		}
		return strings.Join(parts, " ")
	case [3]float64:
		return fmt.Sprintf("%g %g %g", x[0], x[1], x[2])
	case float64:
		return fmt.Sprintf("%g", x)
	case float32:
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

type inputJSON struct {
	Keys []string       `json:"keys"`
	Vals map[string]any `json:"vals"`
}

func (in *Input) MarshalJSON() ([]byte, error) {
	return json.Marshal(inputJSON{Keys: in.keys, Vals: in.vals})
}

func (in *Input) UnmarshalJSON(data []byte) error {
	var raw inputJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	in.keys = raw.Keys
	in.vals = raw.Vals
	if in.vals == nil {
		in.vals = make(map[string]any)
	}
	return nil
}
