package vm

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Fields returns the machine as a flat field map keyed by the canonical
// (snake_case) field names. Lookup predicates and projections operate on
// this rendering.
func (m *Machine) Fields() map[string]any {
	data, err := json.Marshal(m)
	if err != nil {
		// Machine only holds marshalable field types.
		panic(fmt.Sprintf("vm: marshal machine: %v", err))
	}
	fields := map[string]any{}
	_ = json.Unmarshal(data, &fields)
	return fields
}

// Matches reports whether every predicate field equals the machine's value
// for that field. Values compare on their string rendering, so callers can
// write {"cpu_cap": "200"} as well as {"state": "running"}. A predicate
// naming an absent field never matches.
func (m *Machine) Matches(predicates map[string]string) bool {
	if len(predicates) == 0 {
		return true
	}
	fields := m.Fields()
	for key, want := range predicates {
		value, ok := fields[key]
		if !ok {
			return false
		}
		if renderField(value) != want {
			return false
		}
	}
	return true
}

// Project reduces the machine to the requested field subset. Absent fields
// are omitted from the result. An empty field list keeps every field.
func (m *Machine) Project(fields []string) map[string]any {
	all := m.Fields()
	if len(fields) == 0 {
		return all
	}
	out := make(map[string]any, len(fields))
	for _, name := range fields {
		if value, ok := all[name]; ok {
			out[name] = value
		}
	}
	return out
}

func renderField(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
