package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Payload is a normalized data structure returned by the data fetcher.
// Nested keys are addressed with dot paths ("metrics.revenue_growth").
// Leaves are typed (float64, string, bool, []float64, or nested Payload).
type Payload map[string]interface{}

// Get returns the value at a dot-separated path
func (p Payload) Get(path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = p
	for _, part := range parts {
		m, ok := toMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Float returns the numeric value at path. Strings holding numbers are
// coerced, matching what loosely-typed provider JSON tends to contain.
func (p Payload) Float(path string) (float64, bool) {
	v, ok := p.Get(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// String returns the string value at path
func (p Payload) String(path string) (string, bool) {
	v, ok := p.Get(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Floats returns the numeric series at path
func (p Payload) Floats(path string) ([]float64, bool) {
	v, ok := p.Get(path)
	if !ok {
		return nil, false
	}
	switch s := v.(type) {
	case []float64:
		return s, true
	case []interface{}:
		out := make([]float64, 0, len(s))
		for _, item := range s {
			f, ok := item.(float64)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	}
	return nil, false
}

// Set stores a value at a dot-separated path, creating nested maps as needed
func (p Payload) Set(path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := p
	for _, part := range parts[:len(parts)-1] {
		next, ok := toMap(cur[part])
		if !ok {
			next = Payload{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// Merge copies all top-level entries of other into p
func (p Payload) Merge(other Payload) {
	for k, v := range other {
		p[k] = v
	}
}

func toMap(v interface{}) (Payload, bool) {
	switch m := v.(type) {
	case Payload:
		return m, true
	case map[string]interface{}:
		return Payload(m), true
	}
	return nil, false
}

// Describe renders a short human-readable summary of top-level keys,
// used in decision rationales
func (p Payload) Describe() string {
	if len(p) == 0 {
		return "(empty)"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(p))
	for _, k := range keys {
		v := p[k]
		switch val := v.(type) {
		case float64:
			parts = append(parts, fmt.Sprintf("%s=%.4g", k, val))
		case string:
			parts = append(parts, fmt.Sprintf("%s=%s", k, val))
		default:
			parts = append(parts, k)
		}
	}
	return strings.Join(parts, ", ")
}
