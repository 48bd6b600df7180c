// Package model defines the request/response value types passed through the relay.
package model

import "strings"

// Field is a single header name/value pair as it appeared on the wire.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered header set. Lookups are case-insensitive; insertion
// order is preserved across every mutation. Mutations never write into
// storage shared with a copy of the header.
//
// The zero value is an empty header set ready to use.
type Header struct {
	fields []Field
}

// NewHeader builds a Header from name/value pairs in the given order.
func NewHeader(fields ...Field) Header {
	h := Header{fields: make([]Field, len(fields))}
	copy(h.fields, fields)
	return h
}

// Len returns the number of fields, duplicates included.
func (h Header) Len() int { return len(h.fields) }

// Fields returns a copy of the fields in wire order.
func (h Header) Fields() []Field {
	out := make([]Field, len(h.fields))
	copy(out, h.fields)
	return out
}

// Get returns the first value for name, or "" if absent.
func (h Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether at least one field named name exists.
func (h Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns every value for name in wire order.
func (h Header) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Map collapses the header set into a map keyed by the first-seen spelling
// of each name. Duplicate names keep their first value.
func (h Header) Map() map[string]string {
	out := make(map[string]string, len(h.fields))
	seen := make(map[string]bool, len(h.fields))
	for _, f := range h.fields {
		key := strings.ToLower(f.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out[f.Name] = f.Value
	}
	return out
}

// Add appends a field, keeping any existing fields with the same name.
func (h *Header) Add(name, value string) {
	n := len(h.fields)
	h.fields = append(h.fields[:n:n], Field{Name: name, Value: value})
}

// Set replaces the first field named name in place and drops later
// duplicates. If no such field exists the pair is appended.
func (h *Header) Set(name, value string) {
	idx := -1
	out := h.fields[:0:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			if idx >= 0 {
				continue
			}
			idx = len(out)
			f.Value = value
		}
		out = append(out, f)
	}
	if idx < 0 {
		out = append(out, Field{Name: name, Value: value})
	}
	h.fields = out
}

// Del removes every field named name.
func (h *Header) Del(name string) {
	out := h.fields[:0:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Clone returns a deep copy that shares no storage with h.
func (h Header) Clone() Header {
	return NewHeader(h.fields...)
}
