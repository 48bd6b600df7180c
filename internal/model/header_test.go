package model

import (
	"reflect"
	"testing"
)

func TestHeader_GetCaseInsensitive(t *testing.T) {
	h := NewHeader(
		Field{"Content-Type", "text/plain"},
		Field{"X-Dup", "first"},
		Field{"x-dup", "second"},
	)

	tests := []struct {
		name string
		key  string
		want string
	}{
		{"exact", "Content-Type", "text/plain"},
		{"lower", "content-type", "text/plain"},
		{"duplicate returns first", "X-DUP", "first"},
		{"missing", "Host", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.Get(tt.key); got != tt.want {
				t.Errorf("Get(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}

	if got := h.Values("x-dup"); !reflect.DeepEqual(got, []string{"first", "second"}) {
		t.Errorf("Values = %v", got)
	}
}

func TestHeader_SetPreservesOrder(t *testing.T) {
	h := NewHeader(
		Field{"Accept", "*/*"},
		Field{"Host", "localhost:8080"},
		Field{"User-Agent", "test"},
		Field{"host", "dup"},
	)
	h.Set("HOST", "example.com")
	h.Set("Accept-Encoding", "deflate, gzip")

	want := []Field{
		{"Accept", "*/*"},
		{"Host", "example.com"},
		{"User-Agent", "test"},
		{"Accept-Encoding", "deflate, gzip"},
	}
	if got := h.Fields(); !reflect.DeepEqual(got, want) {
		t.Errorf("Fields() = %v, want %v", got, want)
	}
}

func TestHeader_MapFirstValueWins(t *testing.T) {
	h := NewHeader(Field{"A", "1"}, Field{"a", "2"}, Field{"B", "3"})
	got := h.Map()
	want := map[string]string{"A": "1", "B": "3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Map() = %v, want %v", got, want)
	}
}

func TestHeader_CopiesDoNotAlias(t *testing.T) {
	orig := NewHeader(Field{"Host", "a"})
	cp := orig
	cp.Set("Host", "b")
	cp.Add("X-New", "1")
	orig.Add("X-Other", "2")

	if orig.Get("Host") != "a" {
		t.Errorf("original Host = %q, want %q", orig.Get("Host"), "a")
	}
	if orig.Has("X-New") {
		t.Error("original gained X-New through a copy")
	}
	if cp.Has("X-Other") {
		t.Error("copy gained X-Other through the original")
	}
}

func TestHeader_Del(t *testing.T) {
	h := NewHeader(Field{"A", "1"}, Field{"B", "2"}, Field{"a", "3"})
	h.Del("a")
	if h.Len() != 1 || h.Get("B") != "2" {
		t.Errorf("after Del: %v", h.Fields())
	}
}

func TestVersion(t *testing.T) {
	tests := []struct {
		major, minor int
		want         Version
		str          string
	}{
		{1, 1, Version11, "HTTP/1.1"},
		{1, 0, Version10, "HTTP/1.0"},
		{2, 0, Version2, "HTTP/2.0"},
		{3, 0, Version11, "HTTP/1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			v := ParseVersion(tt.major, tt.minor)
			if v != tt.want {
				t.Errorf("ParseVersion(%d, %d) = %v, want %v", tt.major, tt.minor, v, tt.want)
			}
			if v.String() != tt.str {
				t.Errorf("String() = %q, want %q", v.String(), tt.str)
			}
		})
	}
}

func TestRequestClone(t *testing.T) {
	r := Request{
		RequestHead: RequestHead{Method: "POST", URI: "/post", Header: NewHeader(Field{"Host", "x"})},
		Body:        []byte("Jorge"),
	}
	c := r.Clone()
	c.Body[0] = 'L'
	c.Header.Set("Host", "y")
	if string(r.Body) != "Jorge" || r.Header.Get("Host") != "x" {
		t.Errorf("clone aliased original: %q %q", r.Body, r.Header.Get("Host"))
	}
}
