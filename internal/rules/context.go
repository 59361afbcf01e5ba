package rules

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Context is the visitor data rules are evaluated against. Fields are
// addressed by dotted path, e.g. "contact.email" or "utm_source".
type Context struct {
	raw string
}

// NewContext builds a context from nested maps. Values that cannot be
// encoded produce an empty context.
func NewContext(fields map[string]any) *Context {
	b, err := json.Marshal(fields)
	if err != nil {
		return &Context{raw: "{}"}
	}
	return &Context{raw: string(b)}
}

// ContextFromJSON wraps an already encoded JSON object.
func ContextFromJSON(raw []byte) *Context {
	if !gjson.ValidBytes(raw) {
		return &Context{raw: "{}"}
	}
	return &Context{raw: string(raw)}
}

// Lookup resolves a dotted path. Nested objects are tried first, then a flat
// key containing literal dots ("contact.email": "...").
func (c *Context) Lookup(path string) (Value, bool) {
	if c == nil || path == "" {
		return Null(), false
	}
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")

	r := gjson.Get(c.raw, path)
	if !r.Exists() && strings.Contains(path, ".") {
		r = gjson.Get(c.raw, escapePath(path))
	}
	if !r.Exists() {
		return Null(), false
	}
	return fromResult(r), true
}

// Texts collects the scalar text values found under the first existing path.
// List fields are flattened.
func (c *Context) Texts(paths ...string) []string {
	for _, p := range paths {
		v, ok := c.Lookup(p)
		if !ok || v.IsNull() {
			continue
		}
		var out []string
		if v.Kind() == KindList {
			for _, item := range v.Items() {
				if s, ok := item.Text(); ok {
					out = append(out, s)
				}
			}
		} else if s, ok := v.Text(); ok {
			out = append(out, s)
		}
		return out
	}
	return nil
}

// JSON returns the encoded context.
func (c *Context) JSON() string {
	if c == nil {
		return "{}"
	}
	return c.raw
}

func escapePath(path string) string {
	var b strings.Builder
	for _, r := range path {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
