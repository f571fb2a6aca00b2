package pipeline

import (
	"encoding/json"
	"strings"

	"conveyor/internal/media"
)

// Request identity fields seeded into every execution context. Step output
// merges can never overwrite them.
const (
	FieldRequestID = "requestId"
	FieldTitle     = "title"
	FieldTMDBID    = "tmdbId"
	FieldMediaType = "mediaType"
	FieldSeason    = "season"
)

var identityFields = map[string]struct{}{
	FieldRequestID: {},
	FieldTitle:     {},
	FieldTMDBID:    {},
	FieldMediaType: {},
	FieldSeason:    {},
}

// IsIdentityField reports whether name is a protected request identity key.
func IsIdentityField(name string) bool {
	_, ok := identityFields[name]
	return ok
}

// Context accumulates step output for one execution, keyed by step category,
// alongside the request identity fields. It is not safe for concurrent use;
// the executor owns all writes.
type Context struct {
	data map[string]any
}

// NewContext seeds a context with the request's identity fields.
func NewContext(req *media.Request) *Context {
	c := &Context{data: make(map[string]any, 8)}
	if req != nil {
		c.data[FieldRequestID] = req.ID
		c.data[FieldTitle] = req.Title
		c.data[FieldTMDBID] = req.TMDBID
		c.data[FieldMediaType] = string(req.MediaType)
		c.data[FieldSeason] = req.Season
	}
	return c
}

// Merge shallow-copies data into the named category map. Existing keys in
// the category are overwritten; other categories are untouched. A category
// named after an identity field is ignored entirely so that step output can
// never clobber request identity.
func (c *Context) Merge(category string, data map[string]any) {
	if c.data == nil {
		c.data = make(map[string]any, 8)
	}
	if category == "" || len(data) == 0 || IsIdentityField(category) {
		return
	}
	existing, _ := c.data[category].(map[string]any)
	merged := make(map[string]any, len(existing)+len(data))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}
	c.data[category] = merged
}

// Lookup resolves a dot-separated path against the context. The second
// return is false when any path segment is absent or a non-map value is
// traversed. A present key holding an explicit null returns (nil, true).
func (c *Context) Lookup(path string) (any, bool) {
	if c == nil || c.data == nil || path == "" {
		return nil, false
	}
	var current any = c.data
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// StringValue returns the string at path, or "" when absent or not a string.
func (c *Context) StringValue(path string) string {
	v, ok := c.Lookup(path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// IntValue returns the integer at path. Numeric context values survive a
// JSON round-trip as float64, so both forms are accepted.
func (c *Context) IntValue(path string) (int64, bool) {
	v, ok := c.Lookup(path)
	if !ok {
		return 0, false
	}
	f, ok := asFloat(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Clone deep-copies the context. Parallel branches evaluate conditions and
// run steps against a clone so concurrent siblings never observe each
// other's writes before the group joins.
func (c *Context) Clone() *Context {
	out := &Context{data: make(map[string]any, 8)}
	if c == nil || c.data == nil {
		return out
	}
	for k, v := range c.data {
		out.data[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, mv := range t {
			m[k] = cloneValue(mv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, sv := range t {
			s[i] = cloneValue(sv)
		}
		return s
	default:
		return v
	}
}

// Category returns a copy of the named category map, or nil when absent.
func (c *Context) Category(name string) map[string]any {
	if c == nil || c.data == nil {
		return nil
	}
	m, ok := c.data[name].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RequestID returns the seeded request identity, or 0 for an empty context.
func (c *Context) RequestID() int64 {
	id, _ := c.IntValue(FieldRequestID)
	return id
}

// MarshalJSON encodes the full context map for persistence.
func (c *Context) MarshalJSON() ([]byte, error) {
	if c == nil || c.data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.data)
}

// UnmarshalJSON restores a persisted context map.
func (c *Context) UnmarshalJSON(b []byte) error {
	data := make(map[string]any)
	if err := json.Unmarshal(b, &data); err != nil {
		return err
	}
	c.data = data
	return nil
}
