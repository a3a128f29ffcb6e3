package framework

// Headers pairs human-readable column names with their HXL hashtags.
// The two slices are always the same length and index-aligned.
type Headers struct {
	Columns []string
	HXLTags []string
}

// NewHeaders builds a Headers from parallel slices. Callers must pass
// slices of equal length.
func NewHeaders(columns, hxltags []string) *Headers {
	return &Headers{Columns: columns, HXLTags: hxltags}
}

func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.Columns)
}

// Append adds one column/hxltag pair, preserving alignment.
func (h *Headers) Append(column, hxltag string) {
	h.Columns = append(h.Columns, column)
	h.HXLTags = append(h.HXLTags, hxltag)
}

// Extend appends all pairs from other.
func (h *Headers) Extend(other *Headers) {
	if other == nil {
		return
	}
	h.Columns = append(h.Columns, other.Columns...)
	h.HXLTags = append(h.HXLTags, other.HXLTags...)
}

// IndexOfTag returns the position of the given HXL hashtag, or -1.
func (h *Headers) IndexOfTag(hxltag string) int {
	if h == nil {
		return -1
	}
	for i, tag := range h.HXLTags {
		if tag == hxltag {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so callers can mutate independently.
func (h *Headers) Clone() *Headers {
	if h == nil {
		return nil
	}
	out := &Headers{
		Columns: make([]string, len(h.Columns)),
		HXLTags: make([]string, len(h.HXLTags)),
	}
	copy(out.Columns, h.Columns)
	copy(out.HXLTags, h.HXLTags)
	return out
}
