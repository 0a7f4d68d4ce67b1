package models

// ChannelEntry is one channel inside a category playlist: a display name,
// the candidate playback URL (unique within the category), and passthrough
// attributes (tvg-logo, tvg-id, group-title, ...) preserved verbatim.
type ChannelEntry struct {
	Name     string            `json:"name"`
	URL      string            `json:"url"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Category string            `json:"category,omitempty"`
}

// Attr returns the named attribute or "" when absent.
func (e ChannelEntry) Attr(key string) string {
	if e.Attrs == nil {
		return ""
	}
	return e.Attrs[key]
}
