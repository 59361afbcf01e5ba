package rules

import "strings"

// Targeting narrows a condition to a visitor audience. Every non-empty
// dimension must match at least one of the visitor's values.
type Targeting struct {
	Segments []string `json:"segments,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Devices  []string `json:"devices,omitempty"`
	Sources  []string `json:"sources,omitempty"`
}

func (t Targeting) IsZero() bool {
	return len(t.Segments) == 0 && len(t.Tags) == 0 && len(t.Devices) == 0 && len(t.Sources) == 0
}

// Matches reports whether the visitor falls inside the audience.
func (t Targeting) Matches(vctx *Context) bool {
	dims := []struct {
		want  []string
		paths []string
	}{
		{t.Segments, []string{"segments", "segment"}},
		{t.Tags, []string{"tags", "tag"}},
		{t.Devices, []string{"device"}},
		{t.Sources, []string{"utm_source", "source"}},
	}
	for _, d := range dims {
		if len(d.want) == 0 {
			continue
		}
		if !intersects(d.want, vctx.Texts(d.paths...)) {
			return false
		}
	}
	return true
}

func intersects(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(strings.TrimSpace(w), strings.TrimSpace(h)) {
				return true
			}
		}
	}
	return false
}
