package catalog

import (
	"strings"
	"unicode"
)

// RegenerateTags rebuilds the derived tags of v from its measure and color.
// It must be called whenever either of them changes.
func (v *Variant) RegenerateTags() {
	var tags []string
	if s := Slug(v.Color.Name); s != "" {
		tags = append(tags, "color:"+s)
	}
	if s := Slug(v.Measure); s != "" {
		tags = append(tags, "measure:"+s)
	}
	v.Tags = tags
}

// Slug lowercases s and collapses every run of non letter/digit runes into a
// single dash.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
