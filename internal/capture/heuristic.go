package capture

import (
	"net/url"
	"strings"
)

var pdfHints = []string{"pdf", "label"}

// IsPDFLike reports whether raw looks like it points at a label PDF. The match
// is loose on purpose: a .pdf extension, a data:application/pdf URL, or any
// path segment, query key or query value mentioning pdf or label.
func IsPDFLike(raw string) bool {
	if raw == "" {
		return false
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "data:application/pdf") {
		return true
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}

	path := strings.ToLower(u.Path)
	if strings.HasSuffix(path, ".pdf") {
		return true
	}
	for _, seg := range strings.Split(path, "/") {
		if containsHint(seg) {
			return true
		}
	}
	for k, vs := range u.Query() {
		if containsHint(strings.ToLower(k)) {
			return true
		}
		for _, v := range vs {
			if containsHint(strings.ToLower(v)) {
				return true
			}
		}
	}
	return false
}

func containsHint(s string) bool {
	for _, h := range pdfHints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}
