package utils

import (
	"regexp"
	"strings"
)

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SanitizeID normalizes a tenant or plant identifier for use in topics and
// storage keys. An empty result yields fallback.
func SanitizeID(value, fallback string) string {
	clean := unsafeIDChars.ReplaceAllString(strings.TrimSpace(value), "_")
	clean = strings.ToLower(strings.Trim(clean, "_"))
	if clean == "" {
		return fallback
	}
	return clean
}

// WithTrailingSlash returns path with exactly one trailing slash
func WithTrailingSlash(path string) string {
	return strings.TrimRight(path, "/") + "/"
}

// SplitCSV splits a comma separated list, dropping blanks
func SplitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ContainsFold reports whether list holds value, ignoring case
func ContainsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), value) {
			return true
		}
	}
	return false
}
