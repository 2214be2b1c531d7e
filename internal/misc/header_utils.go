// Package misc holds header helpers shared by the upstream executors.
package misc

import (
	"net/http"
	"strings"
)

// EnsureHeader sets key on target, preferring the caller's value from source,
// then the existing target value, then defaultValue.
func EnsureHeader(target http.Header, source http.Header, key, defaultValue string) {
	if target == nil {
		return
	}
	if source != nil {
		if val := strings.TrimSpace(source.Get(key)); val != "" {
			target.Set(key, val)
			return
		}
	}
	if strings.TrimSpace(target.Get(key)) != "" {
		return
	}
	if val := strings.TrimSpace(defaultValue); val != "" {
		target.Set(key, val)
	}
}

// MergeCommaList merges comma separated header tokens, keeping first-seen order.
func MergeCommaList(values ...string) string {
	seen := make(map[string]struct{})
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return strings.Join(out, ",")
}
