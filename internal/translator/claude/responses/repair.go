package responses

import (
	"strings"

	"github.com/tidwall/gjson"
)

type repairStatus int

const (
	repairNone repairStatus = iota
	repairSuffix
	repairFailed
)

// repairArguments returns raw when it is a JSON object. Otherwise it returns
// the last well-formed {...} suffix of raw, covering upstreams that emit the
// full payload twice. Unrepairable text becomes "{}".
func repairArguments(raw string) (string, repairStatus) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "{}", repairNone
	}
	if isJSONObject(trimmed) {
		return trimmed, repairNone
	}
	for end := len(trimmed); end > 0; {
		start := strings.LastIndexByte(trimmed[:end], '{')
		if start < 0 {
			break
		}
		if candidate := trimmed[start:]; isJSONObject(candidate) {
			return candidate, repairSuffix
		}
		end = start
	}
	return "{}", repairFailed
}

func isJSONObject(s string) bool {
	return gjson.Valid(s) && gjson.Parse(s).IsObject()
}
