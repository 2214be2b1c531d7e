package auth

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// UpstreamFailureKind is a normalized category of a failed upstream answer,
// used by the account policy and for logs.
type UpstreamFailureKind string

const (
	FailureQuotaLimited       UpstreamFailureKind = "quota_limited"
	FailureUnauthorized       UpstreamFailureKind = "unauthorized"
	FailureForbidden          UpstreamFailureKind = "forbidden"
	FailureAccountDeactivated UpstreamFailureKind = "account_deactivated"
	FailureWorkspaceInactive  UpstreamFailureKind = "workspace_deactivated"
	FailureOverloaded         UpstreamFailureKind = "overloaded"
	FailureTransientUpstream  UpstreamFailureKind = "transient_upstream"
	FailureInvalidRequest     UpstreamFailureKind = "invalid_request"
	FailureUnknown            UpstreamFailureKind = "unknown"
)

var (
	durationHintPattern = regexp.MustCompile(`(\d+)\s*(h|m|s)\b`)
	secondsHintPattern  = regexp.MustCompile(`after\s+(\d+)\s*seconds?`)
)

// classifyUpstreamFailure maps an upstream status and body onto a kind, the
// extracted reason, and whether the account must leave the pool.
func classifyUpstreamFailure(status int, body string) (UpstreamFailureKind, string, bool) {
	reason := extractErrorReason(body)
	lowerReason := strings.ToLower(reason)

	switch status {
	case http.StatusTooManyRequests:
		return FailureQuotaLimited, reason, false
	case http.StatusUnauthorized:
		if isAccountDeactivatedReason(lowerReason) {
			return FailureAccountDeactivated, reason, true
		}
		return FailureUnauthorized, reason, true
	case http.StatusPaymentRequired:
		return FailureWorkspaceInactive, reason, true
	case http.StatusForbidden:
		if isAccountDeactivatedReason(lowerReason) {
			return FailureAccountDeactivated, reason, true
		}
		return FailureForbidden, reason, false
	case 529:
		return FailureOverloaded, reason, false
	case http.StatusRequestTimeout, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return FailureTransientUpstream, reason, false
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return FailureInvalidRequest, reason, false
	default:
		return FailureUnknown, reason, false
	}
}

func isAccountDeactivatedReason(lowerReason string) bool {
	if lowerReason == "" {
		return false
	}
	fatalHints := []string{
		"account deactivated",
		"workspace deactivated",
		"account banned",
		"account suspended",
		"organization has been disabled",
		"token revoked",
		"token_invalidated",
		"authentication token has been invalidated",
		"user disabled",
	}
	for _, hint := range fatalHints {
		if strings.Contains(lowerReason, hint) {
			return true
		}
	}
	return false
}

// extractErrorReason pulls error.message (or error.code, or message) out of a JSON body.
func extractErrorReason(message string) string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return trimmed
	}
	if errNode, ok := payload["error"].(map[string]any); ok {
		if msg, ok := errNode["message"].(string); ok && strings.TrimSpace(msg) != "" {
			return strings.TrimSpace(msg)
		}
		if code, ok := errNode["code"].(string); ok && strings.TrimSpace(code) != "" {
			return strings.TrimSpace(code)
		}
	}
	if msg, ok := payload["message"].(string); ok && strings.TrimSpace(msg) != "" {
		return strings.TrimSpace(msg)
	}
	return trimmed
}

// parseRetryAfterHint reads a wait hint from a rate-limit body.
func parseRetryAfterHint(message string) *time.Duration {
	trimmed := strings.TrimSpace(message)
	if strings.HasPrefix(trimmed, "{") {
		var payload map[string]any
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			if d := retryAfterFromNode(payload); d != nil {
				return d
			}
			if errNode, ok := payload["error"].(map[string]any); ok {
				if d := retryAfterFromNode(errNode); d != nil {
					return d
				}
			}
		}
	}

	msg := strings.ToLower(trimmed)
	if matches := secondsHintPattern.FindStringSubmatch(msg); len(matches) > 1 {
		if seconds, err := strconv.Atoi(matches[1]); err == nil && seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			return &delay
		}
	}
	var total time.Duration
	for _, match := range durationHintPattern.FindAllStringSubmatch(msg, -1) {
		value, err := strconv.Atoi(match[1])
		if err != nil || value <= 0 {
			continue
		}
		switch match[2] {
		case "h":
			total += time.Duration(value) * time.Hour
		case "m":
			total += time.Duration(value) * time.Minute
		case "s":
			total += time.Duration(value) * time.Second
		}
	}
	if total > 0 {
		return &total
	}
	return nil
}

func retryAfterFromNode(node map[string]any) *time.Duration {
	for _, key := range []string{"retry_after_seconds", "resets_in_seconds", "retry_after"} {
		if seconds, ok := numericValue(node[key]); ok && seconds > 0 {
			delay := time.Duration(seconds * float64(time.Second))
			return &delay
		}
	}
	return nil
}

func numericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
