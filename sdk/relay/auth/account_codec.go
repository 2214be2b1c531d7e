package auth

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Store field names of an account record.
const (
	fieldID               = "id"
	fieldName             = "name"
	fieldKind             = "accountType"
	fieldProtocol         = "protocol"
	fieldEmail            = "email"
	fieldPassword         = "password"
	fieldRefreshToken     = "refreshToken"
	fieldAccessToken      = "accessToken"
	fieldExpiresAt        = "expiresAt"
	fieldScopes           = "scopes"
	fieldProxy            = "proxy"
	fieldStatus           = "status"
	fieldActive           = "isActive"
	fieldErrorMessage     = "errorMessage"
	fieldLastUsedAt       = "lastUsedAt"
	fieldLastRefreshAt    = "lastRefreshAt"
	fieldCreatedAt        = "createdAt"
	fieldChatGPTAccountID = "chatgptAccountId"
)

func encodeAccount(a *Account) map[string]string {
	fields := map[string]string{
		fieldID:               a.ID,
		fieldName:             a.Name,
		fieldKind:             string(a.Kind),
		fieldProtocol:         string(a.Protocol),
		fieldEmail:            a.Email,
		fieldPassword:         a.Password,
		fieldRefreshToken:     a.RefreshToken,
		fieldAccessToken:      a.AccessToken,
		fieldExpiresAt:        formatAccountTime(a.ExpiresAt),
		fieldScopes:           strings.Join(a.Scopes, " "),
		fieldStatus:           string(a.Status),
		fieldActive:           strconv.FormatBool(a.Active),
		fieldErrorMessage:     a.ErrorMessage,
		fieldLastUsedAt:       formatAccountTime(a.LastUsedAt),
		fieldLastRefreshAt:    formatAccountTime(a.LastRefreshAt),
		fieldCreatedAt:        formatAccountTime(a.CreatedAt),
		fieldChatGPTAccountID: a.ChatGPTAccountID,
		fieldProxy:            "",
	}
	if a.Proxy != nil {
		if raw, err := json.Marshal(a.Proxy); err == nil {
			fields[fieldProxy] = string(raw)
		}
	}
	return fields
}

func decodeAccount(id string, fields map[string]string) *Account {
	a := &Account{
		ID:               id,
		Name:             strings.TrimSpace(fields[fieldName]),
		Kind:             Kind(strings.TrimSpace(fields[fieldKind])),
		Protocol:         Protocol(strings.TrimSpace(fields[fieldProtocol])),
		Email:            fields[fieldEmail],
		Password:         fields[fieldPassword],
		RefreshToken:     fields[fieldRefreshToken],
		AccessToken:      fields[fieldAccessToken],
		ExpiresAt:        parseAccountTime(fields[fieldExpiresAt]),
		Scopes:           strings.Fields(fields[fieldScopes]),
		Status:           parseStatus(fields[fieldStatus]),
		ErrorMessage:     fields[fieldErrorMessage],
		LastUsedAt:       parseAccountTime(fields[fieldLastUsedAt]),
		LastRefreshAt:    parseAccountTime(fields[fieldLastRefreshAt]),
		CreatedAt:        parseAccountTime(fields[fieldCreatedAt]),
		ChatGPTAccountID: strings.TrimSpace(fields[fieldChatGPTAccountID]),
	}
	if v, ok := parseBool(fields[fieldActive]); ok {
		a.Active = v
	} else {
		a.Active = true
	}
	if raw := strings.TrimSpace(fields[fieldProxy]); raw != "" {
		var proxy ProxyConfig
		if err := json.Unmarshal([]byte(raw), &proxy); err != nil {
			log.Warnf("account %s: ignoring unreadable proxy descriptor: %v", id, err)
		} else if strings.TrimSpace(proxy.Host) != "" {
			a.Proxy = &proxy
		}
	}
	return a
}

// accountPatch collects a partial update of an account record.
type accountPatch map[string]string

func (p accountPatch) setString(key, value string) accountPatch {
	p[key] = value
	return p
}

func (p accountPatch) setTime(key string, ts time.Time) accountPatch {
	p[key] = formatAccountTime(ts)
	return p
}

func formatAccountTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

// parseAccountTime accepts RFC3339 text or unix milliseconds.
func parseAccountTime(raw string) time.Time {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return ts
	}
	if ms, err := strconv.ParseInt(trimmed, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

func parseBool(raw string) (bool, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, false
	}
	return parsed, true
}

func parseStatus(raw string) Status {
	switch Status(strings.TrimSpace(raw)) {
	case StatusActive:
		return StatusActive
	case StatusError:
		return StatusError
	default:
		return StatusCreated
	}
}
