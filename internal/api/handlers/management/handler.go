// Package management provides the read-only management API of the relay:
// usage statistics, the live usage event stream, relay health counters and
// a redacted account listing. Every route requires the remote-management
// secret.
package management

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/claude-relay/internal/usage"
	relayauth "github.com/router-for-me/claude-relay/sdk/relay/auth"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// Handler serves the management endpoints.
type Handler struct {
	secretKey   string
	usageStats  *usage.RequestStatistics
	eventStream *usage.EventStreamManager
	accounts    *relayauth.Manager
}

// NewHandler creates a management handler guarded by secretKey, which may be
// plaintext or a bcrypt hash.
func NewHandler(secretKey string, usageStats *usage.RequestStatistics, eventStream *usage.EventStreamManager, accounts *relayauth.Manager) *Handler {
	return &Handler{
		secretKey:   strings.TrimSpace(secretKey),
		usageStats:  usageStats,
		eventStream: eventStream,
		accounts:    accounts,
	}
}

// Middleware rejects requests without the management secret in
// Authorization: Bearer or X-Management-Key.
func (h *Handler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.secretKey == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "remote management disabled"})
			return
		}
		provided := strings.TrimSpace(c.GetHeader("X-Management-Key"))
		if provided == "" {
			if auth := strings.TrimSpace(c.GetHeader("Authorization")); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
				provided = strings.TrimSpace(auth[7:])
			}
		}
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing management key"})
			return
		}
		if !h.secretMatches(provided) {
			log.WithField("client_ip", c.ClientIP()).Warn("management request with invalid key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}
		c.Next()
	}
}

func (h *Handler) secretMatches(provided string) bool {
	if looksLikeBcrypt(h.secretKey) {
		return bcrypt.CompareHashAndPassword([]byte(h.secretKey), []byte(provided)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(h.secretKey)) == 1
}

// looksLikeBcrypt returns true if the provided string appears to be a bcrypt hash.
func looksLikeBcrypt(s string) bool {
	return len(s) > 4 && (s[:4] == "$2a$" || s[:4] == "$2b$" || s[:4] == "$2y$")
}

// accountView is the redacted account shape returned to operators.
type accountView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Kind          string     `json:"kind"`
	Protocol      string     `json:"protocol"`
	Status        string     `json:"status"`
	Active        bool       `json:"active"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	LastRefreshAt *time.Time `json:"last_refresh_at,omitempty"`
	Proxy         bool       `json:"proxy"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// ListAccounts returns every account without secrets.
func (h *Handler) ListAccounts(c *gin.Context) {
	if h.accounts == nil {
		c.JSON(http.StatusOK, gin.H{"accounts": []accountView{}})
		return
	}
	accounts, err := h.accounts.ListAccounts(c.Request.Context())
	if err != nil {
		log.Errorf("management: list accounts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list accounts"})
		return
	}
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountView{
			ID:            a.ID,
			Name:          a.Name,
			Kind:          string(a.Kind),
			Protocol:      string(a.EffectiveProtocol()),
			Status:        string(a.Status),
			Active:        a.Active,
			ErrorMessage:  a.ErrorMessage,
			ExpiresAt:     optionalTime(a.ExpiresAt),
			LastUsedAt:    optionalTime(a.LastUsedAt),
			LastRefreshAt: optionalTime(a.LastRefreshAt),
			Proxy:         a.ProxyURL() != "",
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}
