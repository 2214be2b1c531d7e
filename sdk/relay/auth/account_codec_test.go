package auth

import (
	"testing"
	"time"
)

func TestAccountCodecRoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 7, time.UTC)
	in := &Account{
		ID:            "a1",
		Name:          "Main",
		Kind:          KindDedicated,
		Protocol:      ProtocolResponses,
		AccessToken:   "iv:ct",
		ExpiresAt:     ts,
		Scopes:        []string{"user:inference", "user:profile"},
		Proxy:         &ProxyConfig{Type: "http", Host: "proxy.local", Port: 8080, Username: "u", Password: "p"},
		Status:        StatusError,
		Active:        false,
		ErrorMessage:  "boom",
		LastRefreshAt: ts,
	}
	out := decodeAccount("a1", encodeAccount(in))
	if out.Kind != in.Kind || out.Protocol != in.Protocol || out.Status != in.Status || out.Active {
		t.Fatalf("decoded = %+v", out)
	}
	if !out.ExpiresAt.Equal(ts) || !out.LastRefreshAt.Equal(ts) {
		t.Fatalf("timestamps = %v / %v, want %v", out.ExpiresAt, out.LastRefreshAt, ts)
	}
	if len(out.Scopes) != 2 || out.Scopes[1] != "user:profile" {
		t.Fatalf("scopes = %v", out.Scopes)
	}
	if got := out.ProxyURL(); got != "http://u:p@proxy.local:8080" {
		t.Fatalf("ProxyURL() = %q", got)
	}
}

func TestDecodeAccountDefaults(t *testing.T) {
	out := decodeAccount("x", map[string]string{
		fieldStatus:    "weird",
		fieldExpiresAt: "1767225600000",
		fieldProxy:     "{not json",
	})
	if !out.Active {
		t.Fatalf("Active = false, want default true")
	}
	if out.Status != StatusCreated {
		t.Fatalf("Status = %s, want created", out.Status)
	}
	if want := time.UnixMilli(1767225600000).UTC(); !out.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", out.ExpiresAt, want)
	}
	if out.Proxy != nil {
		t.Fatalf("Proxy = %+v, want nil", out.Proxy)
	}
	if !out.Pooled() || out.EffectiveProtocol() != ProtocolMessages {
		t.Fatalf("defaults: pooled=%t protocol=%s", out.Pooled(), out.EffectiveProtocol())
	}
}

func TestAccountStringHidesSecrets(t *testing.T) {
	a := &Account{ID: "a1", Name: "n", AccessToken: "secret-token", RefreshToken: "secret-refresh"}
	if got := a.String(); got != `account(a1 "n")` {
		t.Fatalf("String() = %q", got)
	}
}
