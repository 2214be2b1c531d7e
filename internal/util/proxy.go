// Package util provides small helpers shared by the relay: outbound proxy
// aware HTTP clients and secret masking for logs.
package util

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// NewProxyTransport builds a transport routed through proxyURL.
// Supported schemes are socks5, socks5h, http and https. An empty URL yields a direct transport.
func NewProxyTransport(proxyURL string) (*http.Transport, error) {
	base := http.DefaultTransport.(*http.Transport).Clone()
	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL == "" {
		return base, nil
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "socks5", "socks5h":
		var proxyAuth *proxy.Auth
		if parsed.User != nil {
			username := parsed.User.Username()
			password, _ := parsed.User.Password()
			proxyAuth = &proxy.Auth{User: username, Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", parsed.Host, proxyAuth, proxy.Direct)
		if errSOCKS5 != nil {
			return nil, fmt.Errorf("create SOCKS5 dialer: %w", errSOCKS5)
		}
		base.Proxy = nil
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			base.DialContext = contextDialer.DialContext
		} else {
			base.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	case "http", "https":
		base.Proxy = http.ProxyURL(parsed)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
	}
	return base, nil
}

type transportKey struct {
	proxyURL      string
	headerTimeout time.Duration
}

// transports holds one shared *http.Transport per proxy and header timeout,
// so pooled connections are reused across requests.
var transports sync.Map

// SharedTransport returns the process-wide transport for proxyURL. A non-zero
// headerTimeout bounds the wait for response headers. A broken proxy URL is
// logged and falls back to a direct connection.
func SharedTransport(proxyURL string, headerTimeout time.Duration) *http.Transport {
	key := transportKey{proxyURL: strings.TrimSpace(proxyURL), headerTimeout: headerTimeout}
	if cached, ok := transports.Load(key); ok {
		return cached.(*http.Transport)
	}
	transport, err := NewProxyTransport(key.proxyURL)
	if err != nil {
		log.Warnf("proxy %s unusable, falling back to direct: %v", MaskProxyURL(key.proxyURL), err)
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	transport.ResponseHeaderTimeout = headerTimeout
	actual, _ := transports.LoadOrStore(key, transport)
	return actual.(*http.Transport)
}

// NewProxyAwareHTTPClient returns a client routed through proxyURL with the given timeout.
func NewProxyAwareHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	return &http.Client{Transport: SharedTransport(proxyURL, 0), Timeout: timeout}
}

// NewStreamingHTTPClient returns a client without an overall timeout whose
// transport gives up when response headers take longer than headerTimeout.
func NewStreamingHTTPClient(proxyURL string, headerTimeout time.Duration) *http.Client {
	return &http.Client{Transport: SharedTransport(proxyURL, headerTimeout)}
}

// MaskProxyURL hides proxy credentials for logging.
func MaskProxyURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.User == nil {
		return raw
	}
	parsed.User = url.User("***")
	return parsed.String()
}
