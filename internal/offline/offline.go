// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/jeranaias/leaf/internal/store"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNonLocalhost is returned for non-loopback hosts in privacy mode.
	ErrNonLocalhost = errors.New("privacy mode: only loopback connections are allowed")

	// ErrInvalidURLScheme is returned for schemes other than http(s) and ws(s).
	ErrInvalidURLScheme = errors.New("only http, https, ws and wss URLs are allowed")

	// ErrInvalidURL is returned for URLs that do not parse or lack a host.
	ErrInvalidURL = errors.New("invalid URL")
)

// =============================================================================
// GUARD
// =============================================================================

// Guard holds the privacy mode flag. It is safe for concurrent use.
type Guard struct {
	enabled atomic.Bool
}

// NewGuard creates a guard with privacy mode set to enabled.
func NewGuard(enabled bool) *Guard {
	g := &Guard{}
	g.enabled.Store(enabled)
	return g
}

// SetEnabled turns privacy mode on or off.
func (g *Guard) SetEnabled(enabled bool) {
	g.enabled.Store(enabled)
}

// Enabled reports whether privacy mode is on.
func (g *Guard) Enabled() bool {
	return g.enabled.Load()
}

// Follow keeps the guard in step with s's privacy setting until the
// returned function is called.
func (g *Guard) Follow(s *store.Store) (stop func()) {
	g.SetEnabled(s.Settings().PrivacyMode)
	return s.Subscribe(func() {
		g.SetEnabled(s.Settings().PrivacyMode)
	})
}

// CheckURL validates rawURL against the current mode.
func (g *Guard) CheckURL(rawURL string) error {
	return ValidateURL(rawURL, g.Enabled())
}

// StatusBadge returns "[PRIVATE]" in privacy mode, otherwise "".
func (g *Guard) StatusBadge() string {
	if g.Enabled() {
		return "[PRIVATE]"
	}
	return ""
}

// =============================================================================
// URL VALIDATION
// =============================================================================

// IsLocalhost reports whether host is "localhost" or a loopback IP. A port
// and IPv6 brackets are ignored.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "localhost" {
		return true
	}
	// Covers all of 127.0.0.0/8 and every spelling of ::1
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateURL checks rawURL's scheme always, and its host when privacy is
// true.
func ValidateURL(rawURL string, privacy bool) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return ErrInvalidURLScheme
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if privacy && !IsLocalhost(parsed.Hostname()) {
		return fmt.Errorf("%w: %s", ErrNonLocalhost, parsed.Hostname())
	}
	return nil
}

// =============================================================================
// HTTP TRANSPORT
// =============================================================================

type guardedTransport struct {
	guard *Guard
	base  http.RoundTripper
}

func (t *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.guard.Enabled() && !IsLocalhost(req.URL.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrNonLocalhost, req.URL.Hostname())
	}
	return t.base.RoundTrip(req)
}

// Transport wraps base so requests to non-loopback hosts fail while privacy
// mode is on. A nil base uses http.DefaultTransport.
func (g *Guard) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &guardedTransport{guard: g, base: base}
}

// HTTPClient returns a client using the guarded default transport.
func (g *Guard) HTTPClient() *http.Client {
	return &http.Client{Transport: g.Transport(nil)}
}
