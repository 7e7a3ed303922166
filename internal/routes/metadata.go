// Package routes holds the immutable route tree that decides, per URL, which
// rendering strategy applies, together with the route manifest loader and
// the normalized route set used by prerendering.
package routes

import (
	"fmt"
	"net/http"
	"strings"
)

// RenderMode selects how a matched route is turned into a response.
type RenderMode int

const (
	// RenderModePrerender serves an artifact produced ahead of time and falls
	// back to dynamic rendering when none exists.
	RenderModePrerender RenderMode = iota + 1
	// RenderModeServer renders on every request.
	RenderModeServer
	// RenderModeClient serves the static client shell untouched.
	RenderModeClient
	// RenderModeAppShell renders a fixed, context-free shell route.
	RenderModeAppShell
)

// String returns the manifest spelling of the mode.
func (m RenderMode) String() string {
	switch m {
	case RenderModePrerender:
		return "prerender"
	case RenderModeServer:
		return "server"
	case RenderModeClient:
		return "client"
	case RenderModeAppShell:
		return "app-shell"
	default:
		return "unknown"
	}
}

// ParseRenderMode parses a manifest render mode. Matching is case-insensitive
// and accepts "app-shell", "appshell" and "app_shell".
func ParseRenderMode(s string) (RenderMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prerender":
		return RenderModePrerender, nil
	case "server":
		return RenderModeServer, nil
	case "client":
		return RenderModeClient, nil
	case "app-shell", "appshell", "app_shell":
		return RenderModeAppShell, nil
	default:
		return 0, fmt.Errorf("unknown render mode %q", s)
	}
}

// Header is a single route-declared response header.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered list of response headers.
type Headers []Header

// Apply sets every header on h, later entries overriding earlier ones.
func (hs Headers) Apply(h http.Header) {
	for _, hdr := range hs {
		h.Set(hdr.Name, hdr.Value)
	}
}

// Metadata describes what to do with a matched route. It is never mutated
// after the tree is built.
type Metadata struct {
	Pattern    string
	RenderMode RenderMode
	RedirectTo string
	StatusCode int
	Headers    Headers
}

// IsRedirect reports whether the route short-circuits to a redirect.
func (m *Metadata) IsRedirect() bool {
	return m.RedirectTo != ""
}

// RedirectStatus returns the configured redirect status or 302.
func (m *Metadata) RedirectStatus() int {
	if m.StatusCode != 0 {
		return m.StatusCode
	}
	return http.StatusFound
}

// IsStatic reports whether the pattern has no parameters or wildcards and
// can therefore be prerendered without extra input.
func (m *Metadata) IsStatic() bool {
	for _, seg := range splitPath(m.Pattern) {
		if strings.HasPrefix(seg, ":") || strings.HasPrefix(seg, "*") {
			return false
		}
	}
	return true
}
