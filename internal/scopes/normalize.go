// Package scopes turns vendor-specific grant payloads into canonical scope
// sets and classifies them by risk.
package scopes

import (
	"sort"
	"strings"

	"github.com/scopewatch/scopewatch/internal/directory"
)

// UnknownScope marks a grant whose payload carried no readable permissions.
// It keeps the grant visible instead of silently dropping it.
const UnknownScope = "unknown_scope"

// Normalize flattens every scope representation a grant may carry into one
// deduplicated, sorted set. The result is identical regardless of which
// vendor fields were populated or in what order: a Google token listing
// `{"scope": "a b"}` and a Microsoft grant `{"scopes": ["b", "a"]}` both
// normalize to {"a", "b"}.
func Normalize(g directory.RawGrant) []string {
	seen := make(map[string]struct{})
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		seen[raw] = struct{}{}
	}

	for _, s := range g.Scopes {
		add(s)
	}
	for _, s := range strings.Fields(g.ScopeString) {
		add(s)
	}
	for _, d := range g.ScopeData {
		add(d.Scope)
		add(d.Value)
	}
	for _, p := range g.Permissions {
		add(p)
	}
	for _, r := range g.AppRoleNames {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		add("AppRole: " + r)
	}

	if len(seen) == 0 {
		return []string{UnknownScope}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
