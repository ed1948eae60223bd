package sync

import (
	"sort"
	"strings"

	"github.com/scopewatch/scopewatch/internal/directory"
	"github.com/scopewatch/scopewatch/internal/scopes"
	"github.com/scopewatch/scopewatch/internal/store"
)

type appAccumulator struct {
	name     string
	clientID string
	scopes   map[string]struct{}
	// per-user scope sets keyed by email
	users map[string]*edgeAccumulator
}

type edgeAccumulator struct {
	userID string
	email  string
	scopes map[string]struct{}
}

// GroupGrants folds raw grants into one application per display name plus the
// user-to-application edges behind it. Scope sets are normalized before
// grouping, so the same name reported by different vendor payload shapes
// lands in the same bucket with identical scopes.
func GroupGrants(grants []directory.RawGrant) ([]store.Application, []UserAppRelation) {
	byName := make(map[string]*appAccumulator)

	for _, g := range grants {
		name := strings.TrimSpace(g.AppDisplayName)
		if name == "" {
			name = strings.TrimSpace(g.ClientID)
		}
		if name == "" {
			continue
		}
		acc, ok := byName[name]
		if !ok {
			acc = &appAccumulator{
				name:     name,
				clientID: g.ClientID,
				scopes:   make(map[string]struct{}),
				users:    make(map[string]*edgeAccumulator),
			}
			byName[name] = acc
		}

		normalized := scopes.Normalize(g)
		for _, s := range normalized {
			acc.scopes[s] = struct{}{}
		}

		email := strings.TrimSpace(g.UserEmail)
		if email == "" {
			continue
		}
		edge, ok := acc.users[strings.ToLower(email)]
		if !ok {
			edge = &edgeAccumulator{userID: g.UserID, email: email, scopes: make(map[string]struct{})}
			acc.users[strings.ToLower(email)] = edge
		}
		for _, s := range normalized {
			edge.scopes[s] = struct{}{}
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	apps := make([]store.Application, 0, len(names))
	var relations []UserAppRelation
	for _, name := range names {
		acc := byName[name]
		scopeSet := sortedKeys(acc.scopes)
		apps = append(apps, store.Application{
			Name:             acc.name,
			VendorClientID:   acc.clientID,
			Category:         Categorize(acc.name, acc.clientID),
			RiskLevel:        scopes.Classify(scopeSet),
			ManagementStatus: "UNMANAGED",
			TotalPermissions: int32(len(scopeSet)),
			AllScopes:        scopeSet,
			UserCount:        int32(len(acc.users)),
		})

		emails := make([]string, 0, len(acc.users))
		for email := range acc.users {
			emails = append(emails, email)
		}
		sort.Strings(emails)
		for _, email := range emails {
			edge := acc.users[email]
			relations = append(relations, UserAppRelation{
				AppName:   acc.name,
				UserID:    edge.userID,
				UserEmail: edge.email,
				Token:     strings.Join(sortedKeys(edge.scopes), " "),
			})
		}
	}
	return apps, relations
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
