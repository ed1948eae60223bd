package sync

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

const categoryUnknown = "Uncategorized"

// Categories keyed by lowercased app name or registrable domain. The list is
// a seed, not a catalog: anything unmatched stays Uncategorized and can be
// reclassified by hand.
var nameCategories = map[string]string{
	"slack":      "Communication",
	"zoom":       "Communication",
	"notion":     "Productivity",
	"asana":      "Productivity",
	"trello":     "Productivity",
	"figma":      "Design",
	"canva":      "Design",
	"github":     "Developer Tools",
	"gitlab":     "Developer Tools",
	"jira":       "Developer Tools",
	"salesforce": "CRM",
	"hubspot":    "CRM",
	"dropbox":    "Storage",
	"box":        "Storage",
	"grammarly":  "Writing",
	"calendly":   "Scheduling",
}

var domainCategories = map[string]string{
	"slack.com":      "Communication",
	"zoom.us":        "Communication",
	"notion.so":      "Productivity",
	"figma.com":      "Design",
	"github.com":     "Developer Tools",
	"atlassian.com":  "Developer Tools",
	"salesforce.com": "CRM",
	"dropbox.com":    "Storage",
	"box.com":        "Storage",
}

// Categorize guesses an application category from its display name or, for
// domain-shaped client ids, the registrable domain.
func Categorize(name, clientID string) string {
	if cat, ok := nameCategories[strings.ToLower(strings.TrimSpace(name))]; ok {
		return cat
	}
	if domain := domainFrom(clientID); domain != "" {
		root, err := publicsuffix.EffectiveTLDPlusOne(domain)
		if err == nil {
			if cat, ok := domainCategories[root]; ok {
				return cat
			}
		}
	}
	return categoryUnknown
}

// domainFrom extracts a hostname from a client id when it looks like one.
// Google OAuth client ids ("123-abc.apps.googleusercontent.com") and
// UUID-style Microsoft app ids both fall out naturally: only the former
// parses as a host.
func domainFrom(clientID string) string {
	clientID = strings.TrimSpace(strings.ToLower(clientID))
	if clientID == "" || strings.ContainsAny(clientID, " /") || !strings.Contains(clientID, ".") {
		return ""
	}
	return clientID
}
