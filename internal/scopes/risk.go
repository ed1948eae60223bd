package scopes

import "strings"

// Risk levels in ascending order of concern.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// Marker substrings checked case-insensitively against each scope. High
// markers are tested before medium ones, so a scope matching both tiers
// (Mail.ReadWrite also contains ".Read") classifies HIGH.
var (
	highMarkers = []string{
		"readwrite.all",
		"fullcontrol",
		"mail.readwrite",
		"mail.send",
		"admin",
		"gmail",
		"drive",
		"cloud-platform",
	}
	mediumMarkers = []string{
		"read.all",
		".read",
		"mail.read",
		"readonly",
	}
)

// HighRiskMarkers returns the substrings that classify a scope HIGH.
func HighRiskMarkers() []string {
	return append([]string(nil), highMarkers...)
}

// MediumRiskMarkers returns the substrings that classify a scope MEDIUM.
func MediumRiskMarkers() []string {
	return append([]string(nil), mediumMarkers...)
}

// Classify returns the risk level of a scope set. The result depends only on
// set membership, never on ordering, and an empty set is LOW.
func Classify(scopeSet []string) string {
	risk := RiskLow
	for _, scope := range scopeSet {
		lower := strings.ToLower(scope)
		if matchesAny(lower, highMarkers) {
			return RiskHigh
		}
		if matchesAny(lower, mediumMarkers) {
			risk = RiskMedium
		}
	}
	return risk
}

func matchesAny(scope string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(scope, m) {
			return true
		}
	}
	return false
}
