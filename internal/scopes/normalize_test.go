package scopes

import (
	"reflect"
	"testing"

	"github.com/scopewatch/scopewatch/internal/directory"
)

func TestNormalizeConvergesAcrossVendors(t *testing.T) {
	t.Parallel()
	google := directory.RawGrant{Vendor: "google", ScopeString: "openid email"}
	microsoft := directory.RawGrant{Vendor: "microsoft", Scopes: []string{"email", "openid"}}

	got := Normalize(google)
	want := []string{"email", "openid"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("google grant normalized to %v, want %v", got, want)
	}
	if other := Normalize(microsoft); !reflect.DeepEqual(other, got) {
		t.Fatalf("vendor representations diverged: %v vs %v", other, got)
	}
}

func TestNormalizeMergesAllFields(t *testing.T) {
	t.Parallel()
	g := directory.RawGrant{
		Scopes:      []string{"a", " b "},
		ScopeString: "b c",
		ScopeData:   []directory.ScopeDatum{{Scope: "d", Value: "View your data"}},
		Permissions: []string{"e", ""},
		AppRoleNames: []string{
			"Directory.Read.All",
			"",
		},
	}
	got := Normalize(g)
	want := []string{"AppRole: Directory.Read.All", "View your data", "a", "b", "c", "d", "e"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("normalized = %v, want %v", got, want)
	}
}

func TestNormalizeEmptyGrant(t *testing.T) {
	t.Parallel()
	got := Normalize(directory.RawGrant{ScopeString: "   "})
	if !reflect.DeepEqual(got, []string{UnknownScope}) {
		t.Fatalf("normalized = %v, want [%s]", got, UnknownScope)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		scopes []string
		want   string
	}{
		{"empty", nil, RiskLow},
		{"benign", []string{"offline_access", "openid"}, RiskLow},
		{"read all", []string{"User.Read.All"}, RiskMedium},
		{"readonly", []string{"https://www.googleapis.com/auth/calendar.readonly"}, RiskMedium},
		{"mail write", []string{"Mail.ReadWrite"}, RiskHigh},
		{"gmail", []string{"https://mail.google.com/", "https://www.googleapis.com/auth/gmail.modify"}, RiskHigh},
		{"high beats medium", []string{"User.Read.All", "Sites.FullControl.All"}, RiskHigh},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tc.scopes); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.scopes, got, tc.want)
			}
		})
	}
}

func TestClassifyOrderIndependent(t *testing.T) {
	t.Parallel()
	a := []string{"offline_access", "Mail.Send", "User.Read.All"}
	b := []string{"User.Read.All", "offline_access", "Mail.Send"}
	if Classify(a) != Classify(b) {
		t.Fatal("classification depends on scope order")
	}
}
