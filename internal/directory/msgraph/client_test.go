package msgraph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/scopewatch/scopewatch/internal/directory"
	"github.com/scopewatch/scopewatch/internal/ratelimit"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewWithOptions("tenant", "cid", "secret", Options{
		HTTPClient:       srv.Client(),
		GraphBaseURL:     srv.URL,
		AuthorityBaseURL: srv.URL,
		Gate:             ratelimit.NewGate("microsoft", 600000),
		Workers:          2,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func registerToken(mux *http.ServeMux) {
	mux.HandleFunc("/tenant/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		if got := r.FormValue("grant_type"); got != "client_credentials" {
			http.Error(w, "unexpected grant type "+got, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3599}`)
	})
}

func TestListUsersMapsFields(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	registerToken(mux)
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":[
			{"id":"u1","displayName":"Ann","mail":"ann@acme.io","userType":"Member","accountEnabled":true,"jobTitle":"CTO","department":"Eng"},
			{"id":"u2","displayName":"Guest","userPrincipalName":"g_acme.io#EXT#@acme.onmicrosoft.com","userType":"Guest","accountEnabled":false}
		]}`)
	})

	c := newTestClient(t, mux)
	users, err := c.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2", len(users))
	}
	if users[0].Email != "ann@acme.io" || users[0].Guest || !users[0].AccountEnabled {
		t.Fatalf("member user = %+v", users[0])
	}
	if !users[1].Guest || users[1].AccountEnabled {
		t.Fatalf("guest user = %+v", users[1])
	}
	if users[1].Email == "" {
		t.Fatal("guest user fell back to empty email")
	}
}

func TestListGrantsCombinesConsentAndAppRoles(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	registerToken(mux)
	mux.HandleFunc("/servicePrincipals", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":[
			{"id":"sp1","appId":"app-1","displayName":"Slack"},
			{"id":"sp2","appId":"app-2","displayName":"Notion","appRoles":[{"id":"r1","value":"Notes.ReadWrite"}]}
		]}`)
	})
	mux.HandleFunc("/oauth2PermissionGrants", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":[
			{"id":"g1","clientId":"sp1","consentType":"Principal","principalId":"u1","scope":"openid email"},
			{"id":"g2","clientId":"sp1","consentType":"AllPrincipals","scope":"User.Read.All"}
		]}`)
	})
	mux.HandleFunc("/servicePrincipals/sp1/appRoleAssignedTo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":[]}`)
	})
	mux.HandleFunc("/servicePrincipals/sp2/appRoleAssignedTo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":[
			{"principalId":"u1","principalType":"User","appRoleId":"r1"},
			{"principalId":"grp1","principalType":"Group","appRoleId":"r1"}
		]}`)
	})

	c := newTestClient(t, mux)
	grants, err := c.ListGrants(context.Background(), []directory.User{
		{VendorUserID: "u1", Email: "ann@acme.io"},
	})
	if err != nil {
		t.Fatalf("list grants: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("got %d grants, want 2 (tenant-wide consent and group assignment skipped)", len(grants))
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].AppDisplayName < grants[j].AppDisplayName })

	notion := grants[0]
	if notion.AppDisplayName != "Notion" || len(notion.AppRoleNames) != 1 || notion.AppRoleNames[0] != "Notes.ReadWrite" {
		t.Fatalf("app role grant = %+v", notion)
	}
	slack := grants[1]
	if slack.AppDisplayName != "Slack" || slack.ScopeString != "openid email" || slack.UserEmail != "ann@acme.io" {
		t.Fatalf("consent grant = %+v", slack)
	}
}

func TestRejectedCredentialsAreAuthExpired(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/tenant/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid_client","error_description":"AADSTS7000215"}`)
	})

	c := newTestClient(t, mux)
	_, err := c.ListUsers(context.Background())
	if !errors.Is(err, directory.ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
}

func TestPagingFollowsNextLink(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	registerToken(mux)
	var srvURL string
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"value":[{"id":"u2","mail":"b@acme.io"}]}`)
			return
		}
		fmt.Fprintf(w, `{"value":[{"id":"u1","mail":"a@acme.io"}],"@odata.nextLink":"%s/users?page=2"}`, srvURL)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	c, err := NewWithOptions("tenant", "cid", "secret", Options{
		HTTPClient:       srv.Client(),
		GraphBaseURL:     srv.URL,
		AuthorityBaseURL: srv.URL,
		Gate:             ratelimit.NewGate("microsoft", 600000),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	users, err := c.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2", len(users))
	}
}
