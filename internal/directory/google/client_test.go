package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/scopewatch/scopewatch/internal/directory"
	"github.com/scopewatch/scopewatch/internal/ratelimit"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Credentials{
		ClientID:     "cid",
		ClientSecret: "secret",
		RefreshToken: "refresh",
	}, Options{
		HTTPClient:       srv.Client(),
		DirectoryBaseURL: srv.URL,
		TokenURL:         srv.URL + "/token",
		Gate:             ratelimit.NewGate("google", 600000),
		GrantWorkers:     2,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, srv
}

func serveToken(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`)
}

func TestListUsersPaginates(t *testing.T) {
	t.Parallel()
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		serveToken(w)
	})
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
			t.Errorf("authorization header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			fmt.Fprint(w, `{"users":[{"id":"u1","primaryEmail":"a@acme.io","name":{"fullName":"Ann"}}],"nextPageToken":"p2"}`)
			return
		}
		fmt.Fprint(w, `{"users":[{"id":"u2","primaryEmail":"b@acme.io","suspended":true,"organizations":[{"title":"CTO","department":"Eng"}]}]}`)
	})

	c, _ := newTestClient(t, mux)
	users, err := c.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2", len(users))
	}
	if users[0].Email != "a@acme.io" || !users[0].AccountEnabled {
		t.Fatalf("first user = %+v", users[0])
	}
	if users[1].AccountEnabled {
		t.Fatal("suspended user reported enabled")
	}
	if users[1].JobTitle != "CTO" || users[1].Department != "Eng" {
		t.Fatalf("second user org fields = %+v", users[1])
	}
	if n := tokenCalls.Load(); n != 1 {
		t.Fatalf("token endpoint called %d times, want 1", n)
	}
}

func TestListGrantsTreats404AsEmpty(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) { serveToken(w) })
	mux.HandleFunc("/users/u1/tokens", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[{"clientId":"app-1","displayText":"Slack","scopes":["openid","email"]}]}`)
	})
	mux.HandleFunc("/users/u2/tokens", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	c, _ := newTestClient(t, mux)
	grants, err := c.ListGrants(context.Background(), []directory.User{
		{VendorUserID: "u1", Email: "a@acme.io"},
		{VendorUserID: "u2", Email: "b@acme.io"},
	})
	if err != nil {
		t.Fatalf("list grants: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("got %d grants, want 1", len(grants))
	}
	g := grants[0]
	if g.AppDisplayName != "Slack" || g.UserEmail != "a@acme.io" || len(g.Scopes) != 2 {
		t.Fatalf("grant = %+v", g)
	}
}

func TestServerErrorSurfacesWithoutRetry(t *testing.T) {
	t.Parallel()
	var userCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) { serveToken(w) })
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		userCalls.Add(1)
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	})

	c, _ := newTestClient(t, mux)
	_, err := c.ListUsers(context.Background())
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
	var qe *ratelimit.QuotaError
	if errors.As(err, &qe) {
		t.Fatalf("500 classified as quota error: %v", err)
	}
	if n := userCalls.Load(); n != 1 {
		t.Fatalf("users endpoint called %d times, want 1", n)
	}
}

func TestRevokedRefreshTokenIsAuthExpired(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	})

	c, _ := newTestClient(t, mux)
	_, err := c.ListUsers(context.Background())
	if !errors.Is(err, directory.ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
}

func TestVerifyAssignment(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) { serveToken(w) })
	mux.HandleFunc("/users/u1/tokens/app-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"clientId":"app-1"}`)
	})
	mux.HandleFunc("/users/u1/tokens/app-2", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	c, _ := newTestClient(t, mux)
	held, err := c.VerifyAssignment(context.Background(), "u1", "app-1")
	if err != nil || !held {
		t.Fatalf("existing assignment: held=%v err=%v", held, err)
	}
	held, err = c.VerifyAssignment(context.Background(), "u1", "app-2")
	if err != nil {
		t.Fatalf("missing assignment: %v", err)
	}
	if held {
		t.Fatal("missing assignment reported held")
	}
}
