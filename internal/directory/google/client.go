// Package google lists Workspace users and OAuth token grants through the
// Admin SDK Directory API using a delegated admin refresh token.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/scopewatch/scopewatch/internal/directory"
	"github.com/scopewatch/scopewatch/internal/metrics"
	"github.com/scopewatch/scopewatch/internal/ratelimit"
)

const (
	defaultDirectoryBaseURL = "https://admin.googleapis.com/admin/directory/v1"
	defaultTokenURL         = "https://oauth2.googleapis.com/token"
	defaultTimeout          = 120 * time.Second
	tokenLeeway             = 30 * time.Second
	defaultGrantWorkers     = 8
)

// Credentials is the delegated admin grant a sync run operates with.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
	AdminEmail   string
}

type Options struct {
	HTTPClient       *http.Client
	DirectoryBaseURL string
	TokenURL         string
	Gate             *ratelimit.Gate
	GrantWorkers     int
}

type Client struct {
	creds            Credentials
	http             *http.Client
	directoryBaseURL string
	tokenURL         string
	gate             *ratelimit.Gate
	grantWorkers     int

	mu             sync.Mutex
	cachedToken    string
	cachedTokenExp time.Time
}

func NewClient(creds Credentials, opts Options) (*Client, error) {
	if strings.TrimSpace(creds.RefreshToken) == "" && strings.TrimSpace(creds.AccessToken) == "" {
		return nil, errors.New("google: a refresh token or access token is required")
	}
	c := &Client{
		creds:            creds,
		http:             opts.HTTPClient,
		directoryBaseURL: strings.TrimRight(strings.TrimSpace(opts.DirectoryBaseURL), "/"),
		tokenURL:         strings.TrimSpace(opts.TokenURL),
		gate:             opts.Gate,
		grantWorkers:     opts.GrantWorkers,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	if c.directoryBaseURL == "" {
		c.directoryBaseURL = defaultDirectoryBaseURL
	}
	if c.tokenURL == "" {
		c.tokenURL = defaultTokenURL
	}
	if c.gate == nil {
		c.gate = ratelimit.NewGate("google", 1800)
	}
	if c.grantWorkers <= 0 {
		c.grantWorkers = defaultGrantWorkers
	}
	// Seed the cache with the caller's access token so the first requests
	// skip a refresh round trip.
	if tok := strings.TrimSpace(creds.AccessToken); tok != "" {
		c.cachedToken = tok
		c.cachedTokenExp = time.Now().Add(5 * time.Minute)
	}
	return c, nil
}

func (c *Client) Vendor() string { return "google" }

type workspaceUser struct {
	ID           string `json:"id"`
	PrimaryEmail string `json:"primaryEmail"`
	Suspended    bool   `json:"suspended"`
	Archived     bool   `json:"archived"`
	Name         struct {
		FullName string `json:"fullName"`
	} `json:"name"`
	Organizations []struct {
		Title      string `json:"title"`
		Department string `json:"department"`
	} `json:"organizations"`
}

type tokenGrant struct {
	UserKey     string   `json:"userKey"`
	ClientID    string   `json:"clientId"`
	DisplayText string   `json:"displayText"`
	NativeApp   bool     `json:"nativeApp"`
	Anonymous   bool     `json:"anonymous"`
	Scopes      []string `json:"scopes"`
}

func (c *Client) ListUsers(ctx context.Context) ([]directory.User, error) {
	endpoint := c.directoryBaseURL + "/users"
	items, err := c.listPaged(ctx, endpoint, "users", url.Values{
		"customer":   []string{"my_customer"},
		"maxResults": []string{"500"},
		"orderBy":    []string{"email"},
	})
	if err != nil {
		return nil, err
	}

	out := make([]directory.User, 0, len(items))
	for _, raw := range items {
		var user workspaceUser
		if err := json.Unmarshal(raw, &user); err != nil {
			return nil, fmt.Errorf("decode workspace user: %w", err)
		}
		u := directory.User{
			VendorUserID:   user.ID,
			Email:          strings.TrimSpace(user.PrimaryEmail),
			DisplayName:    user.Name.FullName,
			AccountEnabled: !user.Suspended && !user.Archived,
		}
		if len(user.Organizations) > 0 {
			u.JobTitle = user.Organizations[0].Title
			u.Department = user.Organizations[0].Department
		}
		out = append(out, u)
	}
	return out, nil
}

// ListGrants fetches the OAuth token listing of each user. A 404 on the
// per-user endpoint means the account issued no tokens and contributes
// nothing. Workers share the gate, so the per-minute budget holds regardless
// of fan-out.
func (c *Client) ListGrants(ctx context.Context, users []directory.User) ([]directory.RawGrant, error) {
	var (
		mu  sync.Mutex
		all []directory.RawGrant
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.grantWorkers)
	for _, user := range users {
		user := user
		g.Go(func() error {
			grants, err := c.listUserTokens(ctx, user)
			if err != nil {
				return fmt.Errorf("tokens for %s: %w", user.Email, err)
			}
			if len(grants) == 0 {
				return nil
			}
			mu.Lock()
			all = append(all, grants...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

func (c *Client) listUserTokens(ctx context.Context, user directory.User) ([]directory.RawGrant, error) {
	key := user.VendorUserID
	if key == "" {
		key = user.Email
	}
	endpoint := c.directoryBaseURL + "/users/" + url.PathEscape(key) + "/tokens"
	items, err := c.listPaged(ctx, endpoint, "items", url.Values{})
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]directory.RawGrant, 0, len(items))
	for _, raw := range items {
		var grant tokenGrant
		if err := json.Unmarshal(raw, &grant); err != nil {
			return nil, fmt.Errorf("decode token grant: %w", err)
		}
		if grant.Anonymous && grant.DisplayText == "" {
			continue
		}
		out = append(out, directory.RawGrant{
			Vendor:         c.Vendor(),
			ClientID:       grant.ClientID,
			AppDisplayName: strings.TrimSpace(grant.DisplayText),
			UserID:         user.VendorUserID,
			UserEmail:      user.Email,
			Scopes:         grant.Scopes,
		})
	}
	return out, nil
}

// VerifyAssignment re-checks whether userKey still holds a token for
// clientID.
func (c *Client) VerifyAssignment(ctx context.Context, userKey, clientID string) (bool, error) {
	endpoint := c.directoryBaseURL + "/users/" + url.PathEscape(userKey) + "/tokens/" + url.PathEscape(clientID)
	_, status, err := c.doAuthorizedJSONRequest(ctx, http.MethodGet, endpoint)
	if err != nil {
		if status == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

var errNotFound = errors.New("google api resource not found")

func (c *Client) listPaged(ctx context.Context, endpoint, key string, values url.Values) ([]json.RawMessage, error) {
	all := make([]json.RawMessage, 0)
	nextPageToken := ""

	for {
		query := cloneURLValues(values)
		if nextPageToken != "" {
			query.Set("pageToken", nextPageToken)
		}
		requestURL := endpoint
		if encoded := query.Encode(); encoded != "" {
			requestURL += "?" + encoded
		}

		respBody, statusCode, err := c.doAuthorizedJSONRequest(ctx, http.MethodGet, requestURL)
		if err != nil {
			if statusCode == http.StatusNotFound {
				return nil, errNotFound
			}
			return nil, err
		}

		var payload struct {
			NextPageToken string            `json:"nextPageToken"`
			Items         []json.RawMessage `json:"items"`
			Users         []json.RawMessage `json:"users"`
		}
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return nil, fmt.Errorf("decode google api page response: %w", err)
		}

		switch key {
		case "users":
			all = append(all, payload.Users...)
		default:
			all = append(all, payload.Items...)
		}

		nextPageToken = strings.TrimSpace(payload.NextPageToken)
		if nextPageToken == "" {
			break
		}
	}

	return all, nil
}

func cloneURLValues(values url.Values) url.Values {
	if len(values) == 0 {
		return url.Values{}
	}
	cloned := make(url.Values, len(values))
	for key, items := range values {
		cp := make([]string, len(items))
		copy(cp, items)
		cloned[key] = cp
	}
	return cloned
}

func (c *Client) doAuthorizedJSONRequest(ctx context.Context, method, requestURL string) ([]byte, int, error) {
	var (
		respBody   []byte
		statusCode int
	)
	err := c.gate.Do(ctx, func(ctx context.Context) error {
		accessToken, err := c.accessToken(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		statusCode = resp.StatusCode
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		metrics.APIRequestsTotal.WithLabelValues(c.Vendor(), strconv.Itoa(statusCode)).Inc()

		if statusCode == http.StatusUnauthorized {
			c.invalidateToken()
		}
		if statusCode >= 200 && statusCode < 300 {
			respBody = body
			return nil
		}
		// Only throttling and transient gateway failures are worth a retry.
		// Other 5xx responses surface immediately.
		if statusCode == http.StatusTooManyRequests ||
			statusCode == http.StatusServiceUnavailable ||
			statusCode == http.StatusGatewayTimeout {
			return &ratelimit.QuotaError{StatusCode: statusCode, Message: strings.TrimSpace(string(body))}
		}
		return fmt.Errorf("google api request failed: status=%d body=%s", statusCode, strings.TrimSpace(string(body)))
	})
	if err != nil {
		return nil, statusCode, err
	}
	return respBody, statusCode, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cachedToken = ""
	c.cachedTokenExp = time.Time{}
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.cachedToken != "" && time.Now().Add(tokenLeeway).Before(c.cachedTokenExp) {
		token := c.cachedToken
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	token, expiry, err := c.refreshAccessToken(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cachedToken = token
	c.cachedTokenExp = expiry
	c.mu.Unlock()
	return token, nil
}

func (c *Client) refreshAccessToken(ctx context.Context) (string, time.Time, error) {
	if strings.TrimSpace(c.creds.RefreshToken) == "" {
		return "", time.Time{}, fmt.Errorf("access token expired and no refresh token available: %w", directory.ErrAuthExpired)
	}

	conf := &oauth2.Config{
		ClientID:     c.creds.ClientID,
		ClientSecret: c.creds.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: c.tokenURL},
	}
	tctx := context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := conf.TokenSource(tctx, &oauth2.Token{RefreshToken: c.creds.RefreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.ErrorCode == "invalid_grant" {
			return "", time.Time{}, fmt.Errorf("google refresh token revoked: %w", directory.ErrAuthExpired)
		}
		return "", time.Time{}, fmt.Errorf("refresh google token: %w", err)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return tok.AccessToken, expiry, nil
}
