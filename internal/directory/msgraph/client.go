// Package msgraph lists Entra ID users and third-party grants through the
// Microsoft Graph API using client credentials.
package msgraph

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

	"golang.org/x/sync/errgroup"

	"github.com/scopewatch/scopewatch/internal/directory"
	"github.com/scopewatch/scopewatch/internal/metrics"
	"github.com/scopewatch/scopewatch/internal/ratelimit"
)

const (
	defaultTimeout    = 120 * time.Second
	maxErrorBodySize  = 1 << 20 // 1 MiB
	defaultGraphBase  = "https://graph.microsoft.com/v1.0"
	defaultAuthority  = "https://login.microsoftonline.com"
	defaultTokenScope = "https://graph.microsoft.com/.default"
	tokenExpiryLeeway = 30 * time.Second
	defaultSPWorkers  = 8
)

type Options struct {
	HTTPClient       *http.Client
	GraphBaseURL     string
	AuthorityBaseURL string
	Gate             *ratelimit.Gate
	Workers          int
}

type Client struct {
	tenantID     string
	clientID     string
	clientSecret string

	http          *http.Client
	graphBaseURL  string
	authorityBase string
	gate          *ratelimit.Gate
	workers       int

	mu                sync.Mutex
	cachedToken       string
	cachedTokenExpiry time.Time
}

func New(tenantID, clientID, clientSecret string) (*Client, error) {
	return NewWithOptions(tenantID, clientID, clientSecret, Options{})
}

func NewWithOptions(tenantID, clientID, clientSecret string, opts Options) (*Client, error) {
	tenantID = strings.TrimSpace(tenantID)
	clientID = strings.TrimSpace(clientID)
	clientSecret = strings.TrimSpace(clientSecret)
	if tenantID == "" || clientID == "" || clientSecret == "" {
		return nil, errors.New("msgraph: tenant id, client id and client secret are required")
	}

	c := &Client{
		tenantID:      tenantID,
		clientID:      clientID,
		clientSecret:  clientSecret,
		http:          opts.HTTPClient,
		graphBaseURL:  strings.TrimRight(strings.TrimSpace(opts.GraphBaseURL), "/"),
		authorityBase: strings.TrimRight(strings.TrimSpace(opts.AuthorityBaseURL), "/"),
		gate:          opts.Gate,
		workers:       opts.Workers,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	if c.graphBaseURL == "" {
		c.graphBaseURL = defaultGraphBase
	}
	if c.authorityBase == "" {
		c.authorityBase = defaultAuthority
	}
	if c.gate == nil {
		c.gate = ratelimit.NewGate("microsoft", 1800)
	}
	if c.workers <= 0 {
		c.workers = defaultSPWorkers
	}
	return c, nil
}

func (c *Client) Vendor() string { return "microsoft" }

type graphUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
	JobTitle          string `json:"jobTitle"`
	Department        string `json:"department"`
	UserType          string `json:"userType"`
	AccountEnabled    *bool  `json:"accountEnabled"`
}

type appRole struct {
	ID          string `json:"id"`
	Value       string `json:"value"`
	DisplayName string `json:"displayName"`
}

type servicePrincipal struct {
	ID          string    `json:"id"`
	AppID       string    `json:"appId"`
	DisplayName string    `json:"displayName"`
	AppRoles    []appRole `json:"appRoles"`
}

type oauth2PermissionGrant struct {
	ID          string `json:"id"`
	ClientID    string `json:"clientId"`
	ConsentType string `json:"consentType"`
	PrincipalID string `json:"principalId"`
	Scope       string `json:"scope"`
}

type appRoleAssignment struct {
	PrincipalID   string `json:"principalId"`
	PrincipalType string `json:"principalType"`
	AppRoleID     string `json:"appRoleId"`
}

func (c *Client) ListUsers(ctx context.Context) ([]directory.User, error) {
	endpoint, err := c.graphURL("/users", url.Values{
		"$select": []string{"id,displayName,mail,userPrincipalName,jobTitle,department,userType,accountEnabled"},
		"$top":    []string{"999"},
	})
	if err != nil {
		return nil, err
	}

	rawItems, err := c.listPagedRaw(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	out := make([]directory.User, 0, len(rawItems))
	for _, raw := range rawItems {
		var u graphUser
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, fmt.Errorf("decode graph user: %w", err)
		}
		email := strings.TrimSpace(u.Mail)
		if email == "" {
			email = strings.TrimSpace(u.UserPrincipalName)
		}
		enabled := true
		if u.AccountEnabled != nil {
			enabled = *u.AccountEnabled
		}
		out = append(out, directory.User{
			VendorUserID:   u.ID,
			Email:          email,
			DisplayName:    u.DisplayName,
			JobTitle:       u.JobTitle,
			Department:     u.Department,
			AccountEnabled: enabled,
			Guest:          strings.EqualFold(u.UserType, "Guest"),
		})
	}
	return out, nil
}

// ListGrants combines delegated OAuth2 permission grants with per-user app
// role assignments. Tenant-wide AllPrincipals consents are skipped: they say
// nothing about which user adopted the app.
func (c *Client) ListGrants(ctx context.Context, users []directory.User) ([]directory.RawGrant, error) {
	byPrincipal := make(map[string]directory.User, len(users))
	for _, u := range users {
		byPrincipal[u.VendorUserID] = u
	}

	sps, err := c.listServicePrincipals(ctx)
	if err != nil {
		return nil, fmt.Errorf("list service principals: %w", err)
	}
	spByID := make(map[string]servicePrincipal, len(sps))
	for _, sp := range sps {
		spByID[sp.ID] = sp
	}

	grants, err := c.listOAuth2PermissionGrants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list oauth2 permission grants: %w", err)
	}

	var all []directory.RawGrant
	for _, g := range grants {
		if !strings.EqualFold(g.ConsentType, "Principal") {
			continue
		}
		user, ok := byPrincipal[g.PrincipalID]
		if !ok {
			continue
		}
		sp := spByID[g.ClientID]
		all = append(all, directory.RawGrant{
			Vendor:         c.Vendor(),
			ClientID:       sp.AppID,
			AppDisplayName: strings.TrimSpace(sp.DisplayName),
			UserID:         user.VendorUserID,
			UserEmail:      user.Email,
			ScopeString:    g.Scope,
		})
	}

	roleGrants, err := c.listAppRoleGrants(ctx, sps, byPrincipal)
	if err != nil {
		return nil, fmt.Errorf("list app role assignments: %w", err)
	}
	return append(all, roleGrants...), nil
}

func (c *Client) listServicePrincipals(ctx context.Context) ([]servicePrincipal, error) {
	endpoint, err := c.graphURL("/servicePrincipals", url.Values{
		"$select": []string{"id,appId,displayName,appRoles"},
		"$top":    []string{"999"},
	})
	if err != nil {
		return nil, err
	}
	rawItems, err := c.listPagedRaw(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	out := make([]servicePrincipal, 0, len(rawItems))
	for _, raw := range rawItems {
		var sp servicePrincipal
		if err := json.Unmarshal(raw, &sp); err != nil {
			return nil, fmt.Errorf("decode service principal: %w", err)
		}
		out = append(out, sp)
	}
	return out, nil
}

func (c *Client) listOAuth2PermissionGrants(ctx context.Context) ([]oauth2PermissionGrant, error) {
	endpoint, err := c.graphURL("/oauth2PermissionGrants", url.Values{
		"$select": []string{"id,clientId,consentType,principalId,scope"},
		"$top":    []string{"999"},
	})
	if err != nil {
		return nil, err
	}
	rawItems, err := c.listPagedRaw(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	out := make([]oauth2PermissionGrant, 0, len(rawItems))
	for _, raw := range rawItems {
		var g oauth2PermissionGrant
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("decode permission grant: %w", err)
		}
		out = append(out, g)
	}
	return out, nil
}

func (c *Client) listAppRoleGrants(ctx context.Context, sps []servicePrincipal, byPrincipal map[string]directory.User) ([]directory.RawGrant, error) {
	var (
		mu  sync.Mutex
		all []directory.RawGrant
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, sp := range sps {
		sp := sp
		g.Go(func() error {
			assignments, err := c.listAppRoleAssignments(ctx, sp.ID)
			if err != nil {
				return fmt.Errorf("assignments for %s: %w", sp.DisplayName, err)
			}
			roleNames := make(map[string]string, len(sp.AppRoles))
			for _, role := range sp.AppRoles {
				name := role.Value
				if name == "" {
					name = role.DisplayName
				}
				roleNames[role.ID] = name
			}
			var grants []directory.RawGrant
			for _, a := range assignments {
				if !strings.EqualFold(a.PrincipalType, "User") {
					continue
				}
				user, ok := byPrincipal[a.PrincipalID]
				if !ok {
					continue
				}
				name := roleNames[a.AppRoleID]
				if name == "" {
					name = a.AppRoleID
				}
				grants = append(grants, directory.RawGrant{
					Vendor:         c.Vendor(),
					ClientID:       sp.AppID,
					AppDisplayName: strings.TrimSpace(sp.DisplayName),
					UserID:         user.VendorUserID,
					UserEmail:      user.Email,
					AppRoleNames:   []string{name},
				})
			}
			if len(grants) > 0 {
				mu.Lock()
				all = append(all, grants...)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

func (c *Client) listAppRoleAssignments(ctx context.Context, spID string) ([]appRoleAssignment, error) {
	endpoint, err := c.graphURL("/servicePrincipals/"+url.PathEscape(spID)+"/appRoleAssignedTo", url.Values{
		"$top": []string{"999"},
	})
	if err != nil {
		return nil, err
	}
	rawItems, err := c.listPagedRaw(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	out := make([]appRoleAssignment, 0, len(rawItems))
	for _, raw := range rawItems {
		var a appRoleAssignment
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("decode app role assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (c *Client) listPagedRaw(ctx context.Context, endpoint string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for {
		body, err := c.get(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		var page struct {
			Value    []json.RawMessage `json:"value"`
			NextLink string            `json:"@odata.nextLink"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Value...)

		next := strings.TrimSpace(page.NextLink)
		if next == "" {
			break
		}
		endpoint = next
	}
	return out, nil
}

func (c *Client) graphURL(path string, query url.Values) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(c.graphBaseURL), "/")
	if base == "" {
		return "", errors.New("msgraph base url is required")
	}
	endpoint := base + path
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	return endpoint, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	var respBody []byte
	err := c.gate.Do(ctx, func(ctx context.Context) error {
		token, err := c.token(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "scopewatch")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		metrics.APIRequestsTotal.WithLabelValues(c.Vendor(), strconv.Itoa(resp.StatusCode)).Inc()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			respBody = body
			return nil
		case resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusServiceUnavailable ||
			resp.StatusCode == http.StatusGatewayTimeout:
			return &ratelimit.QuotaError{StatusCode: resp.StatusCode, Message: extractGraphError(body)}
		case resp.StatusCode == http.StatusUnauthorized:
			c.invalidateToken()
			return fmt.Errorf("graph api unauthorized: %s", extractGraphError(body))
		default:
			return fmt.Errorf("graph api failed: status=%d url=%s: %s", resp.StatusCode, safeURL(endpoint), extractGraphError(body))
		}
	})
	if err != nil {
		return nil, err
	}
	return respBody, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cachedToken = ""
	c.cachedTokenExpiry = time.Time{}
}

func (c *Client) token(ctx context.Context) (string, error) {
	now := time.Now()

	c.mu.Lock()
	cached := c.cachedToken
	exp := c.cachedTokenExpiry
	c.mu.Unlock()

	if strings.TrimSpace(cached) != "" && exp.After(now.Add(tokenExpiryLeeway)) {
		return cached, nil
	}

	accessToken, expiresAt, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cachedToken = accessToken
	c.cachedTokenExpiry = expiresAt
	c.mu.Unlock()

	return accessToken, nil
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Time, error) {
	u, err := url.Parse(c.authorityBase)
	if err != nil {
		return "", time.Time{}, err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(c.tenantID) + "/oauth2/v2.0/token"
	u.RawQuery = ""
	u.Fragment = ""

	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("scope", defaultTokenScope)
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "scopewatch")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	resp.Body.Close()
	if readErr != nil {
		return "", time.Time{}, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &payload)
		switch payload.Error {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return "", time.Time{}, fmt.Errorf("entra credentials rejected (%s): %w", payload.Error, directory.ErrAuthExpired)
		}
		return "", time.Time{}, fmt.Errorf("entra token request failed: status=%d: %s", resp.StatusCode, extractGraphError(body))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   any    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", time.Time{}, err
	}

	accessToken := strings.TrimSpace(payload.AccessToken)
	if accessToken == "" {
		return "", time.Time{}, errors.New("entra token response missing access_token")
	}

	expiresIn, ok := parseExpiresInSeconds(payload.ExpiresIn)
	if !ok {
		expiresIn = 3600
	}
	return accessToken, time.Now().Add(time.Duration(expiresIn) * time.Second), nil
}

func parseExpiresInSeconds(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if t <= 0 {
			return 0, false
		}
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil || n <= 0 {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func extractGraphError(body []byte) string {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Code + ": " + payload.Error.Message
		}
		if payload.ErrorDescription != "" {
			return payload.ErrorDescription
		}
	}
	return strings.TrimSpace(string(body))
}

func safeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
