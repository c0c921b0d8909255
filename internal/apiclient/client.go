// Package apiclient is the HTTP client for the consent backend: platform
// authorization, token verification, PIN lookup, and authorized-request
// submission.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

// APIError is a non-2xx backend response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Body)
}

// Client talks to the consent backend. All methods honor ctx for cancellation
// and deadlines; the underlying HTTP client adds a hard 15s cap.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New returns a Client for the given base URL. apiKey is sent as a bearer
// credential on every request; pass the session token instead via the
// per-request token argument where one exists.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

// PinEnvelope is the at-rest PIN record returned by the backend: still
// encrypted, base64-wrapped, plus a short-lived token for the signing provider.
type PinEnvelope struct {
	HashedSubjectID string `json:"hashedUserId"`
	CipherEnvelope  string `json:"cipherResult"`
	Token           string `json:"token"`
}

// GrantScope is one user-approved (requester, data category) pair submitted
// with the authorization request.
type GrantScope struct {
	Requester    string `json:"requester"`
	DataCategory string `json:"dataCategory"`
}

// AuthorizationRequest is the final signed request: hashed subject id,
// encrypted PIN, and the aggregated granted scopes.
type AuthorizationRequest struct {
	HashedSubjectID string       `json:"hashedUserId"`
	EncryptedPin    string       `json:"encryptedPin"`
	Scheme          string       `json:"scheme"`
	Grants          []GrantScope `json:"grants"`
}

// AccessCredential is the scoped credential minted for an authorized request.
type AccessCredential struct {
	Token     string    `json:"apiUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AuthorizePlatform returns the provider authorization URL for the platform.
func (c *Client) AuthorizePlatform(ctx context.Context, platform, sessionToken string) (string, error) {
	var out struct {
		URL string `json:"authUrl"`
	}
	in := map[string]string{"platform": platform}
	if err := c.doJSON(ctx, http.MethodPost, "/platform/authorize", sessionToken, in, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("backend returned no authorization url for %s", platform)
	}
	return out.URL, nil
}

// RevokePlatform revokes the platform connection on the backend. Callers must
// not clear local state unless this returns nil.
func (c *Client) RevokePlatform(ctx context.Context, platform, sessionToken string) error {
	in := map[string]string{"platform": platform}
	return c.doJSON(ctx, http.MethodPost, "/platform/revoke", sessionToken, in, nil)
}

// PlatformConnected reports whether the backend has recorded a completed
// authorization for the platform. Used by the poll-for-token loop.
func (c *Client) PlatformConnected(ctx context.Context, platform, sessionToken string) (bool, error) {
	var out struct {
		Connected bool `json:"connected"`
	}
	path := "/platform/status?" + url.Values{"platform": {platform}}.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, sessionToken, nil, &out); err != nil {
		return false, err
	}
	return out.Connected, nil
}

// VerifyToken checks the bearer token against the backend. Implements the
// remote half of token validation; callers degrade any error to "invalid".
func (c *Client) VerifyToken(ctx context.Context, token string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/token/verify", token, map[string]string{"token": token}, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

// FetchPin looks up (or creates) the per-user secret PIN, returned still
// encrypted at rest.
func (c *Client) FetchPin(ctx context.Context, hashedSubjectID, sessionToken string) (*PinEnvelope, error) {
	var out PinEnvelope
	in := map[string]string{"hashedUserId": hashedSubjectID}
	if err := c.doJSON(ctx, http.MethodPost, "/pin/fetch", sessionToken, in, &out); err != nil {
		return nil, err
	}
	if out.CipherEnvelope == "" {
		return nil, fmt.Errorf("backend returned empty pin envelope")
	}
	return &out, nil
}

// SubmitAuthorizedRequest submits the final authorization and returns the
// scoped access credential.
func (c *Client) SubmitAuthorizedRequest(ctx context.Context, req *AuthorizationRequest, sessionToken string) (*AccessCredential, error) {
	var out AccessCredential
	if err := c.doJSON(ctx, http.MethodPost, "/authorization/submit", sessionToken, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer == "" {
		bearer = c.APIKey
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode backend response: %w", err)
		}
	}
	return nil
}
