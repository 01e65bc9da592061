package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DeviceCodeResponse represents the response from the device code endpoint.
type DeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
}

// TokenResponse represents a successful token response.
type TokenResponse struct {
	AccessToken  string   `json:"access_token"`
	ExpiresIn    int      `json:"expires_in"`
	RefreshToken string   `json:"refresh_token"`
	Scope        []string `json:"scope"`
	TokenType    string   `json:"token_type"`
}

// TokenErrorResponse represents an error response from the token endpoint.
type TokenErrorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// DeviceCodeLogin runs the device authorization grant for a user token with
// the given scopes. The verification URI and code are written to out; the
// call blocks until the user approves, the code expires or ctx ends.
func (s *Store) DeviceCodeLogin(ctx context.Context, scopes []string, out io.Writer) error {
	dcResp, err := s.requestDeviceCode(ctx, scopes)
	if err != nil {
		return fmt.Errorf("requesting device code: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "📺 Device Code Login")
	fmt.Fprintln(out, "─────────────────────────────────────")
	fmt.Fprintf(out, "Go to: %s\n", dcResp.VerificationURI)
	fmt.Fprintf(out, "Enter code: %s\n", dcResp.UserCode)
	fmt.Fprintln(out, "─────────────────────────────────────")
	fmt.Fprintln(out, "Waiting for authorization...")

	tokenResp, err := s.pollForToken(ctx, dcResp.DeviceCode, scopes, dcResp.Interval, dcResp.ExpiresIn)
	if err != nil {
		return fmt.Errorf("polling for token: %w", err)
	}

	tok := Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		Scopes:       tokenResp.Scope,
	}
	if tokenResp.ExpiresIn > 0 {
		tok.ExpiresAt = s.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()

	if err := s.Validate(ctx); err != nil {
		return fmt.Errorf("device code login succeeded but token validation failed: %w", err)
	}
	s.persist()

	s.log.Info("Successfully authenticated via device code flow",
		"login", s.Login(), "user_id", s.UserID())
	return nil
}

func (s *Store) requestDeviceCode(ctx context.Context, scopes []string) (*DeviceCodeResponse, error) {
	form := url.Values{
		"client_id": {s.opts.ClientID},
		"scopes":    {strings.Join(scopes, " ")},
	}

	body, status, err := s.postForm(ctx, s.opts.DeviceCodeURL, form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("device code request returned HTTP %d: %s",
			status, strings.TrimSpace(string(body)))
	}

	var dcResp DeviceCodeResponse
	if err := json.Unmarshal(body, &dcResp); err != nil {
		return nil, fmt.Errorf("parsing device code response: %w", err)
	}
	if dcResp.DeviceCode == "" || dcResp.UserCode == "" {
		return nil, fmt.Errorf("device code response missing required fields")
	}
	return &dcResp, nil
}

// pollForToken polls the token endpoint until the user authorizes the device
// or the code expires.
func (s *Store) pollForToken(ctx context.Context, deviceCode string, scopes []string, interval, expiresIn int) (*TokenResponse, error) {
	if interval <= 0 {
		interval = 5
	}

	pollInterval := time.Duration(interval) * time.Second
	deadline := s.now().Add(time.Duration(expiresIn) * time.Second)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("device code login cancelled: %w", ctx.Err())
		case t := <-ticker.C:
			if t.After(deadline) {
				return nil, fmt.Errorf("device code expired, please try again")
			}

			tokenResp, err := s.requestDeviceToken(ctx, deviceCode, scopes)
			if err != nil {
				return nil, err
			}
			if tokenResp != nil {
				return tokenResp, nil
			}
		}
	}
}

// requestDeviceToken makes a single token request. It returns (nil, nil)
// while authorization is still pending.
func (s *Store) requestDeviceToken(ctx context.Context, deviceCode string, scopes []string) (*TokenResponse, error) {
	form := url.Values{
		"client_id":   {s.opts.ClientID},
		"device_code": {deviceCode},
		"scopes":      {strings.Join(scopes, " ")},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}

	body, status, err := s.postForm(ctx, s.opts.TokenURL, form)
	if err != nil {
		return nil, err
	}

	if status == http.StatusOK {
		var tokenResp TokenResponse
		if err := json.Unmarshal(body, &tokenResp); err != nil {
			return nil, fmt.Errorf("parsing token response: %w", err)
		}
		if tokenResp.AccessToken == "" {
			return nil, fmt.Errorf("token response missing access_token")
		}
		return &tokenResp, nil
	}

	if status == http.StatusBadRequest {
		var errResp TokenErrorResponse
		if err := json.Unmarshal(body, &errResp); err != nil {
			return nil, fmt.Errorf("parsing token error response: %w", err)
		}

		switch errResp.Message {
		case "authorization_pending":
			return nil, nil
		case "slow_down":
			s.log.Debug("Token endpoint requested slow down")
			return nil, nil
		case "expired_token":
			return nil, fmt.Errorf("device code expired, please try again")
		default:
			return nil, fmt.Errorf("token request failed: %s (status %d)", errResp.Message, errResp.Status)
		}
	}

	return nil, fmt.Errorf("token request returned unexpected HTTP %d: %s",
		status, strings.TrimSpace(string(body)))
}

func (s *Store) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}
