// Package auth holds Twitch OAuth credentials: it validates and refreshes
// user and app access tokens and persists them to a JSON token file.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Guliveer/twitch-eventsub-go/internal/constants"
	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
)

var (
	// ErrInvalidRefreshToken is returned when Twitch rejects the refresh token.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrUnauthorized is returned when neither token nor refresh token is accepted.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidToken is returned when token validation fails.
	ErrInvalidToken = errors.New("invalid access token")
	// ErrNoRefresh is returned when a token expired and cannot be renewed.
	ErrNoRefresh = errors.New("no way to refresh token")
)

// Options configures a Store.
type Options struct {
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	// App makes the store mint client-credentials tokens instead of user tokens.
	App bool
	// TokenFile, when set, is read on Init and rewritten after every refresh.
	TokenFile string

	TokenURL      string
	ValidateURL   string
	DeviceCodeURL string
	HTTPClient    *http.Client

	// OnRefresh is called with the new token after every successful refresh.
	OnRefresh func(Token)
}

// Store is the token store consulted before every outbound call.
// It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	token Token

	// refreshMu serializes refreshes so concurrent 401s trigger one exchange.
	refreshMu sync.Mutex

	opts       Options
	log        *logger.Logger
	httpClient *http.Client
	now        func() time.Time
}

// NewStore creates a Store. Call Init before use.
func NewStore(opts Options, log *logger.Logger) *Store {
	if opts.TokenURL == "" {
		opts.TokenURL = constants.TokenURL
	}
	if opts.ValidateURL == "" {
		opts.ValidateURL = constants.ValidateURL
	}
	if opts.DeviceCodeURL == "" {
		opts.DeviceCodeURL = constants.DeviceCodeURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	if log == nil {
		log = logger.Discard()
	}

	return &Store{
		token: Token{
			AccessToken:  opts.AccessToken,
			RefreshToken: opts.RefreshToken,
		},
		opts:       opts,
		log:        log,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Init establishes a usable token with the following priority:
//  1. token file -> validate -> success
//     1b. invalid cached token -> refresh -> success
//  2. token from options -> validate -> success, or refresh
//  3. app store without any token -> client credentials
func (s *Store) Init(ctx context.Context) error {
	if TokenFileExists(s.opts.TokenFile) {
		tok, err := LoadTokenFile(s.opts.TokenFile)
		if err != nil {
			s.log.Warn("Failed to load token file, using configured tokens", "error", err)
		} else {
			s.log.Info("Loading stored token", "file", s.opts.TokenFile)
			s.mu.Lock()
			if tok.RefreshToken == "" {
				tok.RefreshToken = s.token.RefreshToken
			}
			s.token = *tok
			s.mu.Unlock()
		}
	}

	s.mu.RLock()
	current := s.token.AccessToken
	s.mu.RUnlock()

	if current != "" {
		err := s.Validate(ctx)
		if err == nil {
			s.log.Info("Token validated", "login", s.Login(), "user_id", s.UserID())
			return nil
		}
		if !errors.Is(err, ErrInvalidToken) {
			return err
		}
		s.log.Warn("Stored token is invalid, will try refresh")
	}

	if _, err := s.Refresh(ctx, current); err != nil {
		return fmt.Errorf("obtaining access token: %w", err)
	}
	return nil
}

// ClientID returns the application's client id.
func (s *Store) ClientID() string {
	return s.opts.ClientID
}

// UserID returns the id of the user the token belongs to (empty for app tokens).
func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.UserID
}

// Login returns the login name of the token owner.
func (s *Store) Login() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.Login
}

// Scopes returns the scopes granted to the current token.
func (s *Store) Scopes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.token.Scopes))
	copy(out, s.token.Scopes)
	return out
}

// HasScopes reports whether every given scope was granted.
func (s *Store) HasScopes(scopes ...string) bool {
	granted := make(map[string]bool)
	for _, sc := range s.Scopes() {
		granted[sc] = true
	}
	for _, sc := range scopes {
		if !granted[sc] {
			return false
		}
	}
	return true
}

// Token returns a copy of the current credentials.
func (s *Store) Token() Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// AccessToken returns the current token. The token is refreshed 5 minutes
// before its known expiry.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	tok := s.token
	s.mu.RUnlock()

	if tok.AccessToken != "" && !tok.expiresWithin(constants.DefaultTokenRefreshMargin, s.now()) {
		return tok.AccessToken, nil
	}
	if !s.canRefresh() {
		if tok.AccessToken == "" {
			return "", ErrNoRefresh
		}
		return tok.AccessToken, nil
	}
	return s.Refresh(ctx, tok.AccessToken)
}

func (s *Store) canRefresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.opts.App {
		return s.opts.ClientSecret != ""
	}
	return s.token.RefreshToken != "" && s.opts.ClientSecret != ""
}

// Refresh exchanges credentials for a new access token. If the current token
// no longer equals stale, another caller already refreshed and the current
// token is returned.
func (s *Store) Refresh(ctx context.Context, stale string) (string, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.RLock()
	current := s.token
	s.mu.RUnlock()
	if current.AccessToken != "" && current.AccessToken != stale {
		return current.AccessToken, nil
	}

	if !s.canRefresh() {
		return "", ErrNoRefresh
	}

	form := url.Values{
		"client_id":     {s.opts.ClientID},
		"client_secret": {s.opts.ClientSecret},
	}
	if s.opts.App {
		form.Set("grant_type", "client_credentials")
	} else {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", current.RefreshToken)
	}

	s.log.Info("Refreshing access token", "app", s.opts.App)

	tokenResp, err := s.postToken(ctx, form)
	if err != nil {
		return "", err
	}

	next := Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		Scopes:       tokenResp.Scope,
		UserID:       current.UserID,
		Login:        current.Login,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if tokenResp.ExpiresIn > 0 {
		next.ExpiresAt = s.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}

	s.mu.Lock()
	s.token = next
	s.mu.Unlock()

	if !s.opts.App && next.UserID == "" {
		if err := s.Validate(ctx); err != nil {
			return "", fmt.Errorf("refreshed token validation failed: %w", err)
		}
	}

	s.persist()
	if s.opts.OnRefresh != nil {
		s.opts.OnRefresh(s.Token())
	}

	s.log.Info("Successfully refreshed access token", "user_id", s.UserID())
	return next.AccessToken, nil
}

func (s *Store) persist() {
	if s.opts.TokenFile == "" {
		return
	}
	if err := SaveTokenFile(s.opts.TokenFile, s.Token()); err != nil {
		s.log.Warn("Failed to save token file", "error", err)
		return
	}
	s.log.Debug("Token saved", "file", s.opts.TokenFile)
}

func (s *Store) postToken(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading refresh response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", ErrInvalidRefreshToken, strings.TrimSpace(string(body)))
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, strings.TrimSpace(string(body)))
	default:
		return nil, fmt.Errorf("refresh request returned HTTP %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("parsing refresh response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("refresh response missing access_token")
	}
	return &tokenResp, nil
}

// Validate checks the current token against the OAuth2 validate endpoint and
// records the owner, scopes and expiry it reports.
func (s *Store) Validate(ctx context.Context) error {
	s.mu.RLock()
	token := s.token.AccessToken
	s.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.ValidateURL, nil)
	if err != nil {
		return fmt.Errorf("create validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("validate token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token validation failed with status %d", resp.StatusCode)
	}

	var result struct {
		ClientID  string   `json:"client_id"`
		Login     string   `json:"login"`
		UserID    string   `json:"user_id"`
		Scopes    []string `json:"scopes"`
		ExpiresIn int      `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode validate response: %w", err)
	}

	if s.opts.ClientID != "" && result.ClientID != "" && result.ClientID != s.opts.ClientID {
		return fmt.Errorf("token belongs to client %q, expected %q", result.ClientID, s.opts.ClientID)
	}

	s.mu.Lock()
	if s.token.AccessToken == token {
		s.token.UserID = result.UserID
		s.token.Login = result.Login
		s.token.Scopes = result.Scopes
		if result.ExpiresIn > 0 {
			s.token.ExpiresAt = s.now().Add(time.Duration(result.ExpiresIn) * time.Second)
		}
	}
	s.mu.Unlock()
	return nil
}
