package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOAuth struct {
	mu            sync.Mutex
	valid         map[string]bool
	refreshHits   atomic.Int32
	lastGrant     string
	rejectRefresh bool
	srv           *httptest.Server
}

func newFakeOAuth(t *testing.T, valid ...string) *fakeOAuth {
	f := &fakeOAuth{valid: make(map[string]bool)}
	for _, v := range valid {
		f.valid[v] = true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /validate", func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "OAuth ")
		f.mu.Lock()
		ok := f.valid[tok]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"client_id":  "cid",
			"login":      "streamer",
			"user_id":    "42",
			"scopes":     []string{"moderator:read:followers"},
			"expires_in": 3600,
		})
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.refreshHits.Add(1)
		f.mu.Lock()
		f.lastGrant = r.PostForm.Get("grant_type")
		reject := f.rejectRefresh
		f.mu.Unlock()
		if reject {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"status":400,"message":"Invalid refresh token"}`)) //nolint:errcheck
			return
		}
		next := "fresh-" + r.PostForm.Get("grant_type")
		f.mu.Lock()
		f.valid[next] = true
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"access_token":  next,
			"refresh_token": "rotated",
			"expires_in":    3600,
			"scope":         []string{"moderator:read:followers"},
		})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOAuth) options() Options {
	return Options{
		ClientID:     "cid",
		ClientSecret: "secret",
		TokenURL:     f.srv.URL + "/token",
		ValidateURL:  f.srv.URL + "/validate",
	}
}

func TestInitValidToken(t *testing.T) {
	f := newFakeOAuth(t, "good")
	opts := f.options()
	opts.AccessToken = "good"

	s := NewStore(opts, nil)
	require.NoError(t, s.Init(context.Background()))

	assert.Equal(t, "42", s.UserID())
	assert.Equal(t, "streamer", s.Login())
	assert.True(t, s.HasScopes("moderator:read:followers"))
	assert.False(t, s.HasScopes("chat:edit"))
	assert.Equal(t, int32(0), f.refreshHits.Load())
}

func TestInitRefreshesInvalidToken(t *testing.T) {
	f := newFakeOAuth(t)
	opts := f.options()
	opts.AccessToken = "expired"
	opts.RefreshToken = "refresh"
	opts.TokenFile = filepath.Join(t.TempDir(), "tokens", "user.json")

	var hooked Token
	opts.OnRefresh = func(tok Token) { hooked = tok }

	s := NewStore(opts, nil)
	require.NoError(t, s.Init(context.Background()))

	tok, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-refresh_token", tok)
	assert.Equal(t, "42", s.UserID())
	assert.Equal(t, "rotated", hooked.RefreshToken)

	saved, err := LoadTokenFile(opts.TokenFile)
	require.NoError(t, err)
	assert.Equal(t, "fresh-refresh_token", saved.AccessToken)
	assert.Equal(t, "rotated", saved.RefreshToken)
}

func TestInitFromTokenFile(t *testing.T) {
	f := newFakeOAuth(t, "from-file")
	opts := f.options()
	opts.TokenFile = filepath.Join(t.TempDir(), "user.json")
	require.NoError(t, SaveTokenFile(opts.TokenFile, Token{AccessToken: "from-file", RefreshToken: "r"}))

	s := NewStore(opts, nil)
	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, "from-file", s.Token().AccessToken)
	assert.Equal(t, "r", s.Token().RefreshToken)
}

func TestRefreshSingleFlight(t *testing.T) {
	f := newFakeOAuth(t)
	opts := f.options()
	opts.AccessToken = "old"
	opts.RefreshToken = "refresh"

	s := NewStore(opts, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := s.Refresh(context.Background(), "old")
			assert.NoError(t, err)
			assert.Equal(t, "fresh-refresh_token", tok)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.refreshHits.Load())
}

func TestAppToken(t *testing.T) {
	f := newFakeOAuth(t)
	opts := f.options()
	opts.App = true

	s := NewStore(opts, nil)
	require.NoError(t, s.Init(context.Background()))

	assert.Equal(t, "client_credentials", f.lastGrant)
	assert.Equal(t, "fresh-client_credentials", s.Token().AccessToken)
	assert.Empty(t, s.UserID())
}

func TestRefreshRejected(t *testing.T) {
	f := newFakeOAuth(t)
	f.rejectRefresh = true
	opts := f.options()
	opts.AccessToken = "expired"
	opts.RefreshToken = "bad"

	s := NewStore(opts, nil)
	err := s.Init(context.Background())
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	f := newFakeOAuth(t)
	opts := f.options()
	opts.AccessToken = "old"
	opts.RefreshToken = "refresh"

	s := NewStore(opts, nil)
	s.token.ExpiresAt = time.Now().Add(time.Minute)
	s.token.UserID = "42"

	tok, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-refresh_token", tok)
}

func TestNoRefreshWithoutSecret(t *testing.T) {
	s := NewStore(Options{ClientID: "cid"}, nil)
	_, err := s.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrNoRefresh)
}
