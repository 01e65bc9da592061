package auth

import "context"

// Provider supplies bearer credentials to the Helix client and the socket
// transports. *Store satisfies this interface.
type Provider interface {
	ClientID() string
	UserID() string
	// AccessToken returns a token, refreshing first when it is about to expire.
	AccessToken(ctx context.Context) (string, error)
	// Refresh replaces the token the caller saw rejected. When another caller
	// has already replaced stale, the current token is returned unchanged.
	Refresh(ctx context.Context, stale string) (string, error)
}
