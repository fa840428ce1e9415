package oauth

import (
	"errors"
	"fmt"

	"github.com/outreachly/outreachly/internal/model"
)

var (
	// ErrUnsupportedProvider signals a provider outside the fixed supported set.
	ErrUnsupportedProvider = errors.New("oauth: unsupported provider")
	// ErrMissingCredentials signals missing client id/secret configuration for a provider.
	ErrMissingCredentials = errors.New("oauth: provider client credentials not configured")
	// ErrNotConnected signals that no live credential exists for the (user, provider) pair.
	ErrNotConnected = errors.New("oauth: provider not connected")
	// ErrReauthorizationRequired signals an expired token with no refresh token;
	// the caller must re-run the authorization flow.
	ErrReauthorizationRequired = errors.New("oauth: reauthorization required")
)

// TokenExchangeError is returned when the provider rejects an
// authorization-code exchange. Body carries the provider's error response.
type TokenExchangeError struct {
	Provider   model.Provider
	StatusCode int
	Body       string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("oauth: %s token exchange failed: status=%d body=%s", e.Provider, e.StatusCode, e.Body)
}

// TokenRefreshError is returned when the provider rejects a refresh request,
// e.g. because the refresh token was revoked.
type TokenRefreshError struct {
	Provider   model.Provider
	StatusCode int
	Body       string
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("oauth: %s token refresh failed: status=%d body=%s", e.Provider, e.StatusCode, e.Body)
}
