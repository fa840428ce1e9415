package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/outreachly/outreachly/internal/config"
	"github.com/outreachly/outreachly/internal/model"
)

// CredentialStore persists provider credentials. Get returns (nil, nil) when
// no credential exists for the pair. Upsert must replace the row atomically so
// concurrent readers never observe a partial write.
type CredentialStore interface {
	Get(ctx context.Context, userID string, provider model.Provider) (*model.ProviderCredential, error)
	List(ctx context.Context, userID string) ([]model.ProviderCredential, error)
	Upsert(ctx context.Context, c *model.ProviderCredential) error
	Disconnect(ctx context.Context, userID string, provider model.Provider) error
}

// Manager owns the OAuth2 credential lifecycle: authorization-URL
// construction, code exchange, proactive refresh and disconnect. All
// operations take the user identity explicitly; there is no ambient session.
type Manager struct {
	store       CredentialStore
	client      TokenClient
	providers   map[model.Provider]config.ProviderCredentials
	redirectURL string
	margin      time.Duration
	logger      *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(store CredentialStore, client TokenClient, cfg config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		store:       store,
		client:      client,
		providers:   cfg.Providers,
		redirectURL: cfg.OAuthRedirectURL,
		margin:      cfg.RefreshMargin,
		logger:      logger,
		locks:       map[string]*sync.Mutex{},
	}
}

// AuthorizationURL builds the provider redirect URL for the authorization-code
// flow. The provider identifier rides along as the state parameter so the
// callback can be attributed to the right flow.
func (m *Manager) AuthorizationURL(provider model.Provider) (string, error) {
	ep, creds, err := m.providerConfig(provider)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(ep.AuthURL)
	if err != nil {
		return "", fmt.Errorf("parse auth url: %w", err)
	}
	params := u.Query()
	params.Set("client_id", creds.ClientID)
	params.Set("redirect_uri", m.redirectURL)
	params.Set("response_type", "code")
	params.Set("scope", strings.Join(ep.Scopes, " "))
	params.Set("state", string(provider))
	for k, v := range ep.ExtraAuthParams {
		params.Set(k, v)
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// ExchangeCode trades an authorization code for tokens and persists the
// resulting credential. On provider rejection the stored credential, if any,
// is left untouched.
func (m *Manager) ExchangeCode(ctx context.Context, userID string, provider model.Provider, code string) (*model.ProviderCredential, error) {
	ep, creds, err := m.providerConfig(provider)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)
	form.Set("redirect_uri", m.redirectURL)

	token, err := m.client.PostForm(ctx, ep.TokenURL, form)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return nil, &TokenExchangeError{Provider: provider, StatusCode: httpErr.StatusCode, Body: httpErr.Body}
		}
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	if token.AccessToken == "" {
		return nil, &TokenExchangeError{Provider: provider, Body: "empty access token"}
	}

	cred := &model.ProviderCredential{
		UserID:      userID,
		Provider:    provider,
		AccessToken: token.AccessToken,
		Connected:   true,
	}
	if token.RefreshToken != "" {
		rt := token.RefreshToken
		cred.RefreshToken = &rt
	}
	if token.ExpiresIn > 0 {
		exp := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
		cred.ExpiresAt = &exp
	}

	if err := m.store.Upsert(ctx, cred); err != nil {
		return nil, fmt.Errorf("persist credential: %w", err)
	}
	m.logger.Info("provider connected",
		zap.String("user_id", userID),
		zap.String("provider", string(provider)),
		zap.Bool("has_refresh_token", cred.RefreshToken != nil))
	return cred, nil
}

// AccessToken returns a token guaranteed valid for at least the refresh
// margin, refreshing proactively when the stored expiry is within it.
// Refreshes for the same (user, provider) pair are serialized.
func (m *Manager) AccessToken(ctx context.Context, userID string, provider model.Provider) (string, error) {
	if !provider.Valid() {
		return "", ErrUnsupportedProvider
	}

	lock := m.lockFor(userID, provider)
	lock.Lock()
	defer lock.Unlock()

	cred, err := m.store.Get(ctx, userID, provider)
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	if cred == nil || !cred.Connected || cred.AccessToken == "" {
		return "", ErrNotConnected
	}

	// No recorded expiry means the provider issued a non-expiring token.
	if cred.ExpiresAt == nil || time.Until(*cred.ExpiresAt) > m.margin {
		return cred.AccessToken, nil
	}

	if cred.RefreshToken == nil || *cred.RefreshToken == "" {
		return "", ErrReauthorizationRequired
	}

	refreshed, err := m.refresh(ctx, cred)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refresh exchanges the stored refresh token for a new access token and
// persists the result. On failure the stored credential is left untouched so
// the provider-side error can be diagnosed.
func (m *Manager) refresh(ctx context.Context, cred *model.ProviderCredential) (*model.ProviderCredential, error) {
	ep, creds, err := m.providerConfig(cred.Provider)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", *cred.RefreshToken)
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)

	token, err := m.client.PostForm(ctx, ep.TokenURL, form)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			m.logger.Warn("token refresh rejected",
				zap.String("user_id", cred.UserID),
				zap.String("provider", string(cred.Provider)),
				zap.Int("status", httpErr.StatusCode))
			return nil, &TokenRefreshError{Provider: cred.Provider, StatusCode: httpErr.StatusCode, Body: httpErr.Body}
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if token.AccessToken == "" {
		return nil, &TokenRefreshError{Provider: cred.Provider, Body: "empty access token"}
	}

	updated := *cred
	updated.AccessToken = token.AccessToken
	updated.ExpiresAt = nil
	if token.ExpiresIn > 0 {
		exp := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
		updated.ExpiresAt = &exp
	}
	// Providers only sometimes rotate the refresh token; keep the old one otherwise.
	if token.RefreshToken != "" {
		rt := token.RefreshToken
		updated.RefreshToken = &rt
	}

	if err := m.store.Upsert(ctx, &updated); err != nil {
		return nil, fmt.Errorf("persist refreshed credential: %w", err)
	}
	m.logger.Info("access token refreshed",
		zap.String("user_id", cred.UserID),
		zap.String("provider", string(cred.Provider)))
	return &updated, nil
}

// Disconnect clears the stored tokens. Disconnecting an already-disconnected
// provider is a no-op, not an error.
func (m *Manager) Disconnect(ctx context.Context, userID string, provider model.Provider) error {
	if !provider.Valid() {
		return ErrUnsupportedProvider
	}
	if err := m.store.Disconnect(ctx, userID, provider); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	m.logger.Info("provider disconnected",
		zap.String("user_id", userID),
		zap.String("provider", string(provider)))
	return nil
}

// Connection is the token-free view of a credential for settings screens.
type Connection struct {
	Provider  model.Provider `json:"provider"`
	Connected bool           `json:"connected"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// Connections reports per-provider connection status for a user, covering
// every supported provider whether or not a credential row exists.
func (m *Manager) Connections(ctx context.Context, userID string) ([]Connection, error) {
	creds, err := m.store.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	byProvider := make(map[model.Provider]model.ProviderCredential, len(creds))
	for _, c := range creds {
		byProvider[c.Provider] = c
	}

	out := make([]Connection, 0, len(model.Providers))
	for _, p := range model.Providers {
		conn := Connection{Provider: p}
		if c, ok := byProvider[p]; ok {
			conn.Connected = c.Connected
			conn.ExpiresAt = c.ExpiresAt
		}
		out = append(out, conn)
	}
	return out, nil
}

func (m *Manager) providerConfig(provider model.Provider) (Endpoints, config.ProviderCredentials, error) {
	ep, ok := EndpointsFor(provider)
	if !ok {
		return Endpoints{}, config.ProviderCredentials{}, ErrUnsupportedProvider
	}
	creds, ok := m.providers[provider]
	if !ok || creds.ClientID == "" {
		return Endpoints{}, config.ProviderCredentials{}, ErrMissingCredentials
	}
	return ep, creds, nil
}

func (m *Manager) lockFor(userID string, provider model.Provider) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "/" + string(provider)
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}
