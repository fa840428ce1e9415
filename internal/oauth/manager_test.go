package oauth

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/outreachly/outreachly/internal/config"
	"github.com/outreachly/outreachly/internal/model"
)

func TestAuthorizationURL(t *testing.T) {
	h := newManagerHarness()

	raw, err := h.manager.AuthorizationURL(model.ProviderGoogle)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	params := u.Query()
	require.Equal(t, "google-client-id", params.Get("client_id"))
	require.Equal(t, "https://app.outreachly.dev/oauth/callback", params.Get("redirect_uri"))
	require.Equal(t, "code", params.Get("response_type"))
	require.Equal(t, "google", params.Get("state"))
	require.NotEmpty(t, params.Get("scope"))
	// Google needs offline access to issue a refresh token.
	require.Equal(t, "offline", params.Get("access_type"))
}

func TestAuthorizationURL_NoExtraParamsForOtherProviders(t *testing.T) {
	h := newManagerHarness()

	raw, err := h.manager.AuthorizationURL(model.ProviderLinkedIn)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.False(t, u.Query().Has("access_type"))
}

func TestAuthorizationURL_UnsupportedProvider(t *testing.T) {
	h := newManagerHarness()

	_, err := h.manager.AuthorizationURL(model.Provider("slack"))
	require.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestAuthorizationURL_MissingClientConfig(t *testing.T) {
	h := newManagerHarness()

	// twitter is a supported provider but has no client credentials configured
	_, err := h.manager.AuthorizationURL(model.ProviderTwitter)
	require.ErrorIs(t, err, ErrMissingCredentials)
}

func TestExchangeCode(t *testing.T) {
	h := newManagerHarness()
	h.client.resp = &TokenResponse{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresIn:    3600,
	}

	cred, err := h.manager.ExchangeCode(context.Background(), "user-1", model.ProviderGoogle, "auth-code")
	require.NoError(t, err)
	require.True(t, cred.Connected)
	require.Equal(t, "access-1", cred.AccessToken)
	require.NotNil(t, cred.RefreshToken)
	require.Equal(t, "refresh-1", *cred.RefreshToken)
	require.NotNil(t, cred.ExpiresAt)
	require.WithinDuration(t, time.Now().Add(time.Hour), *cred.ExpiresAt, 5*time.Second)

	require.Equal(t, "authorization_code", h.client.lastForm.Get("grant_type"))
	require.Equal(t, "auth-code", h.client.lastForm.Get("code"))
	require.Equal(t, "https://app.outreachly.dev/oauth/callback", h.client.lastForm.Get("redirect_uri"))

	stored, err := h.store.Get(context.Background(), "user-1", model.ProviderGoogle)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, "access-1", stored.AccessToken)
}

func TestExchangeCode_RejectedCodeLeavesCredentialUntouched(t *testing.T) {
	h := newManagerHarness()
	h.seed("user-1", model.ProviderGoogle, "old-access", strPtr("old-refresh"), timePtr(time.Now().Add(time.Hour)))
	h.client.err = &HTTPError{StatusCode: 400, Body: `{"error":"invalid_grant"}`}

	_, err := h.manager.ExchangeCode(context.Background(), "user-1", model.ProviderGoogle, "bad-code")
	var exchangeErr *TokenExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	require.Equal(t, 400, exchangeErr.StatusCode)
	require.Contains(t, exchangeErr.Body, "invalid_grant")

	stored, err := h.store.Get(context.Background(), "user-1", model.ProviderGoogle)
	require.NoError(t, err)
	require.Equal(t, "old-access", stored.AccessToken)
	require.Equal(t, "old-refresh", *stored.RefreshToken)
}

func TestAccessToken_FreshTokenSkipsRefresh(t *testing.T) {
	h := newManagerHarness()
	h.seed("user-1", model.ProviderGoogle, "fresh-access", strPtr("rt"), timePtr(time.Now().Add(time.Hour)))

	token, err := h.manager.AccessToken(context.Background(), "user-1", model.ProviderGoogle)
	require.NoError(t, err)
	require.Equal(t, "fresh-access", token)
	require.Equal(t, 0, h.client.calls)
}

func TestAccessToken_RefreshesWithinMargin(t *testing.T) {
	h := newManagerHarness()
	oldExpiry := time.Now().Add(2 * time.Minute)
	h.seed("user-1", model.ProviderGoogle, "stale-access", strPtr("rt-1"), &oldExpiry)
	h.client.resp = &TokenResponse{AccessToken: "new-access", ExpiresIn: 3600}

	token, err := h.manager.AccessToken(context.Background(), "user-1", model.ProviderGoogle)
	require.NoError(t, err)
	require.Equal(t, "new-access", token)
	require.Equal(t, 1, h.client.calls)
	require.Equal(t, "refresh_token", h.client.lastForm.Get("grant_type"))
	require.Equal(t, "rt-1", h.client.lastForm.Get("refresh_token"))

	stored, err := h.store.Get(context.Background(), "user-1", model.ProviderGoogle)
	require.NoError(t, err)
	require.Equal(t, "new-access", stored.AccessToken)
	require.True(t, stored.ExpiresAt.After(oldExpiry))
	// Provider did not rotate the refresh token, so the old one survives.
	require.Equal(t, "rt-1", *stored.RefreshToken)
}

func TestAccessToken_RotatesRefreshTokenWhenIssued(t *testing.T) {
	h := newManagerHarness()
	h.seed("user-1", model.ProviderGoogle, "stale", strPtr("rt-old"), timePtr(time.Now().Add(time.Minute)))
	h.client.resp = &TokenResponse{AccessToken: "new", RefreshToken: "rt-new", ExpiresIn: 3600}

	_, err := h.manager.AccessToken(context.Background(), "user-1", model.ProviderGoogle)
	require.NoError(t, err)

	stored, err := h.store.Get(context.Background(), "user-1", model.ProviderGoogle)
	require.NoError(t, err)
	require.Equal(t, "rt-new", *stored.RefreshToken)
}

func TestAccessToken_NoRefreshTokenRequiresReauth(t *testing.T) {
	h := newManagerHarness()
	h.seed("user-1", model.ProviderGoogle, "stale", nil, timePtr(time.Now().Add(time.Minute)))

	_, err := h.manager.AccessToken(context.Background(), "user-1", model.ProviderGoogle)
	require.ErrorIs(t, err, ErrReauthorizationRequired)
	require.Equal(t, 0, h.client.calls)
}

func TestAccessToken_RefreshRejectedLeavesCredentialUntouched(t *testing.T) {
	h := newManagerHarness()
	h.seed("user-1", model.ProviderGoogle, "stale-access", strPtr("revoked"), timePtr(time.Now().Add(time.Minute)))
	h.client.err = &HTTPError{StatusCode: 401, Body: `{"error":"invalid_grant"}`}

	_, err := h.manager.AccessToken(context.Background(), "user-1", model.ProviderGoogle)
	var refreshErr *TokenRefreshError
	require.ErrorAs(t, err, &refreshErr)
	require.Equal(t, 401, refreshErr.StatusCode)

	stored, err := h.store.Get(context.Background(), "user-1", model.ProviderGoogle)
	require.NoError(t, err)
	require.Equal(t, "stale-access", stored.AccessToken)
	require.Equal(t, "revoked", *stored.RefreshToken)
}

func TestAccessToken_ConcurrentCallsRefreshOnce(t *testing.T) {
	h := newManagerHarness()
	h.seed("user-1", model.ProviderGoogle, "stale-access", strPtr("rt-1"), timePtr(time.Now().Add(time.Minute)))
	h.client.resp = &TokenResponse{AccessToken: "new-access", ExpiresIn: 3600}

	// Refreshes for the same (user, provider) pair are serialized, so racing
	// callers share a single provider round trip.
	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = h.manager.AccessToken(context.Background(), "user-1", model.ProviderGoogle)
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, "new-access", tokens[i])
	}
	require.Equal(t, 1, h.client.calls)
}

func TestAccessToken_NotConnected(t *testing.T) {
	h := newManagerHarness()

	_, err := h.manager.AccessToken(context.Background(), "user-1", model.ProviderGoogle)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestAccessToken_NoExpiryNeverRefreshes(t *testing.T) {
	h := newManagerHarness()
	h.seed("user-1", model.ProviderFacebook, "long-lived", nil, nil)

	token, err := h.manager.AccessToken(context.Background(), "user-1", model.ProviderFacebook)
	require.NoError(t, err)
	require.Equal(t, "long-lived", token)
	require.Equal(t, 0, h.client.calls)
}

func TestDisconnect_Idempotent(t *testing.T) {
	h := newManagerHarness()
	ctx := context.Background()
	h.seed("user-1", model.ProviderGoogle, "access", strPtr("rt"), timePtr(time.Now().Add(time.Hour)))

	require.NoError(t, h.manager.Disconnect(ctx, "user-1", model.ProviderGoogle))

	_, err := h.manager.AccessToken(ctx, "user-1", model.ProviderGoogle)
	require.ErrorIs(t, err, ErrNotConnected)

	// Disconnecting again, and disconnecting a never-connected provider, are not errors.
	require.NoError(t, h.manager.Disconnect(ctx, "user-1", model.ProviderGoogle))
	require.NoError(t, h.manager.Disconnect(ctx, "user-2", model.ProviderLinkedIn))
}

func TestConnections_CoversAllProviders(t *testing.T) {
	h := newManagerHarness()
	h.seed("user-1", model.ProviderGoogle, "access", nil, timePtr(time.Now().Add(time.Hour)))

	conns, err := h.manager.Connections(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, conns, len(model.Providers))

	byProvider := map[model.Provider]Connection{}
	for _, c := range conns {
		byProvider[c.Provider] = c
	}
	require.True(t, byProvider[model.ProviderGoogle].Connected)
	require.False(t, byProvider[model.ProviderLinkedIn].Connected)
}

// ---- Test harness and fakes ----

type managerHarness struct {
	manager *Manager
	store   *memCredentialStore
	client  *fakeTokenClient
}

func newManagerHarness() *managerHarness {
	store := &memCredentialStore{creds: map[string]*model.ProviderCredential{}}
	client := &fakeTokenClient{}
	cfg := config.Config{
		OAuthRedirectURL: "https://app.outreachly.dev/oauth/callback",
		RefreshMargin:    5 * time.Minute,
		Providers: map[model.Provider]config.ProviderCredentials{
			model.ProviderGoogle:   {ClientID: "google-client-id", ClientSecret: "google-client-secret"},
			model.ProviderLinkedIn: {ClientID: "linkedin-client-id", ClientSecret: "linkedin-client-secret"},
			model.ProviderFacebook: {ClientID: "facebook-client-id", ClientSecret: "facebook-client-secret"},
		},
	}
	return &managerHarness{
		manager: NewManager(store, client, cfg, zap.NewNop()),
		store:   store,
		client:  client,
	}
}

func (h *managerHarness) seed(userID string, provider model.Provider, access string, refresh *string, expiresAt *time.Time) {
	h.store.creds[userID+"/"+string(provider)] = &model.ProviderCredential{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		Connected:    true,
	}
}

type memCredentialStore struct {
	mu    sync.Mutex
	creds map[string]*model.ProviderCredential
}

func (s *memCredentialStore) Get(_ context.Context, userID string, provider model.Provider) (*model.ProviderCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[userID+"/"+string(provider)]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *memCredentialStore) List(_ context.Context, userID string) ([]model.ProviderCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ProviderCredential
	for _, c := range s.creds {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *memCredentialStore) Upsert(_ context.Context, c *model.ProviderCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.creds[c.UserID+"/"+string(c.Provider)] = &cp
	return nil
}

func (s *memCredentialStore) Disconnect(_ context.Context, userID string, provider model.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.creds[userID+"/"+string(provider)]; ok {
		c.AccessToken = ""
		c.RefreshToken = nil
		c.ExpiresAt = nil
		c.Connected = false
	}
	return nil
}

type fakeTokenClient struct {
	mu       sync.Mutex
	calls    int
	resp     *TokenResponse
	err      error
	lastURL  string
	lastForm url.Values
}

func (c *fakeTokenClient) PostForm(_ context.Context, tokenURL string, form url.Values) (*TokenResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.lastURL = tokenURL
	c.lastForm = form
	if c.err != nil {
		return nil, c.err
	}
	if c.resp == nil {
		return nil, errors.New("fakeTokenClient: no response configured")
	}
	resp := *c.resp
	return &resp, nil
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
