package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/outreachly/outreachly/internal/model"
	"github.com/outreachly/outreachly/internal/oauth"
)

type OAuthHandler struct {
	manager *oauth.Manager
}

func NewOAuthHandler(m *oauth.Manager) *OAuthHandler {
	return &OAuthHandler{manager: m}
}

func (h *OAuthHandler) Connections(c *gin.Context) {
	conns, err := h.manager.Connections(c.Request.Context(), currentUser(c))
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to list connections")
		return
	}
	c.JSON(http.StatusOK, conns)
}

// Connect returns the provider authorization URL the browser should be
// redirected to.
func (h *OAuthHandler) Connect(c *gin.Context) {
	provider := model.Provider(c.Param("provider"))

	authURL, err := h.manager.AuthorizationURL(provider)
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrUnsupportedProvider):
			c.String(http.StatusBadRequest, "unsupported provider")
		case errors.Is(err, oauth.ErrMissingCredentials):
			c.String(http.StatusInternalServerError, "provider not configured")
		default:
			c.String(http.StatusInternalServerError, "failed to build authorization url")
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": authURL})
}

// Callback resumes the authorization flow. The state parameter carries the
// provider identifier; the user identity arrives as a query parameter because
// the browser redirect cannot carry our auth header.
func (h *OAuthHandler) Callback(c *gin.Context) {
	code := c.Query("code")
	provider := model.Provider(c.Query("state"))
	userID := c.Query("user_id")
	if userID == "" {
		userID = c.GetHeader("X-User-ID")
	}

	if code == "" || userID == "" {
		c.String(http.StatusBadRequest, "missing code or user_id")
		return
	}
	if !provider.Valid() {
		c.String(http.StatusBadRequest, "unknown provider in state")
		return
	}

	cred, err := h.manager.ExchangeCode(c.Request.Context(), userID, provider, code)
	if err != nil {
		var exchangeErr *oauth.TokenExchangeError
		if errors.As(err, &exchangeErr) {
			c.String(http.StatusBadGateway, "provider rejected the authorization code")
			return
		}
		if errors.Is(err, oauth.ErrMissingCredentials) {
			c.String(http.StatusInternalServerError, "provider not configured")
			return
		}
		c.String(http.StatusInternalServerError, "token exchange failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"provider":   cred.Provider,
		"connected":  cred.Connected,
		"expires_at": cred.ExpiresAt,
	})
}

func (h *OAuthHandler) Disconnect(c *gin.Context) {
	provider := model.Provider(c.Param("provider"))

	if err := h.manager.Disconnect(c.Request.Context(), currentUser(c), provider); err != nil {
		if errors.Is(err, oauth.ErrUnsupportedProvider) {
			c.String(http.StatusBadRequest, "unsupported provider")
			return
		}
		c.String(http.StatusInternalServerError, "failed to disconnect")
		return
	}
	c.Status(http.StatusNoContent)
}
