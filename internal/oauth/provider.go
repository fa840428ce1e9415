package oauth

import "github.com/outreachly/outreachly/internal/model"

// Endpoints describes one provider's OAuth2 surface. The credential state
// machine is provider-agnostic; supporting a new provider only needs a new
// entry here plus client credentials in config.
type Endpoints struct {
	AuthURL  string
	TokenURL string
	Scopes   []string
	// ExtraAuthParams are provider-specific query parameters appended to the
	// authorize URL on top of the standard OAuth2 set.
	ExtraAuthParams map[string]string
}

var endpoints = map[model.Provider]Endpoints{
	model.ProviderGoogle: {
		AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
		Scopes: []string{
			"https://www.googleapis.com/auth/gmail.send",
			"https://www.googleapis.com/auth/gmail.readonly",
			"https://www.googleapis.com/auth/userinfo.email",
		},
		// Google only issues a refresh token for offline access.
		ExtraAuthParams: map[string]string{"access_type": "offline"},
	},
	model.ProviderLinkedIn: {
		AuthURL:  "https://www.linkedin.com/oauth/v2/authorization",
		TokenURL: "https://www.linkedin.com/oauth/v2/accessToken",
		Scopes:   []string{"w_member_social", "r_liteprofile"},
	},
	model.ProviderTwitter: {
		AuthURL:  "https://twitter.com/i/oauth2/authorize",
		TokenURL: "https://api.twitter.com/2/oauth2/token",
		Scopes:   []string{"tweet.read", "tweet.write", "users.read", "offline.access"},
	},
	model.ProviderFacebook: {
		AuthURL:  "https://www.facebook.com/v19.0/dialog/oauth",
		TokenURL: "https://graph.facebook.com/v19.0/oauth/access_token",
		Scopes:   []string{"pages_manage_posts", "pages_read_engagement"},
	},
}

// EndpointsFor returns the descriptor for a supported provider.
func EndpointsFor(provider model.Provider) (Endpoints, bool) {
	ep, ok := endpoints[provider]
	return ep, ok
}
