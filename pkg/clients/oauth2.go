package clients

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2Config configures the client-credentials grant
type OAuth2Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// NewOAuth2HTTPClient wraps base so every request carries a bearer token.
// Tokens are fetched through base and cached until they expire.
func NewOAuth2HTTPClient(ctx context.Context, cfg *OAuth2Config, base *http.Client) *http.Client {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
		AuthStyle:    oauth2.AuthStyleAutoDetect,
	}
	// Token requests outlive run cancellation: admitted uploads still finish.
	ctx = context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, base)
	client := cc.Client(ctx)
	client.Timeout = base.Timeout
	client.CheckRedirect = base.CheckRedirect
	return client
}
