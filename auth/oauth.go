package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"ifcscheduler/config"
	"ifcscheduler/errs"
	"ifcscheduler/models"
)

var knownScopes = []string{
	"data:read", "data:write", "data:create", "data:search",
	"account:read", "account:write",
	"bucket:read", "bucket:create", "bucket:update", "bucket:delete",
	"user:read", "user:profileRead",
}

// ParseScopes splits a space separated scope string, keeping known scopes only.
func ParseScopes(scope string) []string {
	var out []string
	for _, s := range strings.Fields(scope) {
		if slices.Contains(knownScopes, s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func endpoint(baseURL string) oauth2.Endpoint {
	base := strings.TrimRight(baseURL, "/")
	return oauth2.Endpoint{
		AuthURL:   base + "/authentication/v2/authorize",
		TokenURL:  base + "/authentication/v2/token",
		AuthStyle: oauth2.AuthStyleInHeader,
	}
}

// ServiceConfig builds the client-credentials grant used for the service credential.
func ServiceConfig(cfg *config.Config) *clientcredentials.Config {
	ep := endpoint(cfg.APSBaseURL)
	return &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     ep.TokenURL,
		Scopes:       ParseScopes(cfg.TwoLegScope),
		AuthStyle:    ep.AuthStyle,
	}
}

// UserConfig builds the authorization-code and refresh grant configuration.
func UserConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint(cfg.APSBaseURL),
		RedirectURL:  cfg.CallbackURL,
		Scopes:       ParseScopes(cfg.ThreeLegScope),
	}
}

// OAuth drives the user sign-in flow and hands out delegated credentials.
type OAuth struct {
	config *oauth2.Config
	users  UserStore
}

func NewOAuth(config *oauth2.Config, users UserStore) *OAuth {
	return &OAuth{config: config, users: users}
}

// AuthorizationURL returns the URL the user is redirected to for consent.
func (o *OAuth) AuthorizationURL(state string) string {
	return o.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for the user's first credential pair
// and stores it on the user.
func (o *OAuth) Exchange(ctx context.Context, code string, user *models.User) error {
	t, err := o.config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("%w: exchange authorization code: %v", errs.ErrAuthFailure, err)
	}

	user.Token = t.AccessToken
	user.Refresh = t.RefreshToken
	user.TokenExpiration = t.Expiry
	if user.TokenExpiration.IsZero() {
		user.TokenExpiration = time.Now()
	}

	if o.users == nil {
		return nil
	}
	return o.users.UpdateUserTokens(ctx, user)
}

// Delegated returns the credential source acting on behalf of user.
func (o *OAuth) Delegated(user *models.User) *DelegatedCredentials {
	return NewDelegatedCredentials(o.config, o.users, user)
}
