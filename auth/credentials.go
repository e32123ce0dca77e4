// Package auth acquires and caches bearer credentials for the two trust
// modes: the service (two-legged) credential shared by the whole process,
// and delegated (three-legged) credentials owned by individual users.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"ifcscheduler/errs"
	"ifcscheduler/models"
)

// CredentialSource yields a bearer token for outbound API calls.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// ServiceCredentials caches the process-wide service credential.
//
// Concurrent callers that observe an expired token may each acquire a new
// one; the last write wins. Acquisition failures are returned, never retried.
type ServiceCredentials struct {
	config *clientcredentials.Config
	now    func() time.Time

	mu     sync.RWMutex
	token  string
	expiry time.Time
}

func NewServiceCredentials(config *clientcredentials.Config) *ServiceCredentials {
	return &ServiceCredentials{config: config, now: time.Now}
}

// Token returns the cached service credential, acquiring a new one when the
// cache is empty or the expiry instant has been reached.
func (s *ServiceCredentials) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	token, expiry := s.token, s.expiry
	s.mu.RUnlock()

	if token != "" && s.now().Before(expiry) {
		return token, nil
	}

	t, err := s.config.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: service credential: %v", errs.ErrAuthFailure, err)
	}

	expiry = t.Expiry
	if expiry.IsZero() {
		expiry = s.now()
	}

	s.mu.Lock()
	s.token = t.AccessToken
	s.expiry = expiry
	s.mu.Unlock()

	return t.AccessToken, nil
}

// UserStore persists refreshed delegated credentials.
type UserStore interface {
	UpdateUserTokens(ctx context.Context, user *models.User) error
}

// DelegatedCredentials serves a user's own credential, refreshing it through
// the refresh grant once it expires and writing the new pair back to the user
// record.
type DelegatedCredentials struct {
	config *oauth2.Config
	users  UserStore
	user   *models.User
	now    func() time.Time

	mu sync.Mutex
}

func NewDelegatedCredentials(config *oauth2.Config, users UserStore, user *models.User) *DelegatedCredentials {
	return &DelegatedCredentials{config: config, users: users, user: user, now: time.Now}
}

func (d *DelegatedCredentials) Token(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.user.TokenExpiration.After(d.now()) {
		return d.user.Token, nil
	}

	if err := d.refresh(ctx); err != nil {
		return "", err
	}
	return d.user.Token, nil
}

func (d *DelegatedCredentials) refresh(ctx context.Context) error {
	if d.user.Refresh == "" {
		return fmt.Errorf("%w: user %s has no refresh token", errs.ErrAuthFailure, d.user.ID)
	}

	// An empty access token forces the token source to use the refresh grant.
	src := d.config.TokenSource(ctx, &oauth2.Token{RefreshToken: d.user.Refresh})
	t, err := src.Token()
	if err != nil {
		return fmt.Errorf("%w: refresh delegated credential: %v", errs.ErrAuthFailure, err)
	}

	expiry := t.Expiry
	if expiry.IsZero() {
		expiry = d.now()
	}

	d.user.Token = t.AccessToken
	if t.RefreshToken != "" {
		d.user.Refresh = t.RefreshToken
	}
	d.user.TokenExpiration = expiry

	if d.users != nil {
		if err := d.users.UpdateUserTokens(ctx, d.user); err != nil {
			return fmt.Errorf("persist refreshed credential: %w", err)
		}
	}
	return nil
}
