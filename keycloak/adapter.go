package keycloak

import (
	"context"
	"fmt"
)

// AuthSessionResultType classifies the outcome of a browser auth session.
type AuthSessionResultType string

const (
	AuthSessionSuccess AuthSessionResultType = "success"
	AuthSessionCancel  AuthSessionResultType = "cancel"
)

// AuthSessionResult is what the external browser reports after an auth
// session ends. URL is only meaningful on success.
type AuthSessionResult struct {
	Type AuthSessionResultType
	URL  string
}

// Browser is the external browser capability the engine coordinates with.
// Implementations are an in-app browser on mobile hosts or a loopback
// listener plus system browser on desktops. The engine treats any
// non-success result as flow failure.
type Browser interface {
	// Available reports whether the surface can be opened at all.
	Available() bool
	// OpenAuthSession opens the URL and blocks until the browser lands on
	// redirectURI, the user dismisses the surface, or ctx is done.
	OpenAuthSession(ctx context.Context, authURL, redirectURI string) (AuthSessionResult, error)
	// Open opens a URL with no callback expected.
	Open(ctx context.Context, url string) error
}

// Adapter drives one flow operation end to end for a particular environment.
// Variants are selected at construction; the client never inspects the
// environment at runtime.
type Adapter interface {
	Login(ctx context.Context, opts *LoginOptions) error
	Logout(ctx context.Context, opts *LogoutOptions) error
	Register(ctx context.Context, opts *LoginOptions) error
	AccountManagement(ctx context.Context) error
	ResolveRedirectURI(override string) (string, error)
}

// browserAdapter orchestrates flows through an external Browser.
type browserAdapter struct {
	client  *Client
	browser Browser
}

func newBrowserAdapter(client *Client, browser Browser) *browserAdapter {
	return &browserAdapter{client: client, browser: browser}
}

func (a *browserAdapter) Login(ctx context.Context, opts *LoginOptions) error {
	if opts == nil {
		opts = &LoginOptions{}
	}
	return a.runAuthFlow(ctx, opts)
}

func (a *browserAdapter) Register(ctx context.Context, opts *LoginOptions) error {
	var reg LoginOptions
	if opts != nil {
		reg = *opts
	}
	reg.Action = "register"
	return a.runAuthFlow(ctx, &reg)
}

// runAuthFlow is the shared login/registration pipeline: build state and
// URL, round-trip the browser, parse and process the callback.
func (a *browserAdapter) runAuthFlow(ctx context.Context, opts *LoginOptions) error {
	if a.browser == nil || !a.browser.Available() {
		return ErrBrowserUnavailable
	}

	redirectURI, err := a.ResolveRedirectURI(opts.RedirectURI)
	if err != nil {
		return err
	}

	authURL, err := a.client.createAuthURL(opts)
	if err != nil {
		return err
	}

	res, err := a.browser.OpenAuthSession(ctx, authURL, redirectURI)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFlowFailed, err)
	}
	if res.Type != AuthSessionSuccess || res.URL == "" {
		return ErrAuthFlowFailed
	}

	oauth, err := a.client.ParseCallback(res.URL)
	if err != nil {
		return err
	}
	return a.client.ProcessCallback(ctx, oauth)
}

func (a *browserAdapter) Logout(ctx context.Context, opts *LogoutOptions) error {
	if opts == nil {
		opts = &LogoutOptions{}
	}

	logoutURL, err := a.client.CreateLogoutUrl(opts)
	if err != nil {
		return a.failLogout(ctx, opts, err)
	}

	if a.browser == nil || !a.browser.Available() {
		return a.failLogout(ctx, opts, ErrBrowserUnavailable)
	}

	redirectURI, err := a.ResolveRedirectURI(opts.RedirectURI)
	if err != nil {
		return a.failLogout(ctx, opts, err)
	}

	res, err := a.browser.OpenAuthSession(ctx, logoutURL, redirectURI)
	if err != nil {
		return a.failLogout(ctx, opts, fmt.Errorf("%w: %v", ErrAuthFlowFailed, err))
	}
	if res.Type != AuthSessionSuccess {
		return a.failLogout(ctx, opts, ErrAuthFlowFailed)
	}

	a.client.ClearToken()
	return nil
}

// failLogout preserves local state on logout failure unless the caller opted
// into force-clearing for offline logout. Force-clearing first tries to kill
// the provider session over the backchannel with the refresh token.
func (a *browserAdapter) failLogout(ctx context.Context, opts *LogoutOptions, err error) error {
	if opts.ForceClear {
		if rt := a.client.RefreshToken(); rt != "" {
			if rerr := a.client.revokeRefreshToken(ctx, rt); rerr != nil {
				a.client.logger.Warn("backchannel session revocation failed", "error", rerr)
			}
		}
		a.client.ClearToken()
	}
	return err
}

func (a *browserAdapter) AccountManagement(ctx context.Context) error {
	accountURL, err := a.client.CreateAccountUrl()
	if err != nil {
		return err
	}
	if a.browser == nil || !a.browser.Available() {
		return ErrBrowserUnavailable
	}
	return a.browser.Open(ctx, accountURL)
}

// ResolveRedirectURI applies the precedence per-call override, then the
// client-wide URI. It never falls back to an empty string.
func (a *browserAdapter) ResolveRedirectURI(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if a.client.redirectURI != "" {
		return a.client.redirectURI, nil
	}
	return "", ErrMissingRedirectURI
}
