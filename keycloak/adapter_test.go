package keycloak

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeBrowser scripts the external browser round trip.
type fakeBrowser struct {
	available   bool
	authSession func(authURL, redirectURI string) (AuthSessionResult, error)

	opened   []string
	authURLs []string
}

func (f *fakeBrowser) Available() bool { return f.available }

func (f *fakeBrowser) Open(_ context.Context, url string) error {
	f.opened = append(f.opened, url)
	return nil
}

func (f *fakeBrowser) OpenAuthSession(_ context.Context, authURL, redirectURI string) (AuthSessionResult, error) {
	f.authURLs = append(f.authURLs, authURL)
	if f.authSession == nil {
		return AuthSessionResult{Type: AuthSessionCancel}, nil
	}
	return f.authSession(authURL, redirectURI)
}

// scriptCompletion makes the fake play a cooperative user: logins land back
// on the redirect URI with a code, logouts succeed.
func scriptCompletion(t *testing.T, fb *fakeBrowser, ts *tokenServer) {
	t.Helper()
	fb.available = true
	fb.authSession = func(authURL, redirectURI string) (AuthSessionResult, error) {
		if strings.Contains(authURL, "/logout") {
			return AuthSessionResult{Type: AuthSessionSuccess, URL: redirectURI}, nil
		}
		q := parseQuery(t, authURL)
		ts.setNonce(q.Get("nonce"))
		return AuthSessionResult{
			Type: AuthSessionSuccess,
			URL:  redirectURI + "?state=" + q.Get("state") + "&code=c1",
		}, nil
	}
}

func TestAdapterLoginFlow(t *testing.T) {
	fb := &fakeBrowser{}
	c, server := newTestEnv(t, fb)
	scriptCompletion(t, fb, server)
	initClient(t, c, InitOptions{})

	if err := c.Login(context.Background(), nil); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !c.Authenticated() {
		t.Fatalf("login flow did not authenticate")
	}
	if len(fb.authURLs) != 1 || !strings.Contains(fb.authURLs[0], "/protocol/openid-connect/auth?") {
		t.Fatalf("unexpected auth URLs: %v", fb.authURLs)
	}
}

func TestAdapterRegisterFlow(t *testing.T) {
	fb := &fakeBrowser{}
	c, server := newTestEnv(t, fb)
	scriptCompletion(t, fb, server)
	initClient(t, c, InitOptions{})

	if err := c.Register(context.Background(), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !c.Authenticated() {
		t.Fatalf("registration flow did not authenticate")
	}
	if !strings.Contains(fb.authURLs[0], "/protocol/openid-connect/registrations?") {
		t.Fatalf("registration did not target the registration endpoint: %q", fb.authURLs[0])
	}
}

func TestAdapterLoginCancelled(t *testing.T) {
	fb := &fakeBrowser{available: true}
	c, server := newTestEnv(t, fb)
	initClient(t, c, InitOptions{})

	if err := c.Login(context.Background(), nil); !errors.Is(err, ErrAuthFlowFailed) {
		t.Fatalf("expected ErrAuthFlowFailed, got %v", err)
	}
	if c.Authenticated() {
		t.Fatalf("cancelled login authenticated the client")
	}
	if server.callCount() != 0 {
		t.Fatalf("token endpoint called after a cancelled login")
	}
}

func TestAdapterBrowserUnavailable(t *testing.T) {
	fb := &fakeBrowser{available: false}
	c, _ := newTestEnv(t, fb)
	initClient(t, c, InitOptions{})

	if err := c.Login(context.Background(), nil); !errors.Is(err, ErrBrowserUnavailable) {
		t.Fatalf("expected ErrBrowserUnavailable, got %v", err)
	}
	if err := c.AccountManagement(context.Background()); !errors.Is(err, ErrBrowserUnavailable) {
		t.Fatalf("expected ErrBrowserUnavailable, got %v", err)
	}
}

func TestAdapterLogout(t *testing.T) {
	fb := &fakeBrowser{}
	c, server := newTestEnv(t, fb)
	scriptCompletion(t, fb, server)
	initClient(t, c, InitOptions{})

	if err := c.Login(context.Background(), nil); err != nil {
		t.Fatalf("Login: %v", err)
	}

	var loggedOut bool
	c.OnAuthLogout(func() { loggedOut = true })

	if err := c.Logout(context.Background(), nil); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if c.Authenticated() {
		t.Fatalf("session survived logout")
	}
	if !loggedOut {
		t.Fatalf("logout event not emitted")
	}
	logoutURL := fb.authURLs[len(fb.authURLs)-1]
	if !strings.Contains(logoutURL, "/protocol/openid-connect/logout?") {
		t.Fatalf("unexpected logout URL: %q", logoutURL)
	}
}

func TestAdapterLogoutFailureKeepsSession(t *testing.T) {
	fb := &fakeBrowser{}
	c, server := newTestEnv(t, fb)
	scriptCompletion(t, fb, server)
	initClient(t, c, InitOptions{})

	if err := c.Login(context.Background(), nil); err != nil {
		t.Fatalf("Login: %v", err)
	}

	// The user dismisses the logout page.
	fb.authSession = func(string, string) (AuthSessionResult, error) {
		return AuthSessionResult{Type: AuthSessionCancel}, nil
	}

	if err := c.Logout(context.Background(), nil); !errors.Is(err, ErrAuthFlowFailed) {
		t.Fatalf("expected ErrAuthFlowFailed, got %v", err)
	}
	if !c.Authenticated() {
		t.Fatalf("failed logout cleared local state")
	}
}

func TestAdapterLogoutForceClear(t *testing.T) {
	fb := &fakeBrowser{}
	c, server := newTestEnv(t, fb)
	scriptCompletion(t, fb, server)
	initClient(t, c, InitOptions{})

	if err := c.Login(context.Background(), nil); err != nil {
		t.Fatalf("Login: %v", err)
	}

	fb.authSession = func(string, string) (AuthSessionResult, error) {
		return AuthSessionResult{Type: AuthSessionCancel}, nil
	}

	err := c.Logout(context.Background(), &LogoutOptions{ForceClear: true})
	if !errors.Is(err, ErrAuthFlowFailed) {
		t.Fatalf("expected ErrAuthFlowFailed, got %v", err)
	}
	if c.Authenticated() {
		t.Fatalf("ForceClear did not drop local state")
	}

	server.mu.Lock()
	revocation := server.logoutForm
	server.mu.Unlock()
	if revocation.Get("client_id") != "app" || revocation.Get("refresh_token") == "" {
		t.Fatalf("backchannel revocation not attempted: %v", revocation)
	}
}

func TestAdapterAccountManagement(t *testing.T) {
	fb := &fakeBrowser{available: true}
	c, _ := newTestEnv(t, fb)
	initClient(t, c, InitOptions{})

	if err := c.AccountManagement(context.Background()); err != nil {
		t.Fatalf("AccountManagement: %v", err)
	}
	if len(fb.opened) != 1 || !strings.Contains(fb.opened[0], "/realms/demo/account?") {
		t.Fatalf("unexpected opened URLs: %v", fb.opened)
	}
}

func TestInitLoginRequiredProbesSilently(t *testing.T) {
	fb := &fakeBrowser{available: true}
	c, _ := newTestEnv(t, fb)

	// The provider declines the silent probe: no active SSO session.
	fb.authSession = func(authURL, redirectURI string) (AuthSessionResult, error) {
		q := parseQuery(t, authURL)
		return AuthSessionResult{
			Type: AuthSessionSuccess,
			URL:  redirectURI + "?state=" + q.Get("state") + "&error=login_required",
		}, nil
	}

	var readyAuthenticated *bool
	c.OnReady(func(authenticated bool) { readyAuthenticated = &authenticated })

	authenticated, err := c.Init(context.Background(), InitOptions{
		ResponseMode: ResponseModeQuery,
		OnLoad:       OnLoadLoginRequired,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if authenticated {
		t.Fatalf("declined probe reported authenticated")
	}
	if readyAuthenticated == nil || *readyAuthenticated {
		t.Fatalf("ready event wrong: %v", readyAuthenticated)
	}
	if len(fb.authURLs) != 1 || !strings.Contains(fb.authURLs[0], "prompt=none") {
		t.Fatalf("probe was not silent: %v", fb.authURLs)
	}
}

func TestInitLoginRequiredProbeSucceeds(t *testing.T) {
	fb := &fakeBrowser{}
	c, server := newTestEnv(t, fb)
	scriptCompletion(t, fb, server)

	authenticated, err := c.Init(context.Background(), InitOptions{
		ResponseMode: ResponseModeQuery,
		PKCEMethod:   PKCEMethodS256,
		OnLoad:       OnLoadLoginRequired,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !authenticated || !c.Authenticated() {
		t.Fatalf("existing SSO session not picked up")
	}
}

func TestResolveRedirectURIPrecedence(t *testing.T) {
	c, _ := newTestEnv(t, nil)
	initClient(t, c, InitOptions{})
	a := newBrowserAdapter(c, nil)

	got, err := a.ResolveRedirectURI("myapp://override")
	if err != nil || got != "myapp://override" {
		t.Fatalf("override not preferred: %q, %v", got, err)
	}

	got, err = a.ResolveRedirectURI("")
	if err != nil || got != "http://127.0.0.1/cb" {
		t.Fatalf("client-wide URI not used: %q, %v", got, err)
	}

	c.redirectURI = ""
	if _, err := a.ResolveRedirectURI(""); !errors.Is(err, ErrMissingRedirectURI) {
		t.Fatalf("expected ErrMissingRedirectURI, got %v", err)
	}
}
