// Package keycloak implements a client-side OpenID Connect / OAuth2
// authorization-code flow engine for native applications. The client owns
// the per-attempt authentication state (state, nonce, PKCE verifier),
// drives the external browser round trip, validates the redirect callback,
// exchanges the code for tokens, and maintains the token lifecycle.
package keycloak

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Client is the top-level session state machine. Construct with New,
// configure once with Init, then drive flows with Login, Logout, Register,
// UpdateToken and friends.
type Client struct {
	cfg        ClientConfig
	browser    Browser
	baseLogger *slog.Logger
	logger     *slog.Logger
	httpClient *http.Client

	adapter   Adapter
	endpoints Endpoints
	states    *CallbackStateStore

	flow          Flow
	responseMode  ResponseMode
	responseType  string
	useNonce      bool
	pkceMethod    PKCEMethod
	loginRequired bool
	redirectURI   string
	initialized   bool

	mu          sync.RWMutex
	sess        *session
	expiryTimer *time.Timer

	refresh singleflight.Group
	events  eventHandlers
}

// New constructs a client for the given configuration. The browser surface
// may be nil when the host only builds URLs; flow operations then fail with
// ErrBrowserUnavailable. Init must be called before any other operation.
func New(cfg ClientConfig, browser Browser, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Client{
		cfg:         cfg,
		browser:     browser,
		baseLogger:  logger,
		logger:      discardLogger(),
		httpClient:  http.DefaultClient,
		states:      NewCallbackStateStore(0),
		redirectURI: cfg.RedirectURI,
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SetHTTPClient overrides the HTTP client used for provider round trips.
// Call before Init.
func (c *Client) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.httpClient = hc
	}
}

// Init validates the options, resolves provider endpoints, and either
// restores a previous session or runs the onLoad directive. It returns
// whether the client ended up authenticated.
func (c *Client) Init(ctx context.Context, opts InitOptions) (bool, error) {
	st, err := normalizeInitOptions(opts)
	if err != nil {
		return false, err
	}

	c.flow = st.flow
	c.responseMode = st.responseMode
	c.responseType = st.responseType
	c.useNonce = st.useNonce
	c.pkceMethod = st.pkceMethod
	c.loginRequired = st.loginRequired
	if opts.RedirectURI != "" {
		c.redirectURI = opts.RedirectURI
	}
	if opts.EnableLogging {
		c.logger = c.baseLogger
	} else {
		c.logger = discardLogger()
	}

	c.states = NewCallbackStateStore(opts.CallbackStateTTL)
	c.adapter = newBrowserAdapter(c, c.browser)

	endpoints, err := resolveEndpoints(ctx, c.cfg, c.httpClient)
	if err != nil {
		return false, err
	}
	c.endpoints = endpoints
	c.initialized = true

	switch {
	case opts.Token != "" && opts.RefreshToken != "":
		if err := c.restoreSession(ctx, opts); err != nil {
			return false, err
		}
	case opts.OnLoad != "":
		if err := c.runOnLoad(ctx); err != nil {
			return false, err
		}
	}

	authenticated := c.Authenticated()
	c.events.emitReady(authenticated)
	return authenticated, nil
}

// restoreSession validates a supplied token triple with a forced refresh
// before declaring the session live.
func (c *Client) restoreSession(ctx context.Context, opts InitOptions) error {
	if err := c.setToken(opts.Token, opts.RefreshToken, opts.IDToken, time.Time{}); err != nil {
		return err
	}
	if opts.TimeSkew != nil {
		c.mu.Lock()
		if c.sess != nil {
			skew := *opts.TimeSkew
			c.sess.timeSkew = &skew
		}
		c.mu.Unlock()
	}

	if _, err := c.UpdateToken(ctx, -1); err != nil {
		c.events.emitAuthError(&AuthError{
			Code:        "session_restore_failed",
			Description: "failed to refresh restored tokens",
		})
		if opts.OnLoad != "" {
			return c.runOnLoad(ctx)
		}
		return fmt.Errorf("init: %w", err)
	}

	c.events.emitAuthSuccess()
	return nil
}

func (c *Client) runOnLoad(ctx context.Context) error {
	if !c.loginRequired {
		// check-sso: without an SSO iframe there is nothing to probe beyond
		// what the host restores explicitly.
		return nil
	}
	// Silent-first: a declined prompt=none probe means "not logged in" and
	// is not an error; the host decides whether to start interactive login.
	return c.adapter.Login(ctx, &LoginOptions{Prompt: "none"})
}

func (c *Client) requireInit() error {
	if !c.initialized {
		return fmt.Errorf("%w: Init must be called first", ErrInvalidConfig)
	}
	return nil
}

// Login runs an interactive (or, with Prompt "none", silent) login flow.
func (c *Client) Login(ctx context.Context, opts *LoginOptions) error {
	if err := c.requireInit(); err != nil {
		return err
	}
	return c.adapter.Login(ctx, opts)
}

// Logout runs the provider logout round trip and clears local state on
// success, or unconditionally when ForceClear is set.
func (c *Client) Logout(ctx context.Context, opts *LogoutOptions) error {
	if err := c.requireInit(); err != nil {
		return err
	}
	return c.adapter.Logout(ctx, opts)
}

// Register runs the registration flow through the same
// authorization/callback/exchange pipeline as Login.
func (c *Client) Register(ctx context.Context, opts *LoginOptions) error {
	if err := c.requireInit(); err != nil {
		return err
	}
	return c.adapter.Register(ctx, opts)
}

// AccountManagement opens the realm account console in the plain browser.
func (c *Client) AccountManagement(ctx context.Context) error {
	if err := c.requireInit(); err != nil {
		return err
	}
	return c.adapter.AccountManagement(ctx)
}

// CreateLoginUrl builds the authorization request URL and registers the
// callback state for the attempt.
func (c *Client) CreateLoginUrl(opts *LoginOptions) (string, error) {
	return c.createAuthURL(opts)
}

// CreateRegisterUrl builds the registration request URL.
func (c *Client) CreateRegisterUrl(opts *LoginOptions) (string, error) {
	var reg LoginOptions
	if opts != nil {
		reg = *opts
	}
	reg.Action = "register"
	return c.createAuthURL(&reg)
}

func (c *Client) createAuthURL(opts *LoginOptions) (string, error) {
	if err := c.requireInit(); err != nil {
		return "", err
	}
	if opts == nil {
		opts = &LoginOptions{}
	}

	redirectURI, err := c.adapter.ResolveRedirectURI(opts.RedirectURI)
	if err != nil {
		return "", err
	}

	endpoint := c.endpoints.Authorize
	if opts.Action == "register" {
		endpoint, err = c.endpoints.RegisterURL()
		if err != nil {
			return "", err
		}
	}

	state := newCorrelationID()
	nonce := newCorrelationID()

	var verifier, challenge string
	if c.pkceMethod != "" {
		verifier, err = generateCodeVerifier(codeVerifierLength)
		if err != nil {
			return "", err
		}
		challenge, err = generateChallenge(c.pkceMethod, verifier)
		if err != nil {
			return "", err
		}
	}

	c.states.Add(CallbackState{
		State:            state,
		Nonce:            nonce,
		PKCECodeVerifier: verifier,
		Prompt:           opts.Prompt,
		RedirectURI:      url.QueryEscape(redirectURI),
	})

	req := authRequest{
		Endpoint:      endpoint,
		ClientID:      c.cfg.ClientID,
		RedirectURI:   redirectURI,
		State:         state,
		ResponseMode:  c.responseMode,
		ResponseType:  c.responseType,
		Scope:         opts.Scope,
		Prompt:        opts.Prompt,
		MaxAge:        opts.MaxAge,
		LoginHint:     opts.LoginHint,
		IDPHint:       opts.IDPHint,
		Action:        opts.Action,
		Locale:        opts.Locale,
		CodeChallenge: challenge,
		PKCEMethod:    c.pkceMethod,
	}
	if c.useNonce {
		req.Nonce = nonce
	}

	c.logger.Debug("authorization URL created", "state", state, "action", opts.Action)
	return req.URL(), nil
}

// CreateLogoutUrl builds the end-session request URL.
func (c *Client) CreateLogoutUrl(opts *LogoutOptions) (string, error) {
	if err := c.requireInit(); err != nil {
		return "", err
	}
	if opts == nil {
		opts = &LogoutOptions{}
	}
	endpoint, err := c.endpoints.LogoutURL()
	if err != nil {
		return "", err
	}
	redirectURI, err := c.adapter.ResolveRedirectURI(opts.RedirectURI)
	if err != nil {
		return "", err
	}
	return buildLogoutURL(endpoint, redirectURI), nil
}

// CreateAccountUrl builds the account console URL. It fails with
// ErrUnsupportedByProvider when the provider has no realm account page.
func (c *Client) CreateAccountUrl() (string, error) {
	if err := c.requireInit(); err != nil {
		return "", err
	}
	if c.endpoints.AccountBase == "" {
		return "", fmt.Errorf("%w: no account console", ErrUnsupportedByProvider)
	}
	redirectURI, err := c.adapter.ResolveRedirectURI("")
	if err != nil {
		return "", err
	}
	return buildAccountURL(c.endpoints.AccountBase, c.cfg.ClientID, redirectURI), nil
}

// ParseCallback parses a redirect URL and correlates it with the stored
// attempt. An unknown or expired state yields an unenriched result with
// Valid false; ProcessCallback refuses such results.
func (c *Client) ParseCallback(redirectURL string) (*OAuthCallback, error) {
	if err := c.requireInit(); err != nil {
		return nil, err
	}
	parsed, ok := parseCallbackURL(redirectURL, c.flow, c.responseMode)
	if !ok {
		return nil, fmt.Errorf("%w: redirect URL is not a valid callback", ErrAuthFlowFailed)
	}
	if cs, found := c.states.Consume(parsed.State); found {
		parsed.Valid = true
		parsed.RedirectURI = cs.RedirectURI
		parsed.StoredNonce = cs.Nonce
		parsed.Prompt = cs.Prompt
		parsed.PKCECodeVerifier = cs.PKCECodeVerifier
	}
	return parsed, nil
}

// ProcessCallback acts on a parsed callback: it reports action statuses,
// surfaces or swallows errors depending on the silent-probe marker, commits
// fragment tokens, and performs the code-for-token exchange.
func (c *Client) ProcessCallback(ctx context.Context, oauth *OAuthCallback) error {
	start := time.Now()

	if oauth.ActionStatus != "" {
		c.events.emitActionUpdate(ActionStatus(oauth.ActionStatus))
	}

	if oauth.Error != "" {
		if oauth.Prompt == "none" {
			// Expected outcome of a silent probe: not logged in, not an error.
			c.logger.Debug("silent login probe declined", "error", oauth.Error)
			return nil
		}
		authErr := &AuthError{Code: oauth.Error, Description: decodeParam(oauth.ErrorDesc)}
		if authErr.Description == "" {
			authErr.Description = "authentication error"
		}
		c.events.emitAuthError(authErr)
		return authErr
	}

	if !oauth.Valid {
		// Forged or expired state. Never exchange a code on its behalf.
		c.ClearToken()
		c.events.emitAuthError(&AuthError{
			Code:        "invalid_state",
			Description: "callback state unknown or expired",
		})
		return fmt.Errorf("%w: unknown or expired callback state", ErrAuthFlowFailed)
	}

	if c.flow != FlowStandard && (oauth.AccessToken != "" || oauth.IDToken != "") {
		if err := c.commitTokens(oauth.AccessToken, "", oauth.IDToken, start, oauth.StoredNonce, true); err != nil {
			return err
		}
		// Hybrid carries fragment tokens and a code; the exchange below
		// upgrades the session with a refresh token.
	}

	if c.flow != FlowImplicit && oauth.Code != "" {
		redirectURI, err := url.QueryUnescape(oauth.RedirectURI)
		if err != nil {
			redirectURI = oauth.RedirectURI
		}
		resp, err := c.exchangeCode(ctx, oauth.Code, redirectURI, oauth.PKCECodeVerifier)
		if err != nil {
			c.events.emitAuthError(&AuthError{
				Code:        "token_exchange_failed",
				Description: err.Error(),
			})
			return err
		}
		return c.commitTokens(resp.AccessToken, resp.RefreshToken, resp.IDToken, start, oauth.StoredNonce, c.flow == FlowStandard)
	}

	return nil
}

// commitTokens stores a fresh token set and re-validates the nonce. The
// local time is midpoint-adjusted over the exchange round trip so the skew
// estimate splits the network latency.
func (c *Client) commitTokens(access, refresh, id string, start time.Time, storedNonce string, fulfill bool) error {
	mid := start.Add(time.Since(start) / 2)
	if err := c.setToken(access, refresh, id, mid); err != nil {
		c.events.emitAuthError(&AuthError{Code: "invalid_token", Description: err.Error()})
		return err
	}

	if c.useNonce && !c.nonceMatches(storedNonce) {
		c.logger.Info("nonce mismatch, clearing token state")
		c.ClearToken()
		c.events.emitAuthError(&AuthError{
			Code:        "invalid_nonce",
			Description: "nonce in token does not match the authorization request",
		})
		return ErrNonceMismatch
	}

	if fulfill {
		c.events.emitAuthSuccess()
	}
	return nil
}

// nonceMatches checks every decodable token in the session against the
// nonce stored with the authorization attempt.
func (c *Client) nonceMatches(storedNonce string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return false
	}
	for _, claims := range []*TokenClaims{c.sess.accessClaims, c.sess.refreshClaims, c.sess.idClaims} {
		if claims != nil && claims.Nonce != storedNonce {
			return false
		}
	}
	return true
}

// IsTokenExpired reports whether the access token has less than minValidity
// seconds of life left, accounting for the estimated clock skew. Without an
// established skew the answer is conservatively true.
func (c *Client) IsTokenExpired(minValidity int) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.sess == nil || (c.sess.refreshToken == "" && c.flow != FlowImplicit) {
		return false, ErrNotAuthenticated
	}
	if c.sess.timeSkew == nil {
		c.logger.Info("cannot determine token expiry, time skew not yet established")
		return true, nil
	}

	var exp int64
	if c.sess.accessClaims.ExpiresAt != nil {
		exp = c.sess.accessClaims.ExpiresAt.Unix()
	}
	expiresIn := exp - time.Now().Unix() + *c.sess.timeSkew - int64(minValidity)
	return expiresIn < 0, nil
}

// UpdateToken refreshes the token set when it expires within minValidity
// seconds, or unconditionally when minValidity is -1. Concurrent callers
// coalesce onto a single token endpoint request and observe the same
// result. It returns true when a refresh happened.
func (c *Client) UpdateToken(ctx context.Context, minValidity int) (bool, error) {
	c.mu.RLock()
	hasRefresh := c.sess != nil && c.sess.refreshToken != ""
	c.mu.RUnlock()
	if !hasRefresh {
		return false, fmt.Errorf("%w: no refresh token", ErrNotAuthenticated)
	}

	v, err, _ := c.refresh.Do("refresh", func() (any, error) {
		return c.doRefresh(ctx, minValidity)
	})
	refreshed, _ := v.(bool)
	return refreshed, err
}

func (c *Client) doRefresh(ctx context.Context, minValidity int) (bool, error) {
	c.mu.RLock()
	var refreshToken string
	if c.sess != nil {
		refreshToken = c.sess.refreshToken
	}
	c.mu.RUnlock()
	if refreshToken == "" {
		return false, fmt.Errorf("%w: no refresh token", ErrNotAuthenticated)
	}

	should := minValidity == -1
	if should {
		c.logger.Info("refreshing token", "reason", "forced")
	} else {
		expired, err := c.IsTokenExpired(minValidity)
		if err != nil {
			return false, err
		}
		if expired {
			should = true
			c.logger.Info("refreshing token", "reason", "expired")
		}
	}
	if !should {
		return false, nil
	}

	start := time.Now()
	resp, err := c.refreshGrant(ctx, refreshToken)
	if err != nil {
		c.logger.Warn("token refresh failed", "error", err)
		var terr *TokenExchangeError
		if errors.As(err, &terr) && terr.StatusCode == http.StatusBadRequest {
			// The refresh token was rejected outright; the session is dead.
			c.ClearToken()
		}
		c.events.emitRefreshError()
		return false, err
	}

	mid := start.Add(time.Since(start) / 2)
	if err := c.setToken(resp.AccessToken, resp.RefreshToken, resp.IDToken, mid); err != nil {
		c.events.emitRefreshError()
		return false, err
	}

	c.logger.Info("token refreshed")
	c.events.emitRefreshSuccess()
	return true, nil
}

// setToken commits or clears the token triple. A non-zero timeLocal
// re-derives the clock skew from the access token's iat claim; a zero one
// carries the previous estimate over. The expiry timer is always re-armed,
// never stacked.
func (c *Client) setToken(access, refresh, id string, timeLocal time.Time) error {
	c.mu.Lock()

	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}

	if access == "" {
		c.sess = nil
		c.mu.Unlock()
		return nil
	}

	accessClaims, err := decodeToken(access)
	if err != nil {
		c.sess = nil
		c.mu.Unlock()
		return err
	}

	sess := &session{accessToken: access, accessClaims: accessClaims}
	if refresh != "" {
		sess.refreshToken = refresh
		// Refresh tokens may be opaque; their claims are best effort.
		sess.refreshClaims, _ = decodeToken(refresh)
	}
	if id != "" {
		sess.idToken = id
		sess.idClaims, _ = decodeToken(id)
	}

	if !timeLocal.IsZero() {
		var iat int64
		if accessClaims.IssuedAt != nil {
			iat = accessClaims.IssuedAt.Unix()
		}
		skew := timeLocal.Unix() - iat
		sess.timeSkew = &skew
	} else if c.sess != nil {
		sess.timeSkew = c.sess.timeSkew
	}

	c.sess = sess

	fireNow := false
	if sess.timeSkew != nil {
		c.logger.Info("estimated time difference between client and server", "seconds", *sess.timeSkew)
		var exp int64
		if accessClaims.ExpiresAt != nil {
			exp = accessClaims.ExpiresAt.Unix()
		}
		expiresIn := time.Duration(exp-time.Now().Unix()+*sess.timeSkew) * time.Second
		if expiresIn <= 0 {
			fireNow = true
		} else {
			c.logger.Debug("token expiry timer armed", "expires_in", expiresIn)
			c.expiryTimer = time.AfterFunc(expiresIn, c.events.emitTokenExpired)
		}
	}
	c.mu.Unlock()

	if fireNow {
		c.events.emitTokenExpired()
	}
	return nil
}

// ClearToken drops all token state and cancels the expiry timer. Hosts that
// need to re-enter login (for example under login-required) do so from an
// OnAuthLogout subscriber.
func (c *Client) ClearToken() {
	c.mu.RLock()
	had := c.sess != nil
	c.mu.RUnlock()
	if !had {
		return
	}
	_ = c.setToken("", "", "", time.Time{})
	c.events.emitAuthLogout()
}

// Authenticated reports whether a token set is committed.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess != nil
}

// Token returns the raw access token, or "" when unauthenticated.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.accessToken
}

// RefreshToken returns the raw refresh token, or "".
func (c *Client) RefreshToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.refreshToken
}

// IDToken returns the raw ID token, or "".
func (c *Client) IDToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.idToken
}

// TokenClaims returns the decoded access token claims, or nil.
func (c *Client) TokenClaims() *TokenClaims {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.accessClaims
}

// RefreshTokenClaims returns the decoded refresh token claims, or nil.
func (c *Client) RefreshTokenClaims() *TokenClaims {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.refreshClaims
}

// IDTokenClaims returns the decoded ID token claims, or nil.
func (c *Client) IDTokenClaims() *TokenClaims {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.idClaims
}

// Subject returns the sub claim of the access token, or "".
func (c *Client) Subject() string {
	if claims := c.TokenClaims(); claims != nil {
		return claims.Subject
	}
	return ""
}

// SessionState returns the provider session id carried on the access token.
func (c *Client) SessionState() string {
	if claims := c.TokenClaims(); claims != nil {
		return claims.SessionState
	}
	return ""
}

// TimeSkew returns the estimated client/server clock difference in seconds
// and whether it has been established.
func (c *Client) TimeSkew() (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil || c.sess.timeSkew == nil {
		return 0, false
	}
	return *c.sess.timeSkew, true
}

// HasRealmRole reports whether the access token grants the realm role.
func (c *Client) HasRealmRole(role string) bool {
	if claims := c.TokenClaims(); claims != nil {
		return claims.RealmAccess.HasRole(role)
	}
	return false
}

// HasResourceRole reports whether the access token grants the role for a
// resource. An empty resource defaults to this client's id.
func (c *Client) HasResourceRole(role, resource string) bool {
	claims := c.TokenClaims()
	if claims == nil {
		return false
	}
	if resource == "" {
		resource = c.cfg.ClientID
	}
	return claims.ResourceAccess[resource].HasRole(role)
}

// LoadUserProfile fetches the account profile from the realm account
// endpoint with the current access token.
func (c *Client) LoadUserProfile(ctx context.Context) (map[string]any, error) {
	if err := c.requireInit(); err != nil {
		return nil, err
	}
	token := c.Token()
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	if c.endpoints.AccountBase == "" {
		return nil, fmt.Errorf("%w: no account endpoint", ErrUnsupportedByProvider)
	}

	var profile map[string]any
	if err := fetchJSON(ctx, c.httpClient, c.endpoints.AccountBase+"/account", token, &profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// LoadUserInfo fetches the userinfo document with the current access token.
func (c *Client) LoadUserInfo(ctx context.Context) (map[string]any, error) {
	if err := c.requireInit(); err != nil {
		return nil, err
	}
	token := c.Token()
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	endpoint, err := c.endpoints.UserinfoURL()
	if err != nil {
		return nil, err
	}

	var info map[string]any
	if err := fetchJSON(ctx, c.httpClient, endpoint, token, &info); err != nil {
		return nil, err
	}
	return info, nil
}

func decodeParam(v string) string {
	if decoded, err := url.QueryUnescape(v); err == nil {
		return decoded
	}
	return v
}
