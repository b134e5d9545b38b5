package keycloak

import (
	"net/url"
	"strconv"
	"strings"
)

// LoginOptions tune a single login or registration request.
type LoginOptions struct {
	// RedirectURI overrides the configured redirect URI for this call.
	RedirectURI string
	// Scope is the requested scope; "openid" is always included once.
	Scope string
	// Prompt is passed through, e.g. "none" for a silent probe.
	Prompt string
	// MaxAge caps the acceptable authentication age, in seconds.
	MaxAge int
	// LoginHint pre-fills the username field.
	LoginHint string
	// IDPHint asks Keycloak to skip straight to a brokered identity
	// provider (kc_idp_hint).
	IDPHint string
	// Action requests an application-initiated action, or "register" to
	// target the registration endpoint.
	Action string
	// Locale sets ui_locales on the login page.
	Locale string
}

// LogoutOptions tune a logout request.
type LogoutOptions struct {
	// RedirectURI overrides the configured redirect URI for this call.
	RedirectURI string
	// ForceClear drops local token state even when the provider round trip
	// fails, for offline logout.
	ForceClear bool
}

// authRequest carries everything needed to build one authorization URL.
type authRequest struct {
	Endpoint      string
	ClientID      string
	RedirectURI   string
	State         string
	ResponseMode  ResponseMode
	ResponseType  string
	Scope         string
	Nonce         string
	Prompt        string
	MaxAge        int
	LoginHint     string
	IDPHint       string
	Action        string
	Locale        string
	CodeChallenge string
	PKCEMethod    PKCEMethod
}

// URL assembles the authorization (or registration) request URL.
func (r authRequest) URL() string {
	q := url.Values{}
	q.Set("client_id", r.ClientID)
	q.Set("redirect_uri", r.RedirectURI)
	q.Set("state", r.State)
	q.Set("response_mode", string(r.ResponseMode))
	q.Set("response_type", r.ResponseType)
	q.Set("scope", ensureOpenIDScope(r.Scope))

	if r.Nonce != "" {
		q.Set("nonce", r.Nonce)
	}
	if r.Prompt != "" {
		q.Set("prompt", r.Prompt)
	}
	if r.MaxAge > 0 {
		q.Set("max_age", strconv.Itoa(r.MaxAge))
	}
	if r.LoginHint != "" {
		q.Set("login_hint", r.LoginHint)
	}
	if r.IDPHint != "" {
		q.Set("kc_idp_hint", r.IDPHint)
	}
	if r.Action != "" && r.Action != "register" {
		q.Set("kc_action", r.Action)
	}
	if r.Locale != "" {
		q.Set("ui_locales", r.Locale)
	}
	if r.CodeChallenge != "" {
		q.Set("code_challenge", r.CodeChallenge)
		q.Set("code_challenge_method", string(r.PKCEMethod))
	}

	return r.Endpoint + "?" + q.Encode()
}

// ensureOpenIDScope guarantees the scope list contains "openid" exactly
// once, preserving any other scopes the caller requested.
func ensureOpenIDScope(scope string) string {
	scopes := []string{"openid"}
	for _, s := range strings.Fields(scope) {
		if s != "openid" {
			scopes = append(scopes, s)
		}
	}
	return strings.Join(scopes, " ")
}

// buildLogoutURL assembles the end-session request URL.
func buildLogoutURL(endpoint, redirectURI string) string {
	q := url.Values{}
	q.Set("redirect_uri", redirectURI)
	return endpoint + "?" + q.Encode()
}

// buildAccountURL assembles the account console URL for a realm.
func buildAccountURL(realmBase, clientID, redirectURI string) string {
	q := url.Values{}
	q.Set("referrer", clientID)
	q.Set("referrer_uri", redirectURI)
	return realmBase + "/account?" + q.Encode()
}
