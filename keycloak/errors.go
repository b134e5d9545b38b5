package keycloak

import (
	"errors"
	"fmt"
)

// Sentinel errors common across the package. Callers branch with errors.Is.
var (
	// ErrInvalidConfig indicates bad client configuration or init options.
	// The caller must fix the configuration; retrying will not help.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrMissingRedirectURI is returned when neither a per-call override nor
	// a client-wide redirect URI is configured.
	ErrMissingRedirectURI = errors.New("redirect URI not configured")

	// ErrBrowserUnavailable is returned when no external browser surface can
	// be opened on this host. The attempt may be retried after the host
	// provides a browser.
	ErrBrowserUnavailable = errors.New("external browser not available")

	// ErrAuthFlowFailed is returned when the browser round trip did not
	// produce a usable callback: the user cancelled, the browser returned no
	// URL, or the redirect could not be correlated with a stored attempt.
	ErrAuthFlowFailed = errors.New("authentication flow failed")

	// ErrUnsupportedByProvider is returned when the resolved provider
	// metadata lacks the endpoint required for an operation.
	ErrUnsupportedByProvider = errors.New("not supported by the OIDC provider")

	// ErrNotAuthenticated is returned by state-dependent operations when no
	// session is established.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNonceMismatch indicates the nonce claim of a freshly committed token
	// does not match the nonce issued with the authorization request. The
	// session is always cleared when this is returned.
	ErrNonceMismatch = errors.New("nonce mismatch")

	// ErrUnsupportedPKCEMethod is returned for any challenge method other
	// than S256. The plain method is rejected as insecure.
	ErrUnsupportedPKCEMethod = errors.New("unsupported PKCE method")
)

// AuthError carries the OAuth error parameters returned by the provider on
// the redirect, or a local description of an authentication failure.
type AuthError struct {
	Code        string
	Description string
}

func (e *AuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// TokenExchangeError wraps a failure talking to the token endpoint. A
// StatusCode of 400 means the grant was rejected outright and the session has
// been cleared; any other failure leaves existing tokens intact so the caller
// can retry.
type TokenExchangeError struct {
	StatusCode int
	Err        error
}

func (e *TokenExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token endpoint returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("token request failed: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }
