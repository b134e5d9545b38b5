package keycloak

import (
	"strings"
)

// OAuthCallback is the parsed payload of a redirect callback. Values are
// kept exactly as they appeared on the wire (still percent-encoded);
// decoding is the consumer's responsibility where the value's semantics
// require it.
type OAuthCallback struct {
	Code         string
	State        string
	SessionState string
	AccessToken  string
	TokenType    string
	IDToken      string
	ExpiresIn    string
	ActionStatus string
	Error        string
	ErrorDesc    string
	ErrorURI     string

	// RemainderURL is the redirect URL with the OAuth parameters removed;
	// parameters the host application attached to its own redirect URI are
	// preserved here.
	RemainderURL string

	// Enrichment from the callback state store. Valid is true only when the
	// state was found; consumers must refuse token exchange otherwise.
	Valid            bool
	RedirectURI      string
	StoredNonce      string
	Prompt           string
	PKCECodeVerifier string
}

func supportedCallbackParams(flow Flow) []string {
	var params []string
	switch flow {
	case FlowStandard:
		params = []string{"code", "state", "session_state", "kc_action_status"}
	case FlowImplicit:
		params = []string{"access_token", "token_type", "id_token", "state", "session_state", "expires_in", "kc_action_status"}
	case FlowHybrid:
		params = []string{"access_token", "token_type", "id_token", "code", "state", "session_state", "expires_in", "kc_action_status"}
	}
	return append(params, "error", "error_description", "error_uri")
}

// splitCallbackParams partitions a raw query or fragment segment into OAuth
// parameters and everything else. Values are not URL-decoded. Foreign
// parameters keep their order and encoding so the host's own redirect state
// survives.
func splitCallbackParams(segment string, supported []string) (map[string]string, string) {
	allowed := make(map[string]bool, len(supported))
	for _, p := range supported {
		allowed[p] = true
	}

	oauth := make(map[string]string)
	var rest []string
	for _, pair := range strings.Split(segment, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		if allowed[key] {
			oauth[key] = value
		} else {
			rest = append(rest, pair)
		}
	}
	return oauth, strings.Join(rest, "&")
}

// parseCallbackURL extracts OAuth parameters from a redirect URL according
// to the active flow and response mode. The second return value is false
// when the URL is not a valid OAuth callback for this configuration.
func parseCallbackURL(rawURL string, flow Flow, mode ResponseMode) (*OAuthCallback, bool) {
	supported := supportedCallbackParams(flow)

	queryIndex := strings.Index(rawURL, "?")
	fragmentIndex := strings.Index(rawURL, "#")

	var oauth map[string]string
	var remainder string

	switch {
	case mode == ResponseModeQuery && queryIndex != -1:
		end := len(rawURL)
		if fragmentIndex > queryIndex {
			end = fragmentIndex
		}
		var rest string
		oauth, rest = splitCallbackParams(rawURL[queryIndex+1:end], supported)
		remainder = rawURL[:queryIndex]
		if rest != "" {
			remainder += "?" + rest
		}
		if fragmentIndex > queryIndex {
			remainder += rawURL[fragmentIndex:]
		}

	case mode == ResponseModeFragment && fragmentIndex != -1:
		var rest string
		oauth, rest = splitCallbackParams(rawURL[fragmentIndex+1:], supported)
		remainder = rawURL[:fragmentIndex]
		if rest != "" {
			remainder += "#" + rest
		}

	default:
		return nil, false
	}

	cb := &OAuthCallback{
		Code:         oauth["code"],
		State:        oauth["state"],
		SessionState: oauth["session_state"],
		AccessToken:  oauth["access_token"],
		TokenType:    oauth["token_type"],
		IDToken:      oauth["id_token"],
		ExpiresIn:    oauth["expires_in"],
		ActionStatus: oauth["kc_action_status"],
		Error:        oauth["error"],
		ErrorDesc:    oauth["error_description"],
		ErrorURI:     oauth["error_uri"],
		RemainderURL: remainder,
	}

	if cb.State == "" {
		return nil, false
	}
	switch flow {
	case FlowStandard, FlowHybrid:
		if cb.Code == "" && cb.Error == "" {
			return nil, false
		}
	case FlowImplicit:
		if cb.AccessToken == "" && cb.Error == "" {
			return nil, false
		}
	}
	return cb, true
}
