package keycloak

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Flow selects the OAuth2/OIDC grant flow used for login.
type Flow string

const (
	FlowStandard Flow = "standard"
	FlowImplicit Flow = "implicit"
	FlowHybrid   Flow = "hybrid"
)

// ResponseMode selects where the provider places callback parameters.
type ResponseMode string

const (
	ResponseModeQuery    ResponseMode = "query"
	ResponseModeFragment ResponseMode = "fragment"
)

// PKCEMethod names a code challenge method. Only S256 is supported; the
// plain method is rejected as insecure.
type PKCEMethod string

const PKCEMethodS256 PKCEMethod = "S256"

// OnLoad directs what Init does when no session can be restored.
type OnLoad string

const (
	OnLoadLoginRequired OnLoad = "login-required"
	OnLoadCheckSSO      OnLoad = "check-sso"
)

// ClientConfig is the immutable client configuration supplied at
// construction. Either Realm+URL or one of the OIDC provider fields must be
// set before endpoints can be resolved.
type ClientConfig struct {
	// URL is the base URL of the Keycloak server, e.g. https://id.example.com.
	URL string `yaml:"url"`
	// Realm is the Keycloak realm name.
	Realm string `yaml:"realm"`
	// ClientID identifies this application at the provider.
	ClientID string `yaml:"client_id"`
	// RedirectURI is the client-wide redirect URI. Individual operations may
	// override it per call.
	RedirectURI string `yaml:"redirect_uri"`
	// OIDCProvider, when set, is the issuer base URL of a generic OIDC
	// provider whose metadata is fetched from the well-known discovery
	// document instead of templating realm URLs.
	OIDCProvider string `yaml:"oidc_provider"`
	// OIDCConfiguration, when set, is an already-obtained discovery document
	// used verbatim without any network round trip.
	OIDCConfiguration *ProviderMetadata `yaml:"oidc_configuration"`
}

// Validate reports configuration errors that make the client unusable.
func (c ClientConfig) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidConfig)
	}
	if c.OIDCConfiguration == nil && c.OIDCProvider == "" {
		if c.URL == "" || c.Realm == "" {
			return fmt.Errorf("%w: either url+realm or an OIDC provider must be set", ErrInvalidConfig)
		}
	}
	return nil
}

// LoadClientConfig reads a YAML client configuration, applies environment
// overrides, and validates the result. Unknown keys are rejected.
func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return ClientConfig{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *ClientConfig) {
	if v := os.Getenv("KCAUTH_SERVER_URL"); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv("KCAUTH_REALM"); v != "" {
		cfg.Realm = v
	}
	if v := os.Getenv("KCAUTH_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("KCAUTH_REDIRECT_URI"); v != "" {
		cfg.RedirectURI = v
	}
	if v := os.Getenv("KCAUTH_OIDC_PROVIDER"); v != "" {
		cfg.OIDCProvider = v
	}
}

// InitOptions configure the client once per lifetime via Init.
type InitOptions struct {
	// Flow selects the grant flow; the response type is derived from it.
	// Defaults to FlowStandard.
	Flow Flow
	// ResponseMode selects query or fragment callbacks. Defaults to fragment.
	ResponseMode ResponseMode
	// UseNonce controls whether a nonce is sent with authorization requests
	// and re-validated on token commit. Defaults to true.
	UseNonce *bool
	// PKCEMethod enables PKCE when set. Only S256 is accepted.
	PKCEMethod PKCEMethod
	// OnLoad directs behaviour when no session is restored: login-required
	// performs a silent login probe, check-sso does nothing.
	OnLoad OnLoad
	// RedirectURI overrides the client-wide redirect URI for this lifetime.
	RedirectURI string

	// Token, RefreshToken and IDToken restore a previous session. When Token
	// and RefreshToken are both set, Init validates them with a forced
	// refresh before reporting success.
	Token        string
	RefreshToken string
	IDToken      string
	// TimeSkew seeds the client/server clock skew estimate, in seconds.
	TimeSkew *int64

	// CallbackStateTTL bounds how long an in-flight authorization attempt
	// stays correlatable. Defaults to DefaultCallbackStateTTL.
	CallbackStateTTL time.Duration
	// EnableLogging turns on the client's structured logging.
	EnableLogging bool
}

// initState is the normalized, validated form of InitOptions.
type initState struct {
	flow          Flow
	responseMode  ResponseMode
	responseType  string
	useNonce      bool
	pkceMethod    PKCEMethod
	loginRequired bool
}

func normalizeInitOptions(opts InitOptions) (initState, error) {
	st := initState{
		flow:         FlowStandard,
		responseMode: ResponseModeFragment,
		responseType: "code",
		useNonce:     true,
	}

	switch opts.ResponseMode {
	case "", ResponseModeFragment:
	case ResponseModeQuery:
		st.responseMode = ResponseModeQuery
	default:
		return initState{}, fmt.Errorf("%w: invalid response mode %q", ErrInvalidConfig, opts.ResponseMode)
	}

	switch opts.Flow {
	case "", FlowStandard:
		st.flow, st.responseType = FlowStandard, "code"
	case FlowImplicit:
		st.flow, st.responseType = FlowImplicit, "id_token token"
	case FlowHybrid:
		st.flow, st.responseType = FlowHybrid, "code id_token token"
	default:
		return initState{}, fmt.Errorf("%w: invalid flow %q", ErrInvalidConfig, opts.Flow)
	}

	switch opts.PKCEMethod {
	case "", PKCEMethodS256:
		st.pkceMethod = opts.PKCEMethod
	default:
		return initState{}, fmt.Errorf("%w: invalid PKCE method %q", ErrInvalidConfig, opts.PKCEMethod)
	}

	switch opts.OnLoad {
	case "", OnLoadCheckSSO:
	case OnLoadLoginRequired:
		st.loginRequired = true
	default:
		return initState{}, fmt.Errorf("%w: invalid onLoad %q", ErrInvalidConfig, opts.OnLoad)
	}

	if opts.UseNonce != nil {
		st.useNonce = *opts.UseNonce
	}

	return st, nil
}
