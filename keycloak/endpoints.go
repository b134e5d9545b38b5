package keycloak

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ProviderMetadata is the subset of an OIDC discovery document the client
// needs. When supplied inline it is used verbatim; otherwise it is fetched
// from the provider's well-known endpoint.
type ProviderMetadata struct {
	Issuer                string `json:"issuer" yaml:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint" yaml:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint" yaml:"token_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint" yaml:"end_session_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint" yaml:"registration_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint" yaml:"userinfo_endpoint"`
}

// Endpoints holds the resolved provider endpoints. Optional endpoints are
// empty when the provider does not advertise them; the accessor methods turn
// that into ErrUnsupportedByProvider.
type Endpoints struct {
	Authorize string
	Token     string
	Logout    string
	Register  string
	Userinfo  string

	// AccountBase is the realm base URL used for the account console and
	// profile endpoint. Empty when endpoints came from discovery metadata.
	AccountBase string
}

// LogoutURL returns the end-session endpoint.
func (e Endpoints) LogoutURL() (string, error) {
	if e.Logout == "" {
		return "", fmt.Errorf("%w: no end-session endpoint", ErrUnsupportedByProvider)
	}
	return e.Logout, nil
}

// RegisterURL returns the registration endpoint.
func (e Endpoints) RegisterURL() (string, error) {
	if e.Register == "" {
		return "", fmt.Errorf("%w: no registration endpoint", ErrUnsupportedByProvider)
	}
	return e.Register, nil
}

// UserinfoURL returns the userinfo endpoint.
func (e Endpoints) UserinfoURL() (string, error) {
	if e.Userinfo == "" {
		return "", fmt.Errorf("%w: no userinfo endpoint", ErrUnsupportedByProvider)
	}
	return e.Userinfo, nil
}

// realmURL templates the base URL of a realm, normalizing a trailing slash
// on the server URL.
func realmURL(serverURL, realm string) string {
	return strings.TrimSuffix(serverURL, "/") + "/realms/" + realm
}

func realmEndpoints(serverURL, realm string) Endpoints {
	base := realmURL(serverURL, realm) + "/protocol/openid-connect"
	return Endpoints{
		Authorize:   base + "/auth",
		Token:       base + "/token",
		Logout:      base + "/logout",
		Register:    base + "/registrations",
		Userinfo:    base + "/userinfo",
		AccountBase: realmURL(serverURL, realm),
	}
}

func metadataEndpoints(md ProviderMetadata) Endpoints {
	return Endpoints{
		Authorize: md.AuthorizationEndpoint,
		Token:     md.TokenEndpoint,
		Logout:    md.EndSessionEndpoint,
		Register:  md.RegistrationEndpoint,
		Userinfo:  md.UserinfoEndpoint,
	}
}

// resolveEndpoints produces the canonical endpoint set for the configured
// provider. Discovery goes through go-oidc so issuer validation matches what
// the rest of the ecosystem enforces.
func resolveEndpoints(ctx context.Context, cfg ClientConfig, hc *http.Client) (Endpoints, error) {
	switch {
	case cfg.OIDCConfiguration != nil:
		return metadataEndpoints(*cfg.OIDCConfiguration), nil

	case cfg.OIDCProvider != "":
		issuer := strings.TrimSuffix(cfg.OIDCProvider, "/")
		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, hc), issuer)
		if err != nil {
			return Endpoints{}, fmt.Errorf("discover provider: %w", err)
		}
		var md ProviderMetadata
		if err := provider.Claims(&md); err != nil {
			return Endpoints{}, fmt.Errorf("parse discovery document: %w", err)
		}
		e := metadataEndpoints(md)
		// Endpoint() is authoritative for the two mandated endpoints.
		ep := provider.Endpoint()
		e.Authorize = ep.AuthURL
		e.Token = ep.TokenURL
		return e, nil

	default:
		return realmEndpoints(cfg.URL, cfg.Realm), nil
	}
}
