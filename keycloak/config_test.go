package keycloak

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kcauth.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadClientConfig(t *testing.T) {
	path := writeTempConfig(t, `
url: https://id.example.com
realm: demo
client_id: app
redirect_uri: myapp://callback
`)

	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.URL != "https://id.example.com" || cfg.Realm != "demo" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ClientID != "app" || cfg.RedirectURI != "myapp://callback" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadClientConfigRejectsUnknownKeys(t *testing.T) {
	path := writeTempConfig(t, `
url: https://id.example.com
realm: demo
client_id: app
no_such_key: true
`)

	if _, err := LoadClientConfig(path); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestLoadClientConfigEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
url: https://id.example.com
realm: demo
client_id: app
`)

	t.Setenv("KCAUTH_REALM", "override")
	t.Setenv("KCAUTH_CLIENT_ID", "other")

	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.Realm != "override" || cfg.ClientID != "other" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestClientConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  ClientConfig
		ok   bool
	}{
		{"realm form", ClientConfig{URL: "https://id.example.com", Realm: "demo", ClientID: "app"}, true},
		{"oidc provider form", ClientConfig{OIDCProvider: "https://idp.example.com", ClientID: "app"}, true},
		{"inline metadata form", ClientConfig{OIDCConfiguration: &ProviderMetadata{}, ClientID: "app"}, true},
		{"missing client id", ClientConfig{URL: "https://id.example.com", Realm: "demo"}, false},
		{"missing realm", ClientConfig{URL: "https://id.example.com", ClientID: "app"}, false},
		{"missing everything", ClientConfig{ClientID: "app"}, false},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}

func TestNormalizeInitOptionsDefaults(t *testing.T) {
	st, err := normalizeInitOptions(InitOptions{})
	if err != nil {
		t.Fatalf("normalizeInitOptions: %v", err)
	}
	if st.flow != FlowStandard || st.responseMode != ResponseModeFragment {
		t.Fatalf("unexpected defaults: %+v", st)
	}
	if st.responseType != "code" || !st.useNonce || st.pkceMethod != "" || st.loginRequired {
		t.Fatalf("unexpected defaults: %+v", st)
	}
}

func TestNormalizeInitOptionsResponseTypes(t *testing.T) {
	cases := []struct {
		flow Flow
		want string
	}{
		{FlowStandard, "code"},
		{FlowImplicit, "id_token token"},
		{FlowHybrid, "code id_token token"},
	}
	for _, tc := range cases {
		st, err := normalizeInitOptions(InitOptions{Flow: tc.flow})
		if err != nil {
			t.Fatalf("flow %q: %v", tc.flow, err)
		}
		if st.responseType != tc.want {
			t.Fatalf("flow %q: response type %q, want %q", tc.flow, st.responseType, tc.want)
		}
	}
}

func TestNormalizeInitOptionsRejectsInvalid(t *testing.T) {
	invalid := []InitOptions{
		{Flow: "password"},
		{ResponseMode: "form_post"},
		{PKCEMethod: "plain"},
		{OnLoad: "always"},
	}
	for _, opts := range invalid {
		if _, err := normalizeInitOptions(opts); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%+v: expected ErrInvalidConfig, got %v", opts, err)
		}
	}
}

func TestNormalizeInitOptionsNonceOptOut(t *testing.T) {
	off := false
	st, err := normalizeInitOptions(InitOptions{UseNonce: &off})
	if err != nil {
		t.Fatalf("normalizeInitOptions: %v", err)
	}
	if st.useNonce {
		t.Fatalf("nonce opt-out ignored")
	}
}
