package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"kcauth/keycloak"
)

// stubBrowser completes authorization round trips in-process: logins come
// back with the state and a code, logouts with the bare redirect URI.
type stubBrowser struct {
	failSessions bool
}

func (b *stubBrowser) Available() bool { return true }

func (b *stubBrowser) Open(context.Context, string) error { return nil }

func (b *stubBrowser) OpenAuthSession(_ context.Context, authURL, redirectURI string) (keycloak.AuthSessionResult, error) {
	if b.failSessions {
		return keycloak.AuthSessionResult{Type: keycloak.AuthSessionCancel}, nil
	}
	if strings.Contains(authURL, "/logout") {
		return keycloak.AuthSessionResult{Type: keycloak.AuthSessionSuccess, URL: redirectURI}, nil
	}
	u, err := url.Parse(authURL)
	if err != nil {
		return keycloak.AuthSessionResult{}, err
	}
	callback := redirectURI + "?state=" + u.Query().Get("state") + "&code=c1"
	return keycloak.AuthSessionResult{Type: keycloak.AuthSessionSuccess, URL: callback}, nil
}

func mintToken(t *testing.T) string {
	t.Helper()
	now := time.Now()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, keycloak.TokenClaims{
		SessionState: "sess-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func newTestClient(t *testing.T, b keycloak.Browser) *keycloak.Client {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/demo/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		tok := mintToken(t)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  tok,
			"refresh_token": tok,
			"id_token":      tok,
			"token_type":    "Bearer",
			"expires_in":    300,
		})
	})
	mux.HandleFunc("/realms/demo/protocol/openid-connect/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := keycloak.New(keycloak.ClientConfig{
		URL:         srv.URL,
		Realm:       "demo",
		ClientID:    "app",
		RedirectURI: "http://127.0.0.1:8976/callback",
	}, b, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.SetHTTPClient(srv.Client())

	off := false
	if _, err := client.Init(context.Background(), keycloak.InitOptions{
		ResponseMode: keycloak.ResponseModeQuery,
		PKCEMethod:   keycloak.PKCEMethodS256,
		UseNonce:     &off,
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return client
}

func TestRunCommandLogin(t *testing.T) {
	client := newTestClient(t, &stubBrowser{})

	if err := runCommand(context.Background(), client, "login", false); err != nil {
		t.Fatalf("runCommand login: %v", err)
	}
	if !client.Authenticated() {
		t.Fatalf("login left no session")
	}
}

func TestRunCommandLogoutClearsSession(t *testing.T) {
	client := newTestClient(t, &stubBrowser{})

	if err := runCommand(context.Background(), client, "login", false); err != nil {
		t.Fatalf("runCommand login: %v", err)
	}
	if err := runCommand(context.Background(), client, "logout", false); err != nil {
		t.Fatalf("runCommand logout: %v", err)
	}
	if client.Authenticated() {
		t.Fatalf("logout kept the session")
	}
}

func TestRunCommandLogoutForceClear(t *testing.T) {
	browser := &stubBrowser{}
	client := newTestClient(t, browser)

	if err := runCommand(context.Background(), client, "login", false); err != nil {
		t.Fatalf("runCommand login: %v", err)
	}

	// Break the browser so the logout round trip fails; force-clear must
	// still drop the local session.
	browser.failSessions = true
	if err := runCommand(context.Background(), client, "logout", true); err == nil {
		t.Fatalf("expected the failed round trip to be reported")
	}
	if client.Authenticated() {
		t.Fatalf("force-clear logout kept the session")
	}
}

func TestRunCommandUnknownVerb(t *testing.T) {
	client := newTestClient(t, &stubBrowser{})

	err := runCommand(context.Background(), client, "frobnicate", false)
	if err == nil {
		t.Fatalf("expected an error for an unknown command")
	}
	for _, verb := range []string{"login", "logout", "register", "userinfo", "urls"} {
		if !strings.Contains(err.Error(), verb) {
			t.Fatalf("error %q does not list verb %q", err, verb)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"", slog.LevelInfo, true},
		{"info", slog.LevelInfo, true},
		{"DEBUG", slog.LevelDebug, true},
		{" warn ", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{"err", slog.LevelError, true},
		{"verbose", 0, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%q", tc.in), func(t *testing.T) {
			got, err := parseLogLevel(tc.in)
			if tc.ok != (err == nil) {
				t.Fatalf("parseLogLevel(%q) error = %v", tc.in, err)
			}
			if tc.ok && got != tc.want {
				t.Fatalf("parseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
