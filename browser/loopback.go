// Package browser provides keycloak.Browser implementations for desktop
// hosts. The loopback variant binds a localhost HTTP listener at the
// redirect URI, opens the system browser, and waits for the provider to
// redirect back. Because the listener only ever sees the query string, it
// requires the client to run with response mode "query".
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"

	"kcauth/keycloak"
)

// DefaultSuccessHTML is shown in the browser tab once the redirect has been
// captured.
const DefaultSuccessHTML = `<!DOCTYPE html>
<html><head><title>Signed in</title></head>
<body><p>You may close this window and return to the application.</p></body></html>`

const shutdownGrace = 3 * time.Second

// Loopback drives authentication through the user's default browser and a
// short-lived localhost listener.
type Loopback struct {
	// SuccessHTML replaces the page served after the callback lands.
	SuccessHTML string

	logger *slog.Logger

	// openCommand builds the command that launches the browser. Tests
	// override it to drive the flow without a display.
	openCommand func(target string) *exec.Cmd
}

// NewLoopback returns a loopback browser. logger may be nil.
func NewLoopback(logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{
		SuccessHTML: DefaultSuccessHTML,
		logger:      logger,
		openCommand: systemOpenCommand,
	}
}

func systemOpenCommand(target string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", target)
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", target)
	default:
		return exec.Command("xdg-open", target)
	}
}

func launcherName() string {
	switch runtime.GOOS {
	case "darwin":
		return "open"
	case "windows":
		return "rundll32"
	default:
		return "xdg-open"
	}
}

// Available reports whether a browser launcher exists on PATH.
func (l *Loopback) Available() bool {
	_, err := exec.LookPath(launcherName())
	return err == nil
}

// Open launches the system browser at the URL with no callback expected.
func (l *Loopback) Open(_ context.Context, target string) error {
	cmd := l.openCommand(target)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	// The launcher forks and returns; do not hold the caller on it.
	go func() { _ = cmd.Wait() }()
	return nil
}

// OpenAuthSession binds a listener at redirectURI, opens authURL in the
// system browser, and blocks until the provider redirects back or ctx is
// done. Context cancellation is reported as a cancelled session, not an
// error, so callers can treat it like a dismissed browser tab.
func (l *Loopback) OpenAuthSession(ctx context.Context, authURL, redirectURI string) (keycloak.AuthSessionResult, error) {
	cancelled := keycloak.AuthSessionResult{Type: keycloak.AuthSessionCancel}

	target, err := url.Parse(redirectURI)
	if err != nil {
		return cancelled, fmt.Errorf("parse redirect URI: %w", err)
	}
	if target.Scheme != "http" || !isLoopbackHost(target.Hostname()) {
		return cancelled, fmt.Errorf("redirect URI %q is not a loopback http URL", redirectURI)
	}

	ln, err := net.Listen("tcp", target.Host)
	if err != nil {
		return cancelled, fmt.Errorf("bind %s: %w", target.Host, err)
	}

	callbackPath := target.Path
	if callbackPath == "" {
		callbackPath = "/"
	}

	landed := make(chan string, 1)
	r := chi.NewRouter()
	r.Get(callbackPath, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(l.SuccessHTML))

		// The provider carries any query the redirect URI started with
		// back in the request, so rebuild from scheme/host/path alone.
		callback := url.URL{
			Scheme:   target.Scheme,
			Host:     target.Host,
			Path:     target.Path,
			RawQuery: req.URL.RawQuery,
		}
		full := callback.String()
		select {
		case landed <- full:
		default:
		}
	})

	srv := &http.Server{Handler: r}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	l.logger.Debug("loopback listener bound", "addr", ln.Addr().String(), "path", callbackPath)

	if err := l.Open(ctx, authURL); err != nil {
		return cancelled, err
	}

	select {
	case full := <-landed:
		return keycloak.AuthSessionResult{Type: keycloak.AuthSessionSuccess, URL: full}, nil
	case err := <-serveErr:
		return cancelled, fmt.Errorf("loopback listener: %w", err)
	case <-ctx.Done():
		l.logger.Debug("auth session cancelled", "reason", ctx.Err())
		return cancelled, nil
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
