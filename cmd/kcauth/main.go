// Command kcauth exercises the authentication flows from a terminal: it
// logs in through the system browser with a loopback redirect, prints the
// resulting tokens, and can run the logout and userinfo round trips.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"kcauth/browser"
	"kcauth/keycloak"
)

const flowTimeout = 5 * time.Minute

func main() {
	configPath := flag.String("config", os.Getenv("KCAUTH_CONFIG"), "Path to YAML config")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	forceClear := flag.Bool("force-clear", false, "On logout, drop the local session even when the server round trip fails")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Local development convenience; a missing .env is fine.
	_ = godotenv.Load()

	command := "login"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
	}

	configFile := *configPath
	if configFile == "" {
		configFile = "./kcauth.yaml"
	}
	cfg, err := keycloak.LoadClientConfig(configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, flowTimeout)
	defer cancel()

	client, err := keycloak.New(cfg, browser.NewLoopback(logger), logger)
	if err != nil {
		log.Fatalf("init client: %v", err)
	}
	client.OnAuthError(func(e *keycloak.AuthError) {
		logger.Error("authentication error", "code", e.Code, "description", e.Description)
	})

	// The loopback listener only sees the query string, so the client must
	// run with query response mode.
	if _, err := client.Init(ctx, keycloak.InitOptions{
		ResponseMode:  keycloak.ResponseModeQuery,
		PKCEMethod:    keycloak.PKCEMethodS256,
		EnableLogging: true,
	}); err != nil {
		log.Fatalf("init: %v", err)
	}

	if err := runCommand(ctx, client, command, *forceClear); err != nil {
		log.Fatalf("%v", err)
	}
}

func runCommand(ctx context.Context, client *keycloak.Client, command string, forceClear bool) error {
	switch command {
	case "login":
		return runLogin(ctx, client)
	case "logout":
		return client.Logout(ctx, &keycloak.LogoutOptions{ForceClear: forceClear})
	case "register":
		if err := client.Register(ctx, nil); err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		printTokens(client)
		return nil
	case "userinfo":
		return runUserinfo(ctx, client)
	case "urls":
		return printURLs(client)
	default:
		return fmt.Errorf("unknown command %q, use 'login', 'logout', 'register', 'userinfo' or 'urls'", command)
	}
}

func runLogin(ctx context.Context, client *keycloak.Client) error {
	if err := client.Login(ctx, nil); err != nil {
		return err
	}
	if !client.Authenticated() {
		return fmt.Errorf("login did not produce a session")
	}
	printTokens(client)
	return nil
}

func runUserinfo(ctx context.Context, client *keycloak.Client) error {
	if err := client.Login(ctx, nil); err != nil {
		return err
	}
	info, err := client.LoadUserInfo(ctx)
	if err != nil {
		return err
	}
	return printJSON(info)
}

func printTokens(client *keycloak.Client) {
	out := map[string]any{
		"subject":       client.Subject(),
		"session_state": client.SessionState(),
		"access_token":  client.Token(),
		"refresh_token": client.RefreshToken(),
		"id_token":      client.IDToken(),
	}
	if skew, ok := client.TimeSkew(); ok {
		out["time_skew_seconds"] = skew
	}
	_ = printJSON(out)
}

func printURLs(client *keycloak.Client) error {
	loginURL, err := client.CreateLoginUrl(nil)
	if err != nil {
		return err
	}
	registerURL, err := client.CreateRegisterUrl(nil)
	if err != nil {
		return err
	}
	out := map[string]any{
		"login":    loginURL,
		"register": registerURL,
	}
	if logoutURL, err := client.CreateLogoutUrl(nil); err == nil {
		out["logout"] = logoutURL
	}
	if accountURL, err := client.CreateAccountUrl(); err == nil {
		out["account"] = accountURL
	}
	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
