package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// tokenResponse is the token endpoint payload reduced to what the client
// commits.
type tokenResponse struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
}

func fromOAuth2Token(tok *oauth2.Token) *tokenResponse {
	resp := &tokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = id
	}
	return resp
}

// oauthConfig builds the oauth2 configuration for the token endpoint legs.
// Public native clients authenticate in the request body, not with basic
// auth.
func (c *Client) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    c.cfg.ClientID,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.endpoints.Authorize,
			TokenURL:  c.endpoints.Token,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// exchangeCode trades an authorization code for a token set.
func (c *Client) exchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*tokenResponse, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	tok, err := c.oauthConfig(redirectURI).Exchange(ctx, code, opts...)
	if err != nil {
		return nil, wrapTokenError("exchange authorization code", err)
	}
	return fromOAuth2Token(tok), nil
}

// refreshGrant redeems a refresh token for a fresh token set.
func (c *Client) refreshGrant(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	src := c.oauthConfig("").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, wrapTokenError("refresh token", err)
	}
	return fromOAuth2Token(tok), nil
}

func wrapTokenError(op string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		return &TokenExchangeError{
			StatusCode: rerr.Response.StatusCode,
			Err:        fmt.Errorf("%s: %w", op, err),
		}
	}
	return &TokenExchangeError{Err: fmt.Errorf("%s: %w", op, err)}
}

// revokeRefreshToken posts the refresh token to the end-session endpoint to
// kill the provider session without a browser round trip. Used as a
// best-effort fallback for offline logout.
func (c *Client) revokeRefreshToken(ctx context.Context, refreshToken string) error {
	endpoint, err := c.endpoints.LogoutURL()
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("revoke refresh token: status %d", resp.StatusCode)
	}
	return nil
}

// fetchJSON performs a bearer-authorized GET and decodes the JSON response.
func fetchJSON(ctx context.Context, hc *http.Client, rawURL, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", rawURL, err)
	}
	return nil
}
