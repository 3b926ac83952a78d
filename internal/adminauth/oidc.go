package adminauth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCClaims are the claims extracted from a verified OIDC ID token.
type OIDCClaims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
}

// OIDCAuthenticator validates OIDC ID tokens for operator login.
type OIDCAuthenticator struct {
	Verifier  *oidc.IDTokenVerifier
	OAuth2Cfg *oauth2.Config
}

// NewOIDCAuthenticator performs OIDC discovery against issuerURL and builds
// both the token verifier and the authorization-code-flow config.
func NewOIDCAuthenticator(ctx context.Context, issuerURL, clientID, clientSecret, redirectURL string) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("adminauth: discovering OIDC provider %s: %w", issuerURL, err)
	}

	return &OIDCAuthenticator{
		Verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		OAuth2Cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
	}, nil
}

// Authenticate validates a Bearer ID token and returns its claims.
func (a *OIDCAuthenticator) Authenticate(ctx context.Context, bearerToken string) (*OIDCClaims, error) {
	token := strings.TrimPrefix(bearerToken, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("adminauth: empty bearer token")
	}

	idToken, err := a.Verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("adminauth: verifying token: %w", err)
	}

	var claims OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("adminauth: extracting claims: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("adminauth: token missing sub claim")
	}
	return &claims, nil
}

// ExchangeCode redeems an OAuth2 authorization code for tokens and returns
// the raw ID token string.
func (a *OIDCAuthenticator) ExchangeCode(ctx context.Context, code string) (string, error) {
	tok, err := a.OAuth2Cfg.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("adminauth: exchanging code: %w", err)
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return "", fmt.Errorf("adminauth: token response missing id_token")
	}
	return raw, nil
}
