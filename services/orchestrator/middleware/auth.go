// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the research API.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization header,
// validates it using the configured AuthProvider, and stores the resulting
// AuthInfo in the Gin context for downstream handlers.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► Store AuthInfo in context
//
// Without a configured API token the server uses NopAuthProvider and every
// request is treated as the local user, so the CLI works with no setup.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianResearch/pkg/secrets"
)

// ErrUnauthorized is returned by providers that reject a token.
var ErrUnauthorized = errors.New("unauthorized")

// authInfoKey is the gin context key for AuthInfo.
const authInfoKey = "aleutian_auth_info"

// LocalUserID identifies requests accepted by NopAuthProvider.
const LocalUserID = "local-user"

// AuthInfo identifies the caller of a request.
type AuthInfo struct {
	UserID string
}

// AuthProvider validates bearer tokens.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as the local user.
type NopAuthProvider struct{}

// Validate implements AuthProvider.
func (NopAuthProvider) Validate(context.Context, string) (*AuthInfo, error) {
	return &AuthInfo{UserID: LocalUserID}, nil
}

// TokenAuthProvider accepts exactly one shared API token.
//
// # Description
//
// The configured token stays sealed in a secrets.Secret; comparison
// happens inside the enclave in constant time.
type TokenAuthProvider struct {
	Token *secrets.Secret
}

// Validate implements AuthProvider.
func (p TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" || p.Token == nil || !p.Token.Equal(token) {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{UserID: "api-token"}, nil
}

// ProviderFor returns TokenAuthProvider when token is set, otherwise
// NopAuthProvider.
func ProviderFor(token *secrets.Secret) AuthProvider {
	if token == nil {
		return NopAuthProvider{}
	}
	return TokenAuthProvider{Token: token}
}

// SetAuthInfo stores the authenticated caller in the Gin context.
func SetAuthInfo(c *gin.Context, info *AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated caller, or nil.
func GetAuthInfo(c *gin.Context) *AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Extracts the bearer token from the Authorization header, validates it
// with provider and stores the resulting AuthInfo for handlers. Rejected
// requests end with 401 and never reach the handler.
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.AuthMiddleware(middleware.ProviderFor(token)))
//
// # Thread Safety
//
// Safe for concurrent use if provider is.
func AuthMiddleware(provider AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// extractBearerToken returns the token from "Authorization: Bearer <token>",
// or "" when the header is missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
