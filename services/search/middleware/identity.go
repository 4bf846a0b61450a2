// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the search service.
//
// # Identity Flow
//
// The identity middleware extracts a bearer token from the Authorization
// header and stores the resulting user id in the Gin context. Anonymous
// requests are allowed through with no user id; they are served the basic
// branch of the search funnel and never touch credit accounting.
//
//	Request
//	   │
//	   ▼
//	IdentityMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► Reject malformed tokens with 401
//	   │
//	   └─► Store user id in context (empty for anonymous)
//	           │
//	           ▼
//	       Handler (retrieves via UserID)
package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Context Keys
// =============================================================================

// userIDKey is the context key for the authenticated user id. A typed key
// prevents collisions with other context values.
const userIDKey = "platefinder_user_id"

// tokenPattern accepts opaque user tokens: 8 to 128 chars from the URL-safe
// alphabet. Anything else is a malformed credential, not an anonymous call.
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// =============================================================================
// Context Helpers
// =============================================================================

// SetUserID stores the authenticated user id in the Gin context.
func SetUserID(c *gin.Context, userID string) {
	c.Set(userIDKey, userID)
}

// UserID retrieves the authenticated user id from the Gin context.
//
// # Outputs
//
//   - string: The user id, or empty string for anonymous requests.
func UserID(c *gin.Context) string {
	if v, exists := c.Get(userIDKey); exists {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// =============================================================================
// Identity Middleware
// =============================================================================

// IdentityMiddleware creates a Gin middleware that resolves the caller's
// identity from a bearer token.
//
// # Description
//
// A missing Authorization header is an anonymous request and passes through
// with an empty user id. A present but malformed token is rejected with 401
// so credential typos never silently downgrade a caller to anonymous.
//
// # Limitations
//
//   - Only supports Bearer token authentication.
//   - Tokens are opaque; no signature verification is performed here.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			SetUserID(c, "")
			c.Next()
			return
		}

		token := extractBearerToken(header)
		if token == "" || !tokenPattern.MatchString(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid credentials",
			})
			return
		}

		SetUserID(c, token)
		c.Next()
	}
}

// extractBearerToken parses "Bearer <token>" from the header value. The
// scheme is case-insensitive per RFC 7235. Returns empty string when the
// value does not carry a bearer credential.
func extractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
