// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the webchat service.
//
// The widget runs inside third-party pages, so the service terminates
// browser cross-origin requests itself (CORS) and can optionally require a
// per-site key on the API surface. Health and metrics stay outside both.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// siteKeyHeader is the request header carrying the widget's site key.
const siteKeyHeader = "X-Aleutian-Site-Key"

// CORS returns a middleware answering browser cross-origin requests for
// the configured origins. An empty list or a single "*" allows any origin,
// which is the open-source default: the widget is meant to be embedded
// anywhere.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			allowAll = true
			continue
		}
		if origin != "" {
			allowed[strings.ToLower(origin)] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if allowAll {
				c.Header("Access-Control-Allow-Origin", "*")
			} else if allowed[strings.ToLower(origin)] {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+siteKeyHeader)
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// SiteKeyAuth returns a middleware requiring the configured site key on
// every request. The key may arrive in the X-Aleutian-Site-Key header or
// as a bearer token. An empty configured key disables the check entirely,
// matching the open deployment where the widget endpoint is public.
func SiteKeyAuth(siteKey string) gin.HandlerFunc {
	if siteKey == "" {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		if extractSiteKey(c.Request) != siteKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid site key"})
			return
		}
		c.Next()
	}
}

func extractSiteKey(r *http.Request) string {
	if key := r.Header.Get(siteKeyHeader); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	// Browsers cannot set custom headers on WebSocket dials, so the live
	// channel may carry the key as a query parameter instead.
	return r.URL.Query().Get("site_key")
}
