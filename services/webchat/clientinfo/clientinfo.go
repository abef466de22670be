// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clientinfo enriches inbound requests with IP, user-agent and
// approximate geolocation metadata.
//
// Enrichment is strictly best-effort: a geolocation outage degrades to
// partial metadata and never fails or delays the turn beyond its own short
// timeout.
package clientinfo

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Device classes inferred from the user-agent string.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
)

var tabletKeywords = []string{"ipad", "tablet", "sm-t", "kindle", "silk"}

var mobileKeywords = []string{
	"mobile", "iphone", "android", "blackberry", "opera mini", "iemobile",
}

var desktopKeywords = []string{"windows nt", "macintosh", "x11", "linux", "cros"}

// DeviceClass returns a coarse device category for the user-agent, or ""
// when nothing matches. Tablet keywords win over mobile ones because most
// tablet agents also claim to be mobile.
func DeviceClass(userAgent string) string {
	if userAgent == "" {
		return ""
	}
	ua := strings.ToLower(userAgent)
	for _, kw := range tabletKeywords {
		if strings.Contains(ua, kw) {
			return DeviceTablet
		}
	}
	for _, kw := range mobileKeywords {
		if strings.Contains(ua, kw) {
			return DeviceMobile
		}
	}
	for _, kw := range desktopKeywords {
		if strings.Contains(ua, kw) {
			return DeviceDesktop
		}
	}
	return ""
}

// ClientIP extracts the originating address: the first hop of
// X-Forwarded-For when present, otherwise the peer address.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Extractor derives the request context metadata attached to persisted
// messages.
type Extractor struct {
	geo GeoLocator
}

// NewExtractor builds an extractor; geo may be nil to disable geolocation.
func NewExtractor(geo GeoLocator) *Extractor {
	return &Extractor{geo: geo}
}

// FromRequest builds the metadata map for one inbound request. Every field
// is optional; geolocation failures are swallowed.
func (e *Extractor) FromRequest(ctx context.Context, r *http.Request) map[string]any {
	if r == nil {
		return map[string]any{}
	}

	meta := map[string]any{}
	if ip := ClientIP(r); ip != "" {
		meta["ip"] = ip
		if e.geo != nil {
			if geo, err := e.geo.Lookup(ctx, ip); err == nil && geo != nil {
				meta["geo"] = geo
			}
		}
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		meta["user_agent"] = ua
		if device := DeviceClass(ua); device != "" {
			meta["device_type"] = device
		}
	}
	return meta
}
