// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clientinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianEngage/services/webchat/observability"
)

// Geo holds the normalized geolocation fields. Different providers name
// their fields differently; the lookup maps the common variants onto this
// one shape.
type Geo struct {
	IP        string  `json:"ip"`
	City      string  `json:"city,omitempty"`
	Region    string  `json:"region,omitempty"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Timezone  string  `json:"timezone,omitempty"`
}

// GeoLocator resolves an IP to approximate location metadata. A nil result
// with a nil error means the address was skipped (loopback, private).
type GeoLocator interface {
	Lookup(ctx context.Context, ip string) (*Geo, error)
}

const defaultGeoEndpoint = "https://ipapi.co/%s/json/"

const geoTimeout = 6 * time.Second

var loopbacks = map[string]bool{"127.0.0.1": true, "::1": true, "": true}

// HTTPGeoLocator queries an ipapi.co-style JSON endpoint.
type HTTPGeoLocator struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewHTTPGeoLocator builds a locator. endpoint must contain a %s verb for
// the IP; empty selects the default provider. token is optional.
func NewHTTPGeoLocator(endpoint, token string) *HTTPGeoLocator {
	if endpoint == "" {
		endpoint = defaultGeoEndpoint
	}
	return &HTTPGeoLocator{
		endpoint:   endpoint,
		token:      token,
		httpClient: &http.Client{Timeout: geoTimeout},
	}
}

// Lookup resolves the IP. Failures are returned to the caller but are
// expected to be swallowed: geolocation is never worth failing a turn over.
func (l *HTTPGeoLocator) Lookup(ctx context.Context, ip string) (*Geo, error) {
	if loopbacks[ip] {
		return nil, nil
	}

	url := fmt.Sprintf(l.endpoint, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		slog.Warn("Geolocation lookup failed", "error", err)
		observability.Default().GeoLookupFailuresTotal.Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.Warn("Geolocation provider returned error", "status", resp.StatusCode)
		observability.Default().GeoLookupFailuresTotal.Inc()
		return nil, fmt.Errorf("clientinfo: geolocation status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("clientinfo: decoding geolocation response: %w", err)
	}

	geo := &Geo{
		IP:        ip,
		City:      firstString(fields, "city", "town"),
		Region:    firstString(fields, "region", "regionName"),
		Country:   firstString(fields, "country_name", "country", "countryCode"),
		Latitude:  firstFloat(fields, "latitude", "lat"),
		Longitude: firstFloat(fields, "longitude", "lon", "lng"),
		Timezone:  firstString(fields, "timezone"),
	}
	if geo.City == "" && geo.Country == "" && geo.Timezone == "" {
		return nil, nil
	}
	return geo, nil
}

func firstString(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := fields[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstFloat(fields map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := fields[key].(float64); ok {
			return v
		}
	}
	return 0
}
