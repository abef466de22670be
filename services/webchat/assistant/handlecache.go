// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assistant

import (
	"sync"
	"time"
)

// handleCache is the process-local session to AI conversation handle map.
// It carries its own mutex: correctness must not depend on the
// per-conversation turn lock that happens to serialize most accesses.
// Last successful resolution wins.
type handleCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]handleEntry
	now     func() time.Time
}

type handleEntry struct {
	handle  string
	touched time.Time
}

// newHandleCache builds a cache; ttl <= 0 disables inactivity expiry.
func newHandleCache(ttl time.Duration) *handleCache {
	return &handleCache{
		ttl:     ttl,
		entries: make(map[string]handleEntry),
		now:     time.Now,
	}
}

// Get returns the cached handle for the session, expiring it when the
// inactivity window has passed.
func (c *handleCache) Get(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sessionID]
	if !ok {
		return ""
	}
	if c.ttl > 0 && c.now().Sub(entry.touched) > c.ttl {
		delete(c.entries, sessionID)
		return ""
	}
	entry.touched = c.now()
	c.entries[sessionID] = entry
	return entry.handle
}

func (c *handleCache) Set(sessionID, handle string) {
	if handle == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionID] = handleEntry{handle: handle, touched: c.now()}
}

func (c *handleCache) Drop(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
}
