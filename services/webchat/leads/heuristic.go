// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package leads

import (
	"regexp"
	"strings"
)

// OfferPredicate decides whether the lead-capture tool should be attached
// to an AI request for the given inbound text. The heuristic is
// intentionally fuzzy and intentionally pluggable: swap the implementation
// without touching the orchestrator.
type OfferPredicate interface {
	ShouldOfferTools(text string) bool
}

// OfferPredicateFunc adapts a function to the OfferPredicate interface.
type OfferPredicateFunc func(text string) bool

func (f OfferPredicateFunc) ShouldOfferTools(text string) bool { return f(text) }

var (
	emailLike = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneLike = regexp.MustCompile(`(\+?\d[\d\s().\-]{5,}\d)`)
)

var nameMarkers = []string{
	"my name is", "i am ", "i'm ",
	"me llamo", "mi nombre", "soy ",
}

var companyMarkers = []string{
	"company", "inc", "llc", "ltd",
	"empresa", "s.a.", "s.l.", "negocio",
}

// LeadSignalPredicate is the default conservative gate: tools are attached
// only when the message looks like it already carries lead information.
// A bare greeting never triggers a tool offer.
type LeadSignalPredicate struct {
	// MinLength is the minimum rune count before tools are considered.
	MinLength int
}

// NewLeadSignalPredicate returns the predicate with the default threshold.
func NewLeadSignalPredicate() *LeadSignalPredicate {
	return &LeadSignalPredicate{MinLength: 12}
}

// ShouldOfferTools reports whether enough lead information is likely
// present: a hard contact signal (email-like or phone-like token), or at
// least two soft signals (name-like and company-like markers).
func (p *LeadSignalPredicate) ShouldOfferTools(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) < p.MinLength {
		return false
	}
	if emailLike.MatchString(trimmed) || phoneLike.MatchString(trimmed) {
		return true
	}

	lower := strings.ToLower(trimmed)
	soft := 0
	if containsAny(lower, nameMarkers) {
		soft++
	}
	if containsAny(lower, companyMarkers) {
		soft++
	}
	return soft >= 2
}

func containsAny(text string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
