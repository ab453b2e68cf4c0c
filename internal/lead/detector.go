// Package lead finds phone numbers in customer messages and forwards them
// to a human operator without holding up the reply.
package lead

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultPattern matches digit runs joined by at most one hyphen or space,
// with an optional leading "+". Length is checked after matching.
const DefaultPattern = `\+?\d(?:[- ]?\d)+`

const (
	minDigits = 9
	maxDigits = 10
)

// Lead is one detected phone number. It is not stored anywhere.
type Lead struct {
	ID              string
	ConversationKey string
	RawText         string
	Phone           string // as written by the customer
	Digits          string // local form, separators removed
	Timestamp       time.Time
}

// digitRun splits a candidate into its separator-delimited groups.
var digitRun = regexp.MustCompile(`\+?\d+`)

type Detector struct {
	re     *regexp.Regexp
	now    func() time.Time
	ignore map[string]bool
}

// NewDetector compiles pattern, or DefaultPattern when it is empty.
func NewDetector(pattern string) (*Detector, error) {
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile lead pattern: %w", err)
	}
	return &Detector{re: re, now: time.Now}, nil
}

// Ignore makes Detect skip the given numbers, compared after
// normalization. Unparseable numbers are dropped.
func (d *Detector) Ignore(numbers ...string) {
	for _, n := range numbers {
		digits, ok := NormalizePhone(n)
		if !ok {
			continue
		}
		if d.ignore == nil {
			d.ignore = make(map[string]bool)
		}
		d.ignore[digits] = true
	}
}

// Detect returns the first phone number in text, if any.
func (d *Detector) Detect(key, text string) (Lead, bool) {
	for _, match := range d.re.FindAllString(text, -1) {
		candidate, digits, ok := d.phoneIn(match)
		if !ok {
			continue
		}
		return Lead{
			ID:              uuid.NewString(),
			ConversationKey: key,
			RawText:         text,
			Phone:           strings.TrimSpace(candidate),
			Digits:          digits,
			Timestamp:       d.now(),
		}, true
	}
	return Lead{}, false
}

// phoneIn returns the first valid number inside match. A match that runs
// into a neighbouring number ("054 1234567 4") is retried on its
// separator-delimited sub-runs, longest first from each starting group.
func (d *Detector) phoneIn(match string) (string, string, bool) {
	if digits, ok := NormalizePhone(match); ok {
		if d.ignore[digits] {
			return "", "", false
		}
		return match, digits, true
	}
	groups := digitRun.FindAllStringIndex(match, -1)
	if len(groups) < 2 {
		return "", "", false
	}
	for i := range groups {
		for j := len(groups) - 1; j >= i; j-- {
			if i == 0 && j == len(groups)-1 {
				continue
			}
			sub := match[groups[i][0]:groups[j][1]]
			if digits, ok := d.accept(sub); ok {
				return sub, digits, true
			}
		}
	}
	return "", "", false
}

func (d *Detector) accept(s string) (string, bool) {
	digits, ok := NormalizePhone(s)
	if !ok || d.ignore[digits] {
		return "", false
	}
	return digits, true
}

// Matches reports whether text carries a phone number.
func (d *Detector) Matches(text string) bool {
	_, ok := d.Detect("", text)
	return ok
}

// NormalizePhone strips separators and rewrites a 972 country prefix to a
// leading 0. The result must have 9 or 10 digits.
func NormalizePhone(s string) (string, bool) {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "972") && len(digits) >= 11 {
		digits = "0" + digits[3:]
	}
	if len(digits) < minDigits || len(digits) > maxDigits {
		return "", false
	}
	return digits, true
}
