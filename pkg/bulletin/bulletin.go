// Package bulletin contains the core domain types for the bulletin notification service.
package bulletin

import (
	"strings"
	"time"
)

// Storage keys.
const (
	StateKey         = "BULLETIN_STATE"
	SubscriberPrefix = "SUBSCRIBER:"
	UnsubIndexPrefix = "UNSUB_INDEX:"
)

// MaxEmailLength is the longest address the service will deliver to.
const MaxEmailLength = 254

// State is the last observed bulletin version.
type State struct {
	SeenAt      time.Time `json:"seenAt"`
	Fingerprint string    `json:"fingerprint"`
}

// Subscriber is one recipient of bulletin emails.
type Subscriber struct {
	CreatedAt    time.Time  `json:"createdAt"`
	LastSentAt   *time.Time `json:"lastSentAt"`
	Email        string     `json:"email"`
	LastSentHash string     `json:"lastSentHash,omitempty"`
	UnsubToken   string     `json:"unsubToken,omitempty"`
	Disabled     bool       `json:"disabled"`
}

// CaughtUp reports whether the subscriber already received the bulletin with this fingerprint.
func (s *Subscriber) CaughtUp(fingerprint string) bool {
	return s.LastSentHash != "" && s.LastSentHash == fingerprint
}

// CheckOptions tunes a single check pass.
type CheckOptions struct {
	IncludeCanonicalText bool
}

// CheckResult is the outcome of one check pass.
type CheckResult struct {
	CheckedAt             time.Time `json:"checkedAt"`
	NotifiedCount         *int      `json:"notifiedCount,omitempty"`
	AttemptedCount        *int      `json:"attemptedCount,omitempty"`
	SkippedMalformedCount *int      `json:"skippedMalformedCount,omitempty"`
	Fingerprint           string    `json:"fingerprint,omitempty"`
	PreviousFingerprint   string    `json:"previousFingerprint,omitempty"`
	Error                 string    `json:"error,omitempty"`
	CanonicalText         string    `json:"canonicalText,omitempty"`
	SourceURL             string    `json:"sourceUrl"`
	SendError             string    `json:"sendError,omitempty"`
	UpstreamStatus        int       `json:"upstreamStatus,omitempty"`
	Changed               bool      `json:"changed"`
	Notified              bool      `json:"notified"`
	Baseline              bool      `json:"baseline,omitempty"`
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidAddress is the minimal deliverability check applied before sending.
func ValidAddress(email string) bool {
	email = strings.TrimSpace(email)
	return email != "" && strings.Contains(email, "@") && len(email) <= MaxEmailLength
}

// SubscriberKey derives the storage key for an address.
func SubscriberKey(email string) string {
	return SubscriberPrefix + Fingerprint(NormalizeEmail(email))
}

// UnsubIndexKey is the reverse index entry for an unsubscribe token.
func UnsubIndexKey(token string) string {
	return UnsubIndexPrefix + token
}
