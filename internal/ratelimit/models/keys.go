package models

import (
	"fmt"
	"strings"
)

// CounterKey is a value object encapsulating counter bucket key construction.
// It centralizes key format and sanitization to prevent key collision attacks.
type CounterKey struct {
	action     Action
	scope      Scope
	identifier string
	window     Window
}

// NewCounterKey creates a counter key for one (action, scope, identifier,
// window) bucket.
func NewCounterKey(action Action, scope Scope, identifier string, window Window) CounterKey {
	return CounterKey{
		action:     action,
		scope:      scope,
		identifier: sanitizeKeySegment(identifier),
		window:     window,
	}
}

// KeysForScope returns one key per window for a scope, in escalation order.
func KeysForScope(action Action, scope Scope, identifier string) []CounterKey {
	keys := make([]CounterKey, 0, len(Windows))
	for _, w := range Windows {
		keys = append(keys, NewCounterKey(action, scope, identifier, w))
	}
	return keys
}

// Window returns the horizon this key counts over.
func (k CounterKey) Window() Window {
	return k.window
}

// String returns the formatted key for storage lookup.
func (k CounterKey) String() string {
	return fmt.Sprintf("rate_limit:%s:%s:%s:%s", k.action, k.scope, k.identifier, k.window)
}

// sanitizeKeySegment escapes delimiter characters in key segments to prevent
// key collision attacks where user-controlled identifiers containing ':'
// could manipulate adjacent counter buckets.
//
// Escape rules (order matters):
//  1. Escape '_' to '__' (escape the escape character first)
//  2. Escape ':' to '_c' (escape the delimiter)
//
// No two distinct inputs produce the same sanitized output.
func sanitizeKeySegment(s string) string {
	// Order matters: escape the escape character first
	s = strings.ReplaceAll(s, "_", "__")
	s = strings.ReplaceAll(s, ":", "_c")
	return s
}
