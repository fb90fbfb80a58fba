package server

import (
	"net/http"
	"slices"
)

// OriginChecker accepts websocket upgrades from the configured origins, or
// from any origin when none are configured.
type OriginChecker struct {
	allowed []string
}

func NewOriginChecker(allowed []string) *OriginChecker {
	return &OriginChecker{
		allowed: slices.DeleteFunc(slices.Clone(allowed), func(o string) bool { return o == "" }),
	}
}

func (c *OriginChecker) Check(r *http.Request) bool {
	if len(c.allowed) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(c.allowed, origin)
}
