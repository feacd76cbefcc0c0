package entitycache

import (
	"strconv"
	"strings"
	"time"
)

// CacheControl is the merged caching policy for a response: whether it is
// private (keyed per requesting identity) or public, whether it must
// never be stored at all, the max-age to honor, and how long a stale
// entry may still be served while a refresh is in flight.
type CacheControl struct {
	NoStore              bool
	Private              bool
	MaxAge               time.Duration
	StaleWhileRevalidate time.Duration
	HasValue             bool // distinguishes "no Cache-Control seen yet" from a zero MaxAge
}

// ParseCacheControl decodes a Cache-Control response header into a
// CacheControl. An empty or unrecognized header yields the zero value
// (HasValue false), which Merge treats as "no opinion".
func ParseCacheControl(header string) CacheControl {
	c := CacheControl{}
	for _, raw := range strings.Split(header, ",") {
		directive := strings.TrimSpace(strings.ToLower(raw))
		if directive == "" {
			continue
		}
		name, value := directive, ""
		if idx := strings.IndexByte(directive, '='); idx >= 0 {
			name, value = directive[:idx], directive[idx+1:]
		}
		switch name {
		case "no-store":
			c.NoStore = true
			c.HasValue = true
		case "private":
			c.Private = true
			c.HasValue = true
		case "max-age":
			if secs, err := strconv.Atoi(value); err == nil {
				c.MaxAge = time.Duration(secs) * time.Second
				c.HasValue = true
			}
		case "stale-while-revalidate":
			if secs, err := strconv.Atoi(value); err == nil {
				c.StaleWhileRevalidate = time.Duration(secs) * time.Second
				c.HasValue = true
			}
		}
	}
	return c
}

// Merge combines c with other using most-restrictive-wins semantics:
// NoStore beats everything, Private beats Public, and the smaller MaxAge
// and stale-while-revalidate windows win. Merge is associative and
// commutative, so folding a whole response's worth of subgraph
// Cache-Control values in any order yields the same result.
func (c CacheControl) Merge(other CacheControl) CacheControl {
	if !c.HasValue {
		return other
	}
	if !other.HasValue {
		return c
	}

	merged := CacheControl{HasValue: true}
	merged.NoStore = c.NoStore || other.NoStore
	merged.Private = c.Private || other.Private
	merged.MaxAge = minDuration(c.MaxAge, other.MaxAge)
	merged.StaleWhileRevalidate = minDuration(c.StaleWhileRevalidate, other.StaleWhileRevalidate)
	return merged
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// MergeAll folds a slice of CacheControl values into one via Merge.
func MergeAll(values []CacheControl) CacheControl {
	merged := CacheControl{}
	for _, v := range values {
		merged = merged.Merge(v)
	}
	return merged
}

// ShouldStore reports whether a response under this policy may be
// written to the cache: never for no-store, and for private responses
// only when the deployment configured a private-id source to scope the
// key by.
func (c CacheControl) ShouldStore(privateIDConfigured bool) bool {
	if c.NoStore {
		return false
	}
	if c.Private && !privateIDConfigured {
		return false
	}
	return true
}

// CanUse reports whether a stored entry under this policy may serve the
// current request: a private entry requires the request to present the
// same private-id scope the entry was keyed by (key match implies scope
// match, so only presence is checked here). Expiry is enforced by the
// store's TTL.
func (c CacheControl) CanUse(privateIDPresent bool) bool {
	if c.NoStore {
		return false
	}
	if c.Private && !privateIDPresent {
		return false
	}
	return true
}

// TTL returns the Redis TTL to store under: max-age extended by the
// stale-while-revalidate window, or fallback when this policy carries no
// max-age of its own.
func (c CacheControl) TTL(fallback time.Duration) time.Duration {
	if !c.HasValue || c.MaxAge <= 0 {
		return fallback
	}
	return c.MaxAge + c.StaleWhileRevalidate
}
