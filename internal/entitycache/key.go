// Package entitycache implements the Redis-backed entity response cache:
// cache key construction for both whole-operation and per-entity-selection
// lookups, Cache-Control merge semantics, and a shared-key-authenticated
// HTTP invalidation endpoint. There is no teacher precedent for this
// component (see DESIGN.md) — it is new, grounded in the cache-key shape
// SPEC_FULL.md §3/§6 describes and in the `@key` field-set parsing
// federation/planner/planner_v2.go's getKeyFields already does.
package entitycache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CacheVersion is bumped whenever the key format below changes shape, so
// stale entries from a previous gateway version are never misread.
const CacheVersion = 1

// RootKey builds the cache key for a whole top-level operation result:
// v:{VER}:subgraph:{S}:type:{T}:hash:{queryHash}:data:{extraHash}[:{privateId}]
func RootKey(subgraph, typeName, queryHash, extraHash, privateID string) string {
	key := fmt.Sprintf("v:%d:subgraph:%s:type:%s:hash:%s:data:%s", CacheVersion, subgraph, typeName, queryHash, extraHash)
	if privateID != "" {
		key += ":" + privateID
	}
	return key
}

// EntityKey builds the cache key for a single entity selection:
// v:{VER}:subgraph:{S}:type:{T}:entity:{keyHash}:representation:{remainderHash}:hash:{queryHash}:data:{extraHash}[:{privateID}]
// The `@key` field values identify which entity it is, the remainder
// hash covers the representation's non-key fields (two requests for the
// same entity with different `@requires`-supplied inputs must not
// collide), the query hash covers the sub-selection, and the extra hash
// covers the variables/auth/context slice the response may depend on.
func EntityKey(subgraph, typeName string, keyFields map[string]string, remainderHash, queryHash, extraHash, privateID string) string {
	keyPart := canonicalizeFields(keyFields)
	key := fmt.Sprintf("v:%d:subgraph:%s:type:%s:entity:%s:representation:%s:hash:%s:data:%s",
		CacheVersion, subgraph, typeName, keyPart, remainderHash, queryHash, extraHash)
	if privateID != "" {
		key += ":" + privateID
	}
	return key
}

// HashObject returns a short, stable hash of an arbitrary JSON-shaped
// value. encoding/json renders map keys in sorted order, so the digest
// is independent of Go's randomized map iteration.
func HashObject(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte("null")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// HashPrivateID hashes a request's private-id value (e.g. an
// Authorization header) before it is appended to a cache key, so the
// raw credential never appears in Redis.
func HashPrivateID(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalizeFields renders a field-name->value map deterministically so
// the same entity always hashes to the same key regardless of Go's
// randomized map iteration order.
func canonicalizeFields(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(fields[name])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// SplitRepresentation separates a `_entities` representation into its
// `@key` field-set values and the remaining (non-key) fields, using the
// same whitespace-split `@key(fields:"a b")` convention
// federation/planner/planner_v2.go's getKeyFields parses.
func SplitRepresentation(representation map[string]interface{}, keyFieldSet string) (keyFields map[string]string, rest map[string]interface{}) {
	keyNames := make(map[string]bool)
	for _, f := range strings.Fields(keyFieldSet) {
		keyNames[f] = true
	}

	keyFields = make(map[string]string, len(keyNames))
	rest = make(map[string]interface{})
	for k, v := range representation {
		if k == "__typename" {
			continue
		}
		if keyNames[k] {
			keyFields[k] = fmt.Sprintf("%v", v)
		} else {
			rest[k] = v
		}
	}
	return keyFields, rest
}

// QueryHash returns a stable hash for a subgraph query string, reusing
// the same sha256 digest shape subgraphfetch.Hash uses for APQ so a
// cached entry and its originating persisted query share one notion of
// "same query".
func QueryHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}
