package subgraphfetch

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// APQCache is the in-process, bounded hash→query store used by Automatic
// Persisted Queries: the first request for a query sends the full query
// text plus its sha256 hash; subsequent requests send only the hash, and
// the gateway re-sends the full query automatically if the subgraph
// reports PersistedQueryNotFound. Bounded with an LRU rather than a plain
// map so a process serving many distinct ad hoc queries over its lifetime
// doesn't grow this unboundedly.
type APQCache struct {
	mu      sync.Mutex
	cache   *lru.Cache[string, string]
	enabled sync.Map // subgraph name -> bool, atomic per-subgraph APQ support
}

// NewAPQCache returns an APQCache bounded to size entries.
func NewAPQCache(size int) (*APQCache, error) {
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &APQCache{cache: c}, nil
}

// Hash returns the sha256 hex digest of query, the value sent as
// `extensions.persistedQuery.sha256Hash`.
func Hash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// Remember records that hash maps to query. The fetch path calls it when a
// hash-only request is answered, and also when the subgraph answers
// PersistedQueryNotFound, before it retries with the full query and hash.
func (c *APQCache) Remember(hash, query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(hash, query)
}

// Lookup returns the query text for hash, if known locally.
func (c *APQCache) Lookup(hash string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Get(hash)
}

// Supported reports whether subgraph is currently believed to support
// APQ. Defaults to true (optimistic) until SetSupported records false for
// it, which the fetch path does when the subgraph answers
// PersistedQueryNotSupported.
func (c *APQCache) Supported(subgraph string) bool {
	v, ok := c.enabled.Load(subgraph)
	if !ok {
		return true
	}
	return v.(bool)
}

// SetSupported records whether subgraph supports APQ. The fetch path
// records false the first time the subgraph answers
// PersistedQueryNotSupported.
func (c *APQCache) SetSupported(subgraph string, supported bool) {
	c.enabled.Store(subgraph, supported)
}

// PersistedQueryNotFound is the well-known extensions.code value a
// subgraph returns when it does not recognize a hash-only request; the
// gateway must retry with the full query text.
const PersistedQueryNotFound = "PERSISTED_QUERY_NOT_FOUND"

// PersistedQueryNotSupported is the well-known extensions.code value a
// subgraph returns when it does not implement APQ at all; the gateway
// stops attempting hash-only requests to that subgraph thereafter.
const PersistedQueryNotSupported = "PERSISTED_QUERY_NOT_SUPPORTED"
