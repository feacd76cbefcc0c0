package entitycache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/n9te9/federation-engine/internal/entitycache")

// Entry is what gets stored (and retrieved) per cache key: the raw
// response payload and the Cache-Control that governed how long it may
// live.
type Entry struct {
	Data     json.RawMessage `json:"data"`
	Control  CacheControl    `json:"control"`
	StoredAt time.Time       `json:"stored_at"`
}

// Cache is the Redis-backed entity response cache.
type Cache struct {
	rdb       *redis.Client
	namespace string

	// privateMu guards the set of query hashes some subgraph has
	// declared `Cache-Control: private`. Reads are the common path (every
	// lookup checks scope); writes happen only the first time a query
	// turns out private.
	privateMu      sync.RWMutex
	privateQueries map[string]bool
}

// New wraps an existing *redis.Client, namespacing every key under
// namespace (so multiple gateways can safely share one Redis instance).
func New(rdb *redis.Client, namespace string) *Cache {
	return &Cache{rdb: rdb, namespace: namespace, privateQueries: map[string]bool{}}
}

// IsPrivateQuery reports whether queryHash has previously produced a
// `Cache-Control: private` response, meaning its cache keys must be
// scoped by the requester's private id.
func (c *Cache) IsPrivateQuery(queryHash string) bool {
	c.privateMu.RLock()
	defer c.privateMu.RUnlock()
	return c.privateQueries[queryHash]
}

// MarkPrivateQuery records that queryHash produced a private response.
func (c *Cache) MarkPrivateQuery(queryHash string) {
	c.privateMu.Lock()
	c.privateQueries[queryHash] = true
	c.privateMu.Unlock()
}

func (c *Cache) namespaced(key string) string {
	if c.namespace == "" {
		return key
	}
	return c.namespace + ":" + key
}

// Lookup returns the cached entry for key, or ok=false on a miss. When
// noStore is true the lookup is skipped entirely and treated as a miss —
// this is the `entity.rs`-style short-circuit: a request context already
// marked no-store (e.g. by a prior coprocessor decision) never even
// computes or queries a cache key.
func (c *Cache) Lookup(ctx context.Context, key string, noStore bool) (Entry, bool, error) {
	if noStore {
		return Entry{}, false, nil
	}

	ctx, span := tracer.Start(ctx, "entitycache.Lookup", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	raw, err := c.rdb.Get(ctx, c.namespaced(key)).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("entitycache: lookup %q: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("entitycache: decode %q: %w", key, err)
	}
	return entry, true, nil
}

// MLookup looks up multiple keys at once via MGET, returning a map of
// only the keys that hit.
func (c *Cache) MLookup(ctx context.Context, keys []string) (map[string]Entry, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	namespaced := make([]string, len(keys))
	for i, k := range keys {
		namespaced[i] = c.namespaced(k)
	}

	vals, err := c.rdb.MGet(ctx, namespaced...).Result()
	if err != nil {
		return nil, fmt.Errorf("entitycache: mlookup: %w", err)
	}

	out := make(map[string]Entry, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			continue
		}
		out[keys[i]] = entry
	}
	return out, nil
}

// Store writes data under key with control.MaxAge as the Redis TTL. A
// NoStore control is never written (skipping the SET entirely).
func (c *Cache) Store(ctx context.Context, key string, data json.RawMessage, control CacheControl) error {
	if control.NoStore {
		return nil
	}

	entry := Entry{Data: data, Control: control, StoredAt: time.Now()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("entitycache: encode %q: %w", key, err)
	}

	// 0 means "no expiration" to go-redis; callers fold their configured
	// fallback into control before storing.
	ttl := control.TTL(0)

	if err := c.rdb.Set(ctx, c.namespaced(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("entitycache: store %q: %w", key, err)
	}
	return nil
}

// Specifier identifies what to invalidate, in the wire shape the
// invalidation endpoint accepts: a whole subgraph, every entity of a
// type, or one specific entity instance via its key fields.
type Specifier struct {
	Kind     string            `json:"kind"` // "subgraph", "type", or "entity"
	Subgraph string            `json:"subgraph"`
	Type     string            `json:"type,omitempty"`
	Key      map[string]string `json:"key,omitempty"`
}

// InvalidationOrigin attributes where an invalidation request came from.
type InvalidationOrigin string

const (
	// OriginEndpoint: received on the authenticated HTTP endpoint.
	OriginEndpoint InvalidationOrigin = "Endpoint"
	// OriginExtensions: piggybacked on a subgraph response's
	// `extensions.invalidation` payload.
	OriginExtensions InvalidationOrigin = "Extensions"
)

// SpecifiersFromPayload decodes the `extensions.invalidation` payload a
// subgraph may attach to a response into Specifiers. Unrecognized
// entries are skipped rather than failing the whole batch — a bad
// invalidation hint must never fail the response it rode in on.
func SpecifiersFromPayload(payload interface{}) []Specifier {
	list, ok := payload.([]interface{})
	if !ok {
		return nil
	}
	var out []Specifier
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		spec := Specifier{}
		spec.Kind, _ = m["kind"].(string)
		spec.Subgraph, _ = m["subgraph"].(string)
		spec.Type, _ = m["type"].(string)
		if key, ok := m["key"].(map[string]interface{}); ok {
			spec.Key = make(map[string]string, len(key))
			for k, v := range key {
				spec.Key[k] = fmt.Sprintf("%v", v)
			}
		}
		if spec.Kind == "" || spec.Subgraph == "" {
			continue
		}
		out = append(out, spec)
	}
	return out
}

// Invalidate scans for and deletes every cache key matching spec. An
// errgroup runs one goroutine that walks a single SCAN cursor and a second
// that DELs each batch it hands over, so deletion overlaps the scan.
func (c *Cache) Invalidate(ctx context.Context, spec Specifier) (int64, error) {
	pattern := c.namespaced(invalidationPattern(spec))

	var deleted int64
	var cursor uint64
	const scanCount = 200

	g, ctx := errgroup.WithContext(ctx)
	keysCh := make(chan []string, 8)

	g.Go(func() error {
		defer close(keysCh)
		for {
			var (
				batch []string
				err   error
			)
			batch, cursor, err = c.rdb.Scan(ctx, cursor, pattern, scanCount).Result()
			if err != nil {
				return fmt.Errorf("entitycache: scan %q: %w", pattern, err)
			}
			if len(batch) > 0 {
				select {
				case keysCh <- batch:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if cursor == 0 {
				return nil
			}
		}
	})

	g.Go(func() error {
		for batch := range keysCh {
			n, err := c.rdb.Del(ctx, batch...).Result()
			if err != nil {
				return fmt.Errorf("entitycache: del: %w", err)
			}
			deleted += n
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

func invalidationPattern(spec Specifier) string {
	switch spec.Kind {
	case "subgraph":
		return fmt.Sprintf("v:%d:subgraph:%s:*", CacheVersion, spec.Subgraph)
	case "entity":
		return fmt.Sprintf("v:%d:subgraph:%s:type:%s:entity:%s:*", CacheVersion, spec.Subgraph, spec.Type, canonicalizeFields(spec.Key))
	default:
		return fmt.Sprintf("v:%d:subgraph:%s:type:%s:*", CacheVersion, spec.Subgraph, spec.Type)
	}
}
