package busclient

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hollowoak/tars/internal/contracts"
)

// dedupKey builds the composite key an inbound envelope is tracked
// under: event type, message id, and a per-delivery discriminator —
// the payload's seq when it carries one, otherwise an FNV-1a hash of
// the canonical (key-sorted, compact) JSON data. The event type keeps
// distinct domains apart even if two producers mint colliding ids;
// the seq/hash component lets a redelivery of the same logical
// message collide while a same-id message with a bumped seq or
// changed data passes through.
func dedupKey(env contracts.Envelope) (string, bool) {
	if env.ID == "" {
		return "", false
	}

	var probe struct {
		Seq *int64 `json:"seq"`
	}
	if err := json.Unmarshal(env.Data, &probe); err == nil && probe.Seq != nil {
		return fmt.Sprintf("%s|%s|%d", env.Type, env.ID, *probe.Seq), true
	}
	return fmt.Sprintf("%s|%s|%016x", env.Type, env.ID, canonicalHash(env.Data)), true
}

// canonicalHash is the FNV-1a sum of data after a round trip through
// Go's map marshalling, which sorts object keys — so two encodings of
// the same payload that differ only in whitespace or field order hash
// identically.
func canonicalHash(data []byte) uint64 {
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		if canonical, err := json.Marshal(v); err == nil {
			data = canonical
		}
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}

// dedupCache tracks recently seen envelope IDs so a reconnect-induced
// or broker-induced redelivery (QoS 1) is dropped instead of
// re-processed. Eviction is dual: a FIFO ring bounds the entry count,
// and entries older than ttl are skipped on lookup even before their
// slot is recycled — the same count+age dual-eviction shape the
// conversation context window uses for its rolling buffer.
type dedupCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	order   []string // circular buffer of keys, oldest overwritten first
	seenAt  map[string]dedupEntry
	head    int
	nowFunc func() time.Time
}

// dedupEntry records when a key was last seen and which ring slot
// currently owns it. A key re-recorded after TTL expiry moves to a new
// slot while its old slot still holds the key string; the slot index
// lets eviction tell the stale slot from the live one.
type dedupEntry struct {
	at   time.Time
	slot int
}

func newDedupCache(maxEntries int, ttl time.Duration) *dedupCache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &dedupCache{
		ttl:     ttl,
		order:   make([]string, maxEntries),
		seenAt:  make(map[string]dedupEntry, maxEntries),
		nowFunc: time.Now,
	}
}

// seen reports whether key was already recorded within ttl, recording
// it if not. The first call for a given key always returns false.
func (c *dedupCache) seen(key string) bool {
	if key == "" {
		return false
	}
	now := c.nowFunc()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seenAt[key]; ok && now.Sub(e.at) < c.ttl {
		return true
	}

	// Evict the slot we're about to overwrite, but only if that slot
	// is still the key's current one: a stale slot left behind by a
	// TTL-expiry revival must not wipe the live entry.
	if old := c.order[c.head]; old != "" {
		if e, ok := c.seenAt[old]; ok && e.slot == c.head {
			delete(c.seenAt, old)
		}
	}
	c.order[c.head] = key
	c.seenAt[key] = dedupEntry{at: now, slot: c.head}
	c.head = (c.head + 1) % len(c.order)
	return false
}

// len returns the number of live entries, for tests and diagnostics.
func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seenAt)
}
