// Package cache memoizes language-intelligence request results keyed by a
// fingerprint of the request's method and arguments, collapsing concurrent
// identical calls into one upstream round trip and invalidating wholesale
// on any document mutation.
//
// Grounded on spec.md §4.3. singleflight.Group is used precisely because
// its documented contract — "duplicate function calls [are] suppressed
// until the first call completes, [and] the return values ... are shared
// by all the duplicate callers" — is the spec's in-flight-collapsing
// requirement verbatim; this broker does not need to reimplement that
// machinery by hand. Fingerprinting uses xxhash, the same fast
// non-cryptographic hash skaffold's dependency graph carries for
// content-addressing build artifacts.
package cache

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// entry is a cached result: either a value or a sticky error. Per spec.md
// §4.3, a failed call's result is cached too (so a retry does not hammer a
// server that just told every caller "no"), and is evicted only by the
// next Reset.
type entry struct {
	value any
	err   error
}

// Cache memoizes Fetch results per fingerprint, scoped to one upstream
// LanguageClient's lifetime. A Reset drops every entry: the cache makes no
// attempt at partial/targeted invalidation, per spec.md §4.3's "any
// document mutation invalidates the whole cache" rule — language servers
// routinely return different answers for a request after an edit touches
// a file the request never even names (e.g. cross-file references).
type Cache struct {
	mu      sync.RWMutex
	entries map[uint64]entry
	group   singleflight.Group
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[uint64]entry)}
}

// Fetch returns the cached result for (method, args) if present, otherwise
// calls fn exactly once — even under concurrent callers requesting the
// same fingerprint — and caches whatever it returns, success or failure.
//
// args is marshaled to JSON to compute the fingerprint; callers are
// expected to have already stripped any cancellation/progress token per
// spec.md §4.3 ("fingerprint = hash(method, args-minus-cancellation-token)")
// before calling Fetch.
func (c *Cache) Fetch(method string, args any, fn func() (any, error)) (any, error) {
	fp, err := Fingerprint(method, args)
	if err != nil {
		// A request whose args cannot be fingerprinted bypasses the cache
		// entirely rather than failing the call.
		return fn()
	}

	c.mu.RLock()
	if e, ok := c.entries[fp]; ok {
		c.mu.RUnlock()
		return e.value, e.err
	}
	c.mu.RUnlock()

	key := fmt.Sprintf("%x", fp)
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the singleflight key: another goroutine may have
		// populated the cache while we waited for the read lock above.
		c.mu.RLock()
		if e, ok := c.entries[fp]; ok {
			c.mu.RUnlock()
			return e.value, e.err
		}
		c.mu.RUnlock()

		value, callErr := fn()

		c.mu.Lock()
		c.entries[fp] = entry{value: value, err: callErr}
		c.mu.Unlock()

		return value, callErr
	})
	return v, err
}

// Reset drops every cached entry. Called whenever a document open, change,
// or close is forwarded to the upstream server (spec.md §4.3).
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]entry)
}

// Len reports how many entries are currently cached, for tests and
// diagnostics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Fingerprint computes the cache key for (method, args): an xxhash digest
// of the method name followed by the canonical JSON encoding of args.
// json.Marshal's deterministic field ordering for structs (declaration
// order) and its sorted ordering for map[string]any keys makes this stable
// across calls with equivalent argument values.
func Fingerprint(method string, args any) (uint64, error) {
	h := xxhash.New()
	_, _ = h.WriteString(method)
	_, _ = h.Write([]byte{0}) // separator: prevents "ab"+"c" colliding with "a"+"bc"

	body, err := json.Marshal(args)
	if err != nil {
		return 0, err
	}
	_, _ = h.Write(body)
	return h.Sum64(), nil
}
