package languageclient

import (
	"context"
	"fmt"
)

// nonCacheableMethods lists forwarded requests excluded from the
// cacheable set: per spec.md's definition, the cacheable set is the
// forwarded set minus execute-command minus any request whose result
// depends on side effects. workspace/executeCommand runs arbitrary
// server-side effects on every call, so memoizing it would silently turn
// a repeated command invocation into a no-op replay of its first result
// instead of re-running the effect.
var nonCacheableMethods = map[string]bool{
	"workspace/executeCommand": true,
}

// Request forwards a language-intelligence request to the upstream
// server, memoized through C3's cache unless method is excluded from the
// cacheable set (nonCacheableMethods), in which case it calls straight
// through. Callers (Bindings) are expected to have already called Flush
// beforehand, per spec.md §4.6.1's "fire a pre-request signal that
// flushes the debounced update pipeline, then forward" rule — Request
// itself does not flush; the flush is the caller's step. params are
// forwarded as given, and the cache fingerprint is computed inside
// cache.Fetch.
func Request[R any](c *Client, ctx context.Context, method string, params any) (R, error) {
	var zero R
	if c.State() == StateDisposed {
		return zero, ErrDisposed
	}

	if nonCacheableMethods[method] {
		var result R
		if err := c.conn.Call(ctx, method, params, &result); err != nil {
			return zero, fmt.Errorf("languageclient: request %s failed: %w", method, err)
		}
		return result, nil
	}

	v, err := c.cacheStore.Fetch(method, params, func() (any, error) {
		var result R
		if callErr := c.conn.Call(ctx, method, params, &result); callErr != nil {
			return zero, fmt.Errorf("languageclient: request %s failed: %w", method, callErr)
		}
		return result, nil
	})
	if err != nil {
		return zero, err
	}
	result, ok := v.(R)
	if !ok {
		return zero, fmt.Errorf("languageclient: unexpected cached result type for %s", method)
	}
	return result, nil
}
