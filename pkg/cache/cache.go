// Package cache memoizes expensive deterministic functions (page fetches,
// per-URL summaries) in the shared key-value store. Keys are content
// addressed: a stable hash over the function name and its canonicalized
// arguments. The cache fails open — store errors never block the compute
// path.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lodestar-research/lodestar/pkg/kv"
)

// ResultCache wraps a kv.Store with TTL-bounded memoization.
type ResultCache struct {
	store kv.Store
	ttl   time.Duration
}

// New creates a ResultCache with the given value TTL.
func New(store kv.Store, ttl time.Duration) *ResultCache {
	return &ResultCache{store: store, ttl: ttl}
}

// GetOrCompute returns the cached value for (fnName, args) when present and
// unexpired, otherwise calls compute, stores the result, and returns it.
//
// Read errors fall through to compute; write errors are logged and the
// computed value is returned anyway. Stale reads are impossible — the store
// expires entries itself.
func GetOrCompute[T any](ctx context.Context, c *ResultCache, fnName string, args any, compute func(context.Context) (T, error)) (T, error) {
	var zero T

	key, err := Key(fnName, args)
	if err != nil {
		// Unhashable args — skip caching, never fail the call.
		slog.Warn("Cache key derivation failed, bypassing cache", "fn", fnName, "error", err)
		return compute(ctx)
	}

	if raw, ok, getErr := c.store.Get(ctx, key); getErr != nil {
		slog.Warn("Cache read failed, computing", "fn", fnName, "error", getErr)
	} else if ok {
		var val T
		if unmarshalErr := json.Unmarshal([]byte(raw), &val); unmarshalErr == nil {
			return val, nil
		}
		// Undecodable entry — treat as a miss and overwrite below.
		slog.Warn("Cache entry corrupt, recomputing", "fn", fnName, "key", key)
	}

	val, err := compute(ctx)
	if err != nil {
		return zero, err
	}

	encoded, err := json.Marshal(val)
	if err != nil {
		slog.Warn("Cache value not serializable, skipping write", "fn", fnName, "error", err)
		return val, nil
	}
	if setErr := c.store.SetWithTTL(ctx, key, string(encoded), c.ttl); setErr != nil {
		slog.Warn("Cache write failed", "fn", fnName, "error", setErr)
	}
	return val, nil
}

// Key derives the cache key for (fnName, args): a SHA-256 over the function
// name and the canonical JSON encoding of the arguments. Canonicalization
// sorts object keys at every level so logically equal argument maps hash
// identically.
func Key(fnName string, args any) (string, error) {
	canonical, err := canonicalJSON(args)
	if err != nil {
		return "", fmt.Errorf("canonicalize args: %w", err)
	}
	sum := sha256.Sum256([]byte(fnName + ":" + canonical))
	return "cache:" + fnName + ":" + hex.EncodeToString(sum[:]), nil
}

// canonicalJSON renders v as JSON with all object keys sorted.
func canonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", err
	}
	var sb strings.Builder
	writeCanonical(&sb, decoded)
	return sb.String(), nil
}

func writeCanonical(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			writeCanonical(sb, t[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	default:
		b, _ := json.Marshal(t)
		sb.Write(b)
	}
}
