// Package mintercache implements Module D: the Minter Key → Minter cache,
// with a single-flight bootstrap coordinator and TTL-with-safety-margin
// freshness. Generalizes the teacher's internal/botguard/cache_memory.go
// (a bare sync.RWMutex-guarded map) into the coordinating state machine
// spec.md §9's design note calls for.
package mintercache

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"sort"
	"sync"
	"time"

	"github.com/ytget/potbroker/errs"
	"github.com/ytget/potbroker/internal/logger"
	"github.com/ytget/potbroker/internal/netparams"
	"github.com/ytget/potbroker/internal/vm"
	"github.com/ytget/potbroker/types"
)

// State is the per-Minter-Key lifecycle state (spec.md §4.D).
type State int

const (
	Idle State = iota
	Bootstrapping
	Ready
	Invalidated
)

// DefaultSafetyMargin is the minimum freshness margin (spec.md §3: "safety
// margin ≥ 60s").
const DefaultSafetyMargin = 60 * time.Second

// Minter is the live product of BotGuard attestation, owned by the cache.
type Minter struct {
	Key        string
	Integrity  vm.IntegrityToken
	ExpiresAt  time.Time
	Program    types.ChallengeProgram
}

// Mint derives a POT token string from the Minter's integrity token and a
// caller-supplied content binding. This is the "arithmetic/cryptographic
// only, JS VM not re-entered" derivation spec.md §4.E/§9 requires but does
// not pin an algorithm for; this implementation uses HMAC-SHA256 of the
// content binding keyed by the integrity token, base64url-encoded, which
// satisfies the spec's only hard constraints (pure, deterministic per
// (integrity token, binding) pair, no VM re-entry).
func (m Minter) Mint(contentBinding string) (string, error) {
	h := hmac.New(sha256.New, []byte(m.Integrity.Token))
	h.Write([]byte(contentBinding))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}

// Expiry returns the Minter's own expiry, used by the POT Cache to clamp a
// POT Entry's expires_at (spec.md §4.E).
func (m Minter) Expiry() time.Time {
	return m.ExpiresAt
}

// Bootstrapper produces a fresh Minter for key: fetch the challenge program
// (unless the caller supplied an override) then run VM attestation. params
// carries the proxy/source-address/TLS settings that produced key, so the
// bootstrapper can build a matching outbound HTTP client for this attempt.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, key string, params netparams.Params, override *types.ChallengeProgram) (Minter, error)
}

type entry struct {
	state   State
	minter  Minter
	waiters chan struct{} // closed when a Bootstrapping entry resolves
	err     error
}

// Cache is the Minter Key keyed cache with per-key single-flight bootstrap
// coordination.
type Cache struct {
	bootstrapper Bootstrapper
	safetyMargin time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// NewCache builds a Cache. A safetyMargin below DefaultSafetyMargin
// (including zero or negative) is raised to DefaultSafetyMargin.
func NewCache(bootstrapper Bootstrapper, safetyMargin time.Duration) *Cache {
	if safetyMargin < DefaultSafetyMargin {
		safetyMargin = DefaultSafetyMargin
	}
	return &Cache{
		bootstrapper: bootstrapper,
		safetyMargin: safetyMargin,
		entries:      make(map[string]*entry),
	}
}

func (c *Cache) isFresh(m Minter) bool {
	return time.Now().Before(m.ExpiresAt.Add(-c.safetyMargin))
}

// GetOrBootstrap returns a fresh Minter for key, collapsing concurrent
// callers onto one in-flight bootstrap attempt (spec.md §8 property 1).
// params must be the netparams.Params that key was derived from; it is
// only consulted when a bootstrap actually runs.
func (c *Cache) GetOrBootstrap(ctx context.Context, key string, params netparams.Params, override *types.ChallengeProgram) (Minter, error) {
	log := logger.WithComponent(logger.ComponentMinter)

	for {
		c.mu.Lock()
		e, ok := c.entries[key]
		if !ok || e.state == Idle || e.state == Invalidated {
			e = &entry{state: Bootstrapping, waiters: make(chan struct{})}
			c.entries[key] = e
			c.mu.Unlock()
			return c.runBootstrap(ctx, key, params, override, e)
		}

		switch e.state {
		case Ready:
			if c.isFresh(e.minter) {
				m := e.minter
				c.mu.Unlock()
				return m, nil
			}
			// Stale reads behave like Idle: re-bootstrap under the same key.
			e = &entry{state: Bootstrapping, waiters: make(chan struct{})}
			c.entries[key] = e
			c.mu.Unlock()
			return c.runBootstrap(ctx, key, params, override, e)
		case Bootstrapping:
			waiters := e.waiters
			c.mu.Unlock()
			log.Debug("coalescing onto in-flight bootstrap", map[string]interface{}{"minter_key": key})
			select {
			case <-waiters:
				// loop to re-read the resolved entry
			case <-ctx.Done():
				return Minter{}, errs.Internal("request cancelled while waiting for bootstrap")
			}
		}
	}
}

func (c *Cache) runBootstrap(ctx context.Context, key string, params netparams.Params, override *types.ChallengeProgram, e *entry) (Minter, error) {
	minter, err := c.bootstrapper.Bootstrap(ctx, key, params, override)

	c.mu.Lock()
	invalidated := e.state == Invalidated
	if err != nil {
		e.state = Idle
		e.err = err
	} else {
		e.state = Ready
		e.minter = minter
		e.err = nil
	}
	// An entry invalidated (or replaced) while in flight is not published,
	// so the next GetOrBootstrap call bootstraps afresh.
	if c.entries[key] == e {
		delete(c.entries, key)
		if err == nil && !invalidated {
			c.entries[key] = &entry{state: Ready, minter: minter}
		}
	}
	close(e.waiters)
	c.mu.Unlock()

	return minter, err
}

// InvalidateIntegrity transitions matching entries to Invalidated then
// drops them. An absent key invalidates every entry. Does not cancel an
// in-flight bootstrap; the next GetOrBootstrap call re-bootstraps
// (spec.md §4.D, §8 property 8).
func (c *Cache) InvalidateIntegrity(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key == "" {
		for k, e := range c.entries {
			if e.state != Bootstrapping {
				delete(c.entries, k)
			} else {
				e.state = Invalidated
			}
		}
		return
	}

	if e, ok := c.entries[key]; ok {
		if e.state != Bootstrapping {
			delete(c.entries, key)
		} else {
			e.state = Invalidated
		}
	}
}

// ListKeys returns canonical key strings for every Ready, fresh entry.
func (c *Cache) ListKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		if e.state == Ready && c.isFresh(e.minter) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
