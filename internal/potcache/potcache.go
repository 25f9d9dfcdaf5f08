// Package potcache implements Module E: the (Minter Key, Content Binding)
// keyed POT cache, mirroring Module D's state machine with LRU-by-capacity
// eviction and an optional advisory file cache.
package potcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/ytget/potbroker/types"
)

// State mirrors mintercache.State for a POT Entry.
type State int

const (
	Idle State = iota
	Bootstrapping
	Ready
	Invalidated
)

// Entry is the live POT product, owned by the cache.
type Entry struct {
	Token          string
	ExpiresAt      time.Time
	ContentBinding string
	Context        string
}

// Minter is the subset of mintercache.Minter the POT Cache needs: a pure
// mint operation and the minter's own expiry, used to clamp the POT's
// expiry (spec.md §4.E).
type Minter interface {
	Mint(contentBinding string) (string, error)
	Expiry() time.Time
}

type key struct {
	minterKey      string
	contentBinding string
}

type entry struct {
	state   State
	value   Entry
	waiters chan struct{}
	err     error         // set on a Bootstrapping entry whose mint failed
	elem    *list.Element // LRU list element, nil until Ready
}

// Options configures cache-wide behavior.
type Options struct {
	TokenTTL  time.Duration
	MaxEntries int
	FileCache *FileCache // optional, advisory
}

// Cache is the composite-keyed POT cache.
type Cache struct {
	opts Options

	mu      sync.Mutex
	entries map[key]*entry
	lru     *list.List // front = most recently used
}

// NewCache builds a Cache. A zero TokenTTL defaults to 6 hours
// (spec.md §3).
func NewCache(opts Options) *Cache {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 6 * time.Hour
	}
	return &Cache{
		opts:    opts,
		entries: make(map[key]*entry),
		lru:     list.New(),
	}
}

func (c *Cache) isFresh(e Entry) bool {
	return time.Now().Before(e.ExpiresAt)
}

// GetOrMint returns a fresh POT Entry for (minterKey, contentBinding),
// single-flighting concurrent callers for the same composite key
// (spec.md §8 property 2). bypassCache forces a fresh mint but still
// coalesces concurrent bypass callers onto one mint.
func (c *Cache) GetOrMint(ctx context.Context, minterKey, contentBinding string, minter Minter, bypassCache bool) (Entry, error) {
	k := key{minterKey: minterKey, contentBinding: contentBinding}

	for {
		c.mu.Lock()
		e, ok := c.entries[k]
		if !ok || e.state == Idle || e.state == Invalidated {
			if !bypassCache && c.opts.FileCache != nil {
				if cached, hit := c.opts.FileCache.Get(k.minterKey, k.contentBinding); hit && c.isFresh(cached) {
					newEntry := &entry{state: Ready, value: cached}
					c.entries[k] = newEntry
					c.touchLocked(newEntry)
					c.mu.Unlock()
					return cached, nil
				}
			}
			e = &entry{state: Bootstrapping, waiters: make(chan struct{})}
			c.entries[k] = e
			c.mu.Unlock()
			return c.runMint(k, minter, e)
		}

		switch e.state {
		case Ready:
			if !bypassCache && c.isFresh(e.value) {
				v := e.value
				c.touchLocked(e)
				c.mu.Unlock()
				return v, nil
			}
			e = &entry{state: Bootstrapping, waiters: make(chan struct{})}
			c.entries[k] = e
			c.mu.Unlock()
			return c.runMint(k, minter, e)
		case Bootstrapping:
			pending := e
			c.mu.Unlock()
			select {
			case <-pending.waiters:
				// Every waiter receives the in-flight mint's result, even
				// with bypassCache: the mint started after the cached entry
				// it replaced.
				if pending.err != nil {
					return Entry{}, pending.err
				}
				return pending.value, nil
			case <-ctx.Done():
				return Entry{}, ctx.Err()
			}
		}
	}
}

func (c *Cache) runMint(k key, minter Minter, e *entry) (Entry, error) {
	token, err := minter.Mint(k.contentBinding)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		delete(c.entries, k)
		e.err = err
		close(e.waiters)
		return Entry{}, err
	}

	expiresAt := time.Now().Add(c.opts.TokenTTL)
	if minterExpiry := minter.Expiry(); minterExpiry.Before(expiresAt) {
		expiresAt = minterExpiry
	}

	value := Entry{
		Token:          token,
		ExpiresAt:      expiresAt,
		ContentBinding: k.contentBinding,
		Context:        types.DefaultContext,
	}

	newEntry := &entry{state: Ready, value: value}
	c.entries[k] = newEntry
	c.touchLocked(newEntry)
	e.value = value
	close(e.waiters)

	if c.opts.FileCache != nil {
		c.opts.FileCache.Set(k.minterKey, k.contentBinding, value)
	}

	c.evictIfNeededLocked()

	return value, nil
}

// touchLocked moves e to the front of the LRU list (inserting if absent).
// Caller must hold c.mu.
func (c *Cache) touchLocked(e *entry) {
	if e.elem != nil {
		c.lru.MoveToFront(e.elem)
		return
	}
	e.elem = c.lru.PushFront(e)
}

// evictIfNeededLocked drops entries until the LRU list is within
// opts.MaxEntries, each time evicting the entry with the earliest
// expires_at among the least-recently-used tail of the list (see
// oldestAmongTiedLocked). Caller must hold c.mu.
func (c *Cache) evictIfNeededLocked() {
	if c.opts.MaxEntries <= 0 {
		return
	}
	for c.lru.Len() > c.opts.MaxEntries {
		back := c.lru.Back()
		if back == nil {
			return
		}
		victim := c.oldestAmongTiedLocked(back)
		c.lru.Remove(victim.elem)
		for k, e := range c.entries {
			if e == victim {
				delete(c.entries, k)
				break
			}
		}
	}
}

// oldestAmongTiedLocked scans the back of the LRU list (the least recently
// used element and up to nine more towards the front) and returns the
// scanned entry with the earliest expires_at; on equal expiry the element
// nearest the back wins.
func (c *Cache) oldestAmongTiedLocked(back *list.Element) *entry {
	oldest := back.Value.(*entry)
	for e := back; e != nil; e = e.Prev() {
		cand := e.Value.(*entry)
		if cand.value.ExpiresAt.Before(oldest.value.ExpiresAt) {
			oldest = cand
		}
		// Only scan a small tail window; a full scan would defeat the
		// point of O(1) LRU eviction.
		if c.lru.Len()-indexFromBack(e) > 8 {
			break
		}
	}
	return oldest
}

func indexFromBack(e *list.Element) int {
	n := 0
	for cur := e; cur != nil; cur = cur.Prev() {
		n++
	}
	return n
}

// Invalidate drops entries for contentBinding across all minter keys; an
// empty contentBinding drops every entry.
func (c *Cache) Invalidate(contentBinding string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if contentBinding == "" || k.contentBinding == contentBinding {
			if e.elem != nil {
				c.lru.Remove(e.elem)
			}
			delete(c.entries, k)
		}
	}
}

// InvalidateAll drops every entry (used by the Session Manager's
// invalidate_integrity, which also clears POT entries for simplicity per
// spec.md §4.F).
func (c *Cache) InvalidateAll() {
	c.Invalidate("")
}
