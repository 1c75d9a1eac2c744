// Package isr caches rendered pages with fresh and stale-but-usable tiers and
// coordinates background refreshes per key.
package isr

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"edgegate/internal/config"
)

type Options struct {
	Enabled    bool
	MaxEntries int
	Fresh      time.Duration
	Stale      time.Duration

	// DiskPath enables the leveldb tier when set.
	DiskPath     string
	DiskMaxBytes int64
}

func OptionsFromConfig(cfg config.Cache) Options {
	return Options{
		Enabled:      cfg.Enabled,
		MaxEntries:   cfg.MaxEntries,
		Fresh:        cfg.FreshWindow(),
		Stale:        cfg.StaleWindow(),
		DiskPath:     cfg.Disk.Path,
		DiskMaxBytes: cfg.DiskMaxBytes(),
	}
}

type Cache struct {
	opts Options

	// ram evicts by capacity and by age; its TTL is the stale window.
	ram  *expirable.LRU[string, *Entry]
	disk *diskCache

	// invMu is held exclusively while an invalidation runs and shared by
	// RAM writers. invalidations counts finished and running ones, so a
	// disk read that overlapped an invalidation is never promoted.
	invMu         sync.RWMutex
	invalidations uint64

	mu         sync.Mutex
	refreshing map[string]chan struct{}
}

func New(opts Options) (*Cache, error) {
	if opts.Fresh > opts.Stale {
		return nil, errors.Errorf("fresh window %s exceeds stale window %s", opts.Fresh, opts.Stale)
	}
	if opts.MaxEntries <= 0 {
		return nil, errors.Errorf("max entries must be positive, got %d", opts.MaxEntries)
	}

	c := &Cache{
		opts:       opts,
		refreshing: make(map[string]chan struct{}),
	}
	if !opts.Enabled {
		return c, nil
	}

	c.ram = expirable.NewLRU[string, *Entry](opts.MaxEntries, nil, opts.Stale)
	if opts.DiskPath != "" {
		d, err := newDiskCache(opts.DiskPath, opts.DiskMaxBytes, opts.Stale)
		if err != nil {
			return nil, errors.Wrap(err, "open isr disk tier")
		}
		c.disk = d
	}
	log.WithFields(log.Fields{
		"max_entries": opts.MaxEntries,
		"fresh":       opts.Fresh,
		"stale":       opts.Stale,
		"disk":        opts.DiskPath != "",
	}).Info("isr: cache enabled")
	return c, nil
}

// Close flushes the disk tier.
func (c *Cache) Close() {
	if c.disk != nil {
		c.disk.close()
	}
}

func (c *Cache) Enabled() bool { return c.opts.Enabled }

// Get returns the entry for key unless caching is disabled, the key is
// absent, or the entry has reached the stale window. Freshness is for the
// caller to judge with IsFresh / IsStaleButUsable.
func (c *Cache) Get(key string) (*Entry, bool) {
	if !c.opts.Enabled {
		return nil, false
	}
	now := time.Now()
	if e, ok := c.ram.Get(key); ok {
		if e.Age(now) < c.opts.Stale {
			return e, true
		}
		c.ram.Remove(key)
	}
	if c.disk == nil {
		return nil, false
	}
	c.invMu.RLock()
	gen := c.invalidations
	c.invMu.RUnlock()
	e, ok := c.disk.Get(key)
	if !ok {
		return nil, false
	}
	if e.Age(now) >= c.opts.Stale {
		c.disk.Delete(key)
		return nil, false
	}

	c.invMu.RLock()
	defer c.invMu.RUnlock()
	if c.invalidations != gen {
		return nil, false
	}
	c.ram.Add(key, e)
	return e, true
}

// Insert stores or replaces the entry for key.
func (c *Cache) Insert(key string, e *Entry) {
	if !c.opts.Enabled {
		return
	}
	c.invMu.RLock()
	defer c.invMu.RUnlock()
	c.ram.Add(key, e)
	if c.disk != nil {
		c.disk.PutAsync(key, e)
	}
}

// beginInvalidate excludes RAM writers until the returned func runs.
func (c *Cache) beginInvalidate() func() {
	c.invMu.Lock()
	c.invalidations++
	return c.invMu.Unlock
}

func (c *Cache) IsFresh(e *Entry) bool {
	return e.Age(time.Now()) < c.opts.Fresh
}

func (c *Cache) IsStaleButUsable(e *Entry) bool {
	age := e.Age(time.Now())
	return age >= c.opts.Fresh && age < c.opts.Stale
}

func (c *Cache) IsRefreshing(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.refreshing[key]
	return ok
}

// StartRefresh marks key as being regenerated. It returns false if another
// refresh for key is already running; the caller that gets true must call
// EndRefresh.
func (c *Cache) StartRefresh(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.refreshing[key]; ok {
		return false
	}
	c.refreshing[key] = make(chan struct{})
	return true
}

func (c *Cache) EndRefresh(key string) {
	c.mu.Lock()
	if done, ok := c.refreshing[key]; ok {
		close(done)
		delete(c.refreshing, key)
	}
	c.mu.Unlock()
}

// RefreshDone returns a channel closed when the running refresh of key ends,
// or nil if none is running.
func (c *Cache) RefreshDone(key string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if done, ok := c.refreshing[key]; ok {
		return done
	}
	return nil
}

func (c *Cache) Invalidate(key string) {
	if !c.opts.Enabled {
		return
	}
	defer c.beginInvalidate()()
	c.ram.Remove(key)
	if c.disk != nil {
		c.disk.Delete(key)
	}
}

func (c *Cache) InvalidateMany(keys []string) {
	if !c.opts.Enabled {
		return
	}
	defer c.beginInvalidate()()
	for _, k := range keys {
		c.ram.Remove(k)
		if c.disk != nil {
			c.disk.Delete(k)
		}
	}
}

// InvalidatePrefix drops every key starting with prefix, including keys that
// carry a query string and disk writes still queued. It returns how many keys
// it removed.
func (c *Cache) InvalidatePrefix(prefix string) int {
	if !c.opts.Enabled {
		return 0
	}
	defer c.beginInvalidate()()
	removed := map[string]struct{}{}
	for _, k := range c.ram.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.ram.Remove(k)
			removed[k] = struct{}{}
		}
	}
	if c.disk != nil {
		for _, k := range c.disk.DeletePrefix(prefix) {
			removed[k] = struct{}{}
		}
	}
	if len(removed) > 0 {
		log.WithFields(log.Fields{"prefix": prefix, "removed": len(removed)}).Debug("isr: prefix invalidated")
	}
	return len(removed)
}

func (c *Cache) InvalidateAll() {
	if !c.opts.Enabled {
		return
	}
	done := c.beginInvalidate()
	c.ram.Purge()
	if c.disk != nil {
		c.disk.DeleteAll()
	}
	done()
	log.Info("isr: cache purged")
}

// Keys lists cached keys across both tiers.
func (c *Cache) Keys() []string {
	if !c.opts.Enabled {
		return nil
	}
	seen := map[string]struct{}{}
	for _, k := range c.ram.Keys() {
		seen[k] = struct{}{}
	}
	if c.disk != nil {
		for _, k := range c.disk.Keys() {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}

// Stats is a point-in-time view for the stats log.
type Stats struct {
	RAMEntries int
	DiskKeys   int
	DiskBytes  int64
	Refreshing int
}

func (c *Cache) Stats() Stats {
	var s Stats
	c.mu.Lock()
	s.Refreshing = len(c.refreshing)
	c.mu.Unlock()
	if !c.opts.Enabled {
		return s
	}
	s.RAMEntries = c.ram.Len()
	if c.disk != nil {
		s.DiskKeys = c.disk.KeyCount()
		s.DiskBytes = c.disk.TotalSize()
	}
	return s
}
