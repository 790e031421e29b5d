// Package imagecache is the process-wide record of which image URLs are
// usable. Entries are created by preloads, resolved by asynchronous loads
// and removed only by capacity eviction, TTL expiry or Clear.
package imagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	journalmedia "github.com/wolfeidau/journal-media"
	"github.com/wolfeidau/journal-media/backend"
	"github.com/wolfeidau/journal-media/telemetry"
)

const (
	// DefaultMaxEntries bounds the number of cached URLs.
	DefaultMaxEntries = 200

	// DefaultTTL is how long an entry lives after its last update.
	DefaultTTL = 30 * time.Minute
)

// ErrNoBlob is returned by Blob when no bytes are retained for a URL.
var ErrNoBlob = errors.New("no retained blob")

// Status is the caller-visible state of one URL.
// Loaded and Error are never both true; neither set means pending.
type Status struct {
	Loaded bool                  `json:"loaded"`
	Error  bool                  `json:"error"`
	Blob   *journalmedia.BlobRef `json:"blob,omitempty"`
}

// Pending reports whether the load has not resolved yet.
func (s Status) Pending() bool {
	return !s.Loaded && !s.Error
}

// Entry is a snapshot of one cache entry.
type Entry struct {
	URL       string
	Status    Status
	Priority  bool
	Timestamp time.Time
}

type entry struct {
	url       string
	loaded    bool
	failed    bool
	blob      *journalmedia.BlobRef
	priority  bool
	timestamp time.Time
}

func (e *entry) status() Status {
	s := Status{Loaded: e.loaded, Error: e.failed}
	if e.blob != nil {
		ref := *e.blob
		s.Blob = &ref
	}
	return s
}

func (e *entry) snapshot() Entry {
	return Entry{URL: e.url, Status: e.status(), Priority: e.priority, Timestamp: e.timestamp}
}

type subscriber struct {
	ch chan Status
}

// Cache tracks image load state keyed by the exact resolved URL.
type Cache struct {
	loader      Loader
	blobs       backend.Backend
	logger      *slog.Logger
	now         func() time.Time
	maxEntries  int
	ttl         time.Duration
	loadTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	subs    map[string]map[*subscriber]struct{}

	// blobMu serialises reference counting against backend writes and deletes.
	blobMu sync.Mutex
	refs   map[journalmedia.Hash]int

	loadsStarted      atomic.Int64
	blobBytes         atomic.Int64
	capacityEvictions atomic.Int64
	ttlEvictions      atomic.Int64
	clearEvictions    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries sets the entry-count bound.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		c.maxEntries = n
	}
}

// WithTTL sets how long an entry stays fresh for Preload.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithBackend sets where retained image bytes are stored.
func WithBackend(b backend.Backend) Option {
	return func(c *Cache) {
		c.blobs = b
	}
}

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithClock sets the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLoadTimeout bounds each load and blob fetch.
func WithLoadTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.loadTimeout = d
	}
}

// New creates a cache that loads through loader.
func New(loader Loader, opts ...Option) *Cache {
	c := &Cache{
		loader:      loader,
		blobs:       backend.NewMemory(),
		logger:      slog.Default(),
		now:         time.Now,
		maxEntries:  DefaultMaxEntries,
		ttl:         DefaultTTL,
		loadTimeout: DefaultLoadTimeout,
		entries:     make(map[string]*entry),
		subs:        make(map[string]map[*subscriber]struct{}),
		refs:        make(map[journalmedia.Hash]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxEntries <= 0 {
		c.maxEntries = DefaultMaxEntries
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Close cancels in-flight loads and waits for them to finish.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

// Preload starts loading url unless it is empty or already has a fresh
// entry. An expired entry is replaced. At capacity the single oldest entry
// is evicted before the new one is inserted.
func (c *Cache) Preload(url string, priority bool) {
	if url == "" {
		return
	}

	c.mu.Lock()
	now := c.now()
	var released []*journalmedia.BlobRef
	if e, ok := c.entries[url]; ok {
		if !c.expired(e, now) {
			c.mu.Unlock()
			return
		}
		released = append(released, c.removeLocked(e))
		c.recordEvictions(c.ctx, evictTTL, 1)
	}
	for len(c.entries) >= c.maxEntries {
		oldest := c.oldestLocked()
		released = append(released, c.removeLocked(oldest))
		c.recordEvictions(c.ctx, evictCapacity, 1)
		c.logger.Debug("evicted oldest image entry", "url", oldest.url, "age", now.Sub(oldest.timestamp))
	}
	e := &entry{url: url, priority: priority, timestamp: now}
	c.entries[url] = e
	n := len(c.entries)
	c.wg.Add(1)
	c.mu.Unlock()

	c.loadsStarted.Add(1)
	telemetry.UpdateImageCacheEntries(c.ctx, n)
	c.releaseBlobs(released)

	go c.load(e)
}

// Status returns the state of url. A URL with no fresh entry is preloaded at
// normal priority and reported as pending.
func (c *Cache) Status(url string) Status {
	if url == "" {
		return Status{}
	}
	c.mu.Lock()
	e, ok := c.entries[url]
	if ok && !c.expired(e, c.now()) {
		s := e.status()
		c.mu.Unlock()
		return s
	}
	c.mu.Unlock()

	c.Preload(url, false)
	return Status{}
}

// Entry returns a snapshot of the entry for url without triggering a load.
func (c *Cache) Entry(url string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[url]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes every entry. Loads still in flight for removed entries are
// discarded when they finish.
func (c *Cache) Clear() {
	c.mu.Lock()
	released := make([]*journalmedia.BlobRef, 0, len(c.entries))
	n := len(c.entries)
	for _, e := range c.entries {
		released = append(released, c.removeLocked(e))
	}
	c.mu.Unlock()

	c.recordEvictions(c.ctx, evictClear, n)
	telemetry.UpdateImageCacheEntries(c.ctx, 0)
	c.releaseBlobs(released)
	c.logger.Info("image cache cleared", "entries", n)
}

// Expire removes entries whose timestamp is before the cutoff, whatever
// their state, and returns how many were removed.
func (c *Cache) Expire(ctx context.Context, before time.Time) int {
	c.mu.Lock()
	var released []*journalmedia.BlobRef
	for _, e := range c.entries {
		if e.timestamp.Before(before) {
			released = append(released, c.removeLocked(e))
		}
	}
	n := len(c.entries)
	c.mu.Unlock()

	c.recordEvictions(ctx, evictTTL, len(released))
	telemetry.UpdateImageCacheEntries(ctx, n)
	c.releaseBlobs(released)
	return len(released)
}

// Subscribe delivers the status of url on every state transition. Only the
// latest status is buffered. The channel is closed when the entry is removed
// or cancel is called.
func (c *Cache) Subscribe(url string) (<-chan Status, func()) {
	s := &subscriber{ch: make(chan Status, 1)}

	c.mu.Lock()
	set, ok := c.subs[url]
	if !ok {
		set = make(map[*subscriber]struct{})
		c.subs[url] = set
	}
	set[s] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if set, ok := c.subs[url]; ok {
			if _, ok := set[s]; ok {
				delete(set, s)
				close(s.ch)
				if len(set) == 0 {
					delete(c.subs, url)
				}
			}
		}
	}
	return s.ch, cancel
}

// Blob returns the bytes retained for url.
func (c *Cache) Blob(ctx context.Context, url string) ([]byte, *journalmedia.BlobRef, error) {
	c.mu.Lock()
	e, ok := c.entries[url]
	if !ok || e.blob == nil {
		c.mu.Unlock()
		return nil, nil, ErrNoBlob
	}
	ref := *e.blob
	c.mu.Unlock()

	rc, err := c.blobs.Read(ctx, ref.Key())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil, ErrNoBlob
		}
		return nil, nil, fmt.Errorf("reading blob %s: %w", ref.Hash.ShortString(), err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("reading blob %s: %w", ref.Hash.ShortString(), err)
	}
	return data, &ref, nil
}

// Stats summarises the cache for diagnostics.
type Stats struct {
	Entries      int   `json:"entries"`
	MaxEntries   int   `json:"max_entries"`
	Loaded       int   `json:"loaded"`
	Errored      int   `json:"errored"`
	Pending      int   `json:"pending"`
	WithBlob     int   `json:"with_blob"`
	BlobBytes    int64 `json:"blob_bytes"`
	LoadsStarted int64 `json:"loads_started"`
	Evictions    int64 `json:"evictions"`

	CapacityEvictions int64 `json:"capacity_evictions"`
	TTLEvictions      int64 `json:"ttl_evictions"`
	ClearEvictions    int64 `json:"clear_evictions"`
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{Entries: len(c.entries), MaxEntries: c.maxEntries}
	for _, e := range c.entries {
		switch {
		case e.loaded:
			s.Loaded++
		case e.failed:
			s.Errored++
		default:
			s.Pending++
		}
		if e.blob != nil {
			s.WithBlob++
		}
	}
	c.mu.Unlock()

	s.BlobBytes = c.blobBytes.Load()
	s.LoadsStarted = c.loadsStarted.Load()
	s.CapacityEvictions = c.capacityEvictions.Load()
	s.TTLEvictions = c.ttlEvictions.Load()
	s.ClearEvictions = c.clearEvictions.Load()
	s.Evictions = s.CapacityEvictions + s.TTLEvictions + s.ClearEvictions
	return s
}

const (
	evictCapacity = "capacity"
	evictTTL      = "ttl"
	evictClear    = "clear"
)

func (c *Cache) recordEvictions(ctx context.Context, reason string, n int) {
	if n == 0 {
		return
	}
	switch reason {
	case evictCapacity:
		c.capacityEvictions.Add(int64(n))
	case evictTTL:
		c.ttlEvictions.Add(int64(n))
	case evictClear:
		c.clearEvictions.Add(int64(n))
	}
	telemetry.RecordImageEviction(ctx, reason, n)
}

func (c *Cache) load(e *entry) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.loadTimeout)
	defer cancel()

	start := time.Now()
	err := c.loader.Load(ctx, e.url, e.priority)
	outcome := "loaded"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordImageLoad(ctx, outcome, e.priority, time.Since(start))

	c.mu.Lock()
	if c.entries[e.url] != e {
		c.mu.Unlock()
		c.logger.Debug("discarding load for removed entry", "url", e.url)
		return
	}
	if err != nil {
		e.failed = true
	} else {
		e.loaded = true
	}
	e.timestamp = c.now()
	c.publishLocked(e)
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("image load failed", "url", e.url, "error", err)
		return
	}

	c.retain(ctx, e)
}

// retain fetches and stores the bytes of a loaded entry. Failure only
// means no blob is attached.
func (c *Cache) retain(ctx context.Context, e *entry) {
	data, contentType, err := c.loader.Fetch(ctx, e.url)
	if err != nil {
		c.logger.Debug("blob fetch failed", "url", e.url, "error", err)
		return
	}
	ref := journalmedia.NewBlobRef(data, contentType)

	c.blobMu.Lock()
	c.refs[ref.Hash]++
	if c.refs[ref.Hash] == 1 {
		if err := c.blobs.Write(ctx, ref.Key(), bytes.NewReader(data)); err != nil {
			c.dropRefLocked(ref.Hash)
			c.blobMu.Unlock()
			c.logger.Warn("storing blob failed", "url", e.url, "hash", ref.Hash.ShortString(), "error", err)
			return
		}
		c.blobBytes.Add(ref.Size)
		telemetry.RecordBlobRetained(ctx, ref.Size)
	}
	c.blobMu.Unlock()

	c.mu.Lock()
	current := c.entries[e.url] == e
	if current {
		e.blob = &ref
		c.publishLocked(e)
	}
	c.mu.Unlock()

	if !current {
		c.releaseBlobs([]*journalmedia.BlobRef{&ref})
	}
}

func (c *Cache) releaseBlobs(refs []*journalmedia.BlobRef) {
	c.blobMu.Lock()
	defer c.blobMu.Unlock()
	for _, ref := range refs {
		if ref == nil {
			continue
		}
		if c.refs[ref.Hash] == 1 {
			if err := c.blobs.Delete(c.ctx, ref.Key()); err != nil && !errors.Is(err, backend.ErrNotFound) {
				c.logger.Warn("deleting blob failed", "hash", ref.Hash.ShortString(), "error", err)
			}
			c.blobBytes.Add(-ref.Size)
		}
		c.dropRefLocked(ref.Hash)
	}
}

func (c *Cache) dropRefLocked(h journalmedia.Hash) {
	if c.refs[h] <= 1 {
		delete(c.refs, h)
		return
	}
	c.refs[h]--
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.timestamp) >= c.ttl
}

func (c *Cache) oldestLocked() *entry {
	var oldest *entry
	for _, e := range c.entries {
		if oldest == nil || e.timestamp.Before(oldest.timestamp) {
			oldest = e
		}
	}
	return oldest
}

// removeLocked deletes e, closes its subscriptions and returns the blob the
// caller must release.
func (c *Cache) removeLocked(e *entry) *journalmedia.BlobRef {
	delete(c.entries, e.url)
	for s := range c.subs[e.url] {
		close(s.ch)
	}
	delete(c.subs, e.url)
	return e.blob
}

// publishLocked replaces any undelivered status with the current one.
func (c *Cache) publishLocked(e *entry) {
	st := e.status()
	for s := range c.subs[e.url] {
		select {
		case <-s.ch:
		default:
		}
		s.ch <- st
	}
}
