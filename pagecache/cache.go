// Package pagecache implements the transactional page cache: the
// mapping from logical page id to resident buffer, its classification
// as Read, Dirty or New, the redirection table diverted Dirty pages
// leave behind on eviction, and the bounded eviction policy that keeps
// cache occupancy under control between commits.
//
// The fetch/evict/pin shape follows a classic buffer pool manager,
// generalized from a single-class LRU policy to one that is aware of
// page class and produces a redirection on eviction instead of simply
// writing a page back to its own slot.
package pagecache

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/compoundfs/compoundfs/internal/pagebuf"
	"github.com/compoundfs/compoundfs/internal/pageio"
	"github.com/compoundfs/compoundfs/internal/txerr"
)

// Class is the tagged variant every resident cache entry carries.
type Class int

const (
	// Read mirrors an unmodified committed page.
	Read Class = iota
	// Dirty reflects a modification to a page that existed in the last
	// committed state; the committed original survives until commit.
	Dirty
	// New belongs to a page id allocated within the current
	// transaction; it has no committed predecessor.
	New
)

func (c Class) String() string {
	switch c {
	case Read:
		return "read"
	case Dirty:
		return "dirty"
	case New:
		return "new"
	default:
		return "unknown"
	}
}

type entry struct {
	page  *pagebuf.Page
	class Class
	usage uint64
}

// IntervalAllocator is the one-shot-per-commit hook the free-page store
// installs to hand out recycled ids instead of extending the file. It
// returns an empty Interval once exhausted; the cache then unregisters it
// and falls back to file extension. A commit or abort does not
// unregister it: the hook stays installed until it signals exhaustion.
type IntervalAllocator func() pageio.Interval

// Metrics is the subset of pkg/telemetry instrumentation the cache emits
// into. A nil Metrics is a valid no-op.
type Metrics interface {
	RecordHit(class Class)
	RecordMiss()
	RecordEvict(class Class)
}

// Cache is the page cache. A Cache instance belongs to exactly one
// CompoundFs and is not safe for use by more than one write transaction
// at a time; the lock protocol (internal/lockproto) is what enforces
// that above this package.
type Cache struct {
	mu       sync.Mutex
	file     pageio.File
	maxPages int
	logger   *zap.Logger
	metrics  Metrics

	entries  map[pagebuf.ID]*entry
	redirect map[pagebuf.ID]pagebuf.ID
	newSet   map[pagebuf.ID]bool
	pool     *pagebuf.Pool

	usageClock uint64
	allocHook  IntervalAllocator

	handedOff bool
}

// NewCache creates a page cache over file bounded to maxPages resident
// entries. logger and metrics may be nil.
func NewCache(file pageio.File, maxPages int, logger *zap.Logger, metrics Metrics) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		file:     file,
		maxPages: maxPages,
		logger:   logger,
		metrics:  metrics,
		entries:  make(map[pagebuf.ID]*entry),
		redirect: make(map[pagebuf.ID]pagebuf.ID),
		newSet:   make(map[pagebuf.ID]bool),
		pool:     pagebuf.NewPool(maxPages),
	}
}

// Handle is a pinned reference to a resident page. Callers must call
// Release exactly once when done.
type Handle struct {
	c    *Cache
	id   pagebuf.ID
	page *pagebuf.Page
}

// ID is the page id the caller asked for (its original id, even if the
// cache has silently redirected storage to a diverted location).
func (h Handle) ID() pagebuf.ID { return h.id }

// Data exposes the page's bytes for reading or, for a writable handle,
// mutation.
func (h Handle) Data() []byte { return h.page.Data() }

// Release drops the caller's pin on the page.
func (h Handle) Release() {
	h.page.Unpin()
}

func (c *Cache) checkNotHandedOff() {
	txerr.Assertf(!c.handedOff, "pagecache: operation invoked while cache state is handed off to a commit")
}

func (c *Cache) tick() uint64 {
	c.usageClock++
	return c.usageClock
}

func (c *Cache) effective(id pagebuf.ID) pagebuf.ID {
	if d, ok := c.redirect[id]; ok {
		return d
	}
	return id
}

// NewPage allocates a fresh page id and installs it as a New cache entry,
// pinned for the caller. It triggers TrimCheck before returning.
func (c *Cache) NewPage() (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkNotHandedOff()

	id, err := c.newPageIndexLocked()
	if err != nil {
		return Handle{}, err
	}
	pg, err := c.acquireLocked(id)
	if err != nil {
		return Handle{}, err
	}
	c.newSet[id] = true
	c.entries[id] = &entry{page: pg, class: New, usage: c.tick()}
	pg.Pin()
	c.triggerTrimCheckLocked()
	return Handle{c: c, id: id, page: pg}, nil
}

// LoadPage returns a read-only handle to id, applying any outstanding
// redirection transparently. On a cache hit it bumps the entry's usage
// count; on a miss it reads the page from the backing file and installs
// a Read entry, or a New entry if the effective id is in the new-page
// set.
func (c *Cache) LoadPage(id pagebuf.ID) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkNotHandedOff()

	eff := c.effective(id)
	if e, ok := c.entries[eff]; ok {
		e.usage = c.tick()
		e.page.Pin()
		if c.metrics != nil {
			c.metrics.RecordHit(e.class)
		}
		return Handle{c: c, id: id, page: e.page}, nil
	}
	if c.metrics != nil {
		c.metrics.RecordMiss()
	}
	pg, err := c.acquireLocked(eff)
	if err != nil {
		return Handle{}, err
	}
	if err := c.file.ReadPage(eff, pg.Data()); err != nil {
		c.releaseToPoolLocked(pg)
		return Handle{}, err
	}
	class := Read
	if c.newSet[eff] {
		class = New
	}
	c.entries[eff] = &entry{page: pg, class: class, usage: c.tick()}
	pg.Pin()
	c.triggerTrimCheckLocked()
	return Handle{c: c, id: id, page: pg}, nil
}

// Repurpose returns a writable handle to id without reading its current
// contents — the caller pledges to overwrite every byte. The resulting
// entry is classified New if id is in the new-page set, else Dirty.
// Repurpose must never be called on pages the free-page store manages.
func (c *Cache) Repurpose(id pagebuf.ID) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkNotHandedOff()

	eff := c.effective(id)
	if e, ok := c.entries[eff]; ok {
		e.usage = c.tick()
		if c.newSet[eff] {
			e.class = New
		} else {
			e.class = Dirty
		}
		e.page.Pin()
		return Handle{c: c, id: id, page: e.page}, nil
	}
	pg, err := c.acquireLocked(eff)
	if err != nil {
		return Handle{}, err
	}
	class := Dirty
	if c.newSet[eff] {
		class = New
	}
	c.entries[eff] = &entry{page: pg, class: class, usage: c.tick()}
	pg.Pin()
	c.triggerTrimCheckLocked()
	return Handle{c: c, id: id, page: pg}, nil
}

// MakePageWritable promotes a handle obtained from LoadPage into a
// writable one, reclassifying its entry via SetPageDirty. It returns the
// same handle; no data is copied.
func (c *Cache) MakePageWritable(h Handle) (Handle, error) {
	if err := c.SetPageDirty(h.id); err != nil {
		return Handle{}, err
	}
	return h, nil
}

// SetPageDirty reclassifies the cache entry for id to Dirty, or to New if
// id belongs to the current transaction's new-page set. The entry must
// already be resident; calling this for an unknown id is a programming
// defect and panics rather than returning an error.
func (c *Cache) SetPageDirty(id pagebuf.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkNotHandedOff()

	eff := c.effective(id)
	e, ok := c.entries[eff]
	txerr.Assertf(ok, "pagecache: setPageDirty on unknown page %d", id)
	if c.newSet[eff] {
		e.class = New
	} else {
		e.class = Dirty
	}
	return nil
}

// TrimCheck reduces occupancy to 3/4 of maxPages if it currently exceeds
// maxPages.
func (c *Cache) TrimCheck() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trimCheckLocked()
}

func (c *Cache) triggerTrimCheckLocked() {
	if err := c.trimCheckLocked(); err != nil {
		c.logger.Warn("trimCheck failed after cache growth", zap.Error(err))
	}
}

func (c *Cache) trimCheckLocked() error {
	if len(c.entries) <= c.maxPages {
		return nil
	}
	return c.trimLocked(c.maxPages * 3 / 4)
}

// Trim reduces cache occupancy toward target by evicting unpinned
// entries, lowest usage count first, Dirty before New before Read.
func (c *Cache) Trim(target int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkNotHandedOff()
	return c.trimLocked(target)
}

func (c *Cache) trimLocked(target int) error {
	if len(c.entries) <= target {
		return nil
	}
	type candidate struct {
		id pagebuf.ID
		e  *entry
	}
	var candidates []candidate
	for id, e := range c.entries {
		if e.page.PinCount() == 1 {
			candidates = append(candidates, candidate{id, e})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].e.usage < candidates[j].e.usage })

	excess := len(c.entries) - target
	if excess > len(candidates) {
		excess = len(candidates)
	}
	victims := candidates[:excess]
	sort.SliceStable(victims, func(i, j int) bool { return classRank(victims[i].e.class) < classRank(victims[j].e.class) })

	var evictedBytes uint64
	for _, v := range victims {
		if err := c.evictLocked(v.id, v.e); err != nil {
			return err
		}
		evictedBytes += pagebuf.Size
	}
	if len(victims) > 0 {
		c.logger.Debug("trimmed page cache",
			zap.Int("evicted", len(victims)),
			zap.String("bytes", humanize.Bytes(evictedBytes)))
	}
	return nil
}

func classRank(c Class) int {
	switch c {
	case Dirty:
		return 0
	case New:
		return 1
	default:
		return 2
	}
}

func (c *Cache) evictLocked(id pagebuf.ID, e *entry) error {
	if c.metrics != nil {
		c.metrics.RecordEvict(e.class)
	}
	switch e.class {
	case Dirty:
		newID, err := c.newPageIndexLocked()
		if err != nil {
			return err
		}
		if err := c.file.WritePage(newID, e.page.Data()); err != nil {
			return err
		}
		c.redirect[id] = newID
		c.newSet[newID] = true
	case New:
		if err := c.file.WritePage(id, e.page.Data()); err != nil {
			return err
		}
	case Read:
		// no I/O: the backing file already has these contents.
	}
	delete(c.entries, id)
	c.releaseToPoolLocked(e.page)
	return nil
}

func (c *Cache) acquireLocked(id pagebuf.ID) (*pagebuf.Page, error) {
	pg, err := c.pool.Acquire(id)
	if err == nil {
		return pg, nil
	}
	if err := c.trimLocked(c.maxPages - 1); err != nil {
		return nil, err
	}
	return c.pool.Acquire(id)
}

func (c *Cache) releaseToPoolLocked(pg *pagebuf.Page) {
	pg.Unpin()
	c.pool.Put(pg)
}

func (c *Cache) newPageIndexLocked() (pagebuf.ID, error) {
	if c.allocHook != nil {
		iv := c.allocHook()
		if !iv.Empty() {
			return iv.Base, nil
		}
		c.allocHook = nil
	}
	iv, err := c.file.NewInterval(1)
	if err != nil {
		return 0, err
	}
	return iv.Base, nil
}

// SetIntervalAllocator installs the free-page store's recycle hook. It
// stays installed, across commit and abort boundaries, until it returns
// an empty Interval.
func (c *Cache) SetIntervalAllocator(a IntervalAllocator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allocHook = a
}

// DirtyPageIDs returns the union of the redirection map's keys and the
// ids of Dirty entries still resident in the cache — the set the commit
// handler must shadow-copy before overwriting originals.
func (c *Cache) DirtyPageIDs() []pagebuf.ID {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[pagebuf.ID]bool, len(c.redirect)+len(c.entries))
	var ids []pagebuf.ID
	for id := range c.redirect {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for id, e := range c.entries {
		if e.class == Dirty && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// Redirection returns the diverted id for original, if any.
func (c *Cache) Redirection(original pagebuf.ID) (pagebuf.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.redirect[original]
	return d, ok
}

// ResidentPage returns the live buffer for id if it is still cached with
// a class other than Read (i.e. it has fresh content the commit handler
// must materialize). ok is false if id is not resident or is a Read
// entry.
func (c *Cache) ResidentPage(id pagebuf.ID) (data []byte, class Class, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[id]
	if !found || e.class == Read {
		return nil, Read, false
	}
	return e.page.Data(), e.class, true
}

// RemainingNewPages returns the ids of every still-resident New entry —
// pages of this transaction's new-page set that have not been evicted,
// including any whose content the commit handler already copied onto a
// dirty original. The commit handler writes these to their own ids once
// the dirty originals have been overwritten.
func (c *Cache) RemainingNewPages() []pagebuf.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []pagebuf.ID
	for id, e := range c.entries {
		if e.class == New {
			ids = append(ids, id)
		}
	}
	return ids
}

// BuildCommitHandler marks the cache handed-off: every mutating operation
// will panic until FinishCommit or AbortCommit is called. commit.Handler's
// Commit calls this itself as its first step, so that no concurrent
// access to the transactional state can occur while it is being
// materialized; calling it again while handed off panics.
func (c *Cache) BuildCommitHandler() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkNotHandedOff()
	c.handedOff = true
	return nil
}

// FinishCommit clears all transactional state after a successful commit:
// the cache, redirection map and new-page set are reset to empty, and the
// pool's resident pins on every remaining entry are released.
func (c *Cache) FinishCommit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		c.releaseToPoolLocked(e.page)
		delete(c.entries, id)
	}
	c.redirect = make(map[pagebuf.ID]pagebuf.ID)
	c.newSet = make(map[pagebuf.ID]bool)
	c.handedOff = false
}

// AbortCommit clears the handed-off flag without discarding state, for a
// commit attempt that failed before any durable change was made.
func (c *Cache) AbortCommit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handedOff = false
}

// DiscardTransaction throws away every change made since the last commit
// boundary without writing anything: the cache, redirection map and
// new-page set are reset to empty, exactly as on a successful commit. It
// backs the write transaction's explicit abort path; callers must have
// released every outstanding handle first, or the resident pin count
// will not unwind cleanly.
func (c *Cache) DiscardTransaction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkNotHandedOff()
	for id, e := range c.entries {
		c.releaseToPoolLocked(e.page)
		delete(c.entries, id)
	}
	c.redirect = make(map[pagebuf.ID]pagebuf.ID)
	c.newSet = make(map[pagebuf.ID]bool)
}

// Len reports how many entries are currently resident, for tests and
// metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ValidateRedirectionInvariant checks that no id is both a redirection
// key and a cache key, and that no redirection target is itself
// redirected. It is used by tests, not by production code paths.
func (c *Cache) ValidateRedirectionInvariant() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for orig, div := range c.redirect {
		if _, ok := c.entries[orig]; ok {
			return fmt.Errorf("pagecache: invariant violated: %d is both redirected and cached", orig)
		}
		if _, chained := c.redirect[div]; chained {
			return fmt.Errorf("pagecache: invariant violated: redirection chain at %d -> %d", orig, div)
		}
	}
	return nil
}
