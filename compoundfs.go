// Package compoundfs ties the backing-file contract, lock protocol, page
// cache, commit handler and recovery pass into the single entry point an
// application opens: one CompoundFs per backing file, at most one write
// transaction at a time, any number of concurrent read transactions.
package compoundfs

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/compoundfs/compoundfs/commit"
	"github.com/compoundfs/compoundfs/internal/lockproto"
	"github.com/compoundfs/compoundfs/internal/pagebuf"
	"github.com/compoundfs/compoundfs/internal/pageio"
	"github.com/compoundfs/compoundfs/pagecache"
	"github.com/compoundfs/compoundfs/recovery"
)

// Options configures a CompoundFs. A MaxPages of zero or less and a nil
// Logger are replaced by DefaultOptions' values when the CompoundFs is
// opened; nil tracer and metrics fields disable those features.
type Options struct {
	// MaxPages bounds the page cache's resident occupancy.
	MaxPages int
	Logger   *zap.Logger
	Tracer   trace.Tracer
	CacheMetrics  pagecache.Metrics
	CommitMetrics commit.Metrics
}

// DefaultOptions returns an Options with a 1024-page cache and no-op
// logging, tracing or metrics.
func DefaultOptions() Options {
	return Options{MaxPages: 1024, Logger: zap.NewNop()}
}

// CompoundFs is a single backing file's transactional page cache,
// commit handler and lock protocol, wired together.
type CompoundFs struct {
	file  pageio.File
	cache *pagecache.Cache
	lock  *lockproto.Protocol
	opts  Options
}

// Open opens path (creating it if absent), recovers any in-flight commit
// left over from a crash, and returns a ready CompoundFs.
func Open(path string, opts Options) (*CompoundFs, error) {
	f, err := pageio.OpenOSFile(path)
	if err != nil {
		return nil, err
	}
	return open(f, opts)
}

// OpenFile wires a CompoundFs over an already-open backing file — used by
// tests to drive the protocol over a fault-injecting fake.
func OpenFile(f pageio.File, opts Options) (*CompoundFs, error) {
	return open(f, opts)
}

func open(f pageio.File, opts Options) (*CompoundFs, error) {
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultOptions().MaxPages
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	report, err := recovery.Recover(f, opts.Logger)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("compoundfs: recovery: %w", err)
	}
	if report.LogPagesFound > 0 {
		opts.Logger.Info("compoundfs: recovered from an interrupted commit",
			zap.Int("pairs_replayed", report.PairsReplayed))
	}

	cache := pagecache.NewCache(f, opts.MaxPages, opts.Logger, opts.CacheMetrics)
	return &CompoundFs{
		file:  f,
		cache: cache,
		lock:  lockproto.New(),
		opts:  opts,
	}, nil
}

// Close releases the backing file. The caller must not hold any open
// ReadTxn or WriteTxn.
func (c *CompoundFs) Close() error {
	return c.file.Close()
}

// Stat reports the page cache's current occupancy and the backing
// file's current size in pages.
func (c *CompoundFs) Stat() (residentPages int, fileSize pagebuf.ID, err error) {
	fileSize, err = c.file.CurrentSize()
	return c.cache.Len(), fileSize, err
}

// ReadTxn is a read transaction: any number may be open concurrently with
// each other and with a single in-flight WriteTxn, but none may be open
// while a commit is in progress.
type ReadTxn struct {
	fs   *CompoundFs
	lock lockproto.ReadLock
}

// BeginRead blocks until a read lock can be acquired.
func (c *CompoundFs) BeginRead() *ReadTxn {
	return &ReadTxn{fs: c, lock: c.lock.ReadAccess()}
}

// LoadPage returns a read-only view of id.
func (t *ReadTxn) LoadPage(id pagebuf.ID) (pagecache.Handle, error) {
	return t.fs.cache.LoadPage(id)
}

// End releases the read lock. LoadPage must not be called again on this
// transaction afterward.
func (t *ReadTxn) End() {
	t.lock.Release()
}

// WriteTxn is the single write transaction a CompoundFs allows at a time.
type WriteTxn struct {
	fs   *CompoundFs
	lock lockproto.WriteLock
}

// BeginWrite blocks until the exclusive writer lock can be acquired.
func (c *CompoundFs) BeginWrite() *WriteTxn {
	return &WriteTxn{fs: c, lock: c.lock.WriteAccess()}
}

// TryBeginWrite attempts BeginWrite without blocking.
func (c *CompoundFs) TryBeginWrite() (*WriteTxn, bool) {
	wl, ok := c.lock.TryWriteAccess()
	if !ok {
		return nil, false
	}
	return &WriteTxn{fs: c, lock: wl}, true
}

// NewPage allocates a fresh page for this transaction.
func (t *WriteTxn) NewPage() (pagecache.Handle, error) {
	return t.fs.cache.NewPage()
}

// LoadPage returns a read-only view of id, observing this transaction's
// own uncommitted writes (read-your-writes).
func (t *WriteTxn) LoadPage(id pagebuf.ID) (pagecache.Handle, error) {
	return t.fs.cache.LoadPage(id)
}

// MakeWritable promotes a handle obtained from LoadPage into a writable
// one.
func (t *WriteTxn) MakeWritable(h pagecache.Handle) (pagecache.Handle, error) {
	return t.fs.cache.MakePageWritable(h)
}

// Repurpose returns a writable handle to id without reading its current
// contents.
func (t *WriteTxn) Repurpose(id pagebuf.ID) (pagecache.Handle, error) {
	return t.fs.cache.Repurpose(id)
}

// Abort discards every change made in this transaction and releases the
// write lock without committing.
func (t *WriteTxn) Abort() {
	t.fs.cache.DiscardTransaction()
	t.lock.Release()
}

// Commit upgrades the write lock to commit access (draining readers),
// runs the nine-step commit algorithm, and releases the lock. On error
// the transactional state is discarded and the lock released as if
// Abort had been called; the pre-commit committed image is unaffected
// provided the error occurred before the second durability fence
// returned.
func (t *WriteTxn) Commit(ctx context.Context) (commit.Report, error) {
	cl := t.fs.lock.CommitAccess(t.lock)
	defer cl.Release()

	h := commit.New(t.fs.cache, t.fs.file, t.fs.opts.Logger, t.fs.opts.Tracer, t.fs.opts.CommitMetrics)
	report, err := h.Commit(ctx)
	if err != nil {
		t.fs.cache.DiscardTransaction()
	}
	return report, err
}
