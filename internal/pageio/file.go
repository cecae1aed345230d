// Package pageio implements the backing-file contract: fixed-size page
// I/O, interval allocation by file extension, durability fences and
// truncation, generalized from a B-tree-specific header format down to
// a page-id-only contract the cache and commit handler can build on.
package pageio

import (
	"fmt"
	"os"
	"sync"

	"github.com/compoundfs/compoundfs/internal/pagebuf"
	"github.com/compoundfs/compoundfs/internal/txerr"
	"golang.org/x/sys/unix"
)

// Interval is a half-open range of page ids, [Base, Base+Count).
type Interval struct {
	Base  pagebuf.ID
	Count uint32
}

// Empty reports whether the interval carries no pages — the sentinel a
// fallible page-interval allocator returns to signal exhaustion for the
// rest of the transaction.
func (iv Interval) Empty() bool { return iv.Count == 0 }

// File is the backing-file contract every higher component depends on.
// The only production implementation is *OSFile; tests use FakeFile,
// which can be told to drop every write after a chosen number of
// flushes, to drive crash-atomicity scenarios without touching a real
// file.
type File interface {
	NewInterval(n uint32) (Interval, error)
	ReadPage(id pagebuf.ID, dst []byte) error
	WritePage(id pagebuf.ID, src []byte) error
	CurrentSize() (pagebuf.ID, error)
	Flush() error
	Truncate(pages pagebuf.ID) error
	Close() error
}

// OSFile is the production File backed by a single OS file handle, one
// page-sized buffer per I/O call, and an advisory exclusive flock held
// for the handle's lifetime so a second process can't open the same
// backing file underneath a live writer.
type OSFile struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenOSFile opens (creating if necessary) the file at path and takes an
// advisory exclusive lock on it for the lifetime of the returned handle.
func OpenOSFile(path string) (*OSFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", txerr.ErrIO, path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: flock %s: %v", txerr.ErrIO, path, err)
	}
	return &OSFile{f: f, path: path}, nil
}

func (o *OSFile) NewInterval(n uint32) (Interval, error) {
	if n == 0 {
		return Interval{}, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	fi, err := o.f.Stat()
	if err != nil {
		return Interval{}, fmt.Errorf("%w: stat %s: %v", txerr.ErrIO, o.path, err)
	}
	base := pagebuf.ID(fi.Size() / pagebuf.Size)
	newSize := (int64(base) + int64(n)) * pagebuf.Size
	if err := o.f.Truncate(newSize); err != nil {
		return Interval{}, fmt.Errorf("%w: extend %s: %v", txerr.ErrIO, o.path, err)
	}
	return Interval{Base: base, Count: n}, nil
}

func (o *OSFile) ReadPage(id pagebuf.ID, dst []byte) error {
	if len(dst) != pagebuf.Size {
		return fmt.Errorf("%w: ReadPage buffer must be %d bytes, got %d", txerr.ErrIO, pagebuf.Size, len(dst))
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	n, err := o.f.ReadAt(dst, int64(id)*pagebuf.Size)
	if err != nil || n != pagebuf.Size {
		return fmt.Errorf("%w: ReadPage(%d): %v", txerr.ErrIO, id, err)
	}
	return nil
}

func (o *OSFile) WritePage(id pagebuf.ID, src []byte) error {
	if len(src) != pagebuf.Size {
		return fmt.Errorf("%w: WritePage buffer must be %d bytes, got %d", txerr.ErrIO, pagebuf.Size, len(src))
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	n, err := o.f.WriteAt(src, int64(id)*pagebuf.Size)
	if err != nil || n != pagebuf.Size {
		return fmt.Errorf("%w: WritePage(%d): %v", txerr.ErrIO, id, err)
	}
	return nil
}

func (o *OSFile) CurrentSize() (pagebuf.ID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fi, err := o.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", txerr.ErrIO, o.path, err)
	}
	return pagebuf.ID(fi.Size() / pagebuf.Size), nil
}

func (o *OSFile) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync %s: %v", txerr.ErrIO, o.path, err)
	}
	return nil
}

func (o *OSFile) Truncate(pages pagebuf.ID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.f.Truncate(int64(pages) * pagebuf.Size); err != nil {
		return fmt.Errorf("%w: truncate %s: %v", txerr.ErrIO, o.path, err)
	}
	return nil
}

func (o *OSFile) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_ = unix.Flock(int(o.f.Fd()), unix.LOCK_UN)
	if err := o.f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", txerr.ErrIO, o.path, err)
	}
	return nil
}
