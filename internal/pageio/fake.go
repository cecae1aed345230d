package pageio

import (
	"fmt"

	"github.com/compoundfs/compoundfs/internal/pagebuf"
	"github.com/compoundfs/compoundfs/internal/txerr"
)

// FakeFile is an in-memory File used by tests to drive crash-atomicity
// scenarios: CrashAfterFlush(n) makes the n-th call to Flush after it
// succeed but every write issued after that silently vanish, modeling a
// crash that occurs right after a durability barrier returns.
type FakeFile struct {
	pages    map[pagebuf.ID][pagebuf.Size]byte
	size     pagebuf.ID
	flushes  int
	crashAt  int // 0 means never
	crashed  bool
}

// NewFakeFile returns an empty FakeFile.
func NewFakeFile() *FakeFile {
	return &FakeFile{pages: map[pagebuf.ID][pagebuf.Size]byte{}}
}

// CrashAfterFlush arranges for the fake to start silently dropping writes
// once the nth call to Flush made after this call has returned,
// simulating a process crash that lands between two commit fences.
func (f *FakeFile) CrashAfterFlush(n int) { f.crashAt = f.flushes + n }

func (f *FakeFile) NewInterval(n uint32) (Interval, error) {
	base := f.size
	f.size += pagebuf.ID(n)
	return Interval{Base: base, Count: n}, nil
}

func (f *FakeFile) ReadPage(id pagebuf.ID, dst []byte) error {
	if len(dst) != pagebuf.Size {
		return fmt.Errorf("%w: bad buffer size", txerr.ErrIO)
	}
	if id >= f.size {
		return fmt.Errorf("%w: ReadPage(%d)", txerr.ErrPageNotFound, id)
	}
	p := f.pages[id]
	copy(dst, p[:])
	return nil
}

func (f *FakeFile) WritePage(id pagebuf.ID, src []byte) error {
	if len(src) != pagebuf.Size {
		return fmt.Errorf("%w: bad buffer size", txerr.ErrIO)
	}
	if f.crashed {
		return nil
	}
	if id >= f.size {
		f.size = id + 1
	}
	var buf [pagebuf.Size]byte
	copy(buf[:], src)
	f.pages[id] = buf
	return nil
}

func (f *FakeFile) CurrentSize() (pagebuf.ID, error) { return f.size, nil }

func (f *FakeFile) Flush() error {
	if f.crashed {
		return nil
	}
	f.flushes++
	if f.crashAt != 0 && f.flushes >= f.crashAt {
		f.crashed = true
	}
	return nil
}

func (f *FakeFile) Truncate(pages pagebuf.ID) error {
	if f.crashed {
		return nil
	}
	for id := range f.pages {
		if id >= pages {
			delete(f.pages, id)
		}
	}
	f.size = pages
	return nil
}

func (f *FakeFile) Close() error { return nil }
