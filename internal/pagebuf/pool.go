package pagebuf

import (
	"sync"

	"github.com/compoundfs/compoundfs/internal/txerr"
)

// Pool is a bounded set of page buffers. It hands out *Page values with
// shared ownership; a page is only eligible for reuse once its PinCount
// has dropped to zero and the pool has been told to reclaim it via Put.
//
// The page cache (pagecache package) is the only intended caller: it
// decides *which* page to evict before asking the pool for a fresh
// buffer, so the pool itself never has to search for a victim.
type Pool struct {
	mu       sync.Mutex
	maxPages int
	free     []*Page
	live     int
}

// NewPool creates a pool that will allocate at most maxPages buffers
// before requiring the caller to recycle one via Put.
func NewPool(maxPages int) *Pool {
	return &Pool{maxPages: maxPages}
}

// Acquire returns a page buffer for id, pinned once on the caller's
// behalf. It prefers a buffer recycled via Put; failing that it
// allocates a new one as long as the pool has not reached maxPages.
func (p *Pool) Acquire(id ID) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		pg := p.free[n-1]
		p.free = p.free[:n-1]
		pg.Reset(id)
		pg.Pin()
		return pg, nil
	}
	if p.live >= p.maxPages {
		return nil, txerr.ErrBufferFull
	}
	p.live++
	pg := NewPage(id)
	pg.Pin()
	return pg, nil
}

// Put returns a page to the pool's free list for reuse. The caller must
// have already driven the page's pin count to zero; Put panics otherwise,
// since a pinned page being recycled is a use-after-free in waiting.
func (p *Pool) Put(pg *Page) {
	if pg.PinCount() != 0 {
		panic("pagebuf: Put called on a still-pinned page")
	}
	p.mu.Lock()
	p.free = append(p.free, pg)
	p.mu.Unlock()
}

// Live reports how many buffers the pool has allocated so far (resident +
// free), i.e. its current footprint regardless of occupancy.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}
