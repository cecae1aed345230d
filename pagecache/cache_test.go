package pagecache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/compoundfs/compoundfs/internal/pagebuf"
	"github.com/compoundfs/compoundfs/internal/pageio"
)

func writeByte(t *testing.T, h Handle, b byte) {
	t.Helper()
	h.Data()[0] = b
}

// S1: open empty file; newPage() ten times, writing byte i+1 to page i;
// trim(0); expect host file pages 0..9 to read 1..10.
func TestScenario_S1_NewPagesSurviveTrim(t *testing.T) {
	f := pageio.NewFakeFile()
	c := NewCache(f, 100, nil, nil)

	for i := 0; i < 10; i++ {
		h, err := c.NewPage()
		require.NoError(t, err)
		require.Equal(t, pagebuf.ID(i), h.ID())
		writeByte(t, h, byte(i+1))
		h.Release()
	}
	require.NoError(t, c.Trim(0))

	for i := 0; i < 10; i++ {
		var buf [pagebuf.Size]byte
		require.NoError(t, f.ReadPage(pagebuf.ID(i), buf[:]))
		require.Equal(t, byte(i+1), buf[0])
	}
}

// S2: ten committed pages, then each is loaded, made writable, rewritten
// and trimmed. Every dirty page must be diverted to a fresh id at or
// above the pre-existing file size.
func TestScenario_S2_DirtyEvictionDivertsAboveCommittedSize(t *testing.T) {
	f := pageio.NewFakeFile()
	c := NewCache(f, 100, nil, nil)

	for i := 0; i < 10; i++ {
		h, err := c.NewPage()
		require.NoError(t, err)
		writeByte(t, h, byte(i+1))
		h.Release()
	}
	require.NoError(t, c.Trim(0))

	// Commit boundary: pages 0..9 are now the "committed" image for
	// this test's purposes, so the new-page set must not carry them
	// forward — otherwise a later write would still classify as New
	// rather than Dirty.
	c.FinishCommit()

	for i := 0; i < 10; i++ {
		h, err := c.LoadPage(pagebuf.ID(i))
		require.NoError(t, err)
		h, err = c.MakePageWritable(h)
		require.NoError(t, err)
		writeByte(t, h, byte(i+10))
		h.Release()
	}
	require.NoError(t, c.Trim(0))

	dirty := c.DirtyPageIDs()
	require.Len(t, dirty, 10)
	for _, orig := range dirty {
		diverted, ok := c.Redirection(orig)
		require.True(t, ok)
		require.GreaterOrEqual(t, diverted, pagebuf.ID(10))
	}

	for i := 0; i < 10; i++ {
		h, err := c.LoadPage(pagebuf.ID(i))
		require.NoError(t, err)
		require.Equal(t, byte(i+10), h.Data()[0])
		h.Release()
	}
}

// S4: repurpose on a freshly allocated New page does not trigger a read
// and keeps the entry's New classification.
func TestScenario_S4_RepurposeSkipsReadAndStaysNew(t *testing.T) {
	f := pageio.NewFakeFile()
	c := NewCache(f, 100, nil, nil)

	h, err := c.NewPage()
	require.NoError(t, err)
	k := h.ID()
	h.Release()

	h2, err := c.Repurpose(k)
	require.NoError(t, err)
	defer h2.Release()

	_, class, ok := c.ResidentPage(k)
	require.True(t, ok)
	require.Equal(t, New, class)
}

// S5: once an installed interval allocator signals exhaustion by
// returning an empty Interval, NewPage falls back to extending the file,
// and the allocator is never consulted again this transaction.
func TestScenario_S5_ExhaustedAllocatorFallsBackAndUnregisters(t *testing.T) {
	f := pageio.NewFakeFile()
	c := NewCache(f, 100, nil, nil)

	calls := 0
	c.SetIntervalAllocator(func() pageio.Interval {
		calls++
		return pageio.Interval{} // signals exhaustion
	})

	h1, err := c.NewPage()
	require.NoError(t, err)
	h1.Release()
	require.Equal(t, 1, calls)

	h2, err := c.NewPage()
	require.NoError(t, err)
	h2.Release()
	require.Equal(t, 1, calls, "the exhausted allocator must not be consulted again")
}

func TestReadYourWrites_SameTransaction(t *testing.T) {
	f := pageio.NewFakeFile()
	c := NewCache(f, 100, nil, nil)

	h, err := c.NewPage()
	require.NoError(t, err)
	id := h.ID()
	writeByte(t, h, 42)
	h.Release()

	h2, err := c.LoadPage(id)
	require.NoError(t, err)
	require.Equal(t, byte(42), h2.Data()[0])
	h2.Release()
}

func TestTrim_NeverEvictsPinnedPages(t *testing.T) {
	f := pageio.NewFakeFile()
	c := NewCache(f, 100, nil, nil)

	h, err := c.NewPage()
	require.NoError(t, err)
	// h stays pinned (not Released) through the trim call.
	require.NoError(t, c.Trim(0))
	require.Equal(t, 1, c.Len(), "a pinned entry must survive trim(0)")
	h.Release()
}

func TestDiscardTransaction_DropsNewAndDirtyPages(t *testing.T) {
	f := pageio.NewFakeFile()
	c := NewCache(f, 100, nil, nil)

	h, err := c.NewPage()
	require.NoError(t, err)
	writeByte(t, h, 1)
	h.Release()
	require.NoError(t, c.Trim(0))
	c.FinishCommit()

	h2, err := c.LoadPage(0)
	require.NoError(t, err)
	h2, err = c.MakePageWritable(h2)
	require.NoError(t, err)
	writeByte(t, h2, 2)
	h2.Release()
	require.Equal(t, 1, c.Len())

	c.DiscardTransaction()
	require.Equal(t, 0, c.Len())
	require.Empty(t, c.DirtyPageIDs())

	// The on-disk page is untouched by the discarded write.
	h3, err := c.LoadPage(0)
	require.NoError(t, err)
	require.Equal(t, byte(1), h3.Data()[0])
	h3.Release()
}

func TestRedirectionInvariant_HoldsAfterEviction(t *testing.T) {
	f := pageio.NewFakeFile()
	c := NewCache(f, 100, nil, nil)

	h, err := c.NewPage()
	require.NoError(t, err)
	id := h.ID()
	h.Release()
	require.NoError(t, c.Trim(0))
	c.FinishCommit()

	h2, err := c.LoadPage(id)
	require.NoError(t, err)
	h2, err = c.MakePageWritable(h2)
	require.NoError(t, err)
	h2.Release()
	require.NoError(t, c.Trim(0))

	require.NoError(t, c.ValidateRedirectionInvariant())
	dirty := c.DirtyPageIDs()
	require.Len(t, dirty, 1, "the dirty write after the commit boundary must actually divert")
}
