package commit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/compoundfs/compoundfs/internal/pagebuf"
	"github.com/compoundfs/compoundfs/internal/pageio"
	"github.com/compoundfs/compoundfs/pagecache"
	"github.com/compoundfs/compoundfs/recovery"
)

func writeByte(t *testing.T, h pagecache.Handle, b byte) {
	t.Helper()
	h.Data()[0] = b
}

func TestCommit_PureNewPageTransactionSkipsShadowPath(t *testing.T) {
	f := pageio.NewFakeFile()
	c := pagecache.NewCache(f, 100, nil, nil)

	for i := 0; i < 5; i++ {
		h, err := c.NewPage()
		require.NoError(t, err)
		writeByte(t, h, byte(i+1))
		h.Release()
	}

	report, err := New(c, f, nil, nil, nil).Commit(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, report.DirtyPages)
	require.Equal(t, 5, report.NewPages)

	for i := 0; i < 5; i++ {
		var buf [pagebuf.Size]byte
		require.NoError(t, f.ReadPage(pagebuf.ID(i), buf[:]))
		require.Equal(t, byte(i+1), buf[0])
	}
}

func TestCommit_DirtyPageRoundTrip(t *testing.T) {
	f := pageio.NewFakeFile()
	c := pagecache.NewCache(f, 100, nil, nil)

	h, err := c.NewPage()
	require.NoError(t, err)
	id := h.ID()
	writeByte(t, h, 1)
	h.Release()

	_, err = New(c, f, nil, nil, nil).Commit(context.Background())
	require.NoError(t, err)

	h2, err := c.LoadPage(id)
	require.NoError(t, err)
	h2, err = c.MakePageWritable(h2)
	require.NoError(t, err)
	writeByte(t, h2, 2)
	h2.Release()

	report, err := New(c, f, nil, nil, nil).Commit(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.DirtyPages)

	var buf [pagebuf.Size]byte
	require.NoError(t, f.ReadPage(id, buf[:]))
	require.Equal(t, byte(2), buf[0])
}

func TestCommit_DirtyPageDivertedDuringTransactionStillCommits(t *testing.T) {
	f := pageio.NewFakeFile()
	c := pagecache.NewCache(f, 100, nil, nil)

	h, err := c.NewPage()
	require.NoError(t, err)
	id := h.ID()
	writeByte(t, h, 1)
	h.Release()
	_, err = New(c, f, nil, nil, nil).Commit(context.Background())
	require.NoError(t, err)

	h2, err := c.LoadPage(id)
	require.NoError(t, err)
	h2, err = c.MakePageWritable(h2)
	require.NoError(t, err)
	writeByte(t, h2, 2)
	h2.Release()
	// Force eviction before commit, exercising the redirection path the
	// commit handler must read the new content back out of.
	require.NoError(t, c.Trim(0))

	report, err := New(c, f, nil, nil, nil).Commit(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.DirtyPages)

	var buf [pagebuf.Size]byte
	require.NoError(t, f.ReadPage(id, buf[:]))
	require.Equal(t, byte(2), buf[0])
}

// TestCommit_CrashBeforeSecondFence verifies the crash-semantics pivot:
// a crash that lands before the second flush (which makes the log
// durable) must recover to the pre-commit committed state.
func TestCommit_CrashBeforeSecondFence(t *testing.T) {
	f := pageio.NewFakeFile()
	c := pagecache.NewCache(f, 100, nil, nil)

	h, err := c.NewPage()
	require.NoError(t, err)
	id := h.ID()
	writeByte(t, h, 1)
	h.Release()
	_, err = New(c, f, nil, nil, nil).Commit(context.Background())
	require.NoError(t, err)

	h2, err := c.LoadPage(id)
	require.NoError(t, err)
	h2, err = c.MakePageWritable(h2)
	require.NoError(t, err)
	writeByte(t, h2, 2)
	h2.Release()

	// The handler issues flush #1 (shadow copies durable) then flush #2
	// (logs durable). Crashing right after flush #1 means the log never
	// became durable, so recovery must see no log pages and leave the
	// original committed value intact. The fake models a crash as
	// subsequent writes silently vanishing rather than erroring — just
	// like a real process that stops running mid-commit — so the
	// Commit call's own return value is not meaningful here.
	f.CrashAfterFlush(1)
	_, _ = New(c, f, nil, nil, nil).Commit(context.Background())

	rep, err := recovery.Recover(f, nil)
	require.NoError(t, err)
	require.Equal(t, 0, rep.LogPagesFound)

	var buf [pagebuf.Size]byte
	require.NoError(t, f.ReadPage(id, buf[:]))
	require.Equal(t, byte(1), buf[0], "pre-commit committed value must survive a crash before the log is durable")
}

// TestCommit_CrashAfterSecondFence verifies the other half of the pivot:
// once the log is durable, a crash before the overwrite phase finishes
// must still land on the pre-commit value, never a torn mix of old and
// new content. The log pairs shadow the *old* contents, so replaying
// them is an undo, not a redo — the transaction's writes are lost, but
// original is guaranteed to read as a whole, consistent page.
func TestCommit_CrashAfterSecondFence(t *testing.T) {
	f := pageio.NewFakeFile()
	c := pagecache.NewCache(f, 100, nil, nil)

	h, err := c.NewPage()
	require.NoError(t, err)
	id := h.ID()
	writeByte(t, h, 1)
	h.Release()
	_, err = New(c, f, nil, nil, nil).Commit(context.Background())
	require.NoError(t, err)

	h2, err := c.LoadPage(id)
	require.NoError(t, err)
	h2, err = c.MakePageWritable(h2)
	require.NoError(t, err)
	writeByte(t, h2, 2)
	h2.Release()

	// Crash after flush #2 (logs durable) but before flush #3 (the
	// in-place overwrite's own fence): the overwrite step never reaches
	// disk, so recovery finds the log and undoes back to the old value.
	f.CrashAfterFlush(2)
	_, _ = New(c, f, nil, nil, nil).Commit(context.Background())

	rep, err := recovery.Recover(f, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rep.LogPagesFound)
	require.Equal(t, 1, rep.PairsReplayed)

	var buf [pagebuf.Size]byte
	require.NoError(t, f.ReadPage(id, buf[:]))
	require.Equal(t, byte(1), buf[0], "the pre-commit value must be restored, never a torn overwrite")
}
