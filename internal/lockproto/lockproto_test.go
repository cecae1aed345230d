package lockproto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadAccess_MultipleConcurrentReaders(t *testing.T) {
	p := New()
	r1, ok1 := p.TryReadAccess()
	require.True(t, ok1)
	r2, ok2 := p.TryReadAccess()
	require.True(t, ok2, "a second reader must not be blocked by the first")
	r1.Release()
	r2.Release()
}

func TestWriteAccess_DoesNotBlockReaders(t *testing.T) {
	p := New()
	wl := p.WriteAccess()
	_, ok := p.TryReadAccess()
	require.True(t, ok, "a held write lock must not block readers")
	wl.Release()
}

func TestTryWriteAccess_FailsWhileAnotherWriterHolds(t *testing.T) {
	p := New()
	wl := p.WriteAccess()
	_, ok := p.TryWriteAccess()
	require.False(t, ok)
	wl.Release()

	wl2, ok2 := p.TryWriteAccess()
	require.True(t, ok2)
	wl2.Release()
}

func TestCommitAccess_DrainsExistingReaders(t *testing.T) {
	p := New()
	rl := p.ReadAccess()
	wl := p.WriteAccess()

	done := make(chan struct{})
	go func() {
		cl := p.CommitAccess(wl)
		close(done)
		cl.Release()
	}()

	select {
	case <-done:
		t.Fatal("commit access must block until the outstanding reader releases")
	case <-time.After(20 * time.Millisecond):
	}

	rl.Release()
	<-done
}

func TestCommitAccess_BlocksNewReaders(t *testing.T) {
	p := New()
	wl := p.WriteAccess()
	cl := p.CommitAccess(wl)

	_, ok := p.TryReadAccess()
	require.False(t, ok, "a reader must not be able to start during a commit")

	cl.Release()
	_, ok = p.TryReadAccess()
	require.True(t, ok)
}

func TestTryCommitAccess_ReturnsOriginalWriteLockOnFailure(t *testing.T) {
	p := New()
	rl := p.ReadAccess()
	wl := p.WriteAccess()

	_, returned, ok := p.TryCommitAccess(wl)
	require.False(t, ok)

	rl.Release()
	cl, _, ok2 := p.TryCommitAccess(returned)
	require.True(t, ok2, "the write lock handed back on failure must still be usable")
	cl.Release()
}

func TestCommitAccess_PanicsOnForeignWriteLock(t *testing.T) {
	p1 := New()
	p2 := New()
	wl := p1.WriteAccess()
	defer wl.Release()

	require.Panics(t, func() {
		p2.CommitAccess(wl)
	})
}
