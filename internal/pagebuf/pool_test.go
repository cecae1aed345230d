package pagebuf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/compoundfs/compoundfs/internal/txerr"
)

func TestPool_AcquireFailsWhenExhausted(t *testing.T) {
	p := NewPool(2)
	p1, err := p.Acquire(1)
	require.NoError(t, err)
	p2, err := p.Acquire(2)
	require.NoError(t, err)

	_, err = p.Acquire(3)
	require.ErrorIs(t, err, txerr.ErrBufferFull)

	p1.Unpin()
	p2.Unpin()
}

func TestPool_PutRecyclesBuffer(t *testing.T) {
	p := NewPool(1)
	pg, err := p.Acquire(1)
	require.NoError(t, err)
	pg.Unpin()
	p.Put(pg)

	pg2, err := p.Acquire(2)
	require.NoError(t, err)
	require.Equal(t, ID(2), pg2.ID())
	require.Equal(t, 1, p.Live(), "recycling must not grow the pool's footprint")
}

func TestPool_PutPanicsOnPinnedPage(t *testing.T) {
	p := NewPool(1)
	pg, err := p.Acquire(1)
	require.NoError(t, err)

	require.Panics(t, func() {
		p.Put(pg)
	})
}

func TestPage_ResetZeroesData(t *testing.T) {
	pg := NewPage(1)
	copy(pg.Data(), "hello")
	pg.Reset(2)
	require.Equal(t, ID(2), pg.ID())
	require.Equal(t, make([]byte, Size), pg.Data())
}
