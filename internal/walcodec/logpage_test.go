package walcodec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/compoundfs/compoundfs/internal/pagebuf"
	"github.com/compoundfs/compoundfs/internal/txerr"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	pairs := []Pair{
		{Original: 1, Copy: 100},
		{Original: 2, Copy: 101},
		{Original: 3, Copy: 102},
	}
	page, remaining := Encode(pairs)
	require.Empty(t, remaining)
	require.True(t, IsLogPage(page))

	got, err := Decode(page)
	require.NoError(t, err)
	require.Equal(t, pairs, got)
}

func TestEncodeAll_SpillsAcrossMultiplePages(t *testing.T) {
	pairs := make([]Pair, 1000)
	for i := range pairs {
		pairs[i] = Pair{Original: pagebuf.ID(i), Copy: pagebuf.ID(i + 100000)}
	}

	pages := EncodeAll(pairs)
	require.Greater(t, len(pages), 1, "1000 pairs must not fit in a single log page")

	var got []Pair
	for _, page := range pages {
		decoded, err := Decode(page)
		require.NoError(t, err)
		got = append(got, decoded...)
	}
	require.ElementsMatch(t, pairs, got)
}

func TestDecode_RejectsNonLogPage(t *testing.T) {
	buf := make([]byte, pagebuf.Size)
	_, err := Decode(buf)
	require.ErrorIs(t, err, txerr.ErrNotALogPage)
}

func TestDecode_RejectsCorruptedChecksum(t *testing.T) {
	page, _ := Encode([]Pair{{Original: 5, Copy: 500}})
	page[headerSize] ^= 0xFF // flip a payload byte without touching the stored checksum

	_, err := Decode(page)
	require.ErrorIs(t, err, txerr.ErrChecksumMismatch)
}

func TestEncode_EmptyPairsStillSelfIdentifies(t *testing.T) {
	page, remaining := Encode(nil)
	require.Empty(t, remaining)
	require.True(t, IsLogPage(page))

	pairs, err := Decode(page)
	require.NoError(t, err)
	require.Empty(t, pairs)
}
