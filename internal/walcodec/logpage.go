// Package walcodec implements the log page format: a self-identifying
// 4096-byte page recording (original_id, copy_id) pairs for crash
// recovery, with the same encode/decode and checksum discipline as a
// write-ahead log, generalized from variable-length LSN-tagged records
// down to a fixed-size, self-identifying page.
package walcodec

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/compoundfs/compoundfs/internal/pagebuf"
	"github.com/compoundfs/compoundfs/internal/txerr"
)

// magic identifies a page as a log page to the recovery scan; it is
// chosen to be exceedingly unlikely to occur as the first four bytes of
// an ordinary user or B-tree page.
const magic uint32 = 0x434653_4c // "CFS" + 'L' (log), packed into 32 bits

const (
	headerSize = 4 + 8 + 4 // magic + checksum + pair count
	pairSize   = 4 + 4      // original id + copy id
	// MaxPairsPerPage is how many (original, copy) pairs fit in a
	// single 4096-byte log page.
	MaxPairsPerPage = (pagebuf.Size - headerSize) / pairSize
)

// Pair is one shadow-copy redirection recorded by the commit handler:
// Original is a committed page's id, Copy is the freshly allocated id
// holding its pre-commit contents.
type Pair struct {
	Original pagebuf.ID
	Copy     pagebuf.ID
}

// IsLogPage reports whether buf (a full 4096-byte page) carries the log
// page magic number, without validating its checksum. Recovery uses this
// as a cheap first filter before calling Decode.
func IsLogPage(buf []byte) bool {
	if len(buf) != pagebuf.Size {
		return false
	}
	return binary.LittleEndian.Uint32(buf[0:4]) == magic
}

// Encode writes as many of pairs as fit into a single 4096-byte page
// (the page carries no self-id field; its magic number is what makes it
// discoverable) and returns the pairs that did not fit, so the caller
// (EncodeAll) can spill them into another page via a second call to
// Encode.
func Encode(pairs []Pair) (page []byte, remaining []Pair) {
	n := len(pairs)
	if n > MaxPairsPerPage {
		n = MaxPairsPerPage
	}
	buf := make([]byte, pagebuf.Size)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(n))
	off := headerSize
	for _, pr := range pairs[:n] {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(pr.Original))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(pr.Copy))
		off += pairSize
	}
	sum := xxhash.Sum64(buf[headerSize:])
	binary.LittleEndian.PutUint64(buf[4:12], sum)
	return buf, pairs[n:]
}

// Decode validates and parses a single log page. It returns
// ErrNotALogPage if the magic number is absent and ErrChecksumMismatch if
// the payload has been corrupted.
func Decode(buf []byte) ([]Pair, error) {
	if len(buf) != pagebuf.Size {
		return nil, fmt.Errorf("%w: page must be %d bytes", txerr.ErrLogCorrupt, pagebuf.Size)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != magic {
		return nil, txerr.ErrNotALogPage
	}
	wantSum := binary.LittleEndian.Uint64(buf[4:12])
	if gotSum := xxhash.Sum64(buf[headerSize:]); gotSum != wantSum {
		return nil, txerr.ErrChecksumMismatch
	}
	count := binary.LittleEndian.Uint32(buf[12:16])
	if count > MaxPairsPerPage {
		return nil, fmt.Errorf("%w: pair count %d exceeds page capacity", txerr.ErrLogCorrupt, count)
	}
	pairs := make([]Pair, count)
	off := headerSize
	for i := range pairs {
		pairs[i] = Pair{
			Original: pagebuf.ID(binary.LittleEndian.Uint32(buf[off : off+4])),
			Copy:     pagebuf.ID(binary.LittleEndian.Uint32(buf[off+4 : off+8])),
		}
		off += pairSize
	}
	return pairs, nil
}

// EncodeAll splits pairs across as many log pages as needed, in order.
func EncodeAll(pairs []Pair) [][]byte {
	var pages [][]byte
	remaining := pairs
	for len(remaining) > 0 {
		var page []byte
		page, remaining = Encode(remaining)
		pages = append(pages, page)
	}
	return pages
}
