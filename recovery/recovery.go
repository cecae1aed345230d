// Package recovery implements the startup recovery pass: on opening a
// backing file, scan for log pages left behind by a commit that crashed somewhere
// between its second durability fence and the completion of its final
// truncate, and replay them to undo the in-place overwrite back to the
// last committed state before any reader or writer touches the file.
//
// The logs hold (original, copy) pairs where copy is a shadow of the
// *old* committed contents, made durable before the in-place overwrite
// began. Replaying a pair therefore always restores the pre-commit
// value at original, never the transaction's new value — a crash
// anywhere in that window loses the transaction's writes but never
// leaves original in a torn state: after recovery it reads as the whole
// pre-commit page, never a mix of old and new.
//
// The scan-and-replay shape follows a write-ahead-log recovery pass,
// generalized from an LSN-ordered redo/undo pass over variable-length
// records down to a scan for self-identifying fixed pages followed by a
// single undo-only replay.
package recovery

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/compoundfs/compoundfs/internal/pagebuf"
	"github.com/compoundfs/compoundfs/internal/pageio"
	"github.com/compoundfs/compoundfs/internal/walcodec"
)

// Report summarizes what Recover found and did.
type Report struct {
	LogPagesFound int
	PairsReplayed int
	TruncatedTo   pagebuf.ID
}

// Recover scans file for log pages and, if any are found, replays every
// (original, copy) pair by copying copy's contents back to original,
// then truncates the log/shadow tail away. If no log pages are found the
// file is already in a consistent committed state and Recover is a
// no-op.
func Recover(file pageio.File, logger *zap.Logger) (Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	size, err := file.CurrentSize()
	if err != nil {
		return Report{}, err
	}

	var pairs []walcodec.Pair
	var logPageIDs []pagebuf.ID
	var buf [pagebuf.Size]byte
	for id := pagebuf.ID(0); id < size; id++ {
		if err := file.ReadPage(id, buf[:]); err != nil {
			return Report{}, fmt.Errorf("recovery scan at page %d: %w", id, err)
		}
		if !walcodec.IsLogPage(buf[:]) {
			continue
		}
		decoded, err := walcodec.Decode(buf[:])
		if err != nil {
			return Report{}, fmt.Errorf("recovery: decode log page %d: %w", id, err)
		}
		logPageIDs = append(logPageIDs, id)
		pairs = append(pairs, decoded...)
	}

	if len(logPageIDs) == 0 {
		logger.Debug("recovery: no log pages found, file already consistent")
		return Report{}, nil
	}

	logger.Info("recovery: replaying log", zap.Int("log_pages", len(logPageIDs)), zap.Int("pairs", len(pairs)))
	for _, pr := range pairs {
		if err := file.ReadPage(pr.Copy, buf[:]); err != nil {
			return Report{}, fmt.Errorf("recovery: read shadow copy %d: %w", pr.Copy, err)
		}
		if err := file.WritePage(pr.Original, buf[:]); err != nil {
			return Report{}, fmt.Errorf("recovery: restore original %d: %w", pr.Original, err)
		}
	}
	if err := file.Flush(); err != nil {
		return Report{}, err
	}

	// The shadow copies (pairs[i].Copy) were allocated before the log
	// pages that reference them, so the lowest shadow copy id — not the
	// lowest log page id — marks where the reclaimable tail begins.
	copyIDs := make([]pagebuf.ID, len(pairs))
	for i, pr := range pairs {
		copyIDs[i] = pr.Copy
	}
	truncateTo := lowestOf(append(copyIDs, logPageIDs...))
	if err := file.Truncate(truncateTo); err != nil {
		return Report{}, err
	}

	return Report{
		LogPagesFound: len(logPageIDs),
		PairsReplayed: len(pairs),
		TruncatedTo:   truncateTo,
	}, nil
}

func lowestOf(ids []pagebuf.ID) pagebuf.ID {
	lowest := ids[0]
	for _, id := range ids[1:] {
		if id < lowest {
			lowest = id
		}
	}
	return lowest
}
