// Package commit implements the commit handler: a shadow-copy / log /
// overwrite algorithm that turns an in-flight transaction into a new
// committed file state atomically with respect to a crash, using a
// fixed sequence of durability fences to pin down exactly where the
// crash-recovery pivot sits. The shape is append, flush, then make
// durable in a second pass, applied to page shadows and log pages
// rather than to a variable-length record stream.
package commit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/compoundfs/compoundfs/internal/pagebuf"
	"github.com/compoundfs/compoundfs/internal/pageio"
	"github.com/compoundfs/compoundfs/internal/walcodec"
	"github.com/compoundfs/compoundfs/pagecache"
)

// Snapshot is the minimal view of the cache's transactional state the
// handler needs. Cache already exposes exactly this surface, so the
// handler depends on *pagecache.Cache directly rather than duplicating
// its state — the handoff is modeled by Cache.BuildCommitHandler marking
// the cache unusable for the duration, not by copying its maps.
type Snapshot = *pagecache.Cache

// Metrics is the subset of pkg/telemetry instrumentation the handler
// emits into. A nil Metrics is a valid no-op.
type Metrics interface {
	RecordCommit(dirtyPages, newPages int, durationSeconds float64)
	RecordTruncate(pages int)
}

// Handler runs the commit algorithm against one cache/file pair.
type Handler struct {
	cache   Snapshot
	file    pageio.File
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// New builds a commit handler. logger, tracer and metrics may be nil.
func New(cache Snapshot, file pageio.File, logger *zap.Logger, tracer trace.Tracer, metrics Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("compoundfs/commit")
	}
	return &Handler{cache: cache, file: file, logger: logger, tracer: tracer, metrics: metrics}
}

// Report summarizes a successful commit, primarily for logging and
// tests.
type Report struct {
	CommitID       uuid.UUID
	DirtyPages     int
	NewPages       int
	LogPages       int
	FinalSize      pagebuf.ID
	TruncatedTo    pagebuf.ID
	PagesReclaimed int
}

// Commit runs the shadow-copy/log/overwrite algorithm end to end. On any
// error the cache is released via AbortCommit and the caller's
// pre-commit committed image is still intact, provided the error
// occurred before the second durability fence returned.
func (h *Handler) Commit(ctx context.Context) (Report, error) {
	if err := h.cache.BuildCommitHandler(); err != nil {
		return Report{}, err
	}

	id := uuid.New()
	ctx, span := h.tracer.Start(ctx, "compoundfs.commit", trace.WithAttributes(
		attribute.String("commit.id", id.String()),
	))
	defer span.End()
	log := h.logger.With(zap.String("commit_id", id.String()))
	start := time.Now()

	report, err := h.commitLocked(ctx, id)
	if err != nil {
		log.Error("commit failed, aborting transaction", zap.Error(err))
		h.cache.AbortCommit()
		return Report{}, err
	}
	h.cache.FinishCommit()
	if h.metrics != nil {
		h.metrics.RecordCommit(report.DirtyPages, report.NewPages, time.Since(start).Seconds())
		h.metrics.RecordTruncate(report.PagesReclaimed)
	}
	log.Info("commit complete",
		zap.Int("dirty_pages", report.DirtyPages),
		zap.Int("new_pages", report.NewPages),
		zap.Int("log_pages", report.LogPages))
	return report, nil
}

func (h *Handler) commitLocked(ctx context.Context, id uuid.UUID) (Report, error) {
	// Step 1: collect dirty ids — the union of diverted originals and
	// still-resident Dirty pages.
	dirtyIDs := h.cache.DirtyPageIDs()

	var pairs []walcodec.Pair
	if len(dirtyIDs) > 0 {
		var err error
		pairs, err = h.shadowCopy(ctx, dirtyIDs)
		if err != nil {
			return Report{}, err
		}

		// Fence 1: shadow copies durable before any log references them.
		if err := h.file.Flush(); err != nil {
			return Report{}, err
		}

		logPages, err := h.writeLogs(ctx, pairs)
		if err != nil {
			return Report{}, err
		}

		// Fence 2: logs durable before any original is overwritten.
		// This is the crash-semantics pivot: a crash before this flush
		// returns recovers to the pre-commit image; a crash after it
		// recovers by replaying the logs.
		if err := h.file.Flush(); err != nil {
			return Report{}, err
		}

		if err := h.overwriteOriginals(ctx, pairs); err != nil {
			return Report{}, err
		}

		newPages, err := h.writeRemainingNewPages(ctx)
		if err != nil {
			return Report{}, err
		}

		if err := h.file.Flush(); err != nil {
			return Report{}, err
		}

		truncatedTo, reclaimed, err := h.truncate(ctx, pairs)
		if err != nil {
			return Report{}, err
		}

		finalSize, _ := h.file.CurrentSize()
		return Report{
			CommitID:       id,
			DirtyPages:     len(dirtyIDs),
			NewPages:       newPages,
			LogPages:       logPages,
			FinalSize:      finalSize,
			TruncatedTo:    truncatedTo,
			PagesReclaimed: reclaimed,
		}, nil
	}

	// No dirty pages: nothing was ever committed before for these ids,
	// so there is nothing to shadow-copy or log. Still materialize any
	// resident New pages and fence once.
	newPages, err := h.writeRemainingNewPages(ctx)
	if err != nil {
		return Report{}, err
	}
	if err := h.file.Flush(); err != nil {
		return Report{}, err
	}
	finalSize, _ := h.file.CurrentSize()
	return Report{CommitID: id, NewPages: newPages, FinalSize: finalSize, TruncatedTo: finalSize}, nil
}

// shadowCopy is step 2: allocate a contiguous interval the size of
// dirtyIDs and copy each original's *committed* on-disk contents into the
// next shadow slot.
func (h *Handler) shadowCopy(ctx context.Context, dirtyIDs []pagebuf.ID) ([]walcodec.Pair, error) {
	_, span := h.tracer.Start(ctx, "compoundfs.commit.shadow_copy")
	defer span.End()

	iv, err := h.file.NewInterval(uint32(len(dirtyIDs)))
	if err != nil {
		return nil, err
	}
	pairs := make([]walcodec.Pair, len(dirtyIDs))
	var buf [pagebuf.Size]byte
	for i, orig := range dirtyIDs {
		if err := h.file.ReadPage(orig, buf[:]); err != nil {
			return nil, fmt.Errorf("shadow copy of page %d: %w", orig, err)
		}
		shadowID := iv.Base + pagebuf.ID(i)
		if err := h.file.WritePage(shadowID, buf[:]); err != nil {
			return nil, fmt.Errorf("shadow copy of page %d: %w", orig, err)
		}
		pairs[i] = walcodec.Pair{Original: orig, Copy: shadowID}
	}
	return pairs, nil
}

// writeLogs is step 4: encode pairs into as many log pages as needed,
// each written to a freshly extended id.
func (h *Handler) writeLogs(ctx context.Context, pairs []walcodec.Pair) (int, error) {
	_, span := h.tracer.Start(ctx, "compoundfs.commit.write_logs")
	defer span.End()

	pages := walcodec.EncodeAll(pairs)
	if len(pages) == 0 {
		return 0, nil
	}
	iv, err := h.file.NewInterval(uint32(len(pages)))
	if err != nil {
		return 0, err
	}
	for i, page := range pages {
		if err := h.file.WritePage(iv.Base+pagebuf.ID(i), page); err != nil {
			return 0, fmt.Errorf("write log page %d: %w", i, err)
		}
	}
	return len(pages), nil
}

// overwriteOriginals is step 6: for each dirty id, source its new content
// — from the cache if still resident at its effective id (the original
// id, or the id an earlier in-transaction eviction diverted it to), else
// from the diverted location on disk (cache.Redirection, distinct from
// pr.Copy, which holds the *old* committed content shadow-copied in
// step 2) — and write it back to the original id.
func (h *Handler) overwriteOriginals(ctx context.Context, pairs []walcodec.Pair) error {
	_, span := h.tracer.Start(ctx, "compoundfs.commit.overwrite_originals")
	defer span.End()

	var buf [pagebuf.Size]byte
	for _, pr := range pairs {
		diverted, ok := h.cache.Redirection(pr.Original)
		src := pr.Original
		if ok {
			src = diverted
		}
		if data, class, resident := h.cache.ResidentPage(src); resident && class != pagecache.Read {
			if err := h.file.WritePage(pr.Original, data); err != nil {
				return fmt.Errorf("overwrite page %d: %w", pr.Original, err)
			}
			continue
		}
		if !ok {
			return fmt.Errorf("compoundfs: dirty page %d has neither a resident entry nor a redirection", pr.Original)
		}
		if err := h.file.ReadPage(diverted, buf[:]); err != nil {
			return fmt.Errorf("read diverted source for page %d: %w", pr.Original, err)
		}
		if err := h.file.WritePage(pr.Original, buf[:]); err != nil {
			return fmt.Errorf("overwrite page %d: %w", pr.Original, err)
		}
	}
	return nil
}

// writeRemainingNewPages is step 7: every still-resident New entry is
// written to its own id. Step 6 does not remove entries, so a New entry
// it already copied onto a dirty original is written here as well.
func (h *Handler) writeRemainingNewPages(ctx context.Context) (int, error) {
	_, span := h.tracer.Start(ctx, "compoundfs.commit.write_new_pages")
	defer span.End()

	ids := h.cache.RemainingNewPages()
	for _, id := range ids {
		data, class, ok := h.cache.ResidentPage(id)
		if !ok || class != pagecache.New {
			continue
		}
		if err := h.file.WritePage(id, data); err != nil {
			return 0, fmt.Errorf("write new page %d: %w", id, err)
		}
	}
	return len(ids), nil
}

// truncate is step 9: cut the file at the lowest shadow id, releasing the
// shadow area and log pages now that the commit has fully landed. Every
// id it releases is unreachable — the shadow slots and log pages just
// allocated sit at the tail of the file and nothing refers to them once
// the pairs above have been applied. Diverted Dirty locations, which
// were allocated before the shadow interval, lie below the cut and stay
// in the file. It returns the id the file was truncated to and how many
// pages that reclaimed.
func (h *Handler) truncate(ctx context.Context, pairs []walcodec.Pair) (truncatedTo pagebuf.ID, reclaimed int, err error) {
	_, span := h.tracer.Start(ctx, "compoundfs.commit.truncate")
	defer span.End()

	sizeBefore, err := h.file.CurrentSize()
	if err != nil {
		return 0, 0, err
	}
	if len(pairs) == 0 {
		return sizeBefore, 0, nil
	}
	lowestShadow := pairs[0].Copy
	for _, pr := range pairs {
		if pr.Copy < lowestShadow {
			lowestShadow = pr.Copy
		}
	}
	if err := h.file.Truncate(lowestShadow); err != nil {
		return 0, 0, err
	}
	return lowestShadow, int(sizeBefore - lowestShadow), nil
}
