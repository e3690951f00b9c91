// Package sequencer drives the patch loop: fetch the next patch, extract
// its archive onto the client directory, run its deletion pass, and commit
// the new version — in strict version order, resumable after a kill at any
// instruction.
//
// State transitions:
//
//	Idle → Fetching → Extracting → Deleting → Merging → Committed
//
// looping back to Fetching until the target version is reached, then
// UpToDate. Any failure halts the run without advancing the version; the
// next run resumes from the last durable checkpoint.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/anvilgames/updater/internal/archive"
	"github.com/anvilgames/updater/internal/config"
	"github.com/anvilgames/updater/internal/patch"
	"github.com/anvilgames/updater/internal/state"
	"github.com/anvilgames/updater/internal/transport"
)

// ErrDownloadIncomplete is returned when a patch bundle is absent after a
// fetch. A missing patch stops the whole run: later versions must never be
// applied over a skipped one.
var ErrDownloadIncomplete = errors.New("patch download incomplete")

// Sequencer owns the patch loop. A single Sequencer is the only writer of
// the client directory and the state store for the duration of a run.
type Sequencer struct {
	cfg      *config.Config
	store    *state.Store
	dl       transport.Downloader
	versions transport.VersionSource
	ex       *patch.Extractor
	obs      Progress
	log      *zap.Logger
}

// New assembles a Sequencer from its collaborators. obs may be nil.
func New(cfg *config.Config, store *state.Store, dl transport.Downloader,
	versions transport.VersionSource, obs Progress, log *zap.Logger) *Sequencer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sequencer{
		cfg:      cfg,
		store:    store,
		dl:       dl,
		versions: versions,
		ex:       patch.NewExtractor(cfg.ExtractRetryAttempts, cfg.ExtractRetryDelay, log),
		obs:      obs,
		log:      log,
	}
}

// Summary reports what a run did.
type Summary struct {
	Start   int
	End     int
	Target  int
	Applied int

	FilesWritten int
	BytesWritten int64
	FilesDeleted int
}

// Run applies pending patches until the client reaches the target version.
// It is safe to kill the process at any instruction and call Run again from
// cold: work is redone from the last durable checkpoint, never skipped past.
// ctx cancellation is honored only at patch boundaries.
func (s *Sequencer) Run(ctx context.Context) (*Summary, error) {
	current, err := s.store.CurrentVersion()
	if err != nil {
		return nil, err
	}
	target, err := s.versions.TargetVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve target version: %w", err)
	}

	sum := &Summary{Start: current, End: current, Target: target}
	em := newEmitter(s.obs, s.log)
	defer em.close()

	s.log.Info("starting patch run",
		zap.Int("current", current),
		zap.Int("target", target))

	if current >= target {
		em.emit(PhaseUpToDate, current, target)
		return sum, nil
	}

	skipExtract, current, err := s.resume(em, current, target)
	if err != nil {
		em.emit(PhaseFailed, current, target)
		return sum, err
	}
	sum.End = current

	for current < target {
		if err := ctx.Err(); err != nil {
			// Stop requests are honored here, between patches, only.
			return sum, err
		}

		next := current + 1
		if err := s.applyPatch(ctx, em, sum, next, target, skipExtract); err != nil {
			em.emit(PhaseFailed, next, target)
			return sum, err
		}
		current = next
		sum.End = current
		sum.Applied++
		skipExtract = false
	}

	em.emit(PhaseUpToDate, current, target)
	return sum, nil
}

// resume inspects the checkpoint marker left by a previous run. It returns
// whether extraction of the pending patch may be skipped, and the possibly
// advanced current version (when the previous run died between the final
// marker and the version commit).
func (s *Sequencer) resume(em *emitter, current, target int) (bool, int, error) {
	phase, version, err := s.store.LastMark()
	if err != nil {
		return false, current, err
	}
	if phase == state.PhaseNone || version <= current {
		// No marker, or one left over from an already committed patch.
		return false, current, nil
	}

	s.log.Info("resuming interrupted patch",
		zap.Stringer("phase", phase),
		zap.Int("version", version))

	switch phase {
	case state.PhaseExtractStart:
		// Extraction was cut short. It is a plain overwrite keyed by path,
		// so the normal loop simply redoes it from scratch.
		return false, current, nil

	case state.PhaseExtractEnd, state.PhaseUpdateStart:
		// Extraction finished; only the merge step needs to be redone.
		return true, current, nil

	case state.PhaseUpdateEnd:
		// Everything finished except the version commit itself.
		if err := s.commit(em, version, target); err != nil {
			return false, current, err
		}
		return false, version, nil
	}
	return false, current, fmt.Errorf("%w: unexpected resume phase %s", state.ErrCheckpointCorrupt, phase)
}

// applyPatch runs one full patch cycle for the given version.
func (s *Sequencer) applyPatch(ctx context.Context, em *emitter, sum *Summary, version, target int, skipExtract bool) error {
	p := patch.New(version, s.cfg.WorkDir)

	em.emit(PhaseFetching, version, target)
	if err := s.fetch(ctx, p); err != nil {
		return err
	}

	// A resumed patch whose unpacked files vanished falls back to the full
	// cycle; extraction is idempotent, redoing it is always safe.
	if skipExtract && !p.Unpacked() {
		skipExtract = false
	}
	if !skipExtract {
		if err := p.Unpack(); err != nil {
			return fmt.Errorf("patch %d: %w", version, err)
		}
	}

	if !skipExtract {
		if err := s.extract(em, sum, p, version, target); err != nil {
			return err
		}
	} else {
		s.log.Info("extraction already checkpointed, redoing merge only",
			zap.Int("version", version))
	}

	if err := s.store.Mark(state.PhaseUpdateStart, version); err != nil {
		return fmt.Errorf("patch %d: %w", version, err)
	}

	em.emit(PhaseDeleting, version, target)
	if p.HasDeleteList() {
		if err := s.runDeleteList(sum, p, version); err != nil {
			return err
		}
	}

	em.emit(PhaseMerging, version, target)
	if err := s.store.Mark(state.PhaseUpdateEnd, version); err != nil {
		return fmt.Errorf("patch %d: %w", version, err)
	}

	return s.commit(em, version, target)
}

// fetch makes sure the patch bundle is on disk, downloading it if needed.
func (s *Sequencer) fetch(ctx context.Context, p *patch.Patch) error {
	if p.BundleExists() {
		return nil
	}
	url := p.URL(s.cfg.PatchRootURL)
	if err := s.dl.Download(ctx, url, p.BundlePath()); err != nil {
		return fmt.Errorf("patch %d: %w: %v", p.Version, ErrDownloadIncomplete, err)
	}
	if !p.BundleExists() {
		return fmt.Errorf("patch %d: %w: %s missing after fetch", p.Version, ErrDownloadIncomplete, p.BundleName())
	}
	return nil
}

// extract parses the patch archive and applies it to the client directory,
// bracketed by the extract checkpoint marks.
func (s *Sequencer) extract(em *emitter, sum *Summary, p *patch.Patch, version, target int) error {
	hf, err := os.Open(p.HeaderPath())
	if err != nil {
		return fmt.Errorf("patch %d: %w", version, err)
	}
	hdr, err := archive.ParseHeader(hf)
	hf.Close()
	if err != nil {
		return fmt.Errorf("patch %d: %w", version, err)
	}

	data, err := os.Open(p.DataPath())
	if err != nil {
		return fmt.Errorf("patch %d: %w", version, err)
	}
	defer data.Close()

	fi, err := data.Stat()
	if err != nil {
		return fmt.Errorf("patch %d: %w", version, err)
	}
	if err := hdr.Validate(fi.Size()); err != nil {
		return fmt.Errorf("patch %d: %w", version, err)
	}

	tree, err := archive.BuildTree(hdr)
	if err != nil {
		return fmt.Errorf("patch %d: %w", version, err)
	}

	if err := s.store.Mark(state.PhaseExtractStart, version); err != nil {
		return fmt.Errorf("patch %d: %w", version, err)
	}
	em.emit(PhaseExtracting, version, target)

	res, err := s.ex.Apply(tree, data, s.cfg.ClientDir)
	if err != nil {
		return fmt.Errorf("patch %d: extract: %w", version, err)
	}
	sum.FilesWritten += res.Files
	sum.BytesWritten += res.Bytes

	s.log.Info("extracted patch archive",
		zap.Int("version", version),
		zap.Int("files", res.Files),
		zap.Int64("bytes", res.Bytes))

	if err := s.store.Mark(state.PhaseExtractEnd, version); err != nil {
		return fmt.Errorf("patch %d: %w", version, err)
	}
	return nil
}

func (s *Sequencer) runDeleteList(sum *Summary, p *patch.Patch, version int) error {
	f, err := os.Open(p.DeleteListPath())
	if err != nil {
		return fmt.Errorf("patch %d: %w", version, err)
	}
	defer f.Close()

	list, err := patch.ParseDeleteList(f)
	if err != nil {
		return fmt.Errorf("patch %d: %w", version, err)
	}
	removed, err := list.Apply(s.cfg.ClientDir)
	if err != nil {
		return fmt.Errorf("patch %d: delete pass: %w", version, err)
	}
	sum.FilesDeleted += removed

	s.log.Info("ran deletion pass",
		zap.Int("version", version),
		zap.Int("listed", len(list)),
		zap.Int("removed", removed))
	return nil
}

// commit persists the new version, clears the marker and removes the spent
// patch files. The version write is the single point after which the patch
// counts as applied.
func (s *Sequencer) commit(em *emitter, version, target int) error {
	if err := s.store.SetCurrentVersion(version); err != nil {
		return fmt.Errorf("patch %d: commit version: %w", version, err)
	}
	if err := s.store.ClearMark(); err != nil {
		return fmt.Errorf("patch %d: %w", version, err)
	}

	p := patch.New(version, s.cfg.WorkDir)
	if err := p.Remove(); err != nil {
		// The patch is committed; leftover files only waste space.
		s.log.Warn("could not remove spent patch files",
			zap.Int("version", version),
			zap.Error(err))
	}

	em.emit(PhaseCommitted, version, target)
	s.log.Info("patch committed", zap.Int("version", version))
	return nil
}
