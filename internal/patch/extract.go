package patch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/anvilgames/updater/internal/archive"
)

// ErrFileLocked is returned when a destination file stayed unwritable after
// the configured number of attempts.
var ErrFileLocked = errors.New("destination file locked")

// Extractor writes a patch archive's files onto the client directory.
// Writes are unconditional overwrites keyed by path, so applying the same
// archive twice converges to the same destination contents.
type Extractor struct {
	// Attempts and Delay bound the retry loop around each file write.
	// Client files can be transiently locked by a scanner or the running
	// game, and one locked file must not abort an otherwise good patch.
	Attempts int
	Delay    time.Duration

	Log *zap.Logger
}

// NewExtractor returns an Extractor with the given retry policy.
func NewExtractor(attempts int, delay time.Duration, log *zap.Logger) *Extractor {
	if attempts < 1 {
		attempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{Attempts: attempts, Delay: delay, Log: log}
}

// Result summarizes one extraction pass.
type Result struct {
	Files int
	Dirs  int
	Bytes int64
}

// Apply writes every file of tree into destRoot, reading bytes from the
// archive data file. Intermediate directories are created as needed and
// explicit directory entries are created even when empty. Apply runs to
// completion once started; stop requests are honored at patch boundaries,
// not mid-extraction.
func (e *Extractor) Apply(tree *archive.FileTree, data io.ReaderAt, destRoot string) (*Result, error) {
	res := &Result{}

	for _, dir := range tree.Folders() {
		if err := os.MkdirAll(filepath.Join(destRoot, filepath.FromSlash(dir.Path)), 0755); err != nil {
			return res, fmt.Errorf("create directory %s: %w", dir.Path, err)
		}
		res.Dirs++
	}

	for _, f := range tree.Files() {
		buf, err := archive.ReadEntry(data, &archive.Entry{
			Path: f.Path, Offset: f.Offset, Length: f.Length,
		})
		if err != nil {
			return res, err
		}

		dest := filepath.Join(destRoot, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return res, fmt.Errorf("create directory for %s: %w", f.Path, err)
		}
		if err := e.writeFile(dest, buf); err != nil {
			return res, fmt.Errorf("extract %s: %w", f.Path, err)
		}
		res.Files++
		res.Bytes += int64(len(buf))
	}
	return res, nil
}

// writeFile overwrites dest, retrying transient failures. After the last
// attempt the error is reported as ErrFileLocked with the underlying cause.
func (e *Extractor) writeFile(dest string, data []byte) error {
	var lastErr error
	for attempt := 1; attempt <= e.Attempts; attempt++ {
		lastErr = os.WriteFile(dest, data, 0644)
		if lastErr == nil {
			return nil
		}
		if attempt < e.Attempts {
			e.Log.Debug("write failed, retrying",
				zap.String("path", dest),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			time.Sleep(e.Delay)
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrFileLocked, e.Attempts, lastErr)
}
