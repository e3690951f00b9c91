package sequencer

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	gzip "github.com/klauspost/compress/gzip"

	"github.com/anvilgames/updater/internal/archive"
	"github.com/anvilgames/updater/internal/config"
	"github.com/anvilgames/updater/internal/patch"
	"github.com/anvilgames/updater/internal/state"
)

// fakeDownloader serves bundles from memory and records every request.
type fakeDownloader struct {
	bundles  map[string][]byte // URL → bundle bytes
	requests []string
}

func (d *fakeDownloader) Download(_ context.Context, url, destPath string) error {
	d.requests = append(d.requests, url)
	data, ok := d.bundles[url]
	if !ok {
		return fmt.Errorf("404 for %s", url)
	}
	return os.WriteFile(destPath, data, 0644)
}

// fixedVersion is a VersionSource pinned to one target.
type fixedVersion int

func (v fixedVersion) TargetVersion(context.Context) (int, error) { return int(v), nil }

// recorder collects progress events. Run waits for the emitter to drain
// before returning, so reading events afterwards is race-free.
type recorder struct {
	events []Event
}

func (r *recorder) PhaseChanged(phase Phase, version, target int) {
	r.events = append(r.events, Event{Phase: phase, Version: version, Target: target})
}

func (r *recorder) phases() []Phase {
	out := make([]Phase, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Phase
	}
	return out
}

// bundleFile describes one file carried by a test patch.
type bundleFile struct {
	path string
	data string
}

// makeBundle builds a complete patch bundle: archive pair plus an optional
// delete list.
func makeBundle(t *testing.T, files []bundleFile, dirs []string, deletes []string) []byte {
	t.Helper()

	h := &archive.Header{}
	var data bytes.Buffer
	for _, f := range files {
		h.Entries = append(h.Entries, archive.Entry{
			Path:   f.path,
			Offset: uint32(data.Len()),
			Length: uint32(len(f.data)),
		})
		data.WriteString(f.data)
	}
	for _, d := range dirs {
		h.Entries = append(h.Entries, archive.Entry{Path: d, Dir: true})
	}
	var hdr bytes.Buffer
	if err := archive.WriteHeader(&hdr, h); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	members := map[string][]byte{
		patch.HeaderName: hdr.Bytes(),
		patch.DataName:   data.Bytes(),
	}
	if deletes != nil {
		var dl bytes.Buffer
		for _, d := range deletes {
			fmt.Fprintln(&dl, d)
		}
		members[patch.DeleteListName] = dl.Bytes()
	}

	var out bytes.Buffer
	gz := gzip.NewWriter(&out)
	tw := tar.NewWriter(gz)
	for name, body := range members {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write(body); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

// env bundles the sequencer collaborators for a test.
type env struct {
	cfg   *config.Config
	store *state.Store
	dl    *fakeDownloader
	rec   *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	base := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.PatchRootURL = "http://patch.test/live"
	cfg.ClientDir = filepath.Join(base, "client")
	cfg.WorkDir = filepath.Join(base, "work")
	cfg.DBPath = filepath.Join(base, "state", "state.db")
	cfg.ExtractRetryDelay = time.Millisecond
	if err := os.MkdirAll(cfg.ClientDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	store, err := state.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &env{
		cfg:   cfg,
		store: store,
		dl:    &fakeDownloader{bundles: map[string][]byte{}},
		rec:   &recorder{},
	}
}

func (e *env) addBundle(t *testing.T, version int, data []byte) {
	t.Helper()
	url := patch.New(version, e.cfg.WorkDir).URL(e.cfg.PatchRootURL)
	e.dl.bundles[url] = data
}

func (e *env) run(t *testing.T, target int) (*Summary, error) {
	t.Helper()
	seq := New(e.cfg, e.store, e.dl, fixedVersion(target), e.rec, nil)
	return seq.Run(context.Background())
}

func (e *env) clientFile(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.cfg.ClientDir, rel))
	if err != nil {
		t.Fatalf("read client file %s: %v", rel, err)
	}
	return string(data)
}

func (e *env) version(t *testing.T) int {
	t.Helper()
	v, err := e.store.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	return v
}

func TestRunAppliesPatchesInOrder(t *testing.T) {
	e := newEnv(t)
	if err := e.store.SetCurrentVersion(5); err != nil {
		t.Fatal(err)
	}
	e.addBundle(t, 6, makeBundle(t, []bundleFile{
		{"a.txt", "from six"},
		{"b/c.txt", "also six"},
	}, nil, nil))
	e.addBundle(t, 7, makeBundle(t, []bundleFile{
		{"a.txt", "from seven"},
	}, []string{"d"}, nil))

	sum, err := e.run(t, 7)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sum.Start != 5 || sum.End != 7 || sum.Applied != 2 {
		t.Errorf("summary = %+v, want start 5, end 7, applied 2", sum)
	}
	if got := e.version(t); got != 7 {
		t.Errorf("stored version = %d, want 7", got)
	}
	if got := e.clientFile(t, "a.txt"); got != "from seven" {
		t.Errorf("a.txt = %q, want %q", got, "from seven")
	}
	if got := e.clientFile(t, filepath.Join("b", "c.txt")); got != "also six" {
		t.Errorf("b/c.txt = %q", got)
	}
	fi, err := os.Stat(filepath.Join(e.cfg.ClientDir, "d"))
	if err != nil || !fi.IsDir() {
		t.Errorf("empty directory d missing: %v", err)
	}

	// Versions fetched strictly in order, never jumping to 7 first.
	if len(e.dl.requests) != 2 ||
		e.dl.requests[0] != "http://patch.test/live/ps0006.patch" ||
		e.dl.requests[1] != "http://patch.test/live/ps0007.patch" {
		t.Errorf("requests = %v", e.dl.requests)
	}

	// Spent patch files are removed after commit.
	entries, _ := os.ReadDir(e.cfg.WorkDir)
	if len(entries) != 0 {
		t.Errorf("work dir not cleaned: %v", entries)
	}
}

func TestRunEmitsOrderedEvents(t *testing.T) {
	e := newEnv(t)
	e.addBundle(t, 1, makeBundle(t, []bundleFile{{"a.txt", "x"}}, nil, []string{"gone.txt"}))

	if _, err := e.run(t, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []Phase{PhaseFetching, PhaseExtracting, PhaseDeleting, PhaseMerging, PhaseCommitted, PhaseUpToDate}
	got := e.rec.phases()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRunUpToDate(t *testing.T) {
	e := newEnv(t)
	if err := e.store.SetCurrentVersion(4); err != nil {
		t.Fatal(err)
	}

	sum, err := e.run(t, 4)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Applied != 0 {
		t.Errorf("applied = %d, want 0", sum.Applied)
	}
	if len(e.dl.requests) != 0 {
		t.Errorf("unexpected downloads: %v", e.dl.requests)
	}
	if phases := e.rec.phases(); len(phases) != 1 || phases[0] != PhaseUpToDate {
		t.Errorf("events = %v, want [up-to-date]", phases)
	}
}

func TestDeleteListPass(t *testing.T) {
	e := newEnv(t)
	if err := os.MkdirAll(filepath.Join(e.cfg.ClientDir, "old"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(e.cfg.ClientDir, "old", "map.bin"), []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}

	e.addBundle(t, 1, makeBundle(t, []bundleFile{{"new.bin", "fresh"}}, nil,
		[]string{"old/map.bin", "old/map.bin", "missing.txt"}))

	sum, err := e.run(t, 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.FilesDeleted != 1 {
		t.Errorf("deleted = %d, want 1", sum.FilesDeleted)
	}
	if _, err := os.Stat(filepath.Join(e.cfg.ClientDir, "old", "map.bin")); !os.IsNotExist(err) {
		t.Error("old/map.bin survived the deletion pass")
	}
}

func TestDownloadFailureHaltsRun(t *testing.T) {
	e := newEnv(t)
	if err := e.store.SetCurrentVersion(5); err != nil {
		t.Fatal(err)
	}
	// Patch 6 is missing; patch 7 exists but must never be attempted.
	e.addBundle(t, 7, makeBundle(t, []bundleFile{{"a.txt", "seven"}}, nil, nil))

	_, err := e.run(t, 7)
	if !errors.Is(err, ErrDownloadIncomplete) {
		t.Fatalf("err = %v, want ErrDownloadIncomplete", err)
	}
	if got := e.version(t); got != 5 {
		t.Errorf("version advanced to %d on failure", got)
	}
	for _, url := range e.dl.requests {
		if url == "http://patch.test/live/ps0007.patch" {
			t.Error("patch 7 was fetched after patch 6 failed")
		}
	}
	if phases := e.rec.phases(); phases[len(phases)-1] != PhaseFailed {
		t.Errorf("last event = %v, want failed", phases[len(phases)-1])
	}
}

func TestResumeAfterExtractStart(t *testing.T) {
	e := newEnv(t)
	e.addBundle(t, 1, makeBundle(t, []bundleFile{{"a.txt", "v1"}}, nil, nil))

	// A previous run died mid-extraction: marker written, nothing durable
	// beyond a possibly half-written client file.
	if err := e.store.Mark(state.PhaseExtractStart, 1); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(e.cfg.ClientDir, "a.txt"), []byte("half"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := e.run(t, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := e.clientFile(t, "a.txt"); got != "v1" {
		t.Errorf("a.txt = %q, want re-extracted %q", got, "v1")
	}
	if got := e.version(t); got != 1 {
		t.Errorf("version = %d, want 1", got)
	}
}

func TestResumeAfterUpdateStartSkipsExtraction(t *testing.T) {
	e := newEnv(t)
	bundle := makeBundle(t, []bundleFile{{"a.txt", "v1"}}, nil, []string{"stale.bin"})
	e.addBundle(t, 1, bundle)

	// Prime the work dir as a crashed run would have left it: bundle
	// downloaded, unpacked, extraction checkpointed through update-start.
	p := patch.New(1, e.cfg.WorkDir)
	if err := os.WriteFile(p.BundlePath(), bundle, 0644); err != nil {
		t.Fatal(err)
	}
	if err := p.Unpack(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(e.cfg.ClientDir, "a.txt"), []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(e.cfg.ClientDir, "stale.bin"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := e.store.Mark(state.PhaseUpdateStart, 1); err != nil {
		t.Fatal(err)
	}

	if _, err := e.run(t, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Only the merge step reran: no Extracting event, deletion applied.
	for _, ph := range e.rec.phases() {
		if ph == PhaseExtracting {
			t.Error("extraction reran despite update-start checkpoint")
		}
	}
	if _, err := os.Stat(filepath.Join(e.cfg.ClientDir, "stale.bin")); !os.IsNotExist(err) {
		t.Error("stale.bin survived the resumed deletion pass")
	}
	if got := e.version(t); got != 1 {
		t.Errorf("version = %d, want 1", got)
	}
}

func TestResumeAfterUpdateEndCommits(t *testing.T) {
	e := newEnv(t)
	// Crash landed between the update-end mark and the version write.
	if err := e.store.Mark(state.PhaseUpdateEnd, 1); err != nil {
		t.Fatal(err)
	}

	sum, err := e.run(t, 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := e.version(t); got != 1 {
		t.Errorf("version = %d, want 1", got)
	}
	if len(e.dl.requests) != 0 {
		t.Errorf("resumed commit should not download: %v", e.dl.requests)
	}
	if sum.End != 1 {
		t.Errorf("summary end = %d, want 1", sum.End)
	}
}

func TestResumeIsDeterministic(t *testing.T) {
	// Interrupting after each checkpoint and restarting must land on the
	// same final version and client contents as an uninterrupted run.
	finalState := func(t *testing.T, prime func(t *testing.T, e *env, bundle []byte)) (int, string) {
		e := newEnv(t)
		bundle := makeBundle(t, []bundleFile{{"a.txt", "final"}}, nil, nil)
		e.addBundle(t, 1, bundle)
		if prime != nil {
			prime(t, e, bundle)
		}
		if _, err := e.run(t, 1); err != nil {
			t.Fatalf("Run: %v", err)
		}
		return e.version(t), e.clientFile(t, "a.txt")
	}

	wantVersion, wantContent := finalState(t, nil)

	primes := map[string]func(t *testing.T, e *env, bundle []byte){
		"after extract-start": func(t *testing.T, e *env, bundle []byte) {
			if err := e.store.Mark(state.PhaseExtractStart, 1); err != nil {
				t.Fatal(err)
			}
		},
		"after extract-end": func(t *testing.T, e *env, bundle []byte) {
			p := patch.New(1, e.cfg.WorkDir)
			if err := os.WriteFile(p.BundlePath(), bundle, 0644); err != nil {
				t.Fatal(err)
			}
			if err := p.Unpack(); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(e.cfg.ClientDir, "a.txt"), []byte("final"), 0644); err != nil {
				t.Fatal(err)
			}
			if err := e.store.Mark(state.PhaseExtractEnd, 1); err != nil {
				t.Fatal(err)
			}
		},
		"after update-end": func(t *testing.T, e *env, bundle []byte) {
			if err := os.WriteFile(filepath.Join(e.cfg.ClientDir, "a.txt"), []byte("final"), 0644); err != nil {
				t.Fatal(err)
			}
			if err := e.store.Mark(state.PhaseUpdateEnd, 1); err != nil {
				t.Fatal(err)
			}
		},
	}
	for name, prime := range primes {
		t.Run(name, func(t *testing.T) {
			gotVersion, gotContent := finalState(t, prime)
			if gotVersion != wantVersion || gotContent != wantContent {
				t.Errorf("resume %s: (%d, %q), uninterrupted (%d, %q)",
					name, gotVersion, gotContent, wantVersion, wantContent)
			}
		})
	}
}

func TestCorruptCheckpointRefusesToRun(t *testing.T) {
	e := newEnv(t)
	if err := e.store.SetCurrentVersion(2); err != nil {
		t.Fatal(err)
	}
	// A marker two versions ahead of the committed version is inconsistent.
	if err := e.store.Mark(state.PhaseExtractStart, 4); err != nil {
		t.Fatal(err)
	}
	e.addBundle(t, 3, makeBundle(t, []bundleFile{{"a.txt", "x"}}, nil, nil))

	_, err := e.run(t, 3)
	if !errors.Is(err, state.ErrCheckpointCorrupt) {
		t.Fatalf("err = %v, want ErrCheckpointCorrupt", err)
	}
	if got := e.version(t); got != 2 {
		t.Errorf("version moved to %d on corrupt checkpoint", got)
	}
}

func TestStopBetweenPatches(t *testing.T) {
	e := newEnv(t)
	e.addBundle(t, 1, makeBundle(t, []bundleFile{{"a.txt", "one"}}, nil, nil))
	e.addBundle(t, 2, makeBundle(t, []bundleFile{{"a.txt", "two"}}, nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	// The stop request arrives while patch 1 is in flight. It must be
	// honored at the next patch boundary, never mid-patch.
	dl := &cancellingDownloader{inner: e.dl, cancel: cancel}
	seq := New(e.cfg, e.store, dl, fixedVersion(2), e.rec, nil)

	_, err := seq.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := e.version(t); got != 1 {
		t.Errorf("version = %d, want 1 (stopped at the patch boundary)", got)
	}
	if got := e.clientFile(t, "a.txt"); got != "one" {
		t.Errorf("a.txt = %q, want %q", got, "one")
	}
}

// cancellingDownloader requests a stop right after the first download, i.e.
// while the first patch is still being applied.
type cancellingDownloader struct {
	inner  *fakeDownloader
	cancel context.CancelFunc
}

func (d *cancellingDownloader) Download(ctx context.Context, url, destPath string) error {
	err := d.inner.Download(ctx, url, destPath)
	d.cancel()
	return err
}
