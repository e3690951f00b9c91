// Package patch handles a single incremental patch: its on-disk bundle, the
// extraction of its archive onto the client directory, and its delete list.
package patch

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	gzip "github.com/klauspost/compress/gzip"
)

// Names of the files inside a patch bundle.
const (
	HeaderName     = "update.sah"
	DataName       = "update.saf"
	DeleteListName = "delete.lst"
)

// Patch identifies one incremental patch advancing the client to Version.
// The bundle and its unpacked files live under WorkDir.
type Patch struct {
	Version int
	WorkDir string
}

// New returns the patch advancing the client to version.
func New(version int, workDir string) *Patch {
	return &Patch{Version: version, WorkDir: workDir}
}

// BundleName returns the server-side file name, e.g. "ps0006.patch".
func (p *Patch) BundleName() string {
	return fmt.Sprintf("ps%04d.patch", p.Version)
}

// URL derives the download URL from the patch root URL.
func (p *Patch) URL(root string) string {
	return strings.TrimRight(root, "/") + "/" + p.BundleName()
}

// BundlePath returns the local path of the downloaded bundle.
func (p *Patch) BundlePath() string {
	return filepath.Join(p.WorkDir, p.BundleName())
}

// HeaderPath returns the unpacked archive header path.
func (p *Patch) HeaderPath() string { return filepath.Join(p.WorkDir, HeaderName) }

// DataPath returns the unpacked archive data path.
func (p *Patch) DataPath() string { return filepath.Join(p.WorkDir, DataName) }

// DeleteListPath returns the unpacked delete list path.
func (p *Patch) DeleteListPath() string { return filepath.Join(p.WorkDir, DeleteListName) }

// BundleExists reports whether the downloaded bundle is present.
func (p *Patch) BundleExists() bool {
	fi, err := os.Stat(p.BundlePath())
	return err == nil && fi.Mode().IsRegular()
}

// Unpacked reports whether the archive pair has been unpacked from the
// bundle. The delete list is optional and not required here.
func (p *Patch) Unpacked() bool {
	for _, path := range []string{p.HeaderPath(), p.DataPath()} {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// Unpack expands the bundle (a gzip-compressed tar stream) into WorkDir,
// producing the archive pair and, when present, the delete list. Existing
// unpacked files are overwritten, so Unpack converges after a crash.
func (p *Patch) Unpack() error {
	f, err := os.Open(p.BundlePath())
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("bundle %s: gzip: %w", p.BundleName(), err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	seen := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("bundle %s: read tar: %w", p.BundleName(), err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Base(filepath.Clean(hdr.Name))
		switch name {
		case HeaderName, DataName, DeleteListName:
		default:
			// Unknown members are ignored so bundle producers can add
			// files without breaking old clients.
			continue
		}

		if err := writeMember(filepath.Join(p.WorkDir, name), tr); err != nil {
			return fmt.Errorf("bundle %s: %w", p.BundleName(), err)
		}
		seen[name] = true
	}

	if !seen[HeaderName] || !seen[DataName] {
		return fmt.Errorf("bundle %s: missing archive pair (%s/%s)",
			p.BundleName(), HeaderName, DataName)
	}
	return nil
}

// HasDeleteList reports whether the unpacked bundle carried a delete list.
func (p *Patch) HasDeleteList() bool {
	_, err := os.Stat(p.DeleteListPath())
	return err == nil
}

// Remove deletes the bundle and every unpacked file. Missing files are fine;
// Remove runs after a commit and again on any later re-run.
func (p *Patch) Remove() error {
	var errs []error
	for _, path := range []string{p.BundlePath(), p.HeaderPath(), p.DataPath(), p.DeleteListPath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeMember(dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dest), err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(dest), err)
	}
	return f.Close()
}
