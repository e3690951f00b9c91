// Package archive parses the packed-file archive pair used by the game
// client: a header file indexing entries and a flat data file holding their
// bytes. The header is the only authority on the data file layout; the data
// file is never parsed on its own.
package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/anvilgames/updater/internal/convert"
)

// magic identifies a version-1 archive header.
var magic = [4]byte{'S', 'A', 'H', 0x01}

var (
	// ErrMalformedArchive is returned for a bad signature or an entry table
	// that reads past the end of the header.
	ErrMalformedArchive = errors.New("malformed archive header")

	// ErrTruncatedData is returned when the data file is shorter than an
	// entry claims.
	ErrTruncatedData = errors.New("archive data truncated")

	// ErrDuplicateEntry is returned when a path is claimed by both a file
	// and a folder.
	ErrDuplicateEntry = errors.New("duplicate archive entry")
)

// Entry is a single record of the header entry table.
type Entry struct {
	// Path is the entry's relative path, normalized to forward slashes.
	Path string

	// Offset and Length address the entry's bytes in the data file.
	// Directories have Length 0 and no backing bytes.
	Offset uint32
	Length uint32

	// Dir marks a directory entry.
	Dir bool
}

// Header is a parsed archive header.
type Header struct {
	Entries []Entry
}

// ParseHeader decodes an archive header from r.
func ParseHeader(r io.Reader) (*Header, error) {
	var sig [4]byte
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		return nil, fmt.Errorf("%w: read signature: %v", ErrMalformedArchive, err)
	}
	if sig != magic {
		return nil, fmt.Errorf("%w: bad signature %q", ErrMalformedArchive, sig[:])
	}

	br := newReader(r)
	count, err := br.readUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: read entry count: %v", ErrMalformedArchive, err)
	}

	h := &Header{Entries: make([]Entry, 0, min(count, 1024))}
	for i := uint32(0); i < count; i++ {
		e, err := parseEntry(br)
		if err != nil {
			if errors.Is(err, convert.ErrOverflow) {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedArchive, i, err)
		}
		h.Entries = append(h.Entries, e)
	}
	return h, nil
}

func parseEntry(br *reader) (Entry, error) {
	var e Entry

	path, err := br.readString()
	if err != nil {
		return e, fmt.Errorf("read path: %w", err)
	}
	if path == "" {
		return e, errors.New("empty entry path")
	}
	e.Path = normalizePath(path)
	if err := checkEntryPath(e.Path); err != nil {
		return e, fmt.Errorf("entry path %q: %w", path, err)
	}

	if e.Offset, err = br.readUint32(); err != nil {
		return e, fmt.Errorf("read offset: %w", err)
	}
	if e.Length, err = br.readUint32(); err != nil {
		return e, fmt.Errorf("read length: %w", err)
	}
	dir, err := br.readUint8()
	if err != nil {
		return e, fmt.Errorf("read directory flag: %w", err)
	}
	switch dir {
	case 0:
	case 1:
		e.Dir = true
		if e.Length != 0 {
			return e, fmt.Errorf("directory %q has length %d", e.Path, e.Length)
		}
	default:
		return e, fmt.Errorf("bad directory flag %d", dir)
	}

	// The end of an entry's byte range must itself fit the 32-bit domain.
	if _, err := convert.Uint32(uint64(e.Offset) + uint64(e.Length)); err != nil {
		return e, fmt.Errorf("entry %q spans past 4 GiB: %w", e.Path, err)
	}
	return e, nil
}

// checkEntryPath rejects any normalized path that could resolve outside the
// extraction root. Entry paths are strictly relative; a "." or ".." segment
// is header corruption, not a path to honor.
func checkEntryPath(p string) error {
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".", "..":
			return fmt.Errorf("segment %q escapes the archive root", seg)
		}
	}
	return nil
}

// WriteHeader encodes h to w in the same wire format ParseHeader reads.
func WriteHeader(w io.Writer, h *Header) error {
	count, err := convert.Uint32(uint64(len(h.Entries)))
	if err != nil {
		return fmt.Errorf("entry count: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	le := binary.LittleEndian
	var scratch [4]byte
	le.PutUint32(scratch[:], count)
	buf.Write(scratch[:])

	for _, e := range h.Entries {
		pathLen, err := convert.Uint32(uint64(len(e.Path)))
		if err != nil {
			return fmt.Errorf("entry %q path length: %w", e.Path, err)
		}
		le.PutUint32(scratch[:], pathLen)
		buf.Write(scratch[:])
		buf.WriteString(e.Path)
		le.PutUint32(scratch[:], e.Offset)
		buf.Write(scratch[:])
		le.PutUint32(scratch[:], e.Length)
		buf.Write(scratch[:])
		if e.Dir {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}

	_, err = w.Write(buf.Bytes())
	return err
}

// Validate checks that every entry's byte range lies within a data file of
// dataSize bytes.
func (h *Header) Validate(dataSize int64) error {
	for _, e := range h.Entries {
		end := uint64(e.Offset) + uint64(e.Length)
		if dataSize < 0 || end > uint64(dataSize) {
			return fmt.Errorf("%w: entry %q wants [%d, %d) of %d-byte data file",
				ErrTruncatedData, e.Path, e.Offset, end, dataSize)
		}
	}
	return nil
}

// ReadEntry reads the bytes of e from the data file. The read is bounds
// checked: a data file shorter than the entry claims yields ErrTruncatedData,
// never an out-of-bounds read.
func ReadEntry(data io.ReaderAt, e *Entry) ([]byte, error) {
	if e.Dir {
		return nil, nil
	}
	buf := make([]byte, e.Length)
	n, err := data.ReadAt(buf, int64(e.Offset))
	if err == io.EOF || err == io.ErrUnexpectedEOF || n < len(buf) {
		return nil, fmt.Errorf("%w: entry %q: got %d of %d bytes",
			ErrTruncatedData, e.Path, n, e.Length)
	}
	if err != nil {
		return nil, fmt.Errorf("read entry %q: %w", e.Path, err)
	}
	return buf, nil
}
