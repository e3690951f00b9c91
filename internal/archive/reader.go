package archive

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/anvilgames/updater/internal/convert"
)

// maxPathLen caps the length prefix of an entry path. Anything larger is a
// corrupted count, not a real path.
const maxPathLen = 4096

// reader decodes the little-endian primitives of the header wire format.
type reader struct {
	r io.Reader
}

func newReader(r io.Reader) *reader {
	return &reader{r: r}
}

func (r *reader) readUint8() (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (r *reader) readUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// readString reads a length-prefixed string: a uint32 byte count followed
// by that many bytes.
func (r *reader) readString() (string, error) {
	n, err := r.readUint32()
	if err != nil {
		return "", err
	}
	if _, err := convert.Int32(int64(n)); err != nil {
		return "", err
	}
	if n > maxPathLen {
		return "", fmt.Errorf("path length %d exceeds limit %d", n, maxPathLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
