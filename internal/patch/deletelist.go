package patch

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DeleteList is an ordered list of relative paths to remove from the client
// directory. Duplicates and missing targets are tolerated.
type DeleteList []string

// ParseDeleteList reads newline-separated relative paths. Blank and
// whitespace-only lines are noise, not entries. CRLF endings are accepted.
func ParseDeleteList(r io.Reader) (DeleteList, error) {
	var list DeleteList
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		list = append(list, strings.ReplaceAll(line, `\`, "/"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read delete list: %w", err)
	}
	return list, nil
}

// Apply removes each listed path under root. Missing paths are skipped so
// re-running a partially finished pass converges. Paths escaping root are
// rejected.
func (l DeleteList) Apply(root string) (removed int, err error) {
	for _, rel := range l {
		clean := filepath.Clean(filepath.FromSlash(rel))
		if clean == "." || clean == ".." || filepath.IsAbs(clean) ||
			strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return removed, fmt.Errorf("delete list entry %q escapes client directory", rel)
		}

		target := filepath.Join(root, clean)
		if _, statErr := os.Lstat(target); os.IsNotExist(statErr) {
			continue
		}
		if rmErr := os.RemoveAll(target); rmErr != nil {
			return removed, fmt.Errorf("delete %s: %w", rel, rmErr)
		}
		removed++
	}
	return removed, nil
}
