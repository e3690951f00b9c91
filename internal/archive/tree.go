package archive

import (
	"fmt"
	"path"
	"strings"
)

// Folder is a directory node of a FileTree. The tree owns its children; the
// parent pointer is a non-owning back-reference.
type Folder struct {
	Name string
	Path string // relative to the tree root, "" for the root itself

	parent *Folder

	// Children, keyed by case-folded name.
	Files      map[string]*File
	Subfolders map[string]*Folder
}

// Parent returns the enclosing folder, or nil for the root.
func (f *Folder) Parent() *Folder { return f.parent }

// File is a leaf node addressing a byte range of the archive data file.
type File struct {
	Name   string
	Path   string
	Offset uint32
	Length uint32
}

// FileTree is the in-memory index built from a parsed header. Lookup is
// case-insensitive. A tree is built once per archive and never mutated
// afterwards.
type FileTree struct {
	Root *Folder

	// files and folders keep header order for deterministic walks.
	files   []*File
	folders []*Folder

	byPath map[string]*File // case-folded path → file
}

// BuildTree indexes the header's entries into a folder/file tree. Folder
// insertion is idempotent: a path seen twice reuses the existing node. A
// path claimed by both a file and a folder fails with ErrDuplicateEntry.
func BuildTree(h *Header) (*FileTree, error) {
	t := &FileTree{
		Root:   newFolder("", nil),
		byPath: make(map[string]*File, len(h.Entries)),
	}
	explicit := make(map[string]bool)

	for _, e := range h.Entries {
		if e.Dir {
			f, err := t.insertFolder(e.Path)
			if err != nil {
				return nil, err
			}
			if !explicit[foldPath(f.Path)] {
				explicit[foldPath(f.Path)] = true
				t.folders = append(t.folders, f)
			}
			continue
		}
		if err := t.insertFile(e); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Lookup resolves a relative path to a file node, case-insensitively.
func (t *FileTree) Lookup(rel string) (*File, bool) {
	f, ok := t.byPath[foldPath(normalizePath(rel))]
	return f, ok
}

// Files returns the file nodes in header order.
func (t *FileTree) Files() []*File { return t.files }

// Folders returns the explicit folder nodes in header order. Folders that
// exist only as file path prefixes are not listed; extraction creates those
// as a side effect of writing the files beneath them.
func (t *FileTree) Folders() []*Folder { return t.folders }

// Len returns the number of file (non-directory) nodes.
func (t *FileTree) Len() int { return len(t.files) }

func newFolder(name string, parent *Folder) *Folder {
	f := &Folder{
		Name:       name,
		parent:     parent,
		Files:      make(map[string]*File),
		Subfolders: make(map[string]*Folder),
	}
	if parent == nil || parent.Path == "" {
		f.Path = name
	} else {
		f.Path = parent.Path + "/" + name
	}
	return f
}

func (t *FileTree) insertFolder(rel string) (*Folder, error) {
	cur := t.Root
	for _, part := range strings.Split(rel, "/") {
		key := fold(part)
		if _, taken := cur.Files[key]; taken {
			return nil, fmt.Errorf("%w: %q is both a file and a folder", ErrDuplicateEntry, rel)
		}
		next, ok := cur.Subfolders[key]
		if !ok {
			next = newFolder(part, cur)
			cur.Subfolders[key] = next
		}
		cur = next
	}
	return cur, nil
}

func (t *FileTree) insertFile(e Entry) error {
	dir, base := path.Split(e.Path)
	dir = strings.TrimSuffix(dir, "/")

	parent := t.Root
	if dir != "" {
		var err error
		if parent, err = t.insertFolder(dir); err != nil {
			return err
		}
	}

	key := fold(base)
	if _, taken := parent.Subfolders[key]; taken {
		return fmt.Errorf("%w: %q is both a file and a folder", ErrDuplicateEntry, e.Path)
	}

	f := &File{Name: base, Path: e.Path, Offset: e.Offset, Length: e.Length}
	if _, seen := parent.Files[key]; seen {
		// Later entries for the same path replace earlier ones, matching
		// the map semantics of the header's producers.
		for i, old := range t.files {
			if foldPath(old.Path) == foldPath(e.Path) {
				t.files[i] = f
				break
			}
		}
	} else {
		t.files = append(t.files, f)
	}
	parent.Files[key] = f
	t.byPath[foldPath(e.Path)] = f
	return nil
}

// normalizePath converts backslash separators and strips leading slashes so
// header entries and delete-list lines compare consistently.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return strings.Trim(p, "/")
}

func fold(s string) string { return strings.ToLower(s) }

func foldPath(p string) string { return strings.ToLower(p) }
