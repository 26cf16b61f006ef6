package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/postalsys/fileferry/internal/protocol"
)

// ErrInvalidPath is returned for remote paths that do not name a location
// inside a configured root.
var ErrInvalidPath = errors.New("invalid path")

// Root exposes a local directory under a top-level remote name.
type Root struct {
	Name string
	Path string
}

// Filesystem maps remote paths of the form "<root>/<rel>" onto the local
// directories of its roots.
type Filesystem struct {
	roots []Root
	index map[string]Root
}

// NewFilesystem validates roots and builds the lookup table. Root paths
// are made absolute.
func NewFilesystem(roots []Root) (*Filesystem, error) {
	fs := &Filesystem{index: make(map[string]Root, len(roots))}
	for _, r := range roots {
		if r.Name == "" || strings.ContainsAny(r.Name, "/\\") || containsDangerousChars(r.Name) {
			return nil, fmt.Errorf("%w: root name %q", ErrInvalidPath, r.Name)
		}
		if _, dup := fs.index[r.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate root %q", ErrInvalidPath, r.Name)
		}
		abs, err := filepath.Abs(r.Path)
		if err != nil {
			return nil, fmt.Errorf("root %q: %w", r.Name, err)
		}
		r.Path = abs
		fs.roots = append(fs.roots, r)
		fs.index[r.Name] = r
	}
	return fs, nil
}

// Roots returns the configured roots in order.
func (fs *Filesystem) Roots() []Root {
	return append([]Root(nil), fs.roots...)
}

// Resolve returns the local path for a remote path. It rejects control
// characters, ".." segments, unknown roots and symlinks leading outside
// the root.
func (fs *Filesystem) Resolve(remote string) (string, error) {
	if containsDangerousChars(remote) {
		return "", fmt.Errorf("%w: control characters in %q", ErrInvalidPath, remote)
	}
	remote = norm.NFC.String(remote)
	parts := strings.FieldsFunc(remote, func(r rune) bool { return r == '/' || r == '\\' })
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	root, ok := fs.index[parts[0]]
	if !ok {
		return "", fmt.Errorf("%w: unknown root %q", ErrInvalidPath, parts[0])
	}
	for _, p := range parts[1:] {
		if p == ".." || p == "." {
			return "", fmt.Errorf("%w: relative segment in %q", ErrInvalidPath, remote)
		}
	}

	local := filepath.Join(append([]string{root.Path}, parts[1:]...)...)
	if !isPathUnderPrefix(local, root.Path) {
		return "", fmt.Errorf("%w: %q escapes root %q", ErrInvalidPath, remote, root.Name)
	}
	if err := checkSymlinks(local, root.Path); err != nil {
		return "", err
	}
	return local, nil
}

// checkSymlinks resolves the longest existing prefix of local and makes
// sure it stays under the root.
func checkSymlinks(local, rootPath string) error {
	realRoot, err := filepath.EvalSymlinks(rootPath)
	if err != nil {
		// A missing root fails later with a not-found error.
		return nil
	}
	cur := local
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if !isPathUnderPrefix(real, realRoot) {
				return fmt.Errorf("%w: symlink leaves root", ErrInvalidPath)
			}
			return nil
		}
		parent := filepath.Dir(cur)
		if parent == cur || !isPathUnderPrefix(parent, rootPath) {
			return nil
		}
		cur = parent
	}
}

// List returns the entries of a remote directory, directories first. The
// empty path lists the roots as zero-length directories.
func (fs *Filesystem) List(remote string) ([]protocol.DirEntry, error) {
	if strings.Trim(remote, "/\\") == "" {
		entries := make([]protocol.DirEntry, 0, len(fs.roots))
		for _, r := range fs.roots {
			entries = append(entries, protocol.DirEntry{Name: r.Name, IsDirectory: true})
		}
		return entries, nil
	}

	local, err := fs.Resolve(remote)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(local)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: not a directory: %s", protocol.ErrInvalidRequest, remote)
	}
	dirEntries, err := os.ReadDir(local)
	if err != nil {
		return nil, err
	}

	entries := make([]protocol.DirEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		fi, err := de.Info()
		if err != nil {
			// Removed while listing.
			continue
		}
		e := protocol.DirEntry{
			Name:        norm.NFC.String(de.Name()),
			IsDirectory: fi.IsDir(),
			Modified:    fi.ModTime().UTC(),
		}
		if !e.IsDirectory {
			e.Length = fi.Size()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDirectory != entries[j].IsDirectory {
			return entries[i].IsDirectory
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// containsDangerousChars reports null bytes and control characters.
func containsDangerousChars(path string) bool {
	for _, r := range path {
		if r == 0 || unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// isPathUnderPrefix reports whether path is prefix or lies beneath it.
// /var/wwwevil is not under /var/www.
func isPathUnderPrefix(path, prefix string) bool {
	cleanPath := filepath.Clean(path)
	cleanPrefix := filepath.Clean(prefix)
	if cleanPath == cleanPrefix {
		return true
	}
	if !strings.HasSuffix(cleanPrefix, string(filepath.Separator)) {
		cleanPrefix += string(filepath.Separator)
	}
	return strings.HasPrefix(cleanPath, cleanPrefix)
}
