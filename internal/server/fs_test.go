package server

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestFilesystem(t *testing.T) (*Filesystem, string) {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFilesystem([]Root{{Name: "C:", Path: dir}, {Name: "share", Path: t.TempDir()}})
	if err != nil {
		t.Fatal(err)
	}
	return fs, dir
}

func TestResolve(t *testing.T) {
	fs, dir := newTestFilesystem(t)

	tests := []struct {
		name    string
		remote  string
		want    string
		wantErr bool
	}{
		{"root only", "C:", dir, false},
		{"nested", "C:/docs/a.txt", filepath.Join(dir, "docs", "a.txt"), false},
		{"backslashes", `C:\docs\a.txt`, filepath.Join(dir, "docs", "a.txt"), false},
		{"doubled separators", "C://docs//a.txt", filepath.Join(dir, "docs", "a.txt"), false},
		{"parent segment", "C:/docs/../../etc/passwd", "", true},
		{"dot segment", "C:/./a.txt", "", true},
		{"unknown root", "E:/a.txt", "", true},
		{"control character", "C:/a\x00b", "", true},
		{"empty", "", "", true},
		{"separators only", "//", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fs.Resolve(tt.remote)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPath) {
					t.Errorf("Resolve(%q) error = %v, want ErrInvalidPath", tt.remote, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q) error = %v", tt.remote, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.remote, got, tt.want)
			}
		})
	}
}

func TestResolveNormalizesNFC(t *testing.T) {
	fs, dir := newTestFilesystem(t)
	got, err := fs.Resolve("C:/cafe\u0301.txt")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "caf\u00e9.txt"); got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolveSymlinkEscape(t *testing.T) {
	fs, dir := newTestFilesystem(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(dir, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "inner"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(dir, "inner"), filepath.Join(dir, "inlink")); err != nil {
		t.Fatal(err)
	}

	if _, err := fs.Resolve("C:/link/secret.txt"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Resolve() through outside link error = %v, want ErrInvalidPath", err)
	}
	if _, err := fs.Resolve("C:/inlink/new.txt"); err != nil {
		t.Errorf("Resolve() through inside link error = %v", err)
	}
}

func TestListRoots(t *testing.T) {
	fs, _ := newTestFilesystem(t)
	for _, p := range []string{"", "/"} {
		entries, err := fs.List(p)
		if err != nil {
			t.Fatalf("List(%q) error = %v", p, err)
		}
		if len(entries) != 2 || entries[0].Name != "C:" || entries[1].Name != "share" {
			t.Fatalf("List(%q) = %+v, want the two roots", p, entries)
		}
		for _, e := range entries {
			if !e.IsDirectory || e.Length != 0 {
				t.Errorf("root %q = %+v, want a zero-length directory", e.Name, e)
			}
		}
	}
}

func TestListDirectory(t *testing.T) {
	fs, dir := newTestFilesystem(t)
	for _, d := range []string{"zdir", "adir"} {
		if err := os.Mkdir(filepath.Join(dir, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := fs.List("C:")
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		name   string
		dir    bool
		length int64
	}{
		{"adir", true, 0},
		{"zdir", true, 0},
		{"a.txt", false, 0},
		{"b.txt", false, 5},
	}
	if len(entries) != len(want) {
		t.Fatalf("List() = %d entries, want %d", len(entries), len(want))
	}
	for i, w := range want {
		e := entries[i]
		if e.Name != w.name || e.IsDirectory != w.dir || e.Length != w.length {
			t.Errorf("entry %d = %+v, want %s dir=%v len=%d", i, e, w.name, w.dir, w.length)
		}
		if e.Modified.Location().String() != "UTC" {
			t.Errorf("entry %d modified in %s, want UTC", i, e.Modified.Location())
		}
	}

	if _, err := fs.List("C:/b.txt"); err == nil {
		t.Error("List() on a file succeeded, want error")
	}
	if _, err := fs.List("C:/missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("List() on a missing dir error = %v, want ErrNotExist", err)
	}
}

func TestNewFilesystemRejects(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name  string
		roots []Root
	}{
		{"empty name", []Root{{Name: "", Path: dir}}},
		{"slash in name", []Root{{Name: "a/b", Path: dir}}},
		{"duplicate", []Root{{Name: "C:", Path: dir}, {Name: "C:", Path: dir}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFilesystem(tt.roots); !errors.Is(err, ErrInvalidPath) {
				t.Errorf("NewFilesystem() error = %v, want ErrInvalidPath", err)
			}
		})
	}
}

func TestIsPathUnderPrefix(t *testing.T) {
	tests := []struct {
		path, prefix string
		want         bool
	}{
		{"/var/www", "/var/www", true},
		{"/var/www/a", "/var/www", true},
		{"/var/www/", "/var/www", true},
		{"/var/wwwevil", "/var/www", false},
		{"/var", "/var/www", false},
	}
	for _, tt := range tests {
		if got := isPathUnderPrefix(filepath.FromSlash(tt.path), filepath.FromSlash(tt.prefix)); got != tt.want {
			t.Errorf("isPathUnderPrefix(%q, %q) = %v, want %v", tt.path, tt.prefix, got, tt.want)
		}
	}
}
