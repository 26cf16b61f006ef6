package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTaskPaths(t *testing.T) {
	task := NewTask(Download, "/tmp/out", "C:/data")
	sub := task.Root.AddDir("docs").AddDir("2024")
	f := sub.AddFile("report.pdf", 10, time.Time{})
	top := task.Root.AddFile("readme.txt", 5, time.Time{})

	if got := f.RelPath(); got != "docs/2024/report.pdf" {
		t.Errorf("RelPath() = %q", got)
	}
	if got := f.RemotePath(); got != "C:/data/docs/2024/report.pdf" {
		t.Errorf("RemotePath() = %q", got)
	}
	if got := f.LocalPath(); got != filepath.Join("/tmp/out", "docs", "2024", "report.pdf") {
		t.Errorf("LocalPath() = %q", got)
	}
	if got := top.RelPath(); got != "readme.txt" {
		t.Errorf("top RelPath() = %q", got)
	}
	if f.Task() != task || sub.Task() != task {
		t.Error("nodes do not reference their task")
	}
	if task.Root.Length() != 15 {
		t.Errorf("Root.Length() = %d, want 15", task.Root.Length())
	}
}

func TestBlockCount(t *testing.T) {
	tests := []struct {
		length int64
		bs     int32
		want   int
	}{
		{0, 4096, 0},
		{1, 4096, 1},
		{4096, 4096, 1},
		{4097, 4096, 2},
		{10000, 4096, 3},
	}
	for _, tc := range tests {
		if got := BlockCount(tc.length, tc.bs); got != tc.want {
			t.Errorf("BlockCount(%d, %d) = %d, want %d", tc.length, tc.bs, got, tc.want)
		}
	}
	if got := blockLen(10000, 4096, 2); got != 1808 {
		t.Errorf("blockLen(last) = %d, want 1808", got)
	}
}

func TestSplitAndJoinRemote(t *testing.T) {
	tests := []struct {
		in         string
		dir, name string
	}{
		{"C:", "", "C:"},
		{"C:/a", "C:", "a"},
		{"C:/a/b.txt", "C:/a", "b.txt"},
		{`D:\x\y`, `D:\x`, "y"},
		{"C:/a/", "C:", "a"},
	}
	for _, tc := range tests {
		dir, name := SplitRemote(tc.in)
		if dir != tc.dir || name != tc.name {
			t.Errorf("SplitRemote(%q) = (%q, %q), want (%q, %q)", tc.in, dir, name, tc.dir, tc.name)
		}
	}
	if got := JoinRemote("", "C:"); got != "C:" {
		t.Errorf("JoinRemote(\"\", C:) = %q", got)
	}
	if got := JoinRemote("C:", "a/b"); got != "C:/a/b" {
		t.Errorf("JoinRemote = %q", got)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mod := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	task := NewTask(Upload, "/home/u/photos", "D:/backup/photos")
	task.Root.AddFile("cover.jpg", 10000, mod)
	trip := task.Root.AddDir("trip")
	f := trip.AddFile("day1.jpg", 9000, mod)
	trip.AddDir("empty")
	f.prepareBlocks(4096)
	f.markDone(0)
	f.markDone(2)
	f.setStatus(StatusFailed, errors.New("server gone"))

	if err := store.Save(task); err != nil {
		t.Fatalf("Save: %v", err)
	}
	ids, err := store.List()
	if err != nil || len(ids) != 1 || ids[0] != task.ID {
		t.Fatalf("List() = %v, %v", ids, err)
	}

	got, err := store.Load(task.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != task.ID || got.Direction != Upload || got.LocalBase != task.LocalBase || got.RemoteBase != task.RemoteBase {
		t.Errorf("task header = %+v", got)
	}
	if len(got.Root.Files) != 1 || len(got.Root.Dirs) != 1 || len(got.Root.Dirs[0].Dirs) != 1 {
		t.Fatalf("tree shape differs: %d files, %d dirs", len(got.Root.Files), len(got.Root.Dirs))
	}
	day1 := got.Root.Dirs[0].Files[0]
	if day1.RelPath() != "trip/day1.jpg" || day1.Task() != got {
		t.Errorf("day1 RelPath=%q", day1.RelPath())
	}
	if day1.Finished != 2 || !day1.Done[0] || day1.Done[1] || !day1.Done[2] {
		t.Errorf("day1 blocks = %v finished=%d", day1.Done, day1.Finished)
	}
	if day1.Status != StatusFailed || day1.Err != "server gone" {
		t.Errorf("day1 status=%v err=%q", day1.Status, day1.Err)
	}
	if !day1.Modified.Equal(mod) {
		t.Errorf("Modified = %v, want %v", day1.Modified, mod)
	}

	if err := store.Remove(task.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := store.Load(task.ID); err == nil {
		t.Error("Load after Remove succeeded")
	}
}

func TestDecodeTaskRejectsCorruptData(t *testing.T) {
	task := NewTask(Download, "/a", "C:")
	task.Root.AddFile("x", 100, time.Time{})
	data := EncodeTask(task)

	tests := map[string][]byte{
		"bad magic": append([]byte("XXXX"), data[4:]...),
		"truncated": data[:len(data)-3],
		"empty":     nil,
	}
	for name, in := range tests {
		if _, err := DecodeTask(in); !errors.Is(err, ErrBadState) {
			t.Errorf("%s: DecodeTask error = %v, want ErrBadState", name, err)
		}
	}
}

func TestQueryLocalDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "album")
	if err := os.MkdirAll(filepath.Join(root, "raw"), 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(root, "a.jpg"), []byte("aaaa"), 0o644)
	os.WriteFile(filepath.Join(root, "raw", "b.cr2"), []byte("bb"), 0o644)

	task, err := QueryLocal(root, "D:/backup")
	if err != nil {
		t.Fatalf("QueryLocal: %v", err)
	}
	if task.RemoteBase != "D:/backup/album" {
		t.Errorf("RemoteBase = %q", task.RemoteBase)
	}
	var remotes []string
	task.Walk(func(f *FileNode) error { remotes = append(remotes, f.RemotePath()); return nil })
	want := []string{"D:/backup/album/a.jpg", "D:/backup/album/raw/b.cr2"}
	if len(remotes) != 2 || remotes[0] != want[0] || remotes[1] != want[1] {
		t.Errorf("remote paths = %v, want %v", remotes, want)
	}
	if s := task.Summary(); s.Files != 2 || s.Bytes != 6 {
		t.Errorf("Summary = %+v", s)
	}
}

func TestQueryRemoteMissing(t *testing.T) {
	remote := newFakeRemote(4096)
	remote.files["C:/a.txt"] = []byte("a")
	_, err := QueryRemote(context.Background(), remote, "C:/missing.txt", t.TempDir())
	if err == nil {
		t.Fatal("QueryRemote(missing) succeeded")
	}
}

func TestQueryStatusLifecycle(t *testing.T) {
	task := NewTask(Download, t.TempDir(), "C:")
	if st, _ := task.Root.AddFile("x", 1, time.Time{}).State(); st != StatusQuerying {
		t.Errorf("AddFile status = %v, want %v", st, StatusQuerying)
	}

	remote := newFakeRemote(4096)
	remote.files["C:/album/a.jpg"] = []byte("aaaa")
	remote.files["C:/album/raw/b.cr2"] = []byte("bb")
	got, err := QueryRemote(context.Background(), remote, "C:/album", t.TempDir())
	if err != nil {
		t.Fatalf("QueryRemote: %v", err)
	}
	n := 0
	got.Walk(func(f *FileNode) error {
		n++
		if st, _ := f.State(); st != StatusWaiting {
			t.Errorf("%s status = %v, want %v", f.RelPath(), st, StatusWaiting)
		}
		return nil
	})
	if n != 2 {
		t.Errorf("files = %d, want 2", n)
	}
}

func TestSummaryWhileLengthChanges(t *testing.T) {
	task := NewTask(Download, t.TempDir(), "C:")
	f := task.Root.AddFile("grow.bin", 10, time.Time{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(0); i < 1000; i++ {
			f.task.mu.Lock()
			f.Length = 10 + i
			f.task.mu.Unlock()
		}
	}()
	for i := 0; i < 1000; i++ {
		if s := task.Summary(); s.Bytes < 10 {
			t.Fatalf("Summary().Bytes = %d, want >= 10", s.Bytes)
		}
		_ = task.Root.Length()
	}
	<-done
	if s := task.Summary(); s.Bytes != 1009 {
		t.Errorf("Summary().Bytes = %d, want 1009", s.Bytes)
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := FormatSize(1536); got != "1.5 KiB" {
		t.Errorf("FormatSize(1536) = %q", got)
	}
	n, err := ParseSize("64KiB")
	if err != nil || n != 65536 {
		t.Errorf("ParseSize(64KiB) = %d, %v", n, err)
	}
	if _, err := ParseSize(""); err == nil {
		t.Error("ParseSize(\"\") succeeded")
	}
	if got := FormatETA(0, 10); got != "done" {
		t.Errorf("FormatETA(0) = %q", got)
	}
	if got := FormatETA(100, 10); got != "10s" {
		t.Errorf("FormatETA(100, 10) = %q", got)
	}
}
