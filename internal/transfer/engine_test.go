package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/postalsys/fileferry/internal/protocol"
)

type fakeStream struct {
	path  string
	write bool
}

// fakeRemote is an in-memory server keyed by slash-separated paths such as
// "C:/docs/a.txt".
type fakeRemote struct {
	mu        sync.Mutex
	blockSize int32
	files     map[string][]byte
	streams   map[int32]fakeStream
	nextID    int32

	uploadSizes    []int
	downloadBlocks int
	rangeRequests  int
	released       []string

	// failBlocks makes UploadBlock fail for the given block indexes.
	failBlocks map[int32]error
}

func newFakeRemote(bs int32) *fakeRemote {
	return &fakeRemote{
		blockSize:  bs,
		files:      make(map[string][]byte),
		streams:    make(map[int32]fakeStream),
		failBlocks: make(map[int32]error),
	}
}

func (f *fakeRemote) List(_ context.Context, p string) ([]protocol.DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]protocol.DirEntry{}
	prefix := p + "/"
	if p == "" {
		prefix = ""
	}
	for k, v := range f.files {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			seen[rest[:i]] = protocol.DirEntry{Name: rest[:i], IsDirectory: true}
		} else {
			seen[rest] = protocol.DirEntry{Name: rest, Length: int64(len(v))}
		}
	}
	if len(seen) == 0 && p != "" {
		return nil, &protocol.ResultError{Code: protocol.ResultNotFound, Message: p}
	}
	out := make([]protocol.DirEntry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeRemote) Download(_ context.Context, p string, off int64, length int32) (int64, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeRequests++
	data, ok := f.files[p]
	if !ok {
		return 0, nil, &protocol.ResultError{Code: protocol.ResultNotFound, Message: p}
	}
	end := off + int64(length)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return int64(len(data)), append([]byte(nil), data[off:end]...), nil
}

func (f *fakeRemote) Upload(_ context.Context, p string, off int64, data []byte, truncate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeRequests++
	cur := f.files[p]
	if need := off + int64(len(data)); int64(len(cur)) < need {
		cur = append(cur, make([]byte, need-int64(len(cur)))...)
	}
	copy(cur[off:], data)
	if truncate {
		cur = cur[:off+int64(len(data))]
	}
	f.files[p] = cur
	return nil
}

func (f *fakeRemote) OpenDownloadStream(_ context.Context, p string) (StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[p]
	if !ok {
		return StreamInfo{}, &protocol.ResultError{Code: protocol.ResultNotFound, Message: p}
	}
	f.nextID++
	f.streams[f.nextID] = fakeStream{path: p}
	return StreamInfo{ID: f.nextID, Length: int64(len(data)), BlockSize: f.blockSize}, nil
}

func (f *fakeRemote) DownloadBlock(_ context.Context, stream, block int32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[stream]
	if !ok {
		return nil, &protocol.ResultError{Code: protocol.ResultNotFound, Message: "stream"}
	}
	f.downloadBlocks++
	data := f.files[s.path]
	start := int64(block) * int64(f.blockSize)
	end := start + int64(f.blockSize)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return append([]byte(nil), data[start:end]...), nil
}

func (f *fakeRemote) OpenUploadStream(_ context.Context, p string, length int64) (StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.files[p]
	if int64(len(cur)) < length {
		cur = append(cur, make([]byte, length-int64(len(cur)))...)
	}
	f.files[p] = cur[:length]
	f.nextID++
	f.streams[f.nextID] = fakeStream{path: p, write: true}
	return StreamInfo{ID: f.nextID, Length: length, BlockSize: f.blockSize}, nil
}

func (f *fakeRemote) UploadBlock(_ context.Context, stream, block int32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failBlocks[block]; ok {
		delete(f.failBlocks, block)
		return err
	}
	s, ok := f.streams[stream]
	if !ok || !s.write {
		return &protocol.ResultError{Code: protocol.ResultNotFound, Message: "stream"}
	}
	f.uploadSizes = append(f.uploadSizes, len(data))
	copy(f.files[s.path][int64(block)*int64(f.blockSize):], data)
	return nil
}

func (f *fakeRemote) Release(_ context.Context, p string, write bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, fmt.Sprintf("%s:%v", p, write))
	return nil
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.SmallFileThreshold = 1024
	opts.RetryDelay = 1
	opts.ProgressInterval = 0
	return opts
}

func TestUploadThenDownloadBlocks(t *testing.T) {
	remote := newFakeRemote(4096)
	dir := t.TempDir()
	src := filepath.Join(dir, "payload.bin")
	payload := randomBytes(10000)
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	up, err := QueryLocal(src, "C:/incoming")
	if err != nil {
		t.Fatalf("QueryLocal: %v", err)
	}
	if err := NewEngine(remote, testOptions()).Run(context.Background(), up); err != nil {
		t.Fatalf("upload Run: %v", err)
	}

	sizes := append([]int(nil), remote.uploadSizes...)
	sort.Sort(sort.Reverse(sort.IntSlice(sizes)))
	if fmt.Sprint(sizes) != "[4096 4096 1808]" {
		t.Errorf("upload block sizes = %v, want [4096 4096 1808]", sizes)
	}
	if !bytes.Equal(remote.files["C:/incoming/payload.bin"], payload) {
		t.Fatal("remote content differs from the uploaded file")
	}

	out := t.TempDir()
	down, err := QueryRemote(context.Background(), remote, "C:/incoming/payload.bin", out)
	if err != nil {
		t.Fatalf("QueryRemote: %v", err)
	}
	if err := NewEngine(remote, testOptions()).Run(context.Background(), down); err != nil {
		t.Fatalf("download Run: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(out, "payload.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("downloaded content differs from the original")
	}
	if remote.downloadBlocks != 3 {
		t.Errorf("download blocks = %d, want 3", remote.downloadBlocks)
	}
	if _, err := os.Stat(filepath.Join(out, "payload.bin"+PartialSuffix)); !os.IsNotExist(err) {
		t.Errorf("partial file left behind: %v", err)
	}
	if !down.Complete() {
		t.Error("download task not complete")
	}
}

func TestSmallFilesUseRangeRequests(t *testing.T) {
	remote := newFakeRemote(4096)
	remote.files["D:/notes/a.txt"] = []byte("alpha")
	remote.files["D:/notes/empty.txt"] = nil
	remote.files["D:/notes/sub/b.txt"] = []byte("bravo")

	out := t.TempDir()
	task, err := QueryRemote(context.Background(), remote, "D:/notes", out)
	if err != nil {
		t.Fatalf("QueryRemote: %v", err)
	}
	if err := NewEngine(remote, testOptions()).Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for rel, want := range map[string]string{"a.txt": "alpha", "empty.txt": "", "sub/b.txt": "bravo"} {
		got, err := os.ReadFile(filepath.Join(out, "notes", filepath.FromSlash(rel)))
		if err != nil {
			t.Errorf("ReadFile(%s): %v", rel, err)
			continue
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", rel, got, want)
		}
	}
	if remote.downloadBlocks != 0 {
		t.Errorf("block requests = %d, want 0", remote.downloadBlocks)
	}
	if len(remote.released) != 3 {
		t.Errorf("released = %v, want 3 entries", remote.released)
	}
}

func TestResumeSkipsFinishedBlocks(t *testing.T) {
	remote := newFakeRemote(4096)
	remote.failBlocks[2] = &protocol.ResultError{Code: protocol.ResultInvalidRequest, Message: "injected"}

	dir := t.TempDir()
	src := filepath.Join(dir, "big.bin")
	payload := randomBytes(3 * 4096)
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := NewStore(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatal(err)
	}

	opts := testOptions()
	opts.Workers = 1
	opts.Store = store
	task, err := QueryLocal(src, "C:")
	if err != nil {
		t.Fatal(err)
	}

	err = NewEngine(remote, opts).Run(context.Background(), task)
	if !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Fatalf("first Run error = %v, want ErrInvalidRequest", err)
	}

	loaded, err := store.Load(task.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var file *FileNode
	_ = loaded.Walk(func(f *FileNode) error { file = f; return nil })
	if file.Status != StatusFailed || file.Finished != 2 {
		t.Fatalf("saved file status=%v finished=%d, want failed and 2", file.Status, file.Finished)
	}

	remote.uploadSizes = nil
	if err := NewEngine(remote, opts).Run(context.Background(), loaded); err != nil {
		t.Fatalf("resume Run: %v", err)
	}
	if len(remote.uploadSizes) != 1 {
		t.Errorf("resumed upload sent %d blocks, want 1", len(remote.uploadSizes))
	}
	if !bytes.Equal(remote.files["C:/big.bin"], payload) {
		t.Error("remote content differs after resume")
	}
}

func TestTransientBlockFailureRetried(t *testing.T) {
	remote := newFakeRemote(1024)
	remote.failBlocks[1] = errors.New("connection reset")

	dir := t.TempDir()
	src := filepath.Join(dir, "f.bin")
	payload := randomBytes(4000)
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	task, _ := QueryLocal(src, "C:")
	opts := testOptions()
	opts.SmallFileThreshold = 100
	if err := NewEngine(remote, opts).Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(remote.files["C:/f.bin"], payload) {
		t.Error("remote content differs")
	}
}

func TestRunCancelledPauses(t *testing.T) {
	remote := newFakeRemote(4096)
	remote.files["C:/x.bin"] = randomBytes(9000)

	task, err := QueryRemote(context.Background(), remote, "C:/x.bin", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewEngine(remote, testOptions()).Run(ctx, task); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if task.Complete() {
		t.Error("cancelled task reports complete")
	}
}

func TestProgressReported(t *testing.T) {
	remote := newFakeRemote(4096)
	remote.files["C:/p.bin"] = randomBytes(20000)

	var mu sync.Mutex
	var reports []Progress
	opts := testOptions()
	opts.OnProgress = func(p Progress) {
		mu.Lock()
		reports = append(reports, p)
		mu.Unlock()
	}

	task, _ := QueryRemote(context.Background(), remote, "C:/p.bin", t.TempDir())
	if err := NewEngine(remote, opts).Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) == 0 {
		t.Fatal("no progress reported")
	}
	last := reports[len(reports)-1]
	if !last.Final || last.BytesDone != 20000 || last.FilesDone != 1 {
		t.Errorf("final progress = %+v", last)
	}
	if last.Percent() != 100 {
		t.Errorf("Percent() = %v, want 100", last.Percent())
	}
}

func TestRateLimitedRun(t *testing.T) {
	remote := newFakeRemote(4096)
	remote.files["C:/r.bin"] = randomBytes(8192)
	opts := testOptions()
	opts.RateLimit = 1 << 30

	task, _ := QueryRemote(context.Background(), remote, "C:/r.bin", t.TempDir())
	if err := NewEngine(remote, opts).Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !task.Complete() {
		t.Error("task not complete")
	}
}
