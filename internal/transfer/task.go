package transfer

import (
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction says which way a task moves data.
type Direction int32

const (
	Download Direction = 1
	Upload   Direction = 2
)

func (d Direction) String() string {
	switch d {
	case Download:
		return "download"
	case Upload:
		return "upload"
	default:
		return fmt.Sprintf("direction(%d)", int32(d))
	}
}

// Status is the lifecycle state of a file.
type Status int32

const (
	StatusQuerying Status = iota
	StatusWaiting
	StatusTransferring
	StatusPaused
	StatusFinished
	StatusFailed
)

var statusNames = [...]string{"querying", "waiting", "transferring", "paused", "finished", "failed"}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Task is the root of a transfer tree. It holds the metadata every node
// shares; nodes reach it through their task pointer.
type Task struct {
	ID         string
	Direction  Direction
	LocalBase  string
	RemoteBase string
	Created    time.Time
	Root       *DirNode

	mu sync.Mutex
}

// DirNode is a directory inside a task.
type DirNode struct {
	Name   string
	Dirs   []*DirNode
	Files  []*FileNode
	task   *Task
	parent *DirNode
}

// FileNode is one file and its per-block completion state.
type FileNode struct {
	Name      string
	Length    int64
	Modified  time.Time
	Status    Status
	BlockSize int32
	Done      []bool
	// Finished counts confirmed blocks and only grows while BlockSize is fixed.
	Finished int
	Err      string

	task   *Task
	parent *DirNode
}

// NewTask creates an empty task.
func NewTask(dir Direction, localBase, remoteBase string) *Task {
	t := &Task{
		ID:         uuid.NewString(),
		Direction:  dir,
		LocalBase:  localBase,
		RemoteBase: remoteBase,
		Created:    time.Now(),
	}
	t.Root = &DirNode{task: t}
	return t
}

// AddDir appends a child directory.
func (d *DirNode) AddDir(name string) *DirNode {
	c := &DirNode{Name: name, task: d.task, parent: d}
	d.Dirs = append(d.Dirs, c)
	return c
}

// AddFile appends a file in StatusQuerying. It moves to StatusWaiting
// once the whole tree has been listed.
func (d *DirNode) AddFile(name string, length int64, modified time.Time) *FileNode {
	f := &FileNode{Name: name, Length: length, Modified: modified, Status: StatusQuerying, task: d.task, parent: d}
	d.Files = append(d.Files, f)
	return f
}

// Task returns the owning task.
func (d *DirNode) Task() *Task { return d.task }

// Length sums every file below d.
func (d *DirNode) Length() int64 {
	var n int64
	for _, f := range d.Files {
		_, _, length := f.snapshot()
		n += length
	}
	for _, c := range d.Dirs {
		n += c.Length()
	}
	return n
}

func (d *DirNode) segments() []string {
	if d.parent == nil {
		return nil
	}
	return append(d.parent.segments(), d.Name)
}

// Task returns the owning task.
func (f *FileNode) Task() *Task { return f.task }

// RelPath is the slash-separated path below the task bases.
func (f *FileNode) RelPath() string {
	return path.Join(append(f.parent.segments(), f.Name)...)
}

// LocalPath is the file's location on this machine.
func (f *FileNode) LocalPath() string {
	return filepath.Join(f.task.LocalBase, filepath.FromSlash(f.RelPath()))
}

// RemotePath is the file's location on the server.
func (f *FileNode) RemotePath() string {
	return JoinRemote(f.task.RemoteBase, f.RelPath())
}

// BlockCount returns how many blocks of size bs cover the file.
func BlockCount(length int64, bs int32) int {
	if bs <= 0 || length <= 0 {
		return 0
	}
	return int((length + int64(bs) - 1) / int64(bs))
}

// prepareBlocks sizes the completion bitmap for bs, discarding progress
// recorded against a different block size.
func (f *FileNode) prepareBlocks(bs int32) {
	f.task.mu.Lock()
	defer f.task.mu.Unlock()
	n := BlockCount(f.Length, bs)
	if f.BlockSize == bs && len(f.Done) == n {
		return
	}
	f.BlockSize = bs
	f.Done = make([]bool, n)
	f.Finished = 0
}

// markDone records block i as persisted.
func (f *FileNode) markDone(i int) {
	f.task.mu.Lock()
	defer f.task.mu.Unlock()
	if !f.Done[i] {
		f.Done[i] = true
		f.Finished++
	}
}

func (f *FileNode) isDone(i int) bool {
	f.task.mu.Lock()
	defer f.task.mu.Unlock()
	return f.Done[i]
}

func (f *FileNode) setStatus(s Status, err error) {
	f.task.mu.Lock()
	defer f.task.mu.Unlock()
	f.Status = s
	if err != nil {
		f.Err = err.Error()
	} else {
		f.Err = ""
	}
}

// State returns the file's status and confirmed byte count.
func (f *FileNode) State() (Status, int64) {
	st, done, _ := f.snapshot()
	return st, done
}

// snapshot reads status, confirmed bytes and length under the task lock.
func (f *FileNode) snapshot() (Status, int64, int64) {
	f.task.mu.Lock()
	defer f.task.mu.Unlock()
	if f.Status == StatusFinished {
		return f.Status, f.Length, f.Length
	}
	var done int64
	for i, ok := range f.Done {
		if ok {
			done += blockLen(f.Length, f.BlockSize, i)
		}
	}
	return f.Status, done, f.Length
}

// queried moves every file still in StatusQuerying to StatusWaiting.
func (t *Task) queried() {
	_ = t.Walk(func(f *FileNode) error {
		f.task.mu.Lock()
		if f.Status == StatusQuerying {
			f.Status = StatusWaiting
		}
		f.task.mu.Unlock()
		return nil
	})
}

func blockLen(length int64, bs int32, i int) int64 {
	start := int64(i) * int64(bs)
	n := length - start
	if n > int64(bs) {
		n = int64(bs)
	}
	if n < 0 {
		return 0
	}
	return n
}

// Walk visits every file in tree order.
func (t *Task) Walk(fn func(*FileNode) error) error {
	return t.Root.walk(fn)
}

func (d *DirNode) walk(fn func(*FileNode) error) error {
	for _, f := range d.Files {
		if err := fn(f); err != nil {
			return err
		}
	}
	for _, c := range d.Dirs {
		if err := c.walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Dirs visits every directory below the root in tree order.
func (t *Task) Dirs(fn func(rel string) error) error {
	var visit func(d *DirNode) error
	visit = func(d *DirNode) error {
		for _, c := range d.Dirs {
			if err := fn(path.Join(c.segments()...)); err != nil {
				return err
			}
			if err := visit(c); err != nil {
				return err
			}
		}
		return nil
	}
	return visit(t.Root)
}

// Summary counts files and bytes by completion.
type Summary struct {
	Files, FilesDone, FilesFailed int
	Bytes, BytesDone              int64
}

// Summary totals the task.
func (t *Task) Summary() Summary {
	var s Summary
	_ = t.Walk(func(f *FileNode) error {
		st, done, length := f.snapshot()
		s.Files++
		s.Bytes += length
		s.BytesDone += done
		switch st {
		case StatusFinished:
			s.FilesDone++
		case StatusFailed:
			s.FilesFailed++
		}
		return nil
	})
	return s
}

// Complete reports whether every file finished.
func (t *Task) Complete() bool {
	s := t.Summary()
	return s.FilesDone == s.Files
}

// JoinRemote joins remote path segments with '/'. Roots such as "C:" are
// kept as the first segment.
func JoinRemote(base, rel string) string {
	switch {
	case rel == "" || rel == ".":
		return base
	case base == "":
		return rel
	}
	return base + "/" + rel
}

// SplitRemote splits a remote path into its parent and last segment.
func SplitRemote(p string) (dir, name string) {
	for len(p) > 1 && (p[len(p)-1] == '/' || p[len(p)-1] == '\\') {
		p = p[:len(p)-1]
	}
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[:i], p[i+1:]
		}
	}
	return "", p
}
