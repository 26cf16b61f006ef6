package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/postalsys/fileferry/internal/protocol"
)

// StateExt is the file extension of persisted tasks.
const StateExt = ".ffs"

const (
	stateMagic   = "FFST"
	stateVersion = 1
)

// ErrBadState is returned for unreadable task files.
var ErrBadState = errors.New("invalid task state")

// Store persists tasks as <dir>/<id>.ffs.
type Store struct {
	Dir string
}

// NewStore creates dir when missing.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.Dir, id+StateExt)
}

// Save writes t atomically through a temp file and rename.
func (s *Store) Save(t *Task) error {
	data := EncodeTask(t)
	final := s.path(t.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write task state: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename task state: %w", err)
	}
	return nil
}

// Load reads a saved task.
func (s *Store) Load(id string) (*Task, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read task state: %w", err)
	}
	return DecodeTask(data)
}

// Remove deletes a saved task. Missing files are not an error.
func (s *Store) Remove(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove task state: %w", err)
	}
	return nil
}

// List returns the ids of saved tasks, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), StateExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), StateExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// EncodeTask serialises t as nested length-prefixed records.
func EncodeTask(t *Task) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := protocol.NewBuffer(256)
	b.WriteRaw([]byte(stateMagic))
	b.WriteInt32(stateVersion)
	b.WriteString(t.ID)
	b.WriteInt32(int32(t.Direction))
	b.WriteString(t.LocalBase)
	b.WriteString(t.RemoteBase)
	b.WriteTime(t.Created)
	b.WriteRecord(t.Root)
	return b.Bytes()
}

// MarshalTo writes name, total length, flags, child directories and files.
func (d *DirNode) MarshalTo(b *protocol.Buffer) {
	b.WriteString(d.Name)
	b.WriteInt64(d.Length())
	b.WriteInt32(0)
	b.WriteInt32(int32(len(d.Dirs)))
	for _, c := range d.Dirs {
		b.WriteRecord(c)
	}
	b.WriteInt32(int32(len(d.Files)))
	for _, f := range d.Files {
		b.WriteRecord(f)
	}
}

// MarshalTo writes the file's metadata and completion bitmap.
func (f *FileNode) MarshalTo(b *protocol.Buffer) {
	b.WriteString(f.Name)
	b.WriteInt64(f.Length)
	b.WriteTime(f.Modified)
	b.WriteInt32(int32(f.Status))
	b.WriteInt32(f.BlockSize)
	b.WriteBools(f.Done)
	b.WriteString(f.Err)
}

// DecodeTask parses bytes produced by EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	if len(data) < len(stateMagic) || string(data[:len(stateMagic)]) != stateMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadState)
	}
	r := protocol.NewReader(data[len(stateMagic):])
	if v := r.Int32(); r.Err() == nil && v != stateVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadState, v)
	}
	t := &Task{}
	t.ID = r.String()
	t.Direction = Direction(r.Int32())
	t.LocalBase = r.String()
	t.RemoteBase = r.String()
	t.Created = r.Time()
	t.Root = &DirNode{task: t}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadState, err)
	}
	if err := decodeDir(r.Record(), t.Root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadState, err)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadState, err)
	}
	if err := t.Walk(func(f *FileNode) error {
		if n := BlockCount(f.Length, f.BlockSize); len(f.Done) != 0 && len(f.Done) != n {
			return fmt.Errorf("%w: %s has %d blocks, want %d", ErrBadState, f.RelPath(), len(f.Done), n)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return t, nil
}

func decodeDir(r *protocol.Reader, d *DirNode) error {
	d.Name = r.String()
	_ = r.Int64()
	_ = r.Int32()
	for i, n := 0, r.Count(4); i < n; i++ {
		c := &DirNode{task: d.task, parent: d}
		if err := decodeDir(r.Record(), c); err != nil {
			return err
		}
		d.Dirs = append(d.Dirs, c)
	}
	for i, n := 0, r.Count(4); i < n; i++ {
		f := &FileNode{task: d.task, parent: d}
		if err := decodeFile(r.Record(), f); err != nil {
			return err
		}
		d.Files = append(d.Files, f)
	}
	return r.Err()
}

func decodeFile(r *protocol.Reader, f *FileNode) error {
	f.Name = r.String()
	f.Length = r.Int64()
	f.Modified = r.Time()
	f.Status = Status(r.Int32())
	f.BlockSize = r.Int32()
	f.Done = r.Bools()
	f.Err = r.String()
	for _, ok := range f.Done {
		if ok {
			f.Finished++
		}
	}
	return r.Err()
}
