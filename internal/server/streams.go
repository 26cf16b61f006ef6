package server

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/postalsys/fileferry/internal/resource"
)

// errUnknownStream is returned for stream ids that are not open for the
// calling session.
var errUnknownStream = errors.New("unknown stream")

// stream is an open block transfer on one resource.
type stream struct {
	ID        int32
	Session   int32
	Path      string
	Resource  *resource.Resource
	Length    int64
	BlockSize int32
}

// blockRange returns the offset and length of block i.
func (s *stream) blockRange(i int32) (int64, int, error) {
	off := int64(i) * int64(s.BlockSize)
	if i < 0 || (off >= s.Length && !(i == 0 && s.Length == 0)) {
		return 0, 0, fmt.Errorf("%w: block %d outside stream %d", errBadBlock, i, s.ID)
	}
	return off, int(min(int64(s.BlockSize), s.Length-off)), nil
}

var errBadBlock = errors.New("block out of range")

// streamTable tracks open streams. Idle streams are dropped by the
// resource sweeper with the same timeout as files.
type streamTable struct {
	sweeper *resource.Sweeper
	timeout time.Duration

	mu      sync.RWMutex
	next    int32
	streams map[int32]*stream
}

func newStreamTable(sweeper *resource.Sweeper, timeout time.Duration) *streamTable {
	return &streamTable{
		sweeper: sweeper,
		timeout: timeout,
		streams: make(map[int32]*stream),
	}
}

func streamKey(id int32) string {
	return "stream/" + strconv.FormatInt(int64(id), 10)
}

func (t *streamTable) open(session int32, path string, res *resource.Resource, length int64, blockSize int32) *stream {
	t.mu.Lock()
	for {
		t.next++
		if t.next <= 0 {
			t.next = 1
		}
		if _, taken := t.streams[t.next]; !taken {
			break
		}
	}
	s := &stream{
		ID:        t.next,
		Session:   session,
		Path:      path,
		Resource:  res,
		Length:    length,
		BlockSize: blockSize,
	}
	t.streams[s.ID] = s
	t.mu.Unlock()

	t.sweeper.Register(streamKey(s.ID), t.timeout, func() { t.remove(s.ID) })
	return s
}

// get returns stream id if session owns it.
func (t *streamTable) get(id, session int32) (*stream, error) {
	t.mu.RLock()
	s, ok := t.streams[id]
	t.mu.RUnlock()
	if !ok || s.Session != session {
		return nil, fmt.Errorf("%w: %d", errUnknownStream, id)
	}
	t.sweeper.Touch(streamKey(id))
	return s, nil
}

func (t *streamTable) remove(id int32) {
	t.mu.Lock()
	delete(t.streams, id)
	t.mu.Unlock()
	t.sweeper.Unregister(streamKey(id))
}

// dropPath removes the session's streams on path.
func (t *streamTable) dropPath(session int32, path string) {
	t.drop(func(s *stream) bool { return s.Session == session && s.Path == path })
}

// dropSession removes every stream of session.
func (t *streamTable) dropSession(session int32) int {
	return t.drop(func(s *stream) bool { return s.Session == session })
}

func (t *streamTable) drop(match func(*stream) bool) int {
	var ids []int32
	t.mu.Lock()
	for id, s := range t.streams {
		if match(s) {
			ids = append(ids, id)
			delete(t.streams, id)
		}
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.sweeper.Unregister(streamKey(id))
	}
	return len(ids)
}

func (t *streamTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.streams)
}
