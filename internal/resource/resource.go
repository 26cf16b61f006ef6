// Package resource tracks open server-side files. A path is held either by
// one writing session or by any number of reading sessions, and handles
// nobody touches for a while are closed by an idle sweep.
package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/postalsys/fileferry/internal/logging"
	"github.com/postalsys/fileferry/internal/metrics"
)

const (
	DefaultIdleTimeout  = 300 * time.Second
	DefaultTickInterval = 30 * time.Second
)

// Access is the mode a resource is opened in.
type Access int32

const (
	AccessRead  Access = 1
	AccessWrite Access = 2
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return fmt.Sprintf("access(%d)", int32(a))
	}
}

var (
	// ErrConflict is the root of every exclusivity violation.
	ErrConflict = errors.New("resource conflict")

	// ErrNotOpen is returned when releasing a path nobody holds.
	ErrNotOpen = errors.New("resource not open")

	// ErrClosed is returned by I/O on a released resource.
	ErrClosed = errors.New("resource closed")
)

// ConflictError names the exclusivity rule a request violated.
type ConflictError struct {
	Path string
	Rule string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource conflict on %s: %s", e.Path, e.Rule)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Resource is one open file shared by its holders.
type Resource struct {
	Path   string
	Access Access
	// Writer is the session holding a write resource.
	Writer int32

	ioMu    sync.Mutex
	file    *os.File
	closed  bool
	holders map[int32]struct{}
	mgr     *Manager
}

// ReadAt reads from the file at off. Reads past the end return io.EOF
// together with the bytes that were available.
func (r *Resource) ReadAt(p []byte, off int64) (int, error) {
	r.ioMu.Lock()
	defer r.ioMu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	r.mgr.touch(r.Path)
	if _, err := r.file.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(r.file, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// WriteAt writes p at off.
func (r *Resource) WriteAt(p []byte, off int64) (int, error) {
	if r.Access != AccessWrite {
		return 0, fmt.Errorf("%s is open for reading", r.Path)
	}
	r.ioMu.Lock()
	defer r.ioMu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	r.mgr.touch(r.Path)
	if _, err := r.file.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return r.file.Write(p)
}

// Truncate resizes the file.
func (r *Resource) Truncate(size int64) error {
	if r.Access != AccessWrite {
		return fmt.Errorf("%s is open for reading", r.Path)
	}
	r.ioMu.Lock()
	defer r.ioMu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return r.file.Truncate(size)
}

// Size returns the current file length.
func (r *Resource) Size() (int64, error) {
	r.ioMu.Lock()
	defer r.ioMu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	fi, err := r.file.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (r *Resource) close() error {
	r.ioMu.Lock()
	defer r.ioMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.Access == AccessWrite {
		_ = r.file.Sync()
	}
	return r.file.Close()
}

// Options configures a Manager.
type Options struct {
	IdleTimeout  time.Duration
	TickInterval time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Manager is the table of open resources.
type Manager struct {
	opts    Options
	logger  *slog.Logger
	sweeper *Sweeper

	mu    sync.RWMutex
	table map[string]*Resource
}

// NewManager creates a manager. Zero options take the package defaults.
func NewManager(opts Options) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{
		opts:    opts,
		logger:  logger.With(logging.KeyComponent, "resource"),
		sweeper: NewSweeper(),
		table:   make(map[string]*Resource),
	}
}

// IdleTimeout is how long an unused resource stays open.
func (m *Manager) IdleTimeout() time.Duration { return m.opts.IdleTimeout }

// Sweeper exposes the idle sweeper so tests can drive it with Tick.
func (m *Manager) Sweeper() *Sweeper { return m.sweeper }

// Run sweeps idle resources until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	m.sweeper.Run(ctx, m.opts.TickInterval)
}

func checkAccess(r *Resource, access Access, session int32) error {
	switch {
	case r.Access == AccessRead && access == AccessRead:
		return nil
	case r.Access == AccessWrite && r.Writer == session:
		return nil
	case r.Access == AccessWrite:
		return &ConflictError{Path: r.Path, Rule: fmt.Sprintf("open for writing by session %d", r.Writer)}
	default:
		return &ConflictError{Path: r.Path, Rule: fmt.Sprintf("open for reading by %d session(s)", len(r.holders))}
	}
}

// Get returns the resource for path, opening it when nobody holds it.
// Write access creates the file and any missing parent directories.
func (m *Manager) Get(path string, access Access, session int32) (*Resource, error) {
	if access != AccessRead && access != AccessWrite {
		return nil, fmt.Errorf("invalid access %d", int32(access))
	}

	m.mu.RLock()
	r, ok := m.table[path]
	if ok {
		if err := checkAccess(r, access, session); err != nil {
			m.mu.RUnlock()
			m.conflict(err)
			return nil, err
		}
		_, held := r.holders[session]
		m.mu.RUnlock()
		if held {
			m.touch(path)
			return r, nil
		}
	} else {
		m.mu.RUnlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.table[path]; ok {
		if err := checkAccess(r, access, session); err != nil {
			m.conflict(err)
			return nil, err
		}
		r.holders[session] = struct{}{}
		m.sweeper.Touch(path)
		return r, nil
	}

	f, err := openFile(path, access)
	if err != nil {
		return nil, err
	}
	r = &Resource{
		Path:    path,
		Access:  access,
		file:    f,
		holders: map[int32]struct{}{session: {}},
		mgr:     m,
	}
	if access == AccessWrite {
		r.Writer = session
	}
	m.table[path] = r
	m.sweeper.Register(path, m.opts.IdleTimeout, func() { m.evict(r) })
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordResourceOpen()
	}
	m.logger.Debug("resource opened",
		logging.KeyPath, path,
		"access", access.String(),
		logging.KeySession, session)
	return r, nil
}

func openFile(path string, access Access) (*os.File, error) {
	if access == AccessRead {
		return os.Open(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directories: %w", err)
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
}

// Release drops session's hold on path. The file is closed once no
// session holds it.
func (m *Manager) Release(path string, access Access, session int32) error {
	m.mu.Lock()
	r, ok := m.table[path]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotOpen, path)
	}
	if err := checkAccess(r, access, session); err != nil {
		m.mu.Unlock()
		m.conflict(err)
		return err
	}
	if _, held := r.holders[session]; !held {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s not held by session %d", ErrNotOpen, path, session)
	}
	delete(r.holders, session)
	last := len(r.holders) == 0
	if last {
		delete(m.table, path)
		m.sweeper.Unregister(path)
	}
	m.mu.Unlock()

	if !last {
		return nil
	}
	return m.dispose(r, false)
}

// ReleaseSession drops every hold of session and returns how many
// resources were closed as a result.
func (m *Manager) ReleaseSession(session int32) int {
	var closing []*Resource

	m.mu.Lock()
	for path, r := range m.table {
		if _, held := r.holders[session]; !held {
			continue
		}
		delete(r.holders, session)
		if len(r.holders) == 0 {
			delete(m.table, path)
			m.sweeper.Unregister(path)
			closing = append(closing, r)
		}
	}
	m.mu.Unlock()

	for _, r := range closing {
		if err := m.dispose(r, false); err != nil {
			m.logger.Warn("close resource failed", logging.KeyPath, r.Path, logging.Err(err))
		}
	}
	return len(closing)
}

// Len returns the number of open resources.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.table)
}

// Close releases everything.
func (m *Manager) Close() error {
	m.mu.Lock()
	all := make([]*Resource, 0, len(m.table))
	for path, r := range m.table {
		all = append(all, r)
		delete(m.table, path)
		m.sweeper.Unregister(path)
	}
	m.mu.Unlock()

	var errs []error
	for _, r := range all {
		if err := m.dispose(r, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) touch(path string) {
	m.sweeper.Touch(path)
}

func (m *Manager) evict(r *Resource) {
	m.mu.Lock()
	if cur, ok := m.table[r.Path]; ok && cur == r {
		delete(m.table, r.Path)
	}
	m.mu.Unlock()

	m.logger.Debug("idle resource evicted", logging.KeyPath, r.Path)
	if err := m.dispose(r, true); err != nil {
		m.logger.Warn("close idle resource failed", logging.KeyPath, r.Path, logging.Err(err))
	}
}

func (m *Manager) dispose(r *Resource, evicted bool) error {
	err := r.close()
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordResourceClose(evicted)
	}
	return err
}

func (m *Manager) conflict(err error) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordResourceConflict()
	}
	m.logger.Debug("resource conflict", logging.Err(err))
}
