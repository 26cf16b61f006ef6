// Package transfer moves files and directory trees between this machine
// and a server. Small files travel in single range requests; larger ones
// are split into fixed-size blocks fetched or pushed by a worker pool and
// tracked per block so an interrupted task can resume.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/postalsys/fileferry/internal/logging"
	"github.com/postalsys/fileferry/internal/metrics"
	"github.com/postalsys/fileferry/internal/protocol"
)

// PartialSuffix marks a download that has not completed yet.
const PartialSuffix = ".partial"

const (
	DefaultSmallFileThreshold = 64 * 1024
	DefaultWorkers            = 4
	DefaultBlockRetries       = 3
	DefaultRetryDelay         = 500 * time.Millisecond
	DefaultProgressInterval   = 500 * time.Millisecond

	minRateBurst    = 64 * 1024
	releaseTimeout  = 10 * time.Second
	maxRangeRequest = 1 << 20
)

// errStreamLost marks a block failure after which the stream has to be
// reopened.
var errStreamLost = errors.New("transfer stream lost")

// Options configures an Engine.
type Options struct {
	// SmallFileThreshold is the largest file moved with range requests.
	SmallFileThreshold int64
	Workers            int
	BlockRetries       int
	RetryDelay         time.Duration
	// RateLimit caps throughput in bytes per second; zero is unlimited.
	RateLimit        int64
	ProgressInterval time.Duration
	OnProgress       func(Progress)
	Store            *Store
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// DefaultOptions returns the reference settings.
func DefaultOptions() Options {
	return Options{
		SmallFileThreshold: DefaultSmallFileThreshold,
		Workers:            DefaultWorkers,
		BlockRetries:       DefaultBlockRetries,
		RetryDelay:         DefaultRetryDelay,
		ProgressInterval:   DefaultProgressInterval,
	}
}

// Engine runs tasks against one Remote.
type Engine struct {
	remote  Remote
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewEngine creates an engine. Non-positive worker and retry settings
// take the defaults.
func NewEngine(remote Remote, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.BlockRetries < 0 {
		opts.BlockRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	e := &Engine{
		remote: remote,
		opts:   opts,
		logger: logger.With(logging.KeyComponent, "transfer"),
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < minRateBurst {
			burst = minRateBurst
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return e
}

// Run transfers every unfinished file of t. Cancelling ctx pauses the
// task; the saved state lets a later Run continue where it stopped. Files
// that fail are marked failed and reported together once the rest are done.
func (e *Engine) Run(ctx context.Context, t *Task) error {
	tr := newTracker(t, e.opts.ProgressInterval, e.opts.OnProgress)
	stop := tr.start(ctx)
	defer stop()

	logger := e.logger.With(logging.KeyTask, t.ID)
	logger.Info("transfer started",
		"direction", t.Direction.String(),
		"local", t.LocalBase,
		"remote", t.RemoteBase)

	if t.Direction == Download {
		if err := os.MkdirAll(t.LocalBase, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", t.LocalBase, err)
		}
		if err := t.Dirs(func(rel string) error {
			return os.MkdirAll(filepath.Join(t.LocalBase, filepath.FromSlash(rel)), 0o755)
		}); err != nil {
			return fmt.Errorf("create local directories: %w", err)
		}
	}

	var failed []error
	err := t.Walk(func(f *FileNode) error {
		if st, _ := f.State(); st == StatusFinished {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		tr.setCurrent(f.RelPath())
		f.setStatus(StatusTransferring, nil)

		start := time.Now()
		err := e.transferFile(ctx, f, tr)
		switch {
		case err == nil:
			f.setStatus(StatusFinished, nil)
			logger.Debug("file transferred",
				logging.KeyPath, f.RelPath(),
				logging.KeyBytes, f.Length,
				logging.KeyDuration, time.Since(start))
		case ctx.Err() != nil:
			f.setStatus(StatusPaused, nil)
			e.save(t)
			return ctx.Err()
		default:
			f.setStatus(StatusFailed, err)
			failed = append(failed, fmt.Errorf("%s: %w", f.RelPath(), err))
			logger.Warn("file transfer failed", logging.KeyPath, f.RelPath(), logging.Err(err))
		}
		e.save(t)
		return nil
	})
	if err != nil {
		logger.Info("transfer paused", logging.Err(err))
		return err
	}

	s := t.Summary()
	logger.Info("transfer finished",
		"files", s.FilesDone,
		"failed", s.FilesFailed,
		logging.KeyBytes, s.BytesDone)
	return errors.Join(failed...)
}

func (e *Engine) save(t *Task) {
	if e.opts.Store == nil {
		return
	}
	if err := e.opts.Store.Save(t); err != nil {
		e.logger.Warn("save task state failed", logging.KeyTask, t.ID, logging.Err(err))
	}
}

func (e *Engine) transferFile(ctx context.Context, f *FileNode, tr *tracker) error {
	small := f.Length <= e.opts.SmallFileThreshold
	switch {
	case f.Task().Direction == Download && small:
		return e.downloadSmall(ctx, f, tr)
	case f.Task().Direction == Download:
		return e.retryStream(ctx, func() error { return e.downloadBlocks(ctx, f, tr) })
	case small:
		return e.uploadSmall(ctx, f, tr)
	default:
		return e.retryStream(ctx, func() error { return e.uploadBlocks(ctx, f, tr) })
	}
}

// retryStream reopens a stream the server dropped; finished blocks are
// skipped on the next pass.
func (e *Engine) retryStream(ctx context.Context, pass func() error) error {
	for attempt := 0; ; attempt++ {
		err := pass()
		if err == nil || !errors.Is(err, errStreamLost) || attempt >= e.opts.BlockRetries || ctx.Err() != nil {
			return err
		}
		e.logger.Debug("reopening transfer stream", "attempt", attempt+1, logging.Err(err))
	}
}

func (e *Engine) release(ctx context.Context, path string, write bool) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := e.remote.Release(rctx, path, write); err != nil {
		e.logger.Debug("release failed", logging.KeyPath, path, logging.Err(err))
	}
}

func (e *Engine) throttle(ctx context.Context, n int) error {
	if e.limiter == nil {
		return nil
	}
	for n > 0 {
		chunk := n
		if b := e.limiter.Burst(); chunk > b {
			chunk = b
		}
		if err := e.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (e *Engine) record(f *FileNode, ok bool, n int) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordTransferBlock(f.Task().Direction.String(), ok, n)
	}
}

// ----------------------------------------------------------------------------
// Downloads
// ----------------------------------------------------------------------------

func (e *Engine) downloadSmall(ctx context.Context, f *FileNode, tr *tracker) error {
	remote := f.RemotePath()
	defer e.release(ctx, remote, false)

	partial := f.LocalPath() + PartialSuffix
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create partial file: %w", err)
	}
	defer out.Close()

	var offset int64
	for {
		want := f.Length - offset
		if want > maxRangeRequest {
			want = maxRangeRequest
		}
		if want < 0 {
			want = 0
		}
		if err := e.throttle(ctx, int(want)); err != nil {
			return err
		}
		total, data, err := e.remote.Download(ctx, remote, offset, int32(want))
		if err != nil {
			return err
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
		offset += int64(len(data))
		tr.add(int64(len(data)))
		if total != f.Length {
			f.task.mu.Lock()
			f.Length = total
			f.task.mu.Unlock()
		}
		if offset >= total || len(data) == 0 {
			break
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	e.record(f, true, int(offset))
	return finalize(partial, f)
}

func (e *Engine) downloadBlocks(ctx context.Context, f *FileNode, tr *tracker) error {
	remote := f.RemotePath()
	info, err := e.remote.OpenDownloadStream(ctx, remote)
	if err != nil {
		return err
	}
	defer e.release(ctx, remote, false)

	partial := f.LocalPath() + PartialSuffix
	if _, err := os.Stat(partial); err != nil || info.Length != f.Length {
		f.task.mu.Lock()
		f.Length = info.Length
		f.BlockSize = 0
		f.task.mu.Unlock()
	}
	f.prepareBlocks(info.BlockSize)

	out, err := os.OpenFile(partial, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open partial file: %w", err)
	}
	defer out.Close()
	if err := out.Truncate(info.Length); err != nil {
		return err
	}

	err = e.runBlocks(ctx, f, tr, func(ctx context.Context, i int, n int64) error {
		data, err := e.remote.DownloadBlock(ctx, info.ID, int32(i))
		if err != nil {
			return streamErr(err)
		}
		if int64(len(data)) != n {
			return fmt.Errorf("block %d: got %d bytes, want %d", i, len(data), n)
		}
		_, err = out.WriteAt(data, int64(i)*int64(info.BlockSize))
		return err
	})
	if err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return finalize(partial, f)
}

func finalize(partial string, f *FileNode) error {
	if err := os.Rename(partial, f.LocalPath()); err != nil {
		return fmt.Errorf("failed to rename partial to final: %w", err)
	}
	if !f.Modified.IsZero() {
		_ = os.Chtimes(f.LocalPath(), f.Modified, f.Modified)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Uploads
// ----------------------------------------------------------------------------

func (e *Engine) uploadSmall(ctx context.Context, f *FileNode, tr *tracker) error {
	data, err := os.ReadFile(f.LocalPath())
	if err != nil {
		return err
	}
	remote := f.RemotePath()
	defer e.release(ctx, remote, true)

	f.task.mu.Lock()
	f.Length = int64(len(data))
	f.task.mu.Unlock()

	if err := e.throttle(ctx, len(data)); err != nil {
		return err
	}
	if err := e.remote.Upload(ctx, remote, 0, data, true); err != nil {
		return err
	}
	tr.add(int64(len(data)))
	e.record(f, true, len(data))
	return nil
}

func (e *Engine) uploadBlocks(ctx context.Context, f *FileNode, tr *tracker) error {
	in, err := os.Open(f.LocalPath())
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	if fi.Size() != f.Length {
		f.task.mu.Lock()
		f.Length = fi.Size()
		f.BlockSize = 0
		f.task.mu.Unlock()
	}

	remote := f.RemotePath()
	info, err := e.remote.OpenUploadStream(ctx, remote, f.Length)
	if err != nil {
		return err
	}
	defer e.release(ctx, remote, true)
	f.prepareBlocks(info.BlockSize)

	return e.runBlocks(ctx, f, tr, func(ctx context.Context, i int, n int64) error {
		buf := make([]byte, n)
		if _, err := in.ReadAt(buf, int64(i)*int64(info.BlockSize)); err != nil && err != io.EOF {
			return err
		}
		return streamErr(e.remote.UploadBlock(ctx, info.ID, int32(i), buf))
	})
}

// ----------------------------------------------------------------------------
// Worker pool
// ----------------------------------------------------------------------------

type blockFunc func(ctx context.Context, index int, length int64) error

// runBlocks hands unfinished block indexes to the worker pool through a
// shared counter.
func (e *Engine) runBlocks(ctx context.Context, f *FileNode, tr *tracker, fn blockFunc) error {
	n := len(f.Done)
	var next atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < e.opts.Workers; w++ {
		g.Go(func() error {
			for {
				i := int(next.Add(1) - 1)
				if i >= n {
					return nil
				}
				if f.isDone(i) {
					continue
				}
				if err := e.block(gctx, f, tr, i, fn); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

func (e *Engine) block(ctx context.Context, f *FileNode, tr *tracker, i int, fn blockFunc) error {
	n := blockLen(f.Length, f.BlockSize, i)
	var err error
	for attempt := 0; attempt <= e.opts.BlockRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.opts.RetryDelay * time.Duration(attempt)):
			}
		}
		if err = e.throttle(ctx, int(n)); err != nil {
			return err
		}
		if err = fn(ctx, i, n); err == nil {
			f.markDone(i)
			tr.add(n)
			e.record(f, true, int(n))
			return nil
		}
		e.record(f, false, 0)
		if ctx.Err() != nil || permanent(err) {
			return err
		}
		e.logger.Debug("block failed",
			logging.KeyPath, f.RelPath(),
			logging.KeyBlock, i,
			"attempt", attempt+1,
			logging.Err(err))
	}
	return fmt.Errorf("block %d failed after %d attempts: %w", i, e.opts.BlockRetries+1, err)
}

// permanent reports errors that retrying the same block cannot fix.
func permanent(err error) bool {
	return errors.Is(err, errStreamLost) ||
		errors.Is(err, protocol.ErrAuthDenied) ||
		errors.Is(err, protocol.ErrResourceConflict) ||
		errors.Is(err, protocol.ErrInvalidRequest)
}

// streamErr marks a not-found stream as lost so the file reopens it.
func streamErr(err error) error {
	if err != nil && errors.Is(err, protocol.ErrNotFound) {
		return fmt.Errorf("%w: %v", errStreamLost, err)
	}
	return err
}
