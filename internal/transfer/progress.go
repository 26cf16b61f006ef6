package transfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Progress is a point-in-time view of a running task.
type Progress struct {
	TaskID     string
	Direction  Direction
	Current    string
	FilesDone  int
	FilesTotal int
	BytesDone  int64
	BytesTotal int64
	// Rate is the throughput of the current run in bytes per second.
	Rate    float64
	Elapsed time.Duration
	Final   bool
}

// Percent returns completion in the range 0 to 100.
func (p Progress) Percent() float64 {
	if p.BytesTotal <= 0 {
		if p.FilesTotal == 0 || p.FilesDone == p.FilesTotal {
			return 100
		}
		return 0
	}
	return float64(p.BytesDone) * 100 / float64(p.BytesTotal)
}

func (p Progress) String() string {
	return fmt.Sprintf("%s %d/%d files, %s / %s (%.1f%%) at %s, eta %s",
		p.Direction, p.FilesDone, p.FilesTotal,
		FormatSize(p.BytesDone), FormatSize(p.BytesTotal), p.Percent(),
		FormatRate(p.Rate), FormatETA(p.BytesTotal-p.BytesDone, p.Rate))
}

type tracker struct {
	task     *Task
	interval time.Duration
	notify   func(Progress)
	started  time.Time
	moved    atomic.Int64
	current  atomic.Value
	wg       sync.WaitGroup
}

func newTracker(t *Task, interval time.Duration, notify func(Progress)) *tracker {
	tr := &tracker{task: t, interval: interval, notify: notify, started: time.Now()}
	tr.current.Store("")
	return tr
}

func (tr *tracker) add(n int64)          { tr.moved.Add(n) }
func (tr *tracker) setCurrent(rel string) { tr.current.Store(rel) }

func (tr *tracker) snapshot(final bool) Progress {
	s := tr.task.Summary()
	elapsed := time.Since(tr.started)
	var rate float64
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(tr.moved.Load()) / secs
	}
	return Progress{
		TaskID:     tr.task.ID,
		Direction:  tr.task.Direction,
		Current:    tr.current.Load().(string),
		FilesDone:  s.FilesDone,
		FilesTotal: s.Files,
		BytesDone:  s.BytesDone,
		BytesTotal: s.Bytes,
		Rate:       rate,
		Elapsed:    elapsed,
		Final:      final,
	}
}

// start reports on every interval until the returned stop is called,
// which emits a final snapshot.
func (tr *tracker) start(ctx context.Context) (stop func()) {
	if tr.notify == nil {
		return func() {}
	}
	done := make(chan struct{})
	if tr.interval > 0 {
		tr.wg.Add(1)
		go func() {
			defer tr.wg.Done()
			ticker := time.NewTicker(tr.interval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					tr.notify(tr.snapshot(false))
				}
			}
		}()
	}
	return func() {
		close(done)
		tr.wg.Wait()
		tr.notify(tr.snapshot(true))
	}
}
