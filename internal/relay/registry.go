package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/postalsys/fileferry/internal/endpoint"
)

var (
	// ErrNameTaken is returned when a name is already registered.
	ErrNameTaken = errors.New("service name already registered")

	// ErrNotRegistered is returned for names without a live registration.
	ErrNotRegistered = errors.New("service name not registered")

	// ErrAttachTimeout is returned when the hidden host does not dial back
	// in time.
	ErrAttachTimeout = errors.New("timed out waiting for reverse connection")
)

// Registry pairs clients waiting for a hidden host with the connections
// that host dials back in.
type Registry struct {
	mu       sync.Mutex
	services map[string]*service
}

type service struct {
	requested int
	notify    chan struct{}
	waiters   []*waiter
	closed    chan struct{}
}

type waiter struct {
	ch chan *endpoint.Endpoint
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*service)}
}

// Register claims name for one maintainer connection.
func (g *Registry) Register(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.services[name]; ok {
		return fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	g.services[name] = &service{
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	return nil
}

// Unregister drops name and fails its waiters.
func (g *Registry) Unregister(name string) {
	g.mu.Lock()
	svc, ok := g.services[name]
	if ok {
		delete(g.services, name)
		close(svc.closed)
	}
	g.mu.Unlock()
}

// Registered reports whether name has a live registration.
func (g *Registry) Registered(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.services[name]
	return ok
}

// Names lists registered names.
func (g *Registry) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.services))
	for n := range g.services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Wait queues for a connection from name's host.
func (g *Registry) Wait(ctx context.Context, name string, timeout time.Duration) (*endpoint.Endpoint, error) {
	g.mu.Lock()
	svc, ok := g.services[name]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	w := &waiter{ch: make(chan *endpoint.Endpoint, 1)}
	svc.waiters = append(svc.waiters, w)
	svc.requested++
	select {
	case svc.notify <- struct{}{}:
	default:
	}
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case ep := <-w.ch:
		return ep, nil
	case <-timer.C:
		err = fmt.Errorf("%w: %s after %s", ErrAttachTimeout, name, timeout)
	case <-ctx.Done():
		err = ctx.Err()
	case <-svc.closed:
		err = fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}

	g.mu.Lock()
	removed := false
	for i, x := range svc.waiters {
		if x == w {
			svc.waiters = append(svc.waiters[:i], svc.waiters[i+1:]...)
			removed = true
			break
		}
	}
	g.mu.Unlock()
	if !removed {
		// Attach handed us a connection after we gave up.
		select {
		case ep := <-w.ch:
			ep.Abort()
		default:
		}
	}
	return nil, err
}

// Attach hands ep to the oldest waiter of name. It reports false when
// nobody is waiting; the caller keeps ownership of ep then.
func (g *Registry) Attach(name string, ep *endpoint.Endpoint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	svc, ok := g.services[name]
	if !ok || len(svc.waiters) == 0 {
		return false
	}
	w := svc.waiters[0]
	svc.waiters = svc.waiters[1:]
	w.ch <- ep
	return true
}

// Poll waits until clients have queued for name and returns how many
// arrived since the last poll. It returns 0 when timeout passes first.
func (g *Registry) Poll(ctx context.Context, name string, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		g.mu.Lock()
		svc, ok := g.services[name]
		if !ok {
			g.mu.Unlock()
			return 0, fmt.Errorf("%w: %s", ErrNotRegistered, name)
		}
		if n := svc.requested; n > 0 {
			svc.requested = 0
			g.mu.Unlock()
			return n, nil
		}
		g.mu.Unlock()

		select {
		case <-svc.notify:
		case <-timer.C:
			return 0, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-svc.closed:
			return 0, fmt.Errorf("%w: %s", ErrNotRegistered, name)
		}
	}
}
