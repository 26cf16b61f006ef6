// Package session manages authenticated sessions. A session outlives any
// single connection: every connection attached to it holds a reference and
// the last one to detach destroys it.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/fileferry/internal/logging"
	"github.com/postalsys/fileferry/internal/protocol"
)

// VerificationSize is the length of a session's verification bytes.
const VerificationSize = 240

var (
	// ErrAccessDenied is the root of every authentication and capability failure.
	ErrAccessDenied = errors.New("access denied")

	// ErrUnknownSession is returned for tokens naming no live session.
	ErrUnknownSession = errors.New("unknown session")
)

// AuthError describes a rejected login or capability check.
type AuthError struct {
	User   string
	Reason string
}

func (e *AuthError) Error() string {
	if e.User == "" {
		return fmt.Sprintf("authentication failed: %s", e.Reason)
	}
	return fmt.Sprintf("authentication failed for %q: %s", e.User, e.Reason)
}

func (e *AuthError) Unwrap() error { return ErrAccessDenied }

// Session is one authenticated principal.
type Session struct {
	Index    int32
	Identity Identity
	User     string
	Created  time.Time

	mu           sync.RWMutex
	verification []byte
	refs         int
}

// Can reports whether the session holds the capability.
func (s *Session) Can(flag Identity) bool {
	return s.Identity.Has(flag)
}

// Require returns an AuthError when the capability is missing.
func (s *Session) Require(flag Identity) error {
	if s.Can(flag) {
		return nil
	}
	return &AuthError{User: s.User, Reason: fmt.Sprintf("session %d lacks %s capability", s.Index, flag)}
}

// Token returns the token a client presents to join this session.
func (s *Session) Token() protocol.SessionToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := make([]byte, len(s.verification))
	copy(v, s.verification)
	return protocol.SessionToken{Index: s.Index, Identity: int32(s.Identity), Verification: v}
}

// Matches compares a token against the session in constant time.
func (s *Session) Matches(tok protocol.SessionToken) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tok.Index != s.Index || Identity(tok.Identity) != s.Identity {
		return false
	}
	return subtle.ConstantTimeCompare(tok.Verification, s.verification) == 1
}

// Refs returns the number of attached connections.
func (s *Session) Refs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refs
}

func newVerification() ([]byte, error) {
	v := make([]byte, VerificationSize)
	if _, err := rand.Read(v); err != nil {
		return nil, fmt.Errorf("generate verification bytes: %w", err)
	}
	return v, nil
}

// Registry owns live sessions.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	next      int32
	sessions  map[int32]*Session
	onDestroy []func(*Session)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		logger:   logger.With(logging.KeyComponent, "session"),
		sessions: make(map[int32]*Session),
	}
}

// OnDestroy registers fn to run after a session's last reference is gone.
func (r *Registry) OnDestroy(fn func(*Session)) {
	r.mu.Lock()
	r.onDestroy = append(r.onDestroy, fn)
	r.mu.Unlock()
}

// Create starts a session with one attached reference.
func (r *Registry) Create(user string, id Identity) (*Session, error) {
	v, err := newVerification()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		r.next++
		if r.next <= 0 {
			r.next = 1
		}
		if _, taken := r.sessions[r.next]; !taken {
			break
		}
	}
	s := &Session{
		Index:        r.next,
		Identity:     id,
		User:         user,
		Created:      time.Now(),
		verification: v,
		refs:         1,
	}
	r.sessions[s.Index] = s
	r.logger.Debug("session created",
		logging.KeySession, s.Index,
		logging.KeyUser, user,
		"identity", id.String())
	return s, nil
}

// Attach joins an existing session by token and adds a reference.
func (r *Registry) Attach(tok protocol.SessionToken) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tok.Index]
	if !ok {
		return nil, &AuthError{Reason: fmt.Sprintf("%v: %d", ErrUnknownSession, tok.Index)}
	}
	if !s.Matches(tok) {
		return nil, &AuthError{User: s.User, Reason: "verification failed"}
	}
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
	return s, nil
}

// Resume attaches to the session named by tok and rotates its
// verification bytes. The returned token replaces tok for every holder.
func (r *Registry) Resume(tok protocol.SessionToken) (*Session, protocol.SessionToken, error) {
	s, err := r.Attach(tok)
	if err != nil {
		return nil, protocol.SessionToken{}, err
	}
	fresh, err := r.Rotate(s.Index)
	if err != nil {
		r.Release(s)
		return nil, protocol.SessionToken{}, err
	}
	return s, fresh, nil
}

// Release drops one reference and destroys the session when it was the
// last. It reports whether the session was destroyed.
func (r *Registry) Release(s *Session) bool {
	r.mu.Lock()
	s.mu.Lock()
	s.refs--
	last := s.refs <= 0
	s.mu.Unlock()
	if !last {
		r.mu.Unlock()
		return false
	}
	if cur, ok := r.sessions[s.Index]; ok && cur == s {
		delete(r.sessions, s.Index)
	}
	hooks := append([]func(*Session){}, r.onDestroy...)
	r.mu.Unlock()

	r.logger.Debug("session destroyed", logging.KeySession, s.Index, logging.KeyUser, s.User)
	for _, fn := range hooks {
		fn(s)
	}
	return true
}

// Rotate replaces a session's verification bytes. Tokens issued earlier
// stop working; attached connections are unaffected.
func (r *Registry) Rotate(index int32) (protocol.SessionToken, error) {
	r.mu.Lock()
	s, ok := r.sessions[index]
	r.mu.Unlock()
	if !ok {
		return protocol.SessionToken{}, fmt.Errorf("%w: %d", ErrUnknownSession, index)
	}
	v, err := newVerification()
	if err != nil {
		return protocol.SessionToken{}, err
	}
	s.mu.Lock()
	s.verification = v
	s.mu.Unlock()
	return s.Token(), nil
}

// Get returns a live session.
func (r *Registry) Get(index int32) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[index]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
