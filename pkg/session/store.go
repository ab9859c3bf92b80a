// Package session provides a concurrency-safe, in-memory keyed store
// of conversation.Session values, with per-session locking and a
// background TTL sweep, mirroring the reference codebase's
// ticker-plus-context-cancellation lifecycle for long-running
// background work.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cadforge/pkg/conversation"
	"cadforge/pkg/logx"
)

// entry pairs a session with the mutex that serializes operations
// against it. Two different sessions never contend; two concurrent
// operations against the same session always serialize.
type entry struct {
	mu      sync.Mutex
	session *conversation.Session
}

// Store is a concurrency-safe keyed container of sessions.
//
// Two lock tiers are used deliberately: mapMu guards the map's
// structure (insertion, deletion, lookup of an *entry), while each
// entry's own mutex guards that single session's fields. A caller
// holding an entry's lock never blocks operations against any other
// session.
type Store struct {
	mapMu    sync.RWMutex
	sessions map[string]*entry

	ttl time.Duration

	logger    *logx.Logger
	sweepStop context.CancelFunc
	sweepDone chan struct{}
}

// ErrNotFound is returned when a session id has no corresponding
// session, whether it never existed or has since been evicted.
var ErrNotFound = fmt.Errorf("session: not found")

// New constructs a Store and starts its background TTL sweep
// goroutine. Callers must call Close to stop the sweep on shutdown.
func New(ttl time.Duration) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		sessions:  make(map[string]*entry),
		ttl:       ttl,
		logger:    logx.NewLogger("session-store"),
		sweepStop: cancel,
		sweepDone: make(chan struct{}),
	}
	go s.sweepLoop(ctx)
	return s
}

// Close stops the background sweep goroutine and waits for it to
// exit.
func (s *Store) Close() {
	s.sweepStop()
	<-s.sweepDone
}

const sweepInterval = 5 * time.Minute

func (s *Store) sweepLoop(ctx context.Context) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Store) evictExpired() {
	now := time.Now()
	var expired []string

	s.mapMu.RLock()
	for id, e := range s.sessions {
		e.mu.Lock()
		if now.Sub(e.session.UpdatedAt) > s.ttl {
			expired = append(expired, id)
		}
		e.mu.Unlock()
	}
	s.mapMu.RUnlock()

	if len(expired) == 0 {
		return
	}

	s.mapMu.Lock()
	for _, id := range expired {
		delete(s.sessions, id)
	}
	s.mapMu.Unlock()

	s.logger.Info("evicted %d expired session(s)", len(expired))
}

// Create registers sess under its own ID.
func (s *Store) Create(sess *conversation.Session) {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	s.sessions[sess.ID] = &entry{session: sess}
}

// Get returns a snapshot copy of the session's top-level fields under
// its own lock. The returned pointer is a distinct copy safe to read
// without further locking, but mutating it does not affect the stored
// session — use WithSession for read-modify-write access.
func (s *Store) Get(id string) (*conversation.Session, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.session
	return &cp, nil
}

// Delete removes a session. Returns ErrNotFound if it does not exist.
func (s *Store) Delete(id string) error {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

// AddAttachment appends att to the session, enforcing the attachment
// cap without requiring the caller to hold the session's lock for any
// longer than the append itself.
func (s *Store) AddAttachment(id string, att conversation.Attachment) (string, error) {
	e, err := s.lookup(id)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	attID, ok := e.session.AddAttachment(time.Now(), att)
	if !ok {
		return "", fmt.Errorf("session: attachment cap (%d) exceeded", conversation.MaxAttachments)
	}
	return attID, nil
}

// WithSession runs fn against the live session under its per-session
// lock, allowing a caller (the Conversation Engine) to read and mutate
// it atomically for the duration of one handler invocation.
func (s *Store) WithSession(id string, fn func(*conversation.Session) error) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.session)
}

// entryLock adapts an entry's own mutex to conversation.SessionLock, so
// a handler (the Analyzing specialist fan-out) can release and
// reacquire exactly the lock WithSessionUnlocking already holds,
// without the session package knowing anything about *entry.
type entryLock struct{ mu *sync.Mutex }

func (l entryLock) Unlock() { l.mu.Unlock() }
func (l entryLock) Relock() { l.mu.Lock() }

// WithSessionUnlocking runs fn against the live session under its
// per-session lock, exactly like WithSession, but also hands fn a
// conversation.SessionLock backed by that same lock. The Conversation
// Engine uses it to release the lock around the Analyzing specialist
// fan-out's remote calls and reacquire it only to append the compiled
// summary, per the store's locking contract. fn must leave the lock
// held on return.
func (s *Store) WithSessionUnlocking(id string, fn func(*conversation.Session, conversation.SessionLock) error) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.session, entryLock{mu: &e.mu})
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Len reports how many sessions are currently stored, for tests and
// metrics.
func (s *Store) Len() int {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	return len(s.sessions)
}
