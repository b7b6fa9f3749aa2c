// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/memgate/memgate/lib/clock"
)

// activeWindow is how recently a session must have been touched to
// count as active in [Stats].
const activeWindow = 5 * time.Minute

// Config configures a [Store].
type Config struct {
	// Timeout is the idle period after which a session expires. Zero
	// disables expiry.
	Timeout time.Duration

	// MaxSessions is the capacity. Must be positive.
	MaxSessions int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Sessions    int `json:"sessions"`
	MaxSessions int `json:"max_sessions"`
	Active      int `json:"active"`
	Messages    int `json:"messages"`
	Created     int `json:"created"`
	Expired     int `json:"expired"`
	Evicted     int `json:"evicted"`
	Deleted     int `json:"deleted"`
}

// Store owns all sessions. It is safe for concurrent use.
//
// Two locks are involved. Store.mu guards the session map and the
// key-lock table and is only held for map operations. Each key has
// its own lock, held for the whole of an Update, so a slow upstream
// call on one session never delays another.
type Store struct {
	timeout     time.Duration
	maxSessions int
	clock       clock.Clock
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*keyLock
	counters Stats
}

// keyLock is a cancellable mutex for one key. It lives in the lock
// table only while someone holds or waits for it, so the table is
// bounded by request concurrency rather than by capacity.
type keyLock struct {
	held chan struct{}
	refs int
}

// NewStore creates an empty store.
func NewStore(config Config) *Store {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxSessions <= 0 {
		config.MaxSessions = 1
	}
	return &Store{
		timeout:     config.Timeout,
		maxSessions: config.MaxSessions,
		clock:       config.Clock,
		logger:      config.Logger,
		sessions:    make(map[string]*Session),
		locks:       make(map[string]*keyLock),
	}
}

// lock acquires the key's lock, giving up if ctx ends first.
func (store *Store) lock(ctx context.Context, key string) error {
	store.mu.Lock()
	entry := store.locks[key]
	if entry == nil {
		entry = &keyLock{held: make(chan struct{}, 1)}
		store.locks[key] = entry
	}
	entry.refs++
	store.mu.Unlock()

	select {
	case entry.held <- struct{}{}:
		return nil
	case <-ctx.Done():
		store.mu.Lock()
		store.dropRefLocked(key, entry)
		store.mu.Unlock()
		return ctx.Err()
	}
}

func (store *Store) unlock(key string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	entry := store.locks[key]
	<-entry.held
	store.dropRefLocked(key, entry)
}

func (store *Store) dropRefLocked(key string, entry *keyLock) {
	entry.refs--
	if entry.refs == 0 {
		delete(store.locks, key)
	}
}

// loadLocked returns the live session for key, dropping it first if
// it has expired.
func (store *Store) loadLocked(key string, now time.Time) *Session {
	session, ok := store.sessions[key]
	if !ok {
		return nil
	}
	if session.expired(now, store.timeout) {
		delete(store.sessions, key)
		store.counters.Expired++
		store.logger.Debug("session expired", "session", key, "idle", now.Sub(session.LastActiveAt))
		return nil
	}
	return session
}

// insertLocked stores session under key, evicting the least recently
// active entry first when the store is full.
func (store *Store) insertLocked(key string, session *Session, now time.Time) {
	if _, exists := store.sessions[key]; !exists {
		for len(store.sessions) >= store.maxSessions {
			store.evictOldestLocked(now)
		}
	}
	store.sessions[key] = session
}

func (store *Store) evictOldestLocked(now time.Time) {
	var oldestKey string
	var oldest *Session
	for key, session := range store.sessions {
		if oldest == nil || session.LastActiveAt.Before(oldest.LastActiveAt) {
			oldestKey, oldest = key, session
		}
	}
	if oldest == nil {
		return
	}
	delete(store.sessions, oldestKey)
	store.counters.Evicted++
	store.logger.Info("session evicted at capacity",
		"session", oldestKey,
		"idle", now.Sub(oldest.LastActiveAt),
		"max_sessions", store.maxSessions,
	)
}

// Update runs fn on a private copy of the session for key and commits
// the copy only if fn returns nil. The session is created if absent
// (or expired) and its activity time refreshed before fn runs.
//
// Updates on one key run one at a time, in lock acquisition order. A
// waiting Update gives up with ctx's error if ctx ends before the lock
// is acquired; once fn is running, ctx is not consulted again.
//
// On success Update returns a snapshot of the committed session. On
// failure it returns fn's error and the session is as it was before,
// apart from the refreshed activity time. A session that did not
// exist is only inserted on success, so a failed Update never evicts
// another key.
func (store *Store) Update(ctx context.Context, key string, fn func(*Session) error) (*Session, error) {
	if err := store.lock(ctx, key); err != nil {
		return nil, err
	}
	defer store.unlock(key)

	now := store.clock.Now()
	store.mu.Lock()
	var working *Session
	fresh := false
	if current := store.loadLocked(key, now); current != nil {
		current.LastActiveAt = now
		working = current.Clone()
	} else {
		working = newSession(key, now)
		fresh = true
	}
	store.mu.Unlock()

	if err := fn(working); err != nil {
		return nil, err
	}

	now = store.clock.Now()
	working.LastActiveAt = now
	store.mu.Lock()
	if fresh {
		store.counters.Created++
		store.logger.Debug("session created", "session", key)
	}
	// The entry may have been evicted or swept while fn ran; the
	// commit puts it back.
	store.insertLocked(key, working, now)
	store.mu.Unlock()
	return working.Clone(), nil
}

// GetOrCreate returns the session for key, creating an empty one if
// needed, and marks it active.
func (store *Store) GetOrCreate(key string) *Session {
	session, _ := store.Update(context.Background(), key, func(*Session) error { return nil })
	return session
}

// Append adds message to the session for key, creating it if needed.
func (store *Store) Append(key string, message Message) *Session {
	session, _ := store.Update(context.Background(), key, func(session *Session) error {
		session.Append(message)
		return nil
	})
	return session
}

// Read returns a snapshot of the session for key. It does not count
// as activity. An expired session is dropped and reported absent.
// Read does not wait for an Update in progress; it sees the last
// committed state.
func (store *Store) Read(key string) (*Session, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()
	session := store.loadLocked(key, store.clock.Now())
	if session == nil {
		return nil, false
	}
	return session.Clone(), true
}

// Clear empties the history of the session for key but keeps the
// session. It reports whether the session existed.
func (store *Store) Clear(key string) bool {
	if err := store.lock(context.Background(), key); err != nil {
		return false
	}
	defer store.unlock(key)

	store.mu.Lock()
	defer store.mu.Unlock()
	session := store.loadLocked(key, store.clock.Now())
	if session == nil {
		return false
	}
	cleared := session.Clone()
	cleared.Reset()
	store.sessions[key] = cleared
	return true
}

// Delete removes the session for key, waiting for any Update in
// progress on it to finish. It reports whether the session existed.
func (store *Store) Delete(key string) bool {
	if err := store.lock(context.Background(), key); err != nil {
		return false
	}
	defer store.unlock(key)

	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.sessions[key]; !ok {
		return false
	}
	delete(store.sessions, key)
	store.counters.Deleted++
	return true
}

// Sweep drops every expired session and returns how many it dropped.
func (store *Store) Sweep() int {
	now := store.clock.Now()
	store.mu.Lock()
	defer store.mu.Unlock()

	dropped := 0
	for key, session := range store.sessions {
		if session.expired(now, store.timeout) {
			delete(store.sessions, key)
			dropped++
		}
	}
	store.counters.Expired += dropped
	return dropped
}

// Run sweeps every interval until ctx ends.
func (store *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := store.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := store.Sweep(); dropped > 0 {
				store.logger.Info("swept expired sessions", "dropped", dropped, "remaining", store.Len())
			}
		}
	}
}

// Len returns the number of stored sessions, expired or not.
func (store *Store) Len() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.sessions)
}

// Capacity returns the configured maximum number of sessions.
func (store *Store) Capacity() int {
	return store.maxSessions
}

// Stats returns occupancy and lifetime counters.
func (store *Store) Stats() Stats {
	now := store.clock.Now()
	store.mu.Lock()
	defer store.mu.Unlock()

	stats := store.counters
	stats.Sessions = len(store.sessions)
	stats.MaxSessions = store.maxSessions
	for _, session := range store.sessions {
		stats.Messages += len(session.Messages)
		if now.Sub(session.LastActiveAt) <= activeWindow {
			stats.Active++
		}
	}
	return stats
}
