package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTimeout is how long a session may sit idle before it expires.
	DefaultTimeout = 24 * time.Hour

	// DefaultHistoryCap bounds the stored conversation history.
	DefaultHistoryCap = 50

	// DefaultActiveCap bounds the active-image working set.
	DefaultActiveCap = 10

	// DefaultMaxSessions is the session count above which the least recently
	// used session is evicted.
	DefaultMaxSessions = 1000
)

var (
	// ErrSessionNotFound is returned for absent and expired sessions alike.
	ErrSessionNotFound = errors.New("session not found")

	// ErrImageNotFound is returned when an active-image override names an id
	// the session does not hold.
	ErrImageNotFound = errors.New("image not found in session")

	// ErrInvalidImage is returned for image records without an id, with an
	// id already held by the session, or with an unknown origin.
	ErrInvalidImage = errors.New("invalid image record")
)

// Limits configures a Store. Zero fields fall back to the defaults above.
type Limits struct {
	Timeout     time.Duration
	HistoryCap  int
	ActiveCap   int
	MaxSessions int
}

func (l Limits) withDefaults() Limits {
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}
	if l.HistoryCap <= 0 {
		l.HistoryCap = DefaultHistoryCap
	}
	if l.ActiveCap <= 0 {
		l.ActiveCap = DefaultActiveCap
	}
	if l.MaxSessions <= 0 {
		l.MaxSessions = DefaultMaxSessions
	}
	return l
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now, mostly for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type entry struct {
	mu      sync.Mutex // guards sess and deleted
	sess    Session
	deleted bool

	turn sync.Mutex // held for the duration of a dispatcher turn
}

// Store owns every session's mutable state.
//
// Store is safe for concurrent use. The session map is guarded by an
// RWMutex; each session's fields are guarded by their own mutex so that a
// read-modify-write of the history or active list is atomic with respect
// to other operations on the same session. Lock order is map before entry.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	limits   Limits
	now      func() time.Time
	newID    func() string
}

// NewStore creates an empty store.
func NewStore(limits Limits, opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*entry),
		limits:   limits.withDefaults(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limits returns the effective limits.
func (s *Store) Limits() Limits {
	return s.limits
}

// Create starts a new empty session and returns a snapshot of it.
func (s *Store) Create() *Session {
	now := s.now()
	e := &entry{sess: newSession(s.newID(), now)}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sessions) >= s.limits.MaxSessions {
		s.evictLRU()
	}
	s.sessions[e.sess.ID] = e

	return e.sess.clone()
}

// Get returns a snapshot of the session. Sessions idle beyond the timeout
// are removed and reported as ErrSessionNotFound even if the sweeper has
// not reached them yet.
func (s *Store) Get(id string) (*Session, error) {
	e, err := s.live(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrSessionNotFound
	}
	return e.sess.clone(), nil
}

// Touch marks the session as active now.
func (s *Store) Touch(id string) error {
	return s.update(id, func(*Session) error { return nil })
}

// AppendTurn adds a completed turn, trimming history from the oldest end.
func (s *Store) AppendTurn(id string, turn Turn) error {
	return s.update(id, func(sess *Session) error {
		sess.History = append(sess.History, turn)
		if over := len(sess.History) - s.limits.HistoryCap; over > 0 {
			trimmed := make([]Turn, s.limits.HistoryCap)
			copy(trimmed, sess.History[over:])
			sess.History = trimmed
		}
		sess.LastIntent = turn.Intent
		sess.MessageCount++
		return nil
	})
}

// AddImage stores img in the catalog matching its origin and pushes it to
// the head of the active list.
func (s *Store) AddImage(id string, img ImageRecord) error {
	if img.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidImage)
	}
	return s.update(id, func(sess *Session) error {
		if img.CreatedAt.IsZero() {
			img.CreatedAt = s.now()
		}
		if _, exists := sess.Image(img.ID); exists {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidImage, img.ID)
		}
		switch img.Origin {
		case OriginUpload:
			sess.Uploaded[img.ID] = img
			sess.ImagesUploaded++
		case OriginGenerated:
			sess.Generated[img.ID] = img
			sess.ImagesGenerated++
		default:
			return fmt.Errorf("%w: origin %q", ErrInvalidImage, img.Origin)
		}
		sess.ActiveImages = s.pushActive(sess, img.ID)
		return nil
	})
}

// SetActiveImages replaces the active list. Duplicates are collapsed and
// the list is capped like any other insertion.
func (s *Store) SetActiveImages(id string, ids []string) error {
	return s.update(id, func(sess *Session) error {
		next := make([]string, 0, len(ids))
		seen := make(map[string]bool, len(ids))
		for _, imgID := range ids {
			if seen[imgID] {
				continue
			}
			if _, ok := sess.Image(imgID); !ok {
				return fmt.Errorf("%w: %s", ErrImageNotFound, imgID)
			}
			seen[imgID] = true
			next = append(next, imgID)
		}
		if len(next) > s.limits.ActiveCap {
			next = next[:s.limits.ActiveCap]
		}
		sess.ActiveImages = next
		return nil
	})
}

// ActiveImages returns the active list, most recent first, with dangling
// ids pruned.
func (s *Store) ActiveImages(id string) ([]string, error) {
	e, err := s.live(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrSessionNotFound
	}
	e.sess.ActiveImages = e.sess.LiveActiveImages()
	out := make([]string, len(e.sess.ActiveImages))
	copy(out, e.sess.ActiveImages)
	return out, nil
}

// Images returns every image in the session, newest first.
func (s *Store) Images(id string) ([]ImageRecord, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.Images(), nil
}

// SetPreference stores a free-form preference value.
func (s *Store) SetPreference(id, key, value string) error {
	return s.update(id, func(sess *Session) error {
		sess.Preferences[key] = value
		return nil
	})
}

// Stats returns the session's summary counters.
func (s *Store) Stats(id string) (Stats, error) {
	sess, err := s.Get(id)
	if err != nil {
		return Stats{}, err
	}
	return sess.Stats(), nil
}

// LockTurn takes the session's turn lock and returns the function that
// releases it. Turns against the same session run one at a time; turns
// against different sessions do not contend.
func (s *Store) LockTurn(id string) (func(), error) {
	e, err := s.live(id)
	if err != nil {
		return nil, err
	}
	e.turn.Lock()
	var once sync.Once
	return func() { once.Do(e.turn.Unlock) }, nil
}

// Delete removes the session. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[id]; ok {
		s.drop(id, e)
	}
}

// Count returns the number of physically present sessions, including
// expired ones the sweeper has not removed yet.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep removes every expired session and reports how many were removed.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.sessions {
		e.mu.Lock()
		expired := s.expired(&e.sess, now)
		e.mu.Unlock()
		if expired {
			s.drop(id, e)
			removed++
		}
	}
	return removed
}

// live returns the entry for id, applying lazy expiry.
func (s *Store) live(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	e.mu.Lock()
	gone := e.deleted || s.expired(&e.sess, s.now())
	e.mu.Unlock()
	if gone {
		s.mu.Lock()
		if cur, ok := s.sessions[id]; ok && cur == e {
			s.drop(id, e)
		}
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// update applies fn to the live session and touches it. fn must leave the
// session untouched when it returns an error.
func (s *Store) update(id string, fn func(*Session) error) error {
	e, err := s.live(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return ErrSessionNotFound
	}
	if err := fn(&e.sess); err != nil {
		return err
	}
	e.sess.LastActivity = s.now()
	return nil
}

func (s *Store) expired(sess *Session, now time.Time) bool {
	return now.Sub(sess.LastActivity) > s.limits.Timeout
}

// pushActive prepends imgID, removes any older occurrence and dangling ids,
// and trims to the cap.
func (s *Store) pushActive(sess *Session, imgID string) []string {
	next := make([]string, 0, s.limits.ActiveCap)
	next = append(next, imgID)
	for _, id := range sess.ActiveImages {
		if len(next) == s.limits.ActiveCap {
			break
		}
		if id == imgID {
			continue
		}
		if _, ok := sess.Image(id); !ok {
			continue
		}
		next = append(next, id)
	}
	return next
}

// drop removes e from the map. Caller holds s.mu.
func (s *Store) drop(id string, e *entry) {
	delete(s.sessions, id)
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
}

// evictLRU removes the least recently active session. Caller holds s.mu.
func (s *Store) evictLRU() {
	var (
		oldestID string
		oldest   *entry
		oldestAt time.Time
	)
	for id, e := range s.sessions {
		e.mu.Lock()
		at := e.sess.LastActivity
		e.mu.Unlock()
		if oldest == nil || at.Before(oldestAt) {
			oldestID, oldest, oldestAt = id, e, at
		}
	}
	if oldest != nil {
		s.drop(oldestID, oldest)
	}
}
