package enrich

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/crashrelay/pkg/contracts"
)

// SessionTracker holds the active session and stamps its id on items.
type SessionTracker struct {
	mu      sync.Mutex
	id      string
	started time.Time
	now     func() time.Time
}

// NewSessionTracker creates a tracker with no active session.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{now: time.Now}
}

// Start begins a new session, replacing any active one, and returns its id.
func (s *SessionTracker) Start() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.id = uuid.New().String()
	s.started = s.now().UTC()
	return s.id
}

// End closes the active session. It returns the ended id and false when no
// session was active.
func (s *SessionTracker) End() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.id
	s.id = ""
	s.started = time.Time{}
	return id, id != ""
}

// Current returns the active session id, or "".
func (s *SessionTracker) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Duration returns how long the active session has been running.
func (s *SessionTracker) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		return 0
	}
	return s.now().Sub(s.started)
}

// Initialize implements Initializer.
func (s *SessionTracker) Initialize(ctx map[string]string) {
	if id := s.Current(); id != "" {
		ctx[contracts.TagSessionID] = id
	}
}
