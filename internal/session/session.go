package session

import (
	"sync"
	"time"
)

// State is one step of the request lifecycle.
type State string

const (
	StateListening    State = "LISTENING"
	StateTriggered    State = "TRIGGERED"
	StateCapturing    State = "CAPTURING"
	StateAnalyzing    State = "ANALYZING"
	StateSynthesizing State = "SYNTHESIZING"
	StatePlaying      State = "PLAYING"
	StateDone         State = "DONE"
	StateError        State = "ERROR"
	StateCooldown     State = "COOLDOWN"
)

// Session is one in-flight request from trigger to completion.
type Session struct {
	CorrelationID string
	DeviceID      string
	Question      string
	TriggerText   string

	mu        sync.Mutex
	state     State
	startedAt time.Time
	updatedAt time.Time
	lastError string
}

func newSession(correlationID, deviceID, triggerText, question string) *Session {
	now := time.Now()
	return &Session{
		CorrelationID: correlationID,
		DeviceID:      deviceID,
		Question:      question,
		TriggerText:   triggerText,
		state:         StateTriggered,
		startedAt:     now,
		updatedAt:     now,
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) setError(msg string) {
	s.mu.Lock()
	s.state = StateError
	s.lastError = msg
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// Snapshot is a point-in-time copy of a session for status endpoints.
type Snapshot struct {
	CorrelationID string    `json:"correlation_id"`
	DeviceID      string    `json:"device_id"`
	Question      string    `json:"question"`
	State         State     `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastError     string    `json:"last_error,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		CorrelationID: s.CorrelationID,
		DeviceID:      s.DeviceID,
		Question:      s.Question,
		State:         s.state,
		StartedAt:     s.startedAt,
		UpdatedAt:     s.updatedAt,
		LastError:     s.lastError,
	}
}

// Store tracks live sessions by correlation id.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

func (st *Store) add(s *Session) {
	st.mu.Lock()
	st.sessions[s.CorrelationID] = s
	st.mu.Unlock()
}

func (st *Store) remove(correlationID string) {
	st.mu.Lock()
	delete(st.sessions, correlationID)
	st.mu.Unlock()
}

// Get returns the live session for a correlation id.
func (st *Store) Get(correlationID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[correlationID]
	return s, ok
}

// Snapshots lists all live sessions.
func (st *Store) Snapshots() []Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Snapshot, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}
