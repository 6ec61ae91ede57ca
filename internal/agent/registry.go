package agent

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// ErrNotConfigured is returned when the backend credentials or model are missing.
var ErrNotConfigured = errors.New("language backend not configured: set OPENAI_API_KEY and OPENAI_MODEL_CHAT")

// SessionKey scopes one role's memory to a caller and conversation.
type SessionKey struct {
	CallerID       string
	ConversationID string
	Instruction    string
}

// Session is one role's ongoing dialogue with the backend.
type Session struct {
	ID  uuid.UUID
	Key SessionKey

	mu         sync.Mutex
	history    []openai.ChatCompletionMessage
	maxHistory int
	lastUsed   atomic.Int64
}

func (s *Session) touch(now time.Time) {
	s.lastUsed.Store(now.UnixNano())
}

// Turns returns how many exchanges the session currently remembers.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history) / 2
}

// Registry hands out sessions, creating each key's session exactly once.
type Registry struct {
	apiKey     string
	model      string
	maxHistory int

	mu       sync.Mutex
	sessions map[SessionKey]*Session
	now      func() time.Time
}

// NewRegistry builds a registry for the backend described by cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxHistory: cfg.MaxHistory,
		sessions:   make(map[SessionKey]*Session),
		now:        time.Now,
	}
}

// GetOrCreate returns the session for key, creating it on first use.
func (r *Registry) GetOrCreate(key SessionKey) (*Session, error) {
	if r.apiKey == "" || r.model == "" {
		return nil, ErrNotConfigured
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		s.touch(r.now())
		return s, nil
	}
	s := &Session{
		ID:         uuid.New(),
		Key:        key,
		maxHistory: r.maxHistory,
	}
	s.touch(r.now())
	r.sessions[key] = s
	return s, nil
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Evict drops sessions idle for longer than maxIdle and returns how many
// were removed. A later GetOrCreate for an evicted key starts a fresh session.
func (r *Registry) Evict(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle).UnixNano()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, s := range r.sessions {
		if s.lastUsed.Load() < cutoff {
			delete(r.sessions, key)
			n++
		}
	}
	return n
}
