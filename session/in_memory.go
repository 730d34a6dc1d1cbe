package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/llmwire/model"
)

// NewID returns a fresh session identifier. Stores accept any non-empty
// string as an id; this is the convention for callers that do not bring
// their own scheme.
func NewID() string {
	return uuid.NewString()
}

// Session is one conversation: an ordered transcript plus the queued
// steering and follow-up messages. Instances returned by a store are
// snapshots; mutations go through the store.
type Session struct {
	ID       string          `json:"id"`
	Messages []model.Message `json:"messages"`
	Created  time.Time       `json:"created"`
	Updated  time.Time       `json:"updated"`

	steering []model.Message
	followUp []model.Message
}

// Clone returns a deep copy safe for divergence.
func (s *Session) Clone() *Session {
	out := &Session{ID: s.ID, Created: s.Created, Updated: s.Updated}
	out.Messages = append([]model.Message(nil), s.Messages...)
	out.steering = append([]model.Message(nil), s.steering...)
	out.followUp = append([]model.Message(nil), s.followUp...)
	return out
}

// Match is one search hit over a session transcript.
type Match struct {
	// Index is the message's position in the transcript.
	Index   int        `json:"index"`
	Role    model.Role `json:"role"`
	Content string     `json:"content"`
	Score   float64    `json:"score"`
}

// Store is the conversation persistence contract.
type Store interface {
	// Get returns a snapshot of the session, creating it lazily.
	Get(id string) (*Session, error)
	// Append adds messages to the session transcript.
	Append(id string, msgs ...model.Message) error
	// History returns a copy of the session transcript.
	History(id string) ([]model.Message, error)

	// PushSteering queues messages that preempt the current tool round.
	PushSteering(id string, msgs ...model.Message) error
	// PullSteering drains the steering queue.
	PullSteering(id string) ([]model.Message, error)
	// PushFollowUp queues messages that extend the turn once the model
	// stops calling tools.
	PushFollowUp(id string, msgs ...model.Message) error
	// PullFollowUp drains the follow-up queue.
	PullFollowUp(id string) ([]model.Message, error)

	// Search scans the transcript for messages containing the query,
	// case-insensitively. limit <= 0 means no limit.
	Search(id, query string, limit int) ([]Match, error)

	// Delete removes the session. Deleting an unknown id is a no-op.
	Delete(id string) error
	// List returns the stored session ids in lexical order.
	List() ([]string, error)
}

// InMemoryStore is a volatile Store keeping sessions in a process-local map.
// It is safe for concurrent access; every returned session is a clone so
// callers cannot mutate internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*Session)}
}

// getLocked returns the live session, creating it lazily. Caller must hold
// the write lock.
func (s *InMemoryStore) getLocked(id string) *Session {
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	now := time.Now()
	sess := &Session{ID: id, Created: now, Updated: now}
	s.sessions[id] = sess
	return sess
}

// Get implements Store.
func (s *InMemoryStore) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id).Clone(), nil
}

// Append implements Store.
func (s *InMemoryStore) Append(id string, msgs ...model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getLocked(id)
	sess.Messages = append(sess.Messages, msgs...)
	sess.Updated = time.Now()
	return nil
}

// History implements Store.
func (s *InMemoryStore) History(id string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return append([]model.Message(nil), sess.Messages...), nil
}

// PushSteering implements Store.
func (s *InMemoryStore) PushSteering(id string, msgs ...model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getLocked(id)
	sess.steering = append(sess.steering, msgs...)
	sess.Updated = time.Now()
	return nil
}

// PullSteering implements Store.
func (s *InMemoryStore) PullSteering(id string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || len(sess.steering) == 0 {
		return nil, nil
	}
	out := sess.steering
	sess.steering = nil
	return out, nil
}

// PushFollowUp implements Store.
func (s *InMemoryStore) PushFollowUp(id string, msgs ...model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getLocked(id)
	sess.followUp = append(sess.followUp, msgs...)
	sess.Updated = time.Now()
	return nil
}

// PullFollowUp implements Store.
func (s *InMemoryStore) PullFollowUp(id string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || len(sess.followUp) == 0 {
		return nil, nil
	}
	out := sess.followUp
	sess.followUp = nil
	return out, nil
}

// Search implements Store with a linear case-insensitive substring scan.
// Every hit scores 1.0; swap the store for a semantic index when retrieval
// quality matters.
func (s *InMemoryStore) Search(id, query string, limit int) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	needle := strings.ToLower(query)
	var matches []Match
	for i, msg := range sess.Messages {
		if limit > 0 && len(matches) >= limit {
			break
		}
		if needle == "" || strings.Contains(strings.ToLower(msg.Content), needle) {
			matches = append(matches, Match{Index: i, Role: msg.Role, Content: msg.Content, Score: 1.0})
		}
	}
	return matches, nil
}

// Delete implements Store.
func (s *InMemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// List implements Store.
func (s *InMemoryStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
