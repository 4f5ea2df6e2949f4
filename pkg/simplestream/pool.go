package simplestream

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/tendant/simple-stream/pkg/simplestream/metrics"
)

// BackendSession is one authorized connection to the remote store together with
// its load counter and the sub-sessions it has established on other endpoints.
type BackendSession struct {
	id     int
	client Client
	load   atomic.Int64

	mu          sync.RWMutex
	subSessions map[int]Client
	migrations  singleflight.Group
}

// NewBackendSession wraps a started client.
func NewBackendSession(id int, client Client) *BackendSession {
	return &BackendSession{
		id:          id,
		client:      client,
		subSessions: make(map[int]Client),
	}
}

// ID returns the session id.
func (s *BackendSession) ID() int { return s.id }

// Client returns the session's home-endpoint client.
func (s *BackendSession) Client() Client { return s.client }

// HomeEndpoint returns the endpoint the session is bound to.
func (s *BackendSession) HomeEndpoint() int { return s.client.HomeEndpoint() }

// Load returns the number of in-flight streams on the session.
func (s *BackendSession) Load() int64 { return s.load.Load() }

// SubSession returns the cached client for endpointID, if one was established.
func (s *BackendSession) SubSession(endpointID int) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.subSessions[endpointID]
	return c, ok
}

// SubSessionCount returns how many endpoints have a cached sub-session.
func (s *BackendSession) SubSessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subSessions)
}

func (s *BackendSession) storeSubSession(endpointID int, c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subSessions[endpointID] = c
}

// SessionPool owns the backend sessions and balances streams across them.
// Selection is advisory: load is read without a global lock, so concurrent
// callers may pick different sessions among equally loaded ones.
type SessionPool struct {
	mu       sync.RWMutex
	sessions map[int]*BackendSession
}

// NewSessionPool creates an empty pool.
func NewSessionPool() *SessionPool {
	return &SessionPool{sessions: make(map[int]*BackendSession)}
}

// Register adds a session with zero load. Registering an id twice keeps the first session.
func (p *SessionPool) Register(session *BackendSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.sessions[session.id]; exists {
		return
	}
	session.load.Store(0)
	p.sessions[session.id] = session
	metrics.SetSessionLoad(session.id, 0)
}

// Get returns the session registered under id.
func (p *SessionPool) Get(id int) (*BackendSession, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// Len returns the number of registered sessions.
func (p *SessionPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// Sessions returns the registered sessions ordered by id.
func (p *SessionPool) Sessions() []*BackendSession {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*BackendSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SelectLeastLoaded returns a session with minimal load.
func (p *SessionPool) SelectLeastLoaded() (*BackendSession, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *BackendSession
	bestLoad := int64(math.MaxInt64)
	for _, s := range p.sessions {
		if l := s.load.Load(); l < bestLoad {
			best, bestLoad = s, l
		}
	}
	if best == nil {
		return nil, ErrNoSessionsAvailable
	}
	return best, nil
}

// Acquire increments the load of session id.
func (p *SessionPool) Acquire(id int) error {
	s, err := p.Get(id)
	if err != nil {
		return err
	}
	metrics.SetSessionLoad(id, s.load.Add(1))
	return nil
}

// Release decrements the load of session id. The counter never goes below zero.
func (p *SessionPool) Release(id int) error {
	s, err := p.Get(id)
	if err != nil {
		return err
	}
	for {
		cur := s.load.Load()
		if cur <= 0 {
			return nil
		}
		if s.load.CompareAndSwap(cur, cur-1) {
			metrics.SetSessionLoad(id, cur-1)
			return nil
		}
	}
}
