package rpc

import (
	"context"
	"sync"
	"time"
)

// Store correlates responses to request ids. Every entry is written once,
// readable until claimed or until its TTL expires; a background sweep
// discards unclaimed responses to bound memory.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	stopCh  chan struct{}
	stopped bool
}

type entry struct {
	resp      Response
	done      chan struct{}
	published bool
	expiresAt time.Time
}

// NewStore creates a response store with the given TTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Minute
	}
	s := &Store{
		entries: make(map[string]*entry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Expect registers a pending request so Await can block before the
// response exists.
func (s *Store) Expect(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[requestID]; !ok {
		s.entries[requestID] = &entry{
			done:      make(chan struct{}),
			expiresAt: time.Now().Add(s.ttl),
		}
	}
}

// Publish writes the response for its request id. Writing twice for one id
// is a no-op; the first response wins.
func (s *Store) Publish(resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[resp.RequestID]
	if !ok {
		e = &entry{done: make(chan struct{})}
		s.entries[resp.RequestID] = e
	}
	if e.published {
		return
	}
	e.resp = resp
	e.published = true
	e.expiresAt = time.Now().Add(s.ttl)
	close(e.done)
}

// Await blocks until the response for requestID is published or ctx
// expires. The entry stays claimable afterwards until its TTL.
func (s *Store) Await(ctx context.Context, requestID string) (Response, bool) {
	s.mu.Lock()
	e, ok := s.entries[requestID]
	s.mu.Unlock()
	if !ok {
		return Response{}, false
	}

	select {
	case <-ctx.Done():
		return Response{}, false
	case <-e.done:
		return e.resp, true
	}
}

// Claim removes and returns a published response, if present.
func (s *Store) Claim(requestID string) (Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[requestID]
	if !ok || !e.published {
		return Response{}, false
	}
	delete(s.entries, requestID)
	return e.resp, true
}

// Pending returns the number of live entries.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the sweeper.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
}

func (s *Store) sweep() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, e := range s.entries {
				if now.After(e.expiresAt) {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
