package session

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	d       Draft
	expires time.Time
}

// Memory is an in-process store. Expired entries are invisible to Get and
// removed by Sweep.
type Memory struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[int64]memEntry
	now func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, m: map[int64]memEntry{}, now: time.Now}
}

func (s *Memory) Get(_ context.Context, userID int64) (Draft, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[userID]
	if !ok {
		return Draft{}, false, nil
	}
	if !s.now().Before(e.expires) {
		delete(s.m, userID)
		return Draft{}, false, nil
	}
	return e.d, true, nil
}

func (s *Memory) Put(_ context.Context, userID int64, d Draft) error {
	now := s.now()
	d.UpdatedAt = now
	s.mu.Lock()
	s.m[userID] = memEntry{d: d, expires: now.Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

func (s *Memory) Delete(_ context.Context, userID int64) error {
	s.mu.Lock()
	delete(s.m, userID)
	s.mu.Unlock()
	return nil
}

// Sweep drops expired sessions and reports how many were removed.
func (s *Memory) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.m {
		if !now.Before(e.expires) {
			delete(s.m, id)
			n++
		}
	}
	return n
}

func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *Memory) Close() error { return nil }
