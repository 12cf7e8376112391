package diskstore

import (
	"sync"
	"time"
)

type session struct {
	ID          string
	Key         string
	ContentType string
	Temporary   bool
	PartSize    int64
	Parts       int
	CreatedAt   time.Time
}

type sessions struct {
	sync.RWMutex
	m map[string]session
}

func newSessions() *sessions {
	return &sessions{
		m: make(map[string]session),
	}
}

func (s *sessions) Find(id string) (session, bool) {
	s.RLock()
	defer s.RUnlock()
	sess, exists := s.m[id]
	return sess, exists
}

func (s *sessions) Save(sess session) {
	s.Lock()
	defer s.Unlock()
	s.m[sess.ID] = sess
}

func (s *sessions) Remove(id string) {
	s.Lock()
	defer s.Unlock()
	delete(s.m, id)
}

// Older returns the sessions created before t.
func (s *sessions) Older(t time.Time) []session {
	s.RLock()
	defer s.RUnlock()
	var out []session
	for _, sess := range s.m {
		if sess.CreatedAt.Before(t) {
			out = append(out, sess)
		}
	}
	return out
}
