package connectivity

import (
	"sort"
	"sync"
)

type Signal interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

type Logger interface {
	Printf(format string, args ...any)
}

type Switch struct {
	mu          sync.Mutex
	online      bool
	nextID      int
	subscribers map[int]func(bool)
}

func NewSwitch(online bool) *Switch {
	return &Switch{online: online, subscribers: map[int]func(bool){}}
}

func (s *Switch) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Switch) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subscribers[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

func (s *Switch) Subscribe(fn func(online bool)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}
