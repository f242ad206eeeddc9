package session

import "sync"

// index is a guarded key to session map.
type index struct {
	mu sync.RWMutex
	m  map[string]*Session
}

func newIndex() index {
	return index{m: make(map[string]*Session)}
}

func (i *index) get(key string) (*Session, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	s, ok := i.m[key]
	return s, ok
}

// putIfAbsent stores s under key unless the key is taken.
func (i *index) putIfAbsent(key string, s *Session) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.m[key]; exists {
		return false
	}
	i.m[key] = s
	return true
}

// take removes and returns the entry for key.
func (i *index) take(key string) (*Session, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	s, ok := i.m[key]
	if ok {
		delete(i.m, key)
	}
	return s, ok
}

// remove deletes key only while it still points at s.
func (i *index) remove(key string, s *Session) {
	if key == "" {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if cur, ok := i.m[key]; ok && cur == s {
		delete(i.m, key)
	}
}

func (i *index) len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.m)
}

func (i *index) snapshot() []*Session {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*Session, 0, len(i.m))
	for _, s := range i.m {
		out = append(out, s)
	}
	return out
}

// codeIndex holds sessions whose authorization code is still pending.
type codeIndex struct{ index }

// tokenIndex holds sessions whose code has been exchanged for a token.
type tokenIndex struct{ index }

// liveIndex holds every open session by id.
type liveIndex struct{ index }
