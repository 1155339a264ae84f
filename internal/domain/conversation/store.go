package conversation

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Store is the in-memory registry of open conversations.
type Store struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Conversation
}

func NewStore() *Store {
	return &Store{items: make(map[uuid.UUID]*Conversation)}
}

func (s *Store) Put(c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[c.ID] = c
}

func (s *Store) Get(id uuid.UUID) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.items[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return c, nil
}

// Remove deletes a conversation and returns it.
func (s *Store) Remove(id uuid.UUID) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	delete(s.items, id)
	return c, nil
}

// List returns open conversations, oldest first.
func (s *Store) List() []*Conversation {
	s.mu.RLock()
	out := make([]*Conversation, 0, len(s.items))
	for _, c := range s.items {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
