package evidence

import "sync"

// Selection holds the selected summary sentence of one interactive message.
// At most one sentence is selected at a time.
type Selection struct {
	mu       sync.RWMutex
	idx      int
	selected bool
}

// Set selects the sentence idx points at, or clears the selection when idx is
// nil. Selecting a sentence replaces any previous selection. It reports
// whether the selection changed.
func (s *Selection) Set(idx *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx == nil {
		changed := s.selected
		s.selected = false
		s.idx = 0
		return changed
	}
	changed := !s.selected || s.idx != *idx
	s.idx = *idx
	s.selected = true
	return changed
}

// Current returns the selected sentence, or nil.
func (s *Selection) Current() *int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.selected {
		return nil
	}
	idx := s.idx
	return &idx
}

// IsSelected reports whether sentence idx is the selected one.
func (s *Selection) IsSelected(idx int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected && s.idx == idx
}
