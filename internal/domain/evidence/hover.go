package evidence

import "sync"

// ScrollTarget tells the source panel which fragment to bring into view.
type ScrollTarget struct {
	SegmentIndex int    `json:"segment_index"`
	Behavior     string `json:"behavior"`
	Block        string `json:"block"`
}

// Highlight is the precomputed highlight state for one hover value. Active
// maps highlighted fragment indices to their scores.
type Highlight struct {
	Gen        uint64
	SummaryIdx *int
	Active     map[int]float64
	Scroll     *ScrollTarget
}

// IsActive reports whether fragment i is highlighted and returns its score.
func (h *Highlight) IsActive(i int) (float64, bool) {
	if h == nil {
		return 0, false
	}
	s, ok := h.Active[i]
	return s, ok
}

// Hover tracks the hovered summary sentence for a source panel. Every Set
// starts a new generation; a Highlight computed for an older generation is
// rejected by Commit, so the latest hover always wins.
type Hover struct {
	mu      sync.Mutex
	idx     int
	set     bool
	gen     uint64
	applied *Highlight
}

// Set records a new hovered sentence (nil clears it) and returns the
// generation the matching highlight must carry.
func (h *Hover) Set(idx *int) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gen++
	if idx == nil {
		h.set = false
		h.idx = 0
	} else {
		h.set = true
		h.idx = *idx
	}
	return h.gen
}

// Current returns the hovered sentence and the current generation.
func (h *Hover) Current() (*int, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.set {
		return nil, h.gen
	}
	idx := h.idx
	return &idx, h.gen
}

// Commit installs hl if it was computed for the latest generation.
func (h *Hover) Commit(hl *Highlight) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hl == nil || hl.Gen != h.gen {
		return false
	}
	h.applied = hl
	return true
}

// Applied returns the last committed highlight.
func (h *Hover) Applied() *Highlight {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.applied
}

// Reset clears the hover and any committed highlight.
func (h *Hover) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gen++
	h.set = false
	h.idx = 0
	h.applied = nil
}
