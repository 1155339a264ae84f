package evidence

import (
	"fmt"
	"sync"
)

// Banner is the document-level warning shown when the aggregate similarity
// is below LowSimilarityThreshold.
type Banner struct {
	Message     string  `json:"message"`
	Score       float64 `json:"score"`
	Dismissible bool    `json:"dismissible"`
}

// SegmentView is one fragment in the source panel.
type SegmentView struct {
	Index       int      `json:"index"`
	Content     string   `json:"content"`
	Highlighted bool     `json:"highlighted"`
	Score       *float64 `json:"score,omitempty"`
	Tooltip     string   `json:"tooltip,omitempty"`
}

// BlockView is a run of consecutive fragments from the same document.
type BlockView struct {
	SourceType string        `json:"source_type"`
	SourceID   SourceID      `json:"source_id"`
	Segments   []SegmentView `json:"segments"`
}

// PanelView is the rendered source panel.
type PanelView struct {
	AvgSimilarityScore float64       `json:"avg_similarity_score"`
	HoveredIdx         *int          `json:"hovered_idx,omitempty"`
	Banner             *Banner       `json:"banner,omitempty"`
	Blocks             []BlockView   `json:"blocks"`
	ScrollTarget       *ScrollTarget `json:"scroll_target,omitempty"`
}

type block struct {
	key        DocumentKey
	start, end int
}

// Panel renders the full note stream of one explanation in its original
// order. Blocks are computed once; a document interrupted by another
// document's fragment shows up as separate blocks.
type Panel struct {
	resp   *ExplainResponse
	blocks []block

	mu        sync.Mutex
	dismissed bool
}

func NewPanel(resp *ExplainResponse) *Panel {
	p := &Panel{resp: resp}
	if resp == nil {
		return p
	}
	for i, note := range resp.Notes {
		key := note.Key()
		if n := len(p.blocks); n > 0 && p.blocks[n-1].key == key {
			p.blocks[n-1].end = i + 1
			continue
		}
		p.blocks = append(p.blocks, block{key: key, start: i, end: i + 1})
	}
	return p
}

func (p *Panel) Response() *ExplainResponse {
	return p.resp
}

// BlockCount returns the number of contiguous document blocks.
func (p *Panel) BlockCount() int {
	return len(p.blocks)
}

// Highlight computes the highlight for the hovered sentence idx (nil for no
// hover), tagged with the hover generation gen.
func (p *Panel) Highlight(idx *int, gen uint64) *Highlight {
	h := &Highlight{Gen: gen}
	if idx == nil {
		return h
	}
	v := *idx
	h.SummaryIdx = &v

	match, ok := p.resp.MatchFor(v)
	if !ok || len(match.SourceIndices) == 0 {
		return h
	}
	h.Active = make(map[int]float64, len(match.SourceIndices))
	for pos, si := range match.SourceIndices {
		if _, seen := h.Active[si]; seen || pos >= len(match.Scores) {
			continue
		}
		h.Active[si] = match.Scores[pos]
	}
	h.Scroll = &ScrollTarget{
		SegmentIndex: match.SourceIndices[0],
		Behavior:     "smooth",
		Block:        "center",
	}
	return h
}

// Banner returns the low-similarity warning, or nil when the average score
// is acceptable or the banner was dismissed.
func (p *Panel) Banner() *Banner {
	if !p.resp.BelowThreshold() {
		return nil
	}
	p.mu.Lock()
	dismissed := p.dismissed
	p.mu.Unlock()
	if dismissed {
		return nil
	}
	score := p.resp.AvgSimilarityScore
	return &Banner{
		Message: fmt.Sprintf("Low similarity detected: the average similarity score is %.2f. "+
			"Please verify the summary against the original text.", score),
		Score:       score,
		Dismissible: true,
	}
}

// DismissBanner hides the warning for the lifetime of this panel.
func (p *Panel) DismissBanner() {
	p.mu.Lock()
	p.dismissed = true
	p.mu.Unlock()
}

// View renders the panel with the given highlight applied.
func (p *Panel) View(h *Highlight) PanelView {
	view := PanelView{
		Banner: p.Banner(),
		Blocks: make([]BlockView, 0, len(p.blocks)),
	}
	if p.resp == nil {
		return view
	}
	view.AvgSimilarityScore = p.resp.AvgSimilarityScore
	if h != nil {
		view.HoveredIdx = h.SummaryIdx
		view.ScrollTarget = h.Scroll
	}

	for _, b := range p.blocks {
		bv := BlockView{
			SourceType: b.key.SourceType,
			SourceID:   b.key.SourceID,
			Segments:   make([]SegmentView, 0, b.end-b.start),
		}
		for i := b.start; i < b.end; i++ {
			sv := SegmentView{Index: i, Content: p.resp.Notes[i].Content}
			if score, ok := h.IsActive(i); ok {
				s := score
				sv.Highlighted = true
				sv.Score = &s
				sv.Tooltip = FormatScore(score)
			}
			bv.Segments = append(bv.Segments, sv)
		}
		view.Blocks = append(view.Blocks, bv)
	}
	return view
}

// FormatScore renders a similarity score for tooltips.
func FormatScore(score float64) string {
	return fmt.Sprintf("Similarity: %.2f", score)
}
