// Package evidence links the sentences of an AI-generated record summary back
// to the clinical note fragments they were derived from, and builds the view
// models used to review that evidence: grouped source documents per sentence,
// interactive sentence views and the highlighted source panel.
package evidence

import (
	"sync"
)

// LowSimilarityThreshold is the average similarity below which a whole
// explanation is flagged for manual verification.
const LowSimilarityThreshold = 0.7

// SourceSegment is one contiguous fragment of original clinical text as it
// entered the summarizer.
type SourceSegment struct {
	Content    string   `json:"content"`
	SourceType string   `json:"source_type"`
	SourceID   SourceID `json:"source_id"`
}

// Key returns the document the segment belongs to.
func (s SourceSegment) Key() DocumentKey {
	return DocumentKey{SourceType: s.SourceType, SourceID: s.SourceID}
}

// MatchDetail links one summary sentence to the fragments that support it.
// SourceIndices and Scores are positionally aligned.
type MatchDetail struct {
	SummaryIdx    int       `json:"summary_idx"`
	SourceIndices []int     `json:"source_indices"`
	Scores        []float64 `json:"scores"`
}

// ExplainResponse is the evidence model for one explanation request. It is
// treated as immutable once constructed; its pointer is its identity.
type ExplainResponse struct {
	Notes                []SourceSegment `json:"notes"`
	SummarySentences     []string        `json:"summary_sentences"`
	Matches              []MatchDetail   `json:"matches"`
	AvgSimilarityScore   float64         `json:"avg_similarity_score"`
	LowSimilarityMatches []MatchDetail   `json:"low_similarity_matches"`

	once  sync.Once
	index *responseIndex
}

type responseIndex struct {
	bySentence    map[int]*MatchDetail
	lowConfidence map[int]struct{}
}

func (r *ExplainResponse) lookup() *responseIndex {
	r.once.Do(func() {
		idx := &responseIndex{
			bySentence:    make(map[int]*MatchDetail, len(r.Matches)),
			lowConfidence: make(map[int]struct{}, len(r.LowSimilarityMatches)),
		}
		for i := range r.Matches {
			m := &r.Matches[i]
			if _, dup := idx.bySentence[m.SummaryIdx]; !dup {
				idx.bySentence[m.SummaryIdx] = m
			}
		}
		for _, m := range r.LowSimilarityMatches {
			idx.lowConfidence[m.SummaryIdx] = struct{}{}
		}
		r.index = idx
	})
	return r.index
}

// MatchFor returns the match recorded for a summary sentence.
func (r *ExplainResponse) MatchFor(summaryIdx int) (*MatchDetail, bool) {
	if r == nil {
		return nil, false
	}
	m, ok := r.lookup().bySentence[summaryIdx]
	return m, ok
}

// IsLowConfidence reports whether the sentence's best score fell below the
// confidence threshold.
func (r *ExplainResponse) IsLowConfidence(summaryIdx int) bool {
	if r == nil {
		return false
	}
	_, ok := r.lookup().lowConfidence[summaryIdx]
	return ok
}

func (r *ExplainResponse) SentenceCount() int {
	if r == nil {
		return 0
	}
	return len(r.SummarySentences)
}

// ValidSentence reports whether idx addresses a summary sentence.
func (r *ExplainResponse) ValidSentence(idx int) bool {
	return idx >= 0 && idx < r.SentenceCount()
}

// BelowThreshold reports whether the aggregate similarity warrants a warning.
func (r *ExplainResponse) BelowThreshold() bool {
	return r != nil && r.AvgSimilarityScore < LowSimilarityThreshold
}

// Normalize repairs a payload so the invariants the engine relies on hold:
// aligned index/score slices, in-range fragment indices and scores in [0,1].
// It must be called before the response is shared.
func (r *ExplainResponse) Normalize() {
	r.Matches = normalizeMatches(r.Matches, len(r.Notes))
	r.LowSimilarityMatches = normalizeMatches(r.LowSimilarityMatches, len(r.Notes))
	r.AvgSimilarityScore = clamp01(r.AvgSimilarityScore)
}

func normalizeMatches(matches []MatchDetail, noteCount int) []MatchDetail {
	for i := range matches {
		m := &matches[i]
		n := len(m.SourceIndices)
		if len(m.Scores) < n {
			n = len(m.Scores)
		}
		indices := make([]int, 0, n)
		scores := make([]float64, 0, n)
		for j := 0; j < n; j++ {
			si := m.SourceIndices[j]
			if si < 0 || si >= noteCount {
				continue
			}
			indices = append(indices, si)
			scores = append(scores, clamp01(m.Scores[j]))
		}
		m.SourceIndices = indices
		m.Scores = scores
	}
	return matches
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
