package evidence

// EvidenceSegment is one fragment of a reconstructed source document.
// Score is set only for fragments that support the sentence.
type EvidenceSegment struct {
	Index   int      `json:"index"`
	Content string   `json:"content"`
	IsMatch bool     `json:"is_match"`
	Score   *float64 `json:"score,omitempty"`
}

// DocumentGroup is a source document rebuilt in full from its fragments.
type DocumentGroup struct {
	SourceType string            `json:"source_type"`
	SourceID   SourceID          `json:"source_id"`
	Segments   []EvidenceSegment `json:"segments"`
}

func (g DocumentGroup) Key() DocumentKey {
	return DocumentKey{SourceType: g.SourceType, SourceID: g.SourceID}
}

// MatchCount returns the number of segments that support the sentence.
func (g DocumentGroup) MatchCount() int {
	n := 0
	for _, s := range g.Segments {
		if s.IsMatch {
			n++
		}
	}
	return n
}

// GroupedEvidence holds the documents relevant to one summary sentence,
// ordered by the first appearance of each document in the note stream.
type GroupedEvidence struct {
	SummaryIdx int             `json:"summary_idx"`
	Documents  []DocumentGroup `json:"documents"`
}

// Lookup returns the group for a document key.
func (g *GroupedEvidence) Lookup(key DocumentKey) (*DocumentGroup, bool) {
	if g == nil {
		return nil, false
	}
	for i := range g.Documents {
		if g.Documents[i].Key() == key {
			return &g.Documents[i], true
		}
	}
	return nil, false
}

// SegmentCount returns the total number of segments across all documents.
func (g *GroupedEvidence) SegmentCount() int {
	if g == nil {
		return 0
	}
	n := 0
	for _, d := range g.Documents {
		n += len(d.Segments)
	}
	return n
}

// Group reconstructs the source documents that support the summary sentence
// at summaryIdx. Every fragment of a relevant document is included, in its
// original order, so the reviewer sees the matched text in context.
//
// Group returns nil when the index is out of range or the sentence has no
// supporting fragments. It walks the notes once; membership tests are O(1).
func Group(resp *ExplainResponse, summaryIdx int) *GroupedEvidence {
	if !resp.ValidSentence(summaryIdx) {
		return nil
	}
	match, ok := resp.MatchFor(summaryIdx)
	if !ok || len(match.SourceIndices) == 0 {
		return nil
	}

	scores := make(map[int]float64, len(match.SourceIndices))
	keys := make(map[DocumentKey]struct{}, len(match.SourceIndices))
	for pos, si := range match.SourceIndices {
		if si < 0 || si >= len(resp.Notes) || pos >= len(match.Scores) {
			continue
		}
		if _, seen := scores[si]; seen {
			continue
		}
		scores[si] = clamp01(match.Scores[pos])
		keys[resp.Notes[si].Key()] = struct{}{}
	}
	if len(scores) == 0 {
		return nil
	}

	out := &GroupedEvidence{SummaryIdx: summaryIdx}
	position := make(map[DocumentKey]int, len(keys))
	for i, note := range resp.Notes {
		key := note.Key()
		if _, relevant := keys[key]; !relevant {
			continue
		}
		p, ok := position[key]
		if !ok {
			p = len(out.Documents)
			position[key] = p
			out.Documents = append(out.Documents, DocumentGroup{
				SourceType: note.SourceType,
				SourceID:   note.SourceID,
			})
		}

		seg := EvidenceSegment{Index: i, Content: note.Content}
		if score, matched := scores[i]; matched {
			s := score
			seg.IsMatch = true
			seg.Score = &s
		}
		out.Documents[p].Segments = append(out.Documents[p].Segments, seg)
	}
	return out
}
