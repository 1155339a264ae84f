package evidence

// NoEvidencePlaceholder is shown in a popover when a sentence has no
// supporting fragments.
const NoEvidencePlaceholder = "No specific evidence found for this sentence."

// SentenceState is the interaction state of one rendered sentence.
type SentenceState string

const (
	SentenceIdle     SentenceState = "idle"
	SentenceHover    SentenceState = "hover"
	SentenceSelected SentenceState = "selected"
)

// Popover is the evidence overlay of the selected sentence.
type Popover struct {
	Open        bool             `json:"open"`
	Evidence    *GroupedEvidence `json:"evidence,omitempty"`
	Placeholder string           `json:"placeholder,omitempty"`
}

// SentenceView is one summary sentence rendered as a selectable unit.
// LowConfidence is independent of State.
type SentenceView struct {
	Index         int           `json:"index"`
	Text          string        `json:"text"`
	State         SentenceState `json:"state"`
	LowConfidence bool          `json:"low_confidence"`
	Popover       *Popover      `json:"popover,omitempty"`
}

// RenderSentence builds the view of sentence idx. The popover is built only
// for the selected sentence, from the cache when one is given.
func RenderSentence(resp *ExplainResponse, cache *GroupCache, idx int, selected, hovered *int) SentenceView {
	v := SentenceView{
		Index:         idx,
		State:         SentenceIdle,
		LowConfidence: resp.IsLowConfidence(idx),
	}
	if resp.ValidSentence(idx) {
		v.Text = resp.SummarySentences[idx]
	}

	switch {
	case selected != nil && *selected == idx:
		v.State = SentenceSelected
		var g *GroupedEvidence
		if cache != nil {
			g = cache.Get(resp, idx)
		} else {
			g = Group(resp, idx)
		}
		v.Popover = &Popover{Open: true, Evidence: g}
		if g == nil {
			v.Popover.Placeholder = NoEvidencePlaceholder
		}
	case hovered != nil && *hovered == idx:
		v.State = SentenceHover
	}
	return v
}

// RenderSentences renders every summary sentence of resp. A response with no
// sentences renders nothing.
func RenderSentences(resp *ExplainResponse, cache *GroupCache, selected, hovered *int) []SentenceView {
	n := resp.SentenceCount()
	views := make([]SentenceView, 0, n)
	for i := 0; i < n; i++ {
		views = append(views, RenderSentence(resp, cache, i, selected, hovered))
	}
	return views
}
