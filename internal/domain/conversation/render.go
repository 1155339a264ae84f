package conversation

import (
	"sync"
	"time"

	"github.com/ehr/summarylink/internal/domain/evidence"
)

// AnalyzingCaption is shown next to the spinner while evidence is computed.
const AnalyzingCaption = "Analyzing evidence…"

// Mode is how one chat message is displayed.
type Mode string

const (
	ModePlain       Mode = "plain"
	ModeAnalyzing   Mode = "analyzing"
	ModeInteractive Mode = "interactive"
)

// Snapshot is the render input for one message. Two snapshots of the same
// message are compared by ShouldRerender to decide whether its view must be
// rebuilt.
type Snapshot struct {
	Message       *ChatMessage
	Content       string
	IsInteractive bool
	Loading       bool
	Streaming     bool
	Explanation   *evidence.ExplainResponse
	Cache         *evidence.GroupCache
	Selected      *int
	Error         string
}

func (s Snapshot) id() string {
	if s.Message == nil {
		return ""
	}
	return s.Message.ID
}

func (s Snapshot) isAI() bool {
	return s.Message != nil && s.Message.Role == RoleAI
}

// ModeOf evaluates the display state machine in priority order.
func ModeOf(s Snapshot) Mode {
	if !s.isAI() {
		return ModePlain
	}
	switch {
	case s.IsInteractive && s.Explanation != nil && !s.Loading:
		return ModeInteractive
	case s.IsInteractive && s.Loading && s.id() != WelcomeMessageID:
		return ModeAnalyzing
	default:
		return ModePlain
	}
}

// ShouldRerender reports whether a message's view is stale. Streaming and
// error state count as part of the message's own content. Changes that only
// matter to interactive messages are ignored for the others, so unrelated
// messages keep their views while one message streams or is explained.
func ShouldRerender(prev, next Snapshot) bool {
	if prev.Message != next.Message || prev.Content != next.Content {
		return true
	}
	if prev.Streaming != next.Streaming || prev.Error != next.Error {
		return true
	}
	if prev.IsInteractive != next.IsInteractive {
		return true
	}
	interactive := prev.IsInteractive || next.IsInteractive
	if interactive && prev.Loading != next.Loading {
		return true
	}
	if next.IsInteractive && prev.Explanation != next.Explanation {
		return true
	}
	if next.IsInteractive && next.isAI() && !sameIndex(prev.Selected, next.Selected) {
		return true
	}
	return false
}

func sameIndex(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// MessageView is the rendered form of one chat message.
type MessageView struct {
	ID        string                  `json:"id"`
	Role      Role                    `json:"role"`
	Content   string                  `json:"content"`
	Timestamp time.Time               `json:"timestamp"`
	Mode      Mode                    `json:"mode"`
	Streaming bool                    `json:"streaming,omitempty"`
	Spinner   bool                    `json:"spinner,omitempty"`
	Caption   string                  `json:"caption,omitempty"`
	Sentences []evidence.SentenceView `json:"sentences,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// BuildView renders one snapshot.
func BuildView(s Snapshot) MessageView {
	v := MessageView{
		Content:   s.Content,
		Mode:      ModeOf(s),
		Streaming: s.Streaming,
		Error:     s.Error,
	}
	if s.Message != nil {
		v.ID = s.Message.ID
		v.Role = s.Message.Role
		v.Timestamp = s.Message.Timestamp
	}

	switch v.Mode {
	case ModeInteractive:
		v.Sentences = evidence.RenderSentences(s.Explanation, s.Cache, s.Selected, nil)
	case ModeAnalyzing:
		v.Spinner = true
		v.Caption = AnalyzingCaption
	}
	return v
}

// Renderer keeps the last snapshot and view of every message and rebuilds a
// view only when ShouldRerender says it is stale.
type Renderer struct {
	mu       sync.Mutex
	last     map[string]Snapshot
	views    map[string]MessageView
	observer func(rendered bool)
}

// NewRenderer returns a renderer. observer, when non-nil, is told for every
// message whether its view was rebuilt or reused.
func NewRenderer(observer func(rendered bool)) *Renderer {
	return &Renderer{
		last:     make(map[string]Snapshot),
		views:    make(map[string]MessageView),
		observer: observer,
	}
}

// Render returns views for snapshots, in order, and the IDs of the messages
// whose views were rebuilt.
func (r *Renderer) Render(snapshots []Snapshot) ([]MessageView, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	views := make([]MessageView, 0, len(snapshots))
	var changed []string
	seen := make(map[string]struct{}, len(snapshots))
	for _, s := range snapshots {
		id := s.id()
		seen[id] = struct{}{}

		prev, ok := r.last[id]
		rebuild := !ok || ShouldRerender(prev, s)
		if rebuild {
			r.views[id] = BuildView(s)
			r.last[id] = s
			changed = append(changed, id)
		}
		if r.observer != nil {
			r.observer(rebuild)
		}
		views = append(views, r.views[id])
	}

	for id := range r.last {
		if _, ok := seen[id]; !ok {
			delete(r.last, id)
			delete(r.views, id)
		}
	}
	return views, changed
}
