package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ehr/summarylink/internal/domain/evidence"
)

func newTestConversation(t *testing.T) *Conversation {
	t.Helper()
	c := New(context.Background(), "MRN-001", Options{})
	t.Cleanup(c.Close)
	return c
}

// streamedMessage appends a finished AI message with the given text.
func streamedMessage(t *testing.T, c *Conversation, text string) string {
	t.Helper()
	msg, err := c.BeginStream()
	if err != nil {
		t.Fatalf("BeginStream: %v", err)
	}
	if !c.AppendChunk(msg.ID, text) || !c.FinishStream(msg.ID) {
		t.Fatal("expected stream to accept text")
	}
	return msg.ID
}

// explainedMessage appends a message and binds testResponse to it.
func explainedMessage(t *testing.T, c *Conversation) string {
	t.Helper()
	id := streamedMessage(t, c, "Patient had chest pain. Troponin was normal. Discharged.")
	ticket, err := c.BeginExplanation(id)
	if err != nil {
		t.Fatalf("BeginExplanation: %v", err)
	}
	if !c.CompleteExplanation(ticket, testResponse()) {
		t.Fatal("expected explanation to apply")
	}
	return id
}

func snapshotOf(c *Conversation, id string) Snapshot {
	for _, s := range c.Snapshots() {
		if s.Message.ID == id {
			return s
		}
	}
	return Snapshot{}
}

func TestConversation_SeededWithWelcome(t *testing.T) {
	c := New(context.Background(), "MRN-001", Options{Welcome: "Hi there."})
	snaps := c.Snapshots()
	if len(snaps) != 1 {
		t.Fatalf("expected 1 message, got %d", len(snaps))
	}
	if snaps[0].Message.ID != WelcomeMessageID || snaps[0].Content != "Hi there." {
		t.Fatalf("unexpected welcome: %+v", snaps[0].Message)
	}

	ticket, err := c.BeginExplanation(WelcomeMessageID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ModeOf(snapshotOf(c, WelcomeMessageID)) != ModePlain {
		t.Error("welcome message must never show as analyzing")
	}
	c.FailExplanation(ticket)
}

func TestConversation_StreamLifecycle(t *testing.T) {
	c := newTestConversation(t)
	msg, err := c.BeginStream()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, chunk := range []string{"Patient ", "had ", "chest pain."} {
		if !c.AppendChunk(msg.ID, chunk) {
			t.Fatalf("chunk %q rejected", chunk)
		}
	}
	s := snapshotOf(c, msg.ID)
	if !s.Streaming || s.Content != "Patient had chest pain." {
		t.Fatalf("unexpected snapshot: %+v", s)
	}

	if !c.FinishStream(msg.ID) {
		t.Fatal("expected FinishStream to apply")
	}
	if c.AppendChunk(msg.ID, " late") {
		t.Fatal("chunks after completion must be rejected")
	}
	if c.FinishStream(msg.ID) {
		t.Fatal("second FinishStream must be a no-op")
	}
}

func TestConversation_FailStream(t *testing.T) {
	c := newTestConversation(t)

	empty, _ := c.BeginStream()
	c.FailStream(empty.ID, errors.New("upstream 502"))
	s := snapshotOf(c, empty.ID)
	if s.Content == "" || s.Error != "" {
		t.Fatalf("expected the error to replace empty content, got %+v", s)
	}

	partial, _ := c.BeginStream()
	c.AppendChunk(partial.ID, "Patient had")
	c.FailStream(partial.ID, errors.New("connection reset"))
	s = snapshotOf(c, partial.ID)
	if s.Content != "Patient had" {
		t.Fatalf("expected partial content kept, got %q", s.Content)
	}
	if s.Error == "" || s.Streaming {
		t.Fatalf("expected error state after failure, got %+v", s)
	}
}

func TestConversation_CloseDropsLateUpdates(t *testing.T) {
	c := New(context.Background(), "MRN-001", Options{})
	msg, _ := c.BeginStream()
	c.AppendChunk(msg.ID, "Patient")
	ticket, err := c.BeginExplanation(streamedMessage(t, c, "Done."))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.Close()
	c.Close()

	if c.Context().Err() == nil {
		t.Fatal("expected lifetime context cancelled")
	}
	if ticket.Ctx.Err() == nil {
		t.Fatal("expected in-flight explanation cancelled")
	}
	if c.AppendChunk(msg.ID, " had") {
		t.Fatal("chunk accepted after close")
	}
	if c.CompleteExplanation(ticket, testResponse()) {
		t.Fatal("explanation applied after close")
	}
	if _, err := c.BeginStream(); !errors.Is(err, ErrConversationClosed) {
		t.Fatalf("expected ErrConversationClosed, got %v", err)
	}
}

func TestConversation_BeginExplanationRejects(t *testing.T) {
	c := newTestConversation(t)
	user, _ := c.AddUserMessage("Summarize please")
	streaming, _ := c.BeginStream()

	tests := []struct {
		name string
		id   string
		want error
	}{
		{"unknown message", "nope", ErrMessageNotFound},
		{"user message", user.ID, ErrNotExplainable},
		{"still streaming", streaming.ID, ErrNotExplainable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.BeginExplanation(tt.id); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestConversation_ExplanationCancelAndReplace(t *testing.T) {
	c := newTestConversation(t)
	id := streamedMessage(t, c, "Summary.")

	first, _ := c.BeginExplanation(id)
	second, _ := c.BeginExplanation(id)

	if first.Ctx.Err() == nil {
		t.Fatal("expected the first request cancelled")
	}
	if second.Gen <= first.Gen {
		t.Fatalf("expected a newer generation, got %d after %d", second.Gen, first.Gen)
	}

	late := testResponse()
	if c.CompleteExplanation(first, late) {
		t.Fatal("stale result must be discarded")
	}
	if c.FailExplanation(first) {
		t.Fatal("stale failure must be discarded")
	}
	if ModeOf(snapshotOf(c, id)) != ModeAnalyzing {
		t.Fatal("message must stay analyzing until the latest request finishes")
	}

	resp := testResponse()
	if !c.CompleteExplanation(second, resp) {
		t.Fatal("latest result must apply")
	}
	s := snapshotOf(c, id)
	if s.Explanation != resp || ModeOf(s) != ModeInteractive {
		t.Fatalf("expected latest explanation bound, got %+v", s)
	}
}

func TestConversation_IndependentExplanations(t *testing.T) {
	c := newTestConversation(t)
	a := streamedMessage(t, c, "First.")
	b := streamedMessage(t, c, "Second.")

	ta, _ := c.BeginExplanation(a)
	tb, _ := c.BeginExplanation(b)
	if ta.Ctx.Err() != nil {
		t.Fatal("request for another message must not be cancelled")
	}

	c.CompleteExplanation(tb, testResponse())
	if ModeOf(snapshotOf(c, a)) != ModeAnalyzing {
		t.Error("message a must still be analyzing")
	}
	if ModeOf(snapshotOf(c, b)) != ModeInteractive {
		t.Error("message b must be interactive")
	}
	if !c.Explaining() {
		t.Error("expected a request still in flight")
	}
	c.CompleteExplanation(ta, testResponse())
	if c.Explaining() {
		t.Error("expected no request in flight")
	}
}

func TestConversation_FailExplanationRestoresState(t *testing.T) {
	c := newTestConversation(t)

	fresh := streamedMessage(t, c, "Summary.")
	ticket, _ := c.BeginExplanation(fresh)
	if !c.FailExplanation(ticket) {
		t.Fatal("expected failure to apply")
	}
	s := snapshotOf(c, fresh)
	if s.IsInteractive || s.Loading || ModeOf(s) != ModePlain {
		t.Fatalf("expected plain text after failure, got %+v", s)
	}

	explained := explainedMessage(t, c)
	prior := snapshotOf(c, explained).Explanation
	ticket, _ = c.BeginExplanation(explained)
	c.FailExplanation(ticket)
	s = snapshotOf(c, explained)
	if !s.IsInteractive || s.Explanation != prior || ModeOf(s) != ModeInteractive {
		t.Fatalf("expected prior explanation kept after failure, got %+v", s)
	}
}

func TestConversation_SelectionScopedToOneMessage(t *testing.T) {
	c := newTestConversation(t)
	a := explainedMessage(t, c)
	b := explainedMessage(t, c)

	if changed, err := c.Select(a, intp(1)); err != nil || !changed {
		t.Fatalf("expected selection change, got %v %v", changed, err)
	}
	if changed, _ := c.Select(a, intp(1)); changed {
		t.Fatal("re-selecting the same sentence is not a change")
	}
	if changed, _ := c.Select(b, intp(0)); !changed {
		t.Fatal("expected selection to move")
	}

	if s := snapshotOf(c, a); s.Selected != nil {
		t.Fatalf("message a must lose its selection, got %v", *s.Selected)
	}
	if s := snapshotOf(c, b); s.Selected == nil || *s.Selected != 0 {
		t.Fatal("message b must hold the selection")
	}
	owner, idx := c.Selection()
	if owner != b || idx == nil || *idx != 0 {
		t.Fatalf("unexpected selection %s %v", owner, idx)
	}

	// Deselecting in a message without the selection leaves it alone.
	if changed, err := c.Select(a, nil); err != nil || changed {
		t.Fatalf("expected no change, got %v %v", changed, err)
	}
	if owner, idx := c.Selection(); owner != b || idx == nil || *idx != 0 {
		t.Fatalf("message b must keep its selection, got %s %v", owner, idx)
	}

	if _, err := c.Select(b, intp(3)); !errors.Is(err, ErrInvalidSentence) {
		t.Fatalf("expected ErrInvalidSentence, got %v", err)
	}
	if _, err := c.Select(WelcomeMessageID, intp(0)); !errors.Is(err, ErrNoExplanation) {
		t.Fatalf("expected ErrNoExplanation, got %v", err)
	}

	c.Select(b, nil)
	if owner, idx := c.Selection(); owner != "" || idx != nil {
		t.Fatal("expected selection cleared")
	}
}

func TestConversation_NewExplanationClearsSelection(t *testing.T) {
	c := newTestConversation(t)
	id := explainedMessage(t, c)
	c.Select(id, intp(2))

	ticket, _ := c.BeginExplanation(id)
	c.CompleteExplanation(ticket, testResponse())

	if s := snapshotOf(c, id); s.Selected != nil {
		t.Fatal("selection must not carry over to a new explanation")
	}
}

func TestConversation_HoverDrivesPanel(t *testing.T) {
	c := newTestConversation(t)
	id := explainedMessage(t, c)

	h, applied, err := c.Hover(id, intp(1))
	if err != nil || !applied {
		t.Fatalf("expected hover applied, got %v %v", applied, err)
	}
	if h.Scroll == nil || h.Scroll.SegmentIndex != 1 {
		t.Fatalf("expected scroll to fragment 1, got %+v", h.Scroll)
	}

	view, err := c.Panel("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.HoveredIdx == nil || *view.HoveredIdx != 1 {
		t.Fatal("expected hovered sentence in panel view")
	}
	if view.Banner == nil {
		t.Fatal("expected low-similarity banner for avg 0.55")
	}

	if err := c.DismissBanner(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	view, _ = c.Panel(id)
	if view.Banner != nil {
		t.Fatal("expected banner dismissed")
	}

	c.Hover(id, nil)
	view, _ = c.Panel(id)
	if view.HoveredIdx != nil || view.ScrollTarget != nil {
		t.Fatal("expected hover cleared")
	}
}

func TestConversation_HoverRejectsInvalidSentence(t *testing.T) {
	c := newTestConversation(t)
	id := explainedMessage(t, c)
	c.Hover(id, intp(0))

	for _, idx := range []int{-1, 3} {
		if _, _, err := c.Hover(id, intp(idx)); !errors.Is(err, ErrInvalidSentence) {
			t.Errorf("Hover(%d): expected ErrInvalidSentence, got %v", idx, err)
		}
	}
	view, _ := c.Panel(id)
	if view.HoveredIdx == nil || *view.HoveredIdx != 0 {
		t.Fatal("a rejected hover must not replace the current one")
	}
}

func TestConversation_ExplanationKeepsOtherPanel(t *testing.T) {
	c := newTestConversation(t)
	a := explainedMessage(t, c)
	b := explainedMessage(t, c)
	if got := c.ActiveMessage(); got != a {
		t.Fatalf("the first explanation takes the free panel, got %q", got)
	}

	if _, applied, err := c.Hover(b, intp(0)); err != nil || !applied {
		t.Fatalf("expected hover applied, got %v %v", applied, err)
	}

	ticket, err := c.BeginExplanation(a)
	if err != nil {
		t.Fatalf("BeginExplanation: %v", err)
	}
	if !c.CompleteExplanation(ticket, testResponse()) {
		t.Fatal("expected explanation to apply")
	}

	if got := c.ActiveMessage(); got != b {
		t.Fatalf("panel must stay on %s, got %s", b, got)
	}
	view, err := c.Panel("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.HoveredIdx == nil || *view.HoveredIdx != 0 {
		t.Fatal("hover on the shown panel must survive another message's explanation")
	}

	// Re-explaining the shown message replaces its panel and clears the hover.
	ticket, _ = c.BeginExplanation(b)
	c.CompleteExplanation(ticket, testResponse())
	view, _ = c.Panel("")
	if c.ActiveMessage() != b || view.HoveredIdx != nil {
		t.Fatalf("expected fresh panel for %s, got %+v", b, view)
	}
}

func TestConversation_PushUpdatesOnlyChanged(t *testing.T) {
	c := newTestConversation(t)
	collect := func() []string {
		var ids []string
		c.PushUpdates(func(v MessageView) { ids = append(ids, v.ID) })
		return ids
	}

	if ids := collect(); len(ids) != 0 {
		t.Fatalf("welcome message is not an update, got %v", ids)
	}

	msg, _ := c.BeginStream()
	if ids := collect(); len(ids) != 1 || ids[0] != msg.ID {
		t.Fatalf("expected only the new message, got %v", ids)
	}
	if ids := collect(); len(ids) != 0 {
		t.Fatalf("nothing changed, got %v", ids)
	}

	c.AppendChunk(msg.ID, "Patient had chest pain.")
	c.FinishStream(msg.ID)
	ticket, _ := c.BeginExplanation(msg.ID)
	c.CompleteExplanation(ticket, testResponse())
	if ids := collect(); len(ids) != 1 || ids[0] != msg.ID {
		t.Fatalf("expected one rebuilt view, got %v", ids)
	}

	c.Hover(msg.ID, intp(1))
	if ids := collect(); len(ids) != 0 {
		t.Fatalf("hover does not rebuild message views, got %v", ids)
	}

	c.Select(msg.ID, intp(1))
	var views []MessageView
	c.PushUpdates(func(v MessageView) { views = append(views, v) })
	if len(views) != 1 || views[0].Sentences[1].State != evidence.SentenceSelected {
		t.Fatalf("expected selected sentence in pushed view, got %+v", views)
	}
}

func TestConversation_ConcurrentHoverLatestWins(t *testing.T) {
	c := newTestConversation(t)
	id := explainedMessage(t, c)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Hover(id, intp(i%3))
		}(i)
	}
	wg.Wait()

	_, applied, _ := c.Hover(id, intp(2))
	if !applied {
		t.Fatal("an uncontended hover must apply")
	}
	view, _ := c.Panel(id)
	if view.HoveredIdx == nil || *view.HoveredIdx != 2 {
		t.Fatal("expected the last hover to win")
	}
}

func TestConversation_SentencesAndEvidence(t *testing.T) {
	c := newTestConversation(t)
	id := explainedMessage(t, c)
	c.Select(id, intp(0))

	views, err := c.Sentences(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(views) != 3 || views[0].Popover == nil || !views[0].Popover.Open {
		t.Fatalf("expected open popover on sentence 0, got %+v", views)
	}

	g, err := c.Evidence(id, 0)
	if err != nil || g == nil || len(g.Documents) != 1 {
		t.Fatalf("expected one document for sentence 0, got %+v %v", g, err)
	}
	g, err = c.Evidence(id, 2)
	if err != nil || g != nil {
		t.Fatalf("expected no evidence for sentence 2, got %+v %v", g, err)
	}
	if _, err := c.Evidence(id, 9); !errors.Is(err, ErrInvalidSentence) {
		t.Fatalf("expected ErrInvalidSentence, got %v", err)
	}
}
