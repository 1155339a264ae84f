package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/summarylink/internal/domain/evidence"
	"github.com/ehr/summarylink/internal/platform/websocket"
)

// -- Mocks --

type explainCall struct {
	ctx     context.Context
	summary string
	result  chan explainResult
}

type explainResult struct {
	resp *evidence.ExplainResponse
	err  error
}

type mockExplainer struct {
	calls  chan explainCall
	chunks []string
	// streamGate, when set, blocks the stream after the first chunk.
	streamGate chan struct{}
	streamErr  error
}

func newMockExplainer() *mockExplainer {
	return &mockExplainer{calls: make(chan explainCall, 16)}
}

func (m *mockExplainer) Explain(ctx context.Context, _ string, summary string) (*evidence.ExplainResponse, error) {
	call := explainCall{ctx: ctx, summary: summary, result: make(chan explainResult, 1)}
	m.calls <- call
	select {
	case r := <-call.result:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mockExplainer) SummarizeStream(ctx context.Context, _ string, fn func(string) error) error {
	for i, chunk := range m.chunks {
		if err := fn(chunk); err != nil {
			return err
		}
		if i == 0 && m.streamGate != nil {
			select {
			case <-m.streamGate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return m.streamErr
}

func (m *mockExplainer) nextCall(t *testing.T) explainCall {
	t.Helper()
	select {
	case c := <-m.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("expected an explain call")
		return explainCall{}
	}
}

type mockPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (m *mockPublisher) Publish(_ context.Context, ev websocket.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockPublisher) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Type)
	}
	return out
}

func (m *mockPublisher) count(typ string) int {
	n := 0
	for _, t := range m.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func (m *mockPublisher) messageIDs(typ string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events {
		if ev.Type == typ {
			out = append(out, ev.MessageID)
		}
	}
	return out
}

type mockDirectory struct {
	known map[string]bool
	err   error
}

func (m *mockDirectory) Exists(_ context.Context, id string) (bool, error) {
	return m.known[id], m.err
}

type mockInstruments struct {
	mu       sync.Mutex
	outcomes []string
	chunks   int
}

func (m *mockInstruments) ExplainFinished(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}
func (m *mockInstruments) StreamChunk() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks++
}
func (m *mockInstruments) StreamFinished(string) {}
func (m *mockInstruments) CacheLookup(bool)      {}
func (m *mockInstruments) Render(bool)           {}

func (m *mockInstruments) chunkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunks
}

func (m *mockInstruments) outcomeList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.outcomes...)
}

type serviceFixture struct {
	svc       *Service
	explainer *mockExplainer
	events    *mockPublisher
	metrics   *mockInstruments
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		explainer: newMockExplainer(),
		events:    &mockPublisher{},
		metrics:   &mockInstruments{},
	}
	dir := &mockDirectory{known: map[string]bool{"MRN-001": true}}
	f.svc = NewService(NewStore(), dir, f.explainer, ServiceConfig{
		Events:      f.events,
		Instruments: f.metrics,
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := f.svc.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// streamSummary opens a conversation and streams one summary into it.
func (f *serviceFixture) streamSummary(t *testing.T, chunks ...string) (*Conversation, string) {
	t.Helper()
	ctx := context.Background()
	conv, err := f.svc.Open(ctx, "MRN-001")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.explainer.chunks = chunks
	msg, err := f.svc.StartSummary(ctx, conv.ID)
	if err != nil {
		t.Fatalf("StartSummary: %v", err)
	}
	waitFor(t, "stream completion", func() bool {
		return !snapshotOf(conv, msg.ID).Streaming
	})
	return conv, msg.ID
}

// -- Tests --

func TestService_OpenValidatesRecord(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Open(ctx, "  "); !errors.Is(err, ErrMissingRecordID) {
		t.Fatalf("expected ErrMissingRecordID, got %v", err)
	}
	if _, err := f.svc.Open(ctx, "MRN-404"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}

	conv, err := f.svc.Open(ctx, " MRN-001 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.RecordID != "MRN-001" {
		t.Errorf("expected trimmed record ID, got %q", conv.RecordID)
	}
	got, err := f.svc.Get(ctx, conv.ID)
	if err != nil || got != conv {
		t.Fatalf("expected stored conversation, got %v", err)
	}
}

func TestService_OpenDirectoryError(t *testing.T) {
	svc := NewService(NewStore(), &mockDirectory{err: errors.New("db down")}, newMockExplainer(), ServiceConfig{Logger: zerolog.Nop()})
	if _, err := svc.Open(context.Background(), "MRN-001"); err == nil || errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected directory error, got %v", err)
	}
}

func TestService_StreamPublishesChunks(t *testing.T) {
	f := newServiceFixture(t)
	conv, id := f.streamSummary(t, "Patient ", "had ", "chest pain.")

	msg, err := conv.Message(id)
	if err != nil || msg.Content != "Patient had chest pain." {
		t.Fatalf("unexpected message %+v %v", msg, err)
	}
	waitFor(t, "completion event", func() bool { return f.events.count(EventMessageCompleted) == 1 })
	if n := f.events.count(EventMessageChunk); n != 3 {
		t.Errorf("expected 3 chunk events, got %d", n)
	}
	if n := f.metrics.chunkCount(); n != 3 {
		t.Errorf("expected 3 chunks recorded, got %d", n)
	}
}

func TestService_StreamFailureNotifies(t *testing.T) {
	f := newServiceFixture(t)
	f.explainer.streamErr = errors.New("upstream 502")
	conv, id := f.streamSummary(t, "Patient had")

	s := snapshotOf(conv, id)
	if s.Content != "Patient had" || s.Error == "" {
		t.Fatalf("expected partial content with error, got %+v", s)
	}
	waitFor(t, "notification", func() bool { return f.events.count(EventNotification) == 1 })
	if f.events.count(EventMessageFailed) != 1 {
		t.Error("expected message.failed event")
	}
}

func TestService_CloseStopsStream(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	conv, _ := f.svc.Open(ctx, "MRN-001")

	f.explainer.chunks = []string{"Patient ", "had ", "chest pain."}
	f.explainer.streamGate = make(chan struct{})
	msg, _ := f.svc.StartSummary(ctx, conv.ID)
	waitFor(t, "first chunk", func() bool { return f.events.count(EventMessageChunk) == 1 })

	if err := f.svc.Close(ctx, conv.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(f.explainer.streamGate)

	if conv.AppendChunk(msg.ID, "late") {
		t.Fatal("closed conversation accepted a chunk")
	}
	if _, err := f.svc.Get(ctx, conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if f.events.count(EventClosed) != 1 {
		t.Error("expected conversation.closed event")
	}
	if f.events.count(EventMessageChunk) != 1 {
		t.Error("no chunk may be published after close")
	}
}

func TestService_ExplanationFlow(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	conv, id := f.streamSummary(t, "Patient had chest pain.")

	if err := f.svc.RequestExplanation(ctx, conv.ID, id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	call := f.explainer.nextCall(t)
	if call.summary != "Patient had chest pain." {
		t.Errorf("expected message text sent, got %q", call.summary)
	}

	views, _ := f.svc.Views(ctx, conv.ID)
	if views[len(views)-1].Mode != ModeAnalyzing {
		t.Fatalf("expected analyzing view, got %s", views[len(views)-1].Mode)
	}

	call.result <- explainResult{resp: testResponse()}
	waitFor(t, "explanation ready", func() bool { return f.events.count(EventExplanationReady) == 1 })

	views, _ = f.svc.Views(ctx, conv.ID)
	last := views[len(views)-1]
	if last.Mode != ModeInteractive || len(last.Sentences) != 3 {
		t.Fatalf("expected interactive view with 3 sentences, got %+v", last)
	}
	if got := f.metrics.outcomeList(); len(got) != 1 || got[0] != OutcomeOK {
		t.Errorf("expected ok outcome, got %v", got)
	}
}

func TestService_ExplanationFailureNotifies(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	conv, id := f.streamSummary(t, "Summary.")

	f.svc.RequestExplanation(ctx, conv.ID, id)
	f.explainer.nextCall(t).result <- explainResult{err: errors.New("timeout")}

	waitFor(t, "notification", func() bool { return f.events.count(EventNotification) == 1 })
	if ModeOf(snapshotOf(conv, id)) != ModePlain {
		t.Fatal("expected plain text after failure")
	}
}

func TestService_ExplanationReplaced(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	conv, id := f.streamSummary(t, "Summary.")

	f.svc.RequestExplanation(ctx, conv.ID, id)
	first := f.explainer.nextCall(t)
	f.svc.RequestExplanation(ctx, conv.ID, id)
	second := f.explainer.nextCall(t)

	waitFor(t, "first request cancelled", func() bool { return first.ctx.Err() != nil })

	resp := testResponse()
	second.result <- explainResult{resp: resp}
	waitFor(t, "explanation ready", func() bool { return f.events.count(EventExplanationReady) == 1 })

	if snapshotOf(conv, id).Explanation != resp {
		t.Fatal("expected the second response bound")
	}
	if f.events.count(EventNotification) != 0 {
		t.Fatal("a replaced request must not notify")
	}
	waitFor(t, "both outcomes", func() bool { return len(f.metrics.outcomeList()) == 2 })
}

func TestService_RequestExplanationErrors(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	conv, _ := f.svc.Open(ctx, "MRN-001")

	if err := f.svc.RequestExplanation(ctx, uuid.New(), "x"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if err := f.svc.RequestExplanation(ctx, conv.ID, "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestService_SelectAndHoverPublish(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	conv, id := f.streamSummary(t, "Summary.")
	f.svc.RequestExplanation(ctx, conv.ID, id)
	f.explainer.nextCall(t).result <- explainResult{resp: testResponse()}
	waitFor(t, "explanation ready", func() bool { return f.events.count(EventExplanationReady) == 1 })

	if err := f.svc.Select(ctx, conv.ID, id, intp(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.svc.Select(ctx, conv.ID, id, intp(0))
	if n := f.events.count(EventSelectionChanged); n != 1 {
		t.Errorf("expected 1 selection event, got %d", n)
	}

	h, err := f.svc.Hover(ctx, conv.ID, id, intp(1))
	if err != nil || h == nil {
		t.Fatalf("unexpected hover result %v %v", h, err)
	}
	if f.events.count(EventHoverChanged) != 1 {
		t.Error("expected hover.changed event")
	}

	sentences, _ := f.svc.Sentences(ctx, conv.ID, id)
	if sentences[0].State != evidence.SentenceSelected || sentences[1].State != evidence.SentenceHover {
		t.Fatalf("unexpected sentence states %+v", sentences)
	}

	panel, err := f.svc.Panel(ctx, conv.ID, "")
	if err != nil || panel.Banner == nil {
		t.Fatalf("expected panel with banner, got %+v %v", panel, err)
	}
	if err := f.svc.DismissBanner(ctx, conv.ID, id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	panel, _ = f.svc.Panel(ctx, conv.ID, id)
	if panel.Banner != nil {
		t.Fatal("expected banner dismissed")
	}
}

func TestService_PublishesChangedViews(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	conv, id := f.streamSummary(t, "Patient had ", "chest pain.")
	waitFor(t, "completion event", func() bool { return f.events.count(EventMessageCompleted) == 1 })

	for _, mid := range f.events.messageIDs(EventMessageUpdated) {
		if mid != id {
			t.Fatalf("only the streaming message may be pushed, got %q", mid)
		}
	}
	if len(f.events.messageIDs(EventMessageUpdated)) == 0 {
		t.Fatal("expected message.updated events while streaming")
	}

	f.svc.RequestExplanation(ctx, conv.ID, id)
	f.explainer.nextCall(t).result <- explainResult{resp: testResponse()}
	waitFor(t, "explanation ready", func() bool { return f.events.count(EventExplanationReady) == 1 })
	waitFor(t, "explained view", func() bool { return f.events.count(EventMessageUpdated) == 6 })

	before := f.events.count(EventMessageUpdated)
	if _, err := f.svc.Hover(ctx, conv.ID, id, intp(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.svc.Select(ctx, conv.ID, id, intp(2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := f.events.count(EventMessageUpdated) - before; n != 1 {
		t.Errorf("expected one update for the selection, got %d", n)
	}
}

func TestService_AddUserMessage(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	conv, _ := f.svc.Open(ctx, "MRN-001")

	if _, err := f.svc.AddUserMessage(ctx, conv.ID, "   "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	msg, err := f.svc.AddUserMessage(ctx, conv.ID, "Summarize the admission")
	if err != nil || msg.Role != RoleUser {
		t.Fatalf("unexpected result %+v %v", msg, err)
	}
	views, _ := f.svc.Views(ctx, conv.ID)
	if len(views) != 2 || views[1].Mode != ModePlain {
		t.Fatalf("expected welcome plus user message, got %+v", views)
	}
}
