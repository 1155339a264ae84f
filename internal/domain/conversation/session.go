package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/summarylink/internal/domain/evidence"
)

type messageState struct {
	msg       *ChatMessage
	streaming bool
	err       string

	interactive bool
	loading     bool
	explanation *evidence.ExplainResponse
	cache       *evidence.GroupCache
	panel       *evidence.Panel

	explainGen    uint64
	cancelExplain context.CancelFunc
}

func (m *messageState) snapshot(selected *int) Snapshot {
	return Snapshot{
		Message:       m.msg,
		Content:       m.msg.Content,
		IsInteractive: m.interactive,
		Loading:       m.loading,
		Streaming:     m.streaming,
		Explanation:   m.explanation,
		Cache:         m.cache,
		Selected:      selected,
		Error:         m.err,
	}
}

// Conversation is one open review panel for a record. All state changes go
// through its methods; they are serialized by mu. Once closed, every
// mutation is refused so late stream chunks and explanation results are
// dropped.
type Conversation struct {
	ID        uuid.UUID
	RecordID  string
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	messages []*messageState
	byID     map[string]*messageState

	// selectedMsg owns the sentence selection; activeMsg owns the source panel.
	selectedMsg string
	selection   evidence.Selection
	activeMsg   string
	hover       evidence.Hover

	// renderer serves reads; pushes tracks what clients were last sent and
	// is only advanced under pushMu.
	renderer      *Renderer
	pushMu        sync.Mutex
	pushes        *Renderer
	cacheObserver func(hit bool)
	now           func() time.Time
}

// Options tune a new conversation.
type Options struct {
	Welcome        string
	RenderObserver func(rendered bool)
	CacheObserver  func(hit bool)
	Now            func() time.Time
}

// New opens a conversation for recordID. Its lifetime context is derived
// from parent and cancelled by Close.
func New(parent context.Context, recordID string, opts Options) *Conversation {
	if opts.Welcome == "" {
		opts.Welcome = DefaultWelcomeMessage
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(parent)

	c := &Conversation{
		ID:            uuid.New(),
		RecordID:      recordID,
		CreatedAt:     opts.Now(),
		ctx:           ctx,
		cancel:        cancel,
		byID:          make(map[string]*messageState),
		renderer:      NewRenderer(nil),
		pushes:        NewRenderer(opts.RenderObserver),
		cacheObserver: opts.CacheObserver,
		now:           opts.Now,
	}
	c.appendLocked(&ChatMessage{
		ID:        WelcomeMessageID,
		Role:      RoleAI,
		Content:   opts.Welcome,
		Timestamp: c.CreatedAt,
	})
	// The welcome message arrives with the conversation itself.
	c.pushes.Render(c.Snapshots())
	return c
}

func (c *Conversation) appendLocked(msg *ChatMessage) *messageState {
	st := &messageState{msg: msg, cache: evidence.NewGroupCache(c.cacheObserver)}
	c.messages = append(c.messages, st)
	c.byID[msg.ID] = st
	return st
}

func (c *Conversation) lookupLocked(id string) (*messageState, error) {
	if c.closed {
		return nil, ErrConversationClosed
	}
	st, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return st, nil
}

// Context is cancelled when the conversation closes.
func (c *Conversation) Context() context.Context {
	return c.ctx
}

// Close stops all streams and explanation requests and refuses further
// updates. It is safe to call more than once.
func (c *Conversation) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, st := range c.messages {
		if st.cancelExplain != nil {
			st.cancelExplain()
			st.cancelExplain = nil
		}
	}
	c.cancel()
}

func (c *Conversation) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Message returns a copy of a message.
func (c *Conversation) Message(id string) (ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.lookupLocked(id)
	if err != nil {
		return ChatMessage{}, err
	}
	return *st.msg, nil
}

// AddUserMessage appends a user turn.
func (c *Conversation) AddUserMessage(content string) (ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ChatMessage{}, ErrConversationClosed
	}
	st := c.appendLocked(&ChatMessage{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: c.now(),
	})
	return *st.msg, nil
}

// -- Streaming --

// BeginStream appends an empty AI message that receives streamed text.
func (c *Conversation) BeginStream() (ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ChatMessage{}, ErrConversationClosed
	}
	st := c.appendLocked(&ChatMessage{
		ID:        uuid.NewString(),
		Role:      RoleAI,
		Timestamp: c.now(),
	})
	st.streaming = true
	return *st.msg, nil
}

// AppendChunk adds streamed text to a message. It returns false, changing
// nothing, when the conversation is closed or the stream already ended.
func (c *Conversation) AppendChunk(id, chunk string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.lookupLocked(id)
	if err != nil || !st.streaming {
		return false
	}
	st.msg.Content += chunk
	return true
}

// FinishStream marks a streamed message complete.
func (c *Conversation) FinishStream(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.lookupLocked(id)
	if err != nil || !st.streaming {
		return false
	}
	st.streaming = false
	return true
}

// FailStream ends a stream with an error. Text received so far is kept; an
// empty message shows the error in place of its content.
func (c *Conversation) FailStream(id string, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.lookupLocked(id)
	if err != nil || !st.streaming {
		return false
	}
	st.streaming = false
	msg := fmt.Sprintf("Summary generation failed: %v", cause)
	if st.msg.Content == "" {
		st.msg.Content = msg
	} else {
		st.err = msg
	}
	return true
}

// -- Explanation --

// ExplainTicket identifies one explanation request for a message.
type ExplainTicket struct {
	MessageID string
	Gen       uint64
	Summary   string
	Ctx       context.Context
}

// BeginExplanation marks a message interactive and loading. A request still
// in flight for the same message is cancelled and its result will be
// ignored; requests for other messages are unaffected.
func (c *Conversation) BeginExplanation(id string) (ExplainTicket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.lookupLocked(id)
	if err != nil {
		return ExplainTicket{}, err
	}
	if st.msg.Role != RoleAI || st.streaming || st.msg.Content == "" {
		return ExplainTicket{}, fmt.Errorf("%w: %s", ErrNotExplainable, id)
	}

	if st.cancelExplain != nil {
		st.cancelExplain()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	st.cancelExplain = cancel
	st.explainGen++
	st.interactive = true
	st.loading = true

	return ExplainTicket{MessageID: id, Gen: st.explainGen, Summary: st.msg.Content, Ctx: ctx}, nil
}

func (c *Conversation) currentTicketLocked(t ExplainTicket) (*messageState, bool) {
	st, err := c.lookupLocked(t.MessageID)
	if err != nil || st.explainGen != t.Gen {
		return nil, false
	}
	return st, true
}

// CompleteExplanation binds resp to the message if t is still the latest
// request. The message's panel becomes the active source panel unless
// another message's panel is showing.
func (c *Conversation) CompleteExplanation(t ExplainTicket, resp *evidence.ExplainResponse) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.currentTicketLocked(t)
	if !ok {
		return false
	}
	if st.cancelExplain != nil {
		st.cancelExplain()
		st.cancelExplain = nil
	}
	st.loading = false
	st.interactive = true
	st.explanation = resp
	st.panel = evidence.NewPanel(resp)

	if c.selectedMsg == t.MessageID {
		c.selection.Set(nil)
	}
	// The panel only follows a result when it is free or already showing
	// this message; a hover on another message's panel is left alone.
	if c.activeMsg == "" || c.activeMsg == t.MessageID {
		c.activeMsg = t.MessageID
		c.hover.Reset()
	}
	return true
}

// FailExplanation clears the loading state if t is still the latest request.
// A message without an earlier explanation goes back to plain text.
func (c *Conversation) FailExplanation(t ExplainTicket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.currentTicketLocked(t)
	if !ok {
		return false
	}
	if st.cancelExplain != nil {
		st.cancelExplain()
		st.cancelExplain = nil
	}
	st.loading = false
	st.interactive = st.explanation != nil
	return true
}

// Explaining reports whether any explanation request is in flight.
func (c *Conversation) Explaining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.messages {
		if st.loading {
			return true
		}
	}
	return false
}

// -- Selection and hover --

func (c *Conversation) explainedLocked(id string) (*messageState, error) {
	st, err := c.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if !st.interactive || st.explanation == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoExplanation, id)
	}
	return st, nil
}

// Select sets the selected sentence of message id, or clears it when idx is
// nil. The selection belongs to one message at a time: selecting in another
// message drops the previous selection.
func (c *Conversation) Select(id string, idx *int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.explainedLocked(id)
	if err != nil {
		return false, err
	}
	if idx != nil && !st.explanation.ValidSentence(*idx) {
		return false, fmt.Errorf("%w: %d", ErrInvalidSentence, *idx)
	}

	if c.selectedMsg != id {
		if idx == nil {
			// Deselecting in a message that holds no selection.
			return false, nil
		}
		c.selection.Set(nil)
		c.selectedMsg = id
	}
	changed := c.selection.Set(idx)
	if c.activeMsg != id {
		c.activeMsg = id
		c.hover.Reset()
	}
	return changed, nil
}

// Selection returns the message owning the selection and the selected
// sentence, if any.
func (c *Conversation) Selection() (string, *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.selection.Current()
	if cur == nil {
		return "", nil
	}
	return c.selectedMsg, cur
}

// Hover records the hovered sentence of message id and recomputes the
// source highlight. The highlight is computed outside the lock; if another
// hover arrives first, this one is discarded and applied is false.
func (c *Conversation) Hover(id string, idx *int) (h *evidence.Highlight, applied bool, err error) {
	c.mu.Lock()
	st, err := c.explainedLocked(id)
	if err != nil {
		c.mu.Unlock()
		return nil, false, err
	}
	if idx != nil && !st.explanation.ValidSentence(*idx) {
		c.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %d", ErrInvalidSentence, *idx)
	}
	if c.activeMsg != id {
		c.activeMsg = id
		c.hover.Reset()
	}
	panel := st.panel
	gen := c.hover.Set(idx)
	c.mu.Unlock()

	h = panel.Highlight(idx, gen)
	return h, c.hover.Commit(h), nil
}

// DismissBanner hides the low-similarity banner of message id's panel.
func (c *Conversation) DismissBanner(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.explainedLocked(id)
	if err != nil {
		return err
	}
	st.panel.DismissBanner()
	return nil
}

// -- Views --

// Snapshots returns the render input of every message, in order.
func (c *Conversation) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, 0, len(c.messages))
	cur := c.selection.Current()
	for _, st := range c.messages {
		var selected *int
		if cur != nil && st.msg.ID == c.selectedMsg {
			selected = cur
		}
		// Content is copied here; renderers must not read Message.Content.
		out = append(out, st.snapshot(selected))
	}
	return out
}

// Views renders every message.
func (c *Conversation) Views() []MessageView {
	views, _ := c.renderer.Render(c.Snapshots())
	return views
}

// PushUpdates calls fn, in message order, with the view of every message
// that changed since the previous PushUpdates. Messages whose render input
// is unchanged are not passed to fn. Calls are serialized so updates reach
// fn in the order the state changed.
func (c *Conversation) PushUpdates(fn func(MessageView)) int {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	views, changed := c.pushes.Render(c.Snapshots())
	if len(changed) == 0 {
		return 0
	}
	rebuilt := make(map[string]struct{}, len(changed))
	for _, id := range changed {
		rebuilt[id] = struct{}{}
	}
	for _, v := range views {
		if _, ok := rebuilt[v.ID]; ok {
			fn(v)
		}
	}
	return len(changed)
}

// Sentences renders the summary sentences of an explained message.
func (c *Conversation) Sentences(id string) ([]evidence.SentenceView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.explainedLocked(id)
	if err != nil {
		return nil, err
	}
	var selected *int
	if c.selectedMsg == id {
		selected = c.selection.Current()
	}
	hovered, _ := c.hover.Current()
	if c.activeMsg != id {
		hovered = nil
	}
	return evidence.RenderSentences(st.explanation, st.cache, selected, hovered), nil
}

// Evidence returns the grouped evidence of one sentence, or nil when the
// sentence has none.
func (c *Conversation) Evidence(id string, idx int) (*evidence.GroupedEvidence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.explainedLocked(id)
	if err != nil {
		return nil, err
	}
	if !st.explanation.ValidSentence(idx) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSentence, idx)
	}
	return st.cache.Get(st.explanation, idx), nil
}

// Panel renders the source panel of message id, or of the active message
// when id is empty.
func (c *Conversation) Panel(id string) (evidence.PanelView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == "" {
		id = c.activeMsg
	}
	st, err := c.explainedLocked(id)
	if err != nil {
		return evidence.PanelView{}, err
	}
	var h *evidence.Highlight
	if c.activeMsg == id {
		h = c.hover.Applied()
	}
	return st.panel.View(h), nil
}

// ActiveMessage returns the message whose panel is shown.
func (c *Conversation) ActiveMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeMsg
}
