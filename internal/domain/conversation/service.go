package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/summarylink/internal/domain/evidence"
)

// Explainer is the external summarization and explanation service.
type Explainer interface {
	Explain(ctx context.Context, recordID, summary string) (*evidence.ExplainResponse, error)
	SummarizeStream(ctx context.Context, recordID string, fn func(chunk string) error) error
}

// Instruments receives operational measurements from the service.
type Instruments interface {
	ExplainFinished(outcome string, d time.Duration)
	StreamChunk()
	StreamFinished(outcome string)
	CacheLookup(hit bool)
	Render(rebuilt bool)
}

// Explanation outcomes reported to Instruments.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeStale     = "stale"
)

type nopInstruments struct{}

func (nopInstruments) ExplainFinished(string, time.Duration) {}
func (nopInstruments) StreamChunk()                          {}
func (nopInstruments) StreamFinished(string)                 {}
func (nopInstruments) CacheLookup(bool)                      {}
func (nopInstruments) Render(bool)                           {}

var errStreamDetached = errors.New("stream target is gone")

// ServiceConfig holds optional service settings.
type ServiceConfig struct {
	Welcome     string
	Events      Publisher
	Instruments Instruments
	Logger      zerolog.Logger
}

// Service coordinates open conversations with the explanation service and
// pushes every state change to the conversation's subscribers.
type Service struct {
	store     *Store
	records   RecordDirectory
	explainer Explainer
	events    Publisher
	metrics   Instruments
	logger    zerolog.Logger
	welcome   string

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(store *Store, records RecordDirectory, explainer Explainer, cfg ServiceConfig) *Service {
	if cfg.Events == nil {
		cfg.Events = noopPublisher{}
	}
	if cfg.Instruments == nil {
		cfg.Instruments = nopInstruments{}
	}
	if records == nil {
		records = NewOpenDirectory()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		store:     store,
		records:   records,
		explainer: explainer,
		events:    cfg.Events,
		metrics:   cfg.Instruments,
		logger:    cfg.Logger.With().Str("component", "conversation").Logger(),
		welcome:   cfg.Welcome,
		base:      base,
		cancel:    cancel,
	}
}

// -- Lifecycle --

// Open starts a conversation for an existing patient record.
func (s *Service) Open(ctx context.Context, recordID string) (*Conversation, error) {
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return nil, ErrMissingRecordID
	}
	ok, err := s.records.Exists(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}

	c := New(s.base, recordID, Options{
		Welcome:        s.welcome,
		RenderObserver: s.metrics.Render,
		CacheObserver:  s.metrics.CacheLookup,
	})
	s.store.Put(c)
	s.logger.Info().Str("conversation_id", c.ID.String()).Str("record_id", recordID).Msg("conversation opened")
	return c, nil
}

func (s *Service) Get(_ context.Context, id uuid.UUID) (*Conversation, error) {
	return s.store.Get(id)
}

func (s *Service) List(_ context.Context) []*Conversation {
	return s.store.List()
}

// Close closes a conversation. In-flight streams and explanation requests
// are cancelled and their late results discarded.
func (s *Service) Close(ctx context.Context, id uuid.UUID) error {
	c, err := s.store.Remove(id)
	if err != nil {
		return err
	}
	c.Close()
	s.publish(ctx, c, EventClosed, "", nil)
	s.logger.Info().Str("conversation_id", id.String()).Msg("conversation closed")
	return nil
}

// Shutdown closes every conversation and waits for background work.
func (s *Service) Shutdown(ctx context.Context) error {
	for _, c := range s.store.List() {
		if _, err := s.store.Remove(c.ID); err == nil {
			c.Close()
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) AddUserMessage(ctx context.Context, id uuid.UUID, content string) (ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return ChatMessage{}, ErrEmptyContent
	}
	c, err := s.store.Get(id)
	if err != nil {
		return ChatMessage{}, err
	}
	msg, err := c.AddUserMessage(content)
	if err != nil {
		return ChatMessage{}, err
	}
	s.publishUpdates(ctx, c)
	return msg, nil
}

// -- Summary streaming --

// StartSummary appends a new AI message and fills it from the summarize
// stream in the background.
func (s *Service) StartSummary(ctx context.Context, id uuid.UUID) (ChatMessage, error) {
	c, err := s.store.Get(id)
	if err != nil {
		return ChatMessage{}, err
	}
	msg, err := c.BeginStream()
	if err != nil {
		return ChatMessage{}, err
	}
	s.publishUpdates(ctx, c)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSummary(c, msg.ID)
	}()
	return msg, nil
}

func (s *Service) runSummary(c *Conversation, messageID string) {
	ctx := c.Context()
	log := s.logger.With().
		Str("conversation_id", c.ID.String()).
		Str("message_id", messageID).
		Logger()

	err := s.explainer.SummarizeStream(ctx, c.RecordID, func(chunk string) error {
		if !c.AppendChunk(messageID, chunk) {
			return errStreamDetached
		}
		s.metrics.StreamChunk()
		s.publish(ctx, c, EventMessageChunk, messageID, chunkPayload{Chunk: chunk})
		s.publishUpdates(ctx, c)
		return nil
	})

	switch {
	case err == nil:
		if c.FinishStream(messageID) {
			s.metrics.StreamFinished(OutcomeOK)
			s.publish(ctx, c, EventMessageCompleted, messageID, nil)
			s.publishUpdates(ctx, c)
			log.Debug().Msg("summary stream completed")
		}
	case errors.Is(err, errStreamDetached) || ctx.Err() != nil:
		s.metrics.StreamFinished(OutcomeCancelled)
		log.Debug().Err(err).Msg("summary stream abandoned")
	default:
		if c.FailStream(messageID, err) {
			s.metrics.StreamFinished(OutcomeError)
			s.publish(ctx, c, EventMessageFailed, messageID, failedPayload{Error: err.Error()})
			s.publishUpdates(ctx, c)
			s.notify(ctx, c, "Failed to generate summary. Please try again.")
		}
		log.Error().Err(err).Msg("summary stream failed")
	}
}

// -- Explanation --

// RequestExplanation asks the explanation service to link message
// messageID to its source notes. The message shows the analyzing state
// until the result arrives. Requesting again while a request is in flight
// replaces it.
func (s *Service) RequestExplanation(ctx context.Context, id uuid.UUID, messageID string) error {
	c, err := s.store.Get(id)
	if err != nil {
		return err
	}
	ticket, err := c.BeginExplanation(messageID)
	if err != nil {
		return err
	}
	s.publish(ctx, c, EventExplanationStarted, messageID, nil)
	s.publishUpdates(ctx, c)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runExplanation(c, ticket)
	}()
	return nil
}

func (s *Service) runExplanation(c *Conversation, t ExplainTicket) {
	log := s.logger.With().
		Str("conversation_id", c.ID.String()).
		Str("message_id", t.MessageID).
		Uint64("gen", t.Gen).
		Logger()

	start := time.Now()
	resp, err := s.explainer.Explain(t.Ctx, c.RecordID, t.Summary)
	elapsed := time.Since(start)
	ctx := c.Context()

	if err != nil {
		if t.Ctx.Err() != nil {
			if c.FailExplanation(t) {
				s.publishUpdates(ctx, c)
			}
			s.metrics.ExplainFinished(OutcomeCancelled, elapsed)
			log.Debug().Err(err).Msg("explanation cancelled")
			return
		}
		s.metrics.ExplainFinished(OutcomeError, elapsed)
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("explanation failed")
		if c.FailExplanation(t) {
			s.publishUpdates(ctx, c)
			s.notify(ctx, c, "Failed to explain summary. Please try again.")
		}
		return
	}

	if !c.CompleteExplanation(t, resp) {
		s.metrics.ExplainFinished(OutcomeStale, elapsed)
		log.Debug().Msg("explanation result discarded")
		return
	}
	s.metrics.ExplainFinished(OutcomeOK, elapsed)

	if resp.BelowThreshold() {
		log.Warn().Float64("avg_similarity_score", resp.AvgSimilarityScore).Msg("low similarity explanation")
	}
	s.publish(ctx, c, EventExplanationReady, t.MessageID, explanationPayload{
		AvgSimilarityScore: resp.AvgSimilarityScore,
		Sentences:          resp.SentenceCount(),
		LowConfidence:      len(resp.LowSimilarityMatches),
	})
	s.publishUpdates(ctx, c)
}

func (s *Service) notify(ctx context.Context, c *Conversation, message string) {
	s.publish(ctx, c, EventNotification, "", notificationPayload{Level: "error", Message: message})
}

// -- Selection, hover and panel --

func (s *Service) Select(ctx context.Context, id uuid.UUID, messageID string, idx *int) error {
	c, err := s.store.Get(id)
	if err != nil {
		return err
	}
	changed, err := c.Select(messageID, idx)
	if err != nil {
		return err
	}
	if changed {
		s.publish(ctx, c, EventSelectionChanged, messageID, indexPayload{SummaryIdx: idx})
		s.publishUpdates(ctx, c)
	}
	return nil
}

// Hover updates the hovered sentence and returns the resulting panel
// highlight. A hover overtaken by a newer one is not published.
func (s *Service) Hover(ctx context.Context, id uuid.UUID, messageID string, idx *int) (*evidence.Highlight, error) {
	c, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	h, applied, err := c.Hover(messageID, idx)
	if err != nil {
		return nil, err
	}
	if applied {
		s.publish(ctx, c, EventHoverChanged, messageID, hoverPayload{
			SummaryIdx: h.SummaryIdx,
			Active:     h.Active,
			Scroll:     h.Scroll,
		})
	}
	return h, nil
}

func (s *Service) DismissBanner(_ context.Context, id uuid.UUID, messageID string) error {
	c, err := s.store.Get(id)
	if err != nil {
		return err
	}
	return c.DismissBanner(messageID)
}

// -- Views --

func (s *Service) Views(_ context.Context, id uuid.UUID) ([]MessageView, error) {
	c, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	return c.Views(), nil
}

func (s *Service) Sentences(_ context.Context, id uuid.UUID, messageID string) ([]evidence.SentenceView, error) {
	c, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	return c.Sentences(messageID)
}

func (s *Service) Evidence(_ context.Context, id uuid.UUID, messageID string, idx int) (*evidence.GroupedEvidence, error) {
	c, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	return c.Evidence(messageID, idx)
}

func (s *Service) Panel(_ context.Context, id uuid.UUID, messageID string) (evidence.PanelView, error) {
	c, err := s.store.Get(id)
	if err != nil {
		return evidence.PanelView{}, err
	}
	return c.Panel(messageID)
}
