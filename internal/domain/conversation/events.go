package conversation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/summarylink/internal/domain/evidence"
	"github.com/ehr/summarylink/internal/platform/websocket"
)

// Event types pushed to subscribers of a conversation topic.
const (
	EventMessageChunk       = "message.chunk"
	EventMessageCompleted   = "message.completed"
	EventMessageFailed      = "message.failed"
	EventMessageUpdated     = "message.updated"
	EventExplanationStarted = "explanation.started"
	EventExplanationReady   = "explanation.ready"
	EventNotification       = "notification"
	EventSelectionChanged   = "selection.changed"
	EventHoverChanged       = "hover.changed"
	EventClosed             = "conversation.closed"
)

// Publisher delivers events to connected clients.
type Publisher interface {
	Publish(ctx context.Context, event websocket.Event) error
}

// Topic is the subscription topic of a conversation.
func Topic(id uuid.UUID) string {
	return "conversation/" + id.String()
}

type chunkPayload struct {
	Chunk string `json:"chunk"`
}

type failedPayload struct {
	Error string `json:"error"`
}

type explanationPayload struct {
	AvgSimilarityScore float64 `json:"avg_similarity_score"`
	Sentences          int     `json:"sentences"`
	LowConfidence      int     `json:"low_confidence"`
}

type notificationPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type indexPayload struct {
	SummaryIdx *int `json:"summary_idx"`
}

type hoverPayload struct {
	SummaryIdx *int                   `json:"summary_idx"`
	Active     map[int]float64        `json:"active,omitempty"`
	Scroll     *evidence.ScrollTarget `json:"scroll_target,omitempty"`
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, websocket.Event) error { return nil }

// publishUpdates pushes the rebuilt view of every message whose rendering
// changed. Unchanged messages produce no event.
func (s *Service) publishUpdates(ctx context.Context, c *Conversation) {
	c.PushUpdates(func(v MessageView) {
		s.publish(ctx, c, EventMessageUpdated, v.ID, v)
	})
}

func (s *Service) publish(ctx context.Context, c *Conversation, typ, messageID string, payload interface{}) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error().Err(err).Str("event", typ).Msg("marshal event payload")
			return
		}
		data = b
	}
	ev := websocket.Event{
		Type:           typ,
		Topic:          Topic(c.ID),
		ConversationID: c.ID.String(),
		MessageID:      messageID,
		Timestamp:      time.Now().UTC(),
		Data:           data,
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", typ).Str("conversation_id", c.ID.String()).Msg("publish event")
	}
}
