// Package conversation owns the review chat for one patient record: message
// history, streamed summaries, explanation requests and the selection and
// hover state shared by the summary and source views.
package conversation

import (
	"errors"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// WelcomeMessageID is the ID of the greeting every conversation starts with.
const WelcomeMessageID = "welcome"

// DefaultWelcomeMessage is used when no greeting is configured.
const DefaultWelcomeMessage = "Hello. Ask for a summary of this record, then select any sentence to see the notes it came from."

// ChatMessage is one turn of the conversation. Content grows while an AI
// message is streaming.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationClosed   = errors.New("conversation closed")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotExplainable       = errors.New("message cannot be explained")
	ErrRecordNotFound       = errors.New("record not found")
	ErrNoExplanation        = errors.New("message has no explanation")
	ErrInvalidSentence      = errors.New("summary sentence index out of range")
	ErrEmptyContent         = errors.New("content is required")
	ErrMissingRecordID      = errors.New("record_id is required")
)
