// Package conversation holds the chat log of the assistant and the
// per-turn transcript accumulators that feed it.
//
// Transcript fragments stream in while a turn is in progress and are
// committed as one [Message] when the turn completes. The [Log] is
// append-only and ordered by commit time.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	// RoleUser marks messages spoken or typed by the user.
	RoleUser Role = "user"

	// RoleModel marks messages produced by the assistant.
	RoleModel Role = "model"
)

// Link is a grounding reference attached to a message.
type Link struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Message is one entry of the conversation log.
type Message struct {
	ID             string    `json:"id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	ImageURL       string    `json:"image_url,omitempty"`
	GroundingLinks []Link    `json:"grounding_links,omitempty"`
}

// NewMessage returns a message with a fresh ID stamped at now.
func NewMessage(role Role, content string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: now,
	}
}
