package domain

import (
	"errors"
	"fmt"
	"time"
)

// Role is the speaker of a turn.
type Role string

const (
	RoleChild     Role = "child"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleChild || r == RoleAssistant
}

// Conversation is the aggregate record of one Ask Dora session.
type Conversation struct {
	ID        string
	ProfileID string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
	TurnCount int
}

// Turn is a single persisted message. Seq orders turns within a conversation.
type Turn struct {
	ID             string
	ConversationID string
	Seq            int64
	Role           Role
	Text           string
	CreatedAt      time.Time
}

var ErrConversationNotFound = errors.New("conversation not found")

// StorageError reports that the underlying store could not complete Op.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
