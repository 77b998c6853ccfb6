package event

import (
	"errors"
	"time"
)

// Kind enumerates the closed set of normalized events the engine consumes.
// Adding a detector category means adding a Kind here and handling it in every
// exhaustive switch, which the compiler will point out.
type Kind string

const (
	KindMessageSent    Kind = "message_sent"
	KindMemberJoined   Kind = "member_joined"
	KindChannelRemoved Kind = "channel_removed"
	KindRoleRemoved    Kind = "role_removed"
	KindContentEdited  Kind = "content_edited"
	KindContentRemoved Kind = "content_removed"
)

type (
	// Event is the normalized union delivered by the event-source collaborator.
	// Events are immutable once constructed and never persisted.
	Event struct {
		Kind        Kind      `json:"kind"`
		SourceID    string    `json:"source_id,omitempty"`
		CommunityID int64     `json:"community_id"`
		UserID      int64     `json:"user_id,omitempty"`
		ActorID     int64     `json:"actor_id,omitempty"`
		OccurredAt  time.Time `json:"occurred_at"`
		Message     *Message  `json:"message,omitempty"`
	}

	Message struct {
		Text        string       `json:"text"`
		Attachments []Attachment `json:"attachments,omitempty"`
	}

	Attachment struct {
		FileName  string `json:"file_name"`
		SizeBytes int64  `json:"size_bytes"`
	}
)

var (
	ErrUnknownKind  = errors.New("unknown event kind")
	ErrNoCommunity  = errors.New("event without community id")
	ErrNoSubject    = errors.New("event without subject id")
	ErrNoActor      = errors.New("destructive event without actor id")
	ErrZeroOccurred = errors.New("event without timestamp")
)

// Validate rejects malformed events. The caller counts rejects as a metric,
// never as an error.
func (e *Event) Validate() error {
	if e.CommunityID == 0 {
		return ErrNoCommunity
	}
	if e.OccurredAt.IsZero() {
		return ErrZeroOccurred
	}
	switch e.Kind {
	case KindMessageSent, KindContentEdited, KindContentRemoved:
		if e.UserID == 0 {
			return ErrNoSubject
		}
	case KindMemberJoined:
		if e.UserID == 0 {
			return ErrNoSubject
		}
	case KindChannelRemoved, KindRoleRemoved:
		if e.ActorID == 0 {
			return ErrNoActor
		}
	default:
		return ErrUnknownKind
	}
	return nil
}

// Text returns the message text, empty for non-message events.
func (e *Event) Text() string {
	if e.Message == nil {
		return ""
	}
	return e.Message.Text
}
