package chat

import (
	"errors"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/xid"

	"github.com/notepid/twilight_chat/internal/apperror"
)

// Reserved addresses.
const (
	Everyone = "all"    // broadcast recipient
	System   = "system" // sender of server notices
)

// ExpiryAge is the age after which a message counts as expired. Expiry is
// advisory; nothing is ever removed from history because of it.
const ExpiryAge = 24 * time.Hour

// MessageType classifies a message by how it was addressed.
type MessageType int

const (
	Private MessageType = iota
	Group
	SystemNotice
)

func (t MessageType) String() string {
	switch t {
	case Private:
		return "private"
	case Group:
		return "group"
	case SystemNotice:
		return "system"
	default:
		return "unknown"
	}
}

// Message is one chat message as routed and recorded in history.
type Message struct {
	ID        string
	Sender    string
	Recipient string // Everyone or a username
	Content   string
	Timestamp time.Time
	Type      MessageType
	Read      bool
	Deleted   bool
	EditedAt  time.Time
}

// Content errors.
var (
	ErrEmptyContent    = errors.New("empty content")
	ErrContentTooLong  = errors.New("content too long")
	ErrInvalidContent  = errors.New("invalid content")
	ErrRejectedContent = errors.New("content rejected")
)

// NewMessage builds a message with a fresh ID and the current UTC time.
func NewMessage(sender, recipient, content string) Message {
	m := Message{
		ID:        xid.New().String(),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	m.Type = TypeFor(sender, recipient)
	return m
}

// TypeFor derives the message type from its addressing.
func TypeFor(sender, recipient string) MessageType {
	switch {
	case sender == System:
		return SystemNotice
	case recipient == Everyone:
		return Group
	default:
		return Private
	}
}

// IsBroadcast reports whether the message goes to every session.
func (m Message) IsBroadcast() bool {
	return m.Recipient == Everyone
}

// Expired reports whether the message is older than ExpiryAge at now.
func (m Message) Expired(now time.Time) bool {
	return now.Sub(m.Timestamp) > ExpiryAge
}

// Edited reports whether the content was changed after sending.
func (m Message) Edited() bool {
	return !m.EditedAt.IsZero()
}

// ValidateContent checks content against the length limit (in runes) and
// the printable-text rule.
func ValidateContent(content string, maxLen int) error {
	if content == "" {
		return apperror.Route(ErrEmptyContent, "empty message")
	}
	if !utf8.ValidString(content) {
		return apperror.Route(ErrInvalidContent, "message is not valid UTF-8")
	}
	if utf8.RuneCountInString(content) > maxLen {
		return apperror.Route(ErrContentTooLong, "message too long")
	}
	blank := true
	for _, r := range content {
		if r == ' ' {
			continue
		}
		if !unicode.IsPrint(r) {
			return apperror.Route(ErrInvalidContent, "message contains control characters")
		}
		blank = false
	}
	if blank {
		return apperror.Route(ErrEmptyContent, "empty message")
	}
	return nil
}
