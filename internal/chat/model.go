package chat

import (
	"errors"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/teamforge/internal/codec"
)

const (
	maxIdentifierLength = 190
	// MaxMessageRunes bounds the length of a single chat message.
	MaxMessageRunes = 4000
	defaultListLimit = 200
	maxListLimit     = 1000
)

var (
	// ErrEmptyMessage indicates that the message text was blank after trimming.
	ErrEmptyMessage = errors.New("chat: empty message")
	// ErrMessageTooLong indicates that the message exceeds MaxMessageRunes.
	ErrMessageTooLong = errors.New("chat: message too long")
	// ErrNotGroupMember indicates that the caller does not belong to the group.
	ErrNotGroupMember = errors.New("chat: not a group member")
	// ErrInvalidGroupID indicates that a group identifier is empty or exceeds storage bounds.
	ErrInvalidGroupID = errors.New("chat: invalid group id")
	// ErrInvalidSender indicates that a sender identifier is empty or exceeds storage bounds.
	ErrInvalidSender = errors.New("chat: invalid sender")
)

// Message is the persisted, sealed form of a chat message. Records are appended
// once and never updated.
type Message struct {
	Sequence        int64  `gorm:"column:sequence;primaryKey;autoIncrement"`
	MessageID       string `gorm:"column:message_id;size:64;not null;uniqueIndex"`
	GroupID         string `gorm:"column:group_id;size:190;not null;index:idx_chat_messages_group_sequence,priority:1"`
	Sender          string `gorm:"column:sender;size:190;not null"`
	Ciphertext      string `gorm:"column:ciphertext;type:text;not null"`
	IntegrityTag    string `gorm:"column:integrity_tag;size:64;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "chat_messages"
}

func (m Message) record() codec.Record {
	return codec.Record{
		Binding: codec.Binding{GroupID: m.GroupID, Sender: m.Sender},
		Sealed:  codec.SealedMessage{Ciphertext: m.Ciphertext, IntegrityTag: m.IntegrityTag},
	}
}

// SendRequest describes a message a member wants to post.
type SendRequest struct {
	GroupID string
	Sender  string
	Text    string
}

// SentMessage reports where a posted message landed.
type SentMessage struct {
	MessageID string
	GroupID   string
	Sender    string
	Sequence  int64
	CreatedAt time.Time
}

// ListRequest selects messages from a group's history.
type ListRequest struct {
	GroupID       string
	Reader        string
	AfterSequence int64
	Limit         int
}

// DisplayMessage is a stored message opened for one reader.
type DisplayMessage struct {
	MessageID string
	GroupID   string
	Sender    string
	Text      string
	Status    codec.Status
	Sequence  int64
	CreatedAt time.Time
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

func tooLong(text string) bool {
	return utf8.RuneCountInString(text) > MaxMessageRunes
}
