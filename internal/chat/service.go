package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/teamforge/internal/codec"
	"github.com/MarcoPoloResearchLab/teamforge/internal/identifiers"
	"github.com/MarcoPoloResearchLab/teamforge/internal/svcerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew          = "chat.service.new"
	opSendMessage         = "chat.send_message"
	opListMessages        = "chat.list_messages"
	fieldGroupID          = "group_id"
	fieldSender           = "sender"
	fieldMessageID        = "message_id"
	fieldSequence         = "sequence"
	queryGroupAfter       = fieldGroupID + " = ? AND " + fieldSequence + " > ?"
	orderSequenceAsc      = fieldSequence + " ASC"
	reasonMissingDatabase = "missing_database"
	reasonMissingCodec    = "missing_codec"
	reasonInvalidGroup    = "invalid_group_id"
	reasonInvalidSender   = "invalid_sender"
	reasonEmptyMessage    = "empty_message"
	reasonTooLong         = "message_too_long"
	reasonNotMember       = "not_group_member"
	reasonMembership      = "membership_check_failed"
	reasonSealFailed      = "seal_failed"
	reasonIDFailed        = "id_generation_failed"
	reasonInsertFailed    = "insert_failed"
	reasonQueryFailed     = "query_failed"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingCodec      = errors.New("message codec is required")
	errMissingMembership = errors.New("membership checker is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// MembershipChecker answers whether a member belongs to a group.
type MembershipChecker interface {
	IsMember(ctx context.Context, groupID string, memberID string) (bool, error)
}

// Notifier is told about every message appended to a group.
type Notifier interface {
	MessageCreated(groupID string, sequence int64)
}

// ServiceConfig describes the dependencies of the chat service.
type ServiceConfig struct {
	Database   *gorm.DB
	Codec      *codec.Codec
	Membership MembershipChecker
	Notifier   Notifier
	Clock      func() time.Time
	IDProvider identifiers.Provider
	Logger     *zap.Logger
}

// Service posts sealed messages to group chats and opens them for readers.
type Service struct {
	db         *gorm.DB
	codec      *codec.Codec
	membership MembershipChecker
	notifier   Notifier
	clock      func() time.Time
	idProvider identifiers.Provider
	logger     *zap.Logger
}

// NewService constructs a chat service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, svcerror.New(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Codec == nil {
		return nil, svcerror.New(opServiceNew, reasonMissingCodec, errMissingCodec)
	}
	if cfg.Membership == nil {
		return nil, svcerror.New(opServiceNew, "missing_membership", errMissingMembership)
	}
	if cfg.IDProvider == nil {
		return nil, svcerror.New(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		codec:      cfg.Codec,
		membership: cfg.Membership,
		notifier:   cfg.Notifier,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// SendMessage seals the request text and appends it to the group's history.
// Nothing is stored when sealing fails.
func (s *Service) SendMessage(ctx context.Context, request SendRequest) (SentMessage, error) {
	if s.db == nil {
		s.logError(opSendMessage, reasonMissingDatabase, errMissingDatabase)
		return SentMessage{}, svcerror.New(opSendMessage, reasonMissingDatabase, errMissingDatabase)
	}
	if s.codec == nil {
		s.logError(opSendMessage, reasonMissingCodec, errMissingCodec)
		return SentMessage{}, svcerror.New(opSendMessage, reasonMissingCodec, errMissingCodec)
	}

	groupID, sender, err := s.validateParticipants(opSendMessage, request.GroupID, request.Sender)
	if err != nil {
		return SentMessage{}, err
	}
	if strings.TrimSpace(request.Text) == "" {
		return SentMessage{}, svcerror.New(opSendMessage, reasonEmptyMessage, ErrEmptyMessage)
	}
	if tooLong(request.Text) {
		return SentMessage{}, svcerror.New(opSendMessage, reasonTooLong,
			fmt.Errorf("%w: exceeds %d characters", ErrMessageTooLong, MaxMessageRunes))
	}
	if err := s.requireMember(ctx, opSendMessage, groupID, sender); err != nil {
		return SentMessage{}, err
	}

	sealed, err := s.codec.Seal(codec.Binding{GroupID: groupID, Sender: sender}, request.Text)
	if err != nil {
		s.logError(opSendMessage, reasonSealFailed, err,
			zap.String(fieldGroupID, groupID),
			zap.String(fieldSender, sender))
		return SentMessage{}, svcerror.New(opSendMessage, reasonSealFailed, err)
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSendMessage, reasonIDFailed, err, zap.String(fieldGroupID, groupID))
		return SentMessage{}, svcerror.New(opSendMessage, reasonIDFailed, err)
	}

	createdAt := s.clock().UTC()
	model := Message{
		MessageID:       messageID,
		GroupID:         groupID,
		Sender:          sender,
		Ciphertext:      sealed.Ciphertext,
		IntegrityTag:    sealed.IntegrityTag,
		CreatedAtMillis: createdAt.UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		s.logError(opSendMessage, reasonInsertFailed, err,
			zap.String(fieldGroupID, groupID),
			zap.String(fieldMessageID, messageID))
		return SentMessage{}, svcerror.New(opSendMessage, reasonInsertFailed, err)
	}

	if s.notifier != nil {
		s.notifier.MessageCreated(groupID, model.Sequence)
	}

	return SentMessage{
		MessageID: messageID,
		GroupID:   groupID,
		Sender:    sender,
		Sequence:  model.Sequence,
		CreatedAt: time.UnixMilli(model.CreatedAtMillis).UTC(),
	}, nil
}

// ListMessages returns the group's messages after request.AfterSequence in
// ascending order, each opened independently for the reader.
func (s *Service) ListMessages(ctx context.Context, request ListRequest) ([]DisplayMessage, error) {
	if s.db == nil {
		s.logError(opListMessages, reasonMissingDatabase, errMissingDatabase)
		return nil, svcerror.New(opListMessages, reasonMissingDatabase, errMissingDatabase)
	}
	if s.codec == nil {
		s.logError(opListMessages, reasonMissingCodec, errMissingCodec)
		return nil, svcerror.New(opListMessages, reasonMissingCodec, errMissingCodec)
	}

	groupID, reader, err := s.validateParticipants(opListMessages, request.GroupID, request.Reader)
	if err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, opListMessages, groupID, reader); err != nil {
		return nil, err
	}

	after := request.AfterSequence
	if after < 0 {
		after = 0
	}

	var messages []Message
	if err := s.db.WithContext(ctx).
		Where(queryGroupAfter, groupID, after).
		Order(orderSequenceAsc).
		Limit(normalizeLimit(request.Limit)).
		Find(&messages).Error; err != nil {
		s.logError(opListMessages, reasonQueryFailed, err, zap.String(fieldGroupID, groupID))
		return nil, svcerror.New(opListMessages, reasonQueryFailed, err)
	}

	return s.OpenRecords(messages), nil
}

// OpenRecords opens already fetched records for display. Failures are reported per
// record through DisplayMessage.Status.
func (s *Service) OpenRecords(messages []Message) []DisplayMessage {
	records := make([]codec.Record, 0, len(messages))
	for _, message := range messages {
		records = append(records, message.record())
	}
	opened := s.codec.OpenAll(records)

	display := make([]DisplayMessage, 0, len(messages))
	for index, message := range messages {
		result := opened[index]
		if result.Status != codec.StatusVerified {
			s.loggerOrDefault().Warn("message failed verification",
				zap.String(fieldGroupID, message.GroupID),
				zap.String(fieldMessageID, message.MessageID),
				zap.Int64(fieldSequence, message.Sequence),
				zap.String("status", string(result.Status)))
		}
		display = append(display, DisplayMessage{
			MessageID: message.MessageID,
			GroupID:   message.GroupID,
			Sender:    message.Sender,
			Text:      result.Text,
			Status:    result.Status,
			Sequence:  message.Sequence,
			CreatedAt: time.UnixMilli(message.CreatedAtMillis).UTC(),
		})
	}
	return display
}

func (s *Service) validateParticipants(operation, rawGroupID, rawMemberID string) (string, string, error) {
	groupID := strings.TrimSpace(rawGroupID)
	if groupID == "" || len(groupID) > maxIdentifierLength {
		return "", "", svcerror.New(operation, reasonInvalidGroup, ErrInvalidGroupID)
	}
	memberID := strings.ToLower(strings.TrimSpace(rawMemberID))
	if memberID == "" || len(memberID) > maxIdentifierLength {
		return "", "", svcerror.New(operation, reasonInvalidSender, ErrInvalidSender)
	}
	return groupID, memberID, nil
}

func (s *Service) requireMember(ctx context.Context, operation, groupID, memberID string) error {
	if s.membership == nil {
		return svcerror.New(operation, reasonMembership, errMissingMembership)
	}
	isMember, err := s.membership.IsMember(ctx, groupID, memberID)
	if err != nil {
		s.logError(operation, reasonMembership, err, zap.String(fieldGroupID, groupID))
		return svcerror.New(operation, reasonMembership, err)
	}
	if !isMember {
		return svcerror.New(operation, reasonNotMember, ErrNotGroupMember)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("chat service error", attrs...)
}
