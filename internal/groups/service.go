package groups

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/teamforge/internal/identifiers"
	"github.com/MarcoPoloResearchLab/teamforge/internal/svcerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew      = "groups.service.new"
	opCreateGroup     = "groups.create_group"
	opAddMember       = "groups.add_member"
	opGetGroup        = "groups.get_group"
	opListGroups      = "groups.list_groups"
	opIsMember        = "groups.is_member"
	fieldGroupID      = "group_id"
	fieldMemberID     = "member_id"
	queryGroupID      = fieldGroupID + " = ?"
	queryGroupMember  = fieldGroupID + " = ? AND " + fieldMemberID + " = ?"
	orderMembersAsc   = "joined_at_s ASC, member_id ASC"
	reasonMissingDB   = "missing_database"
	reasonInvalidName = "invalid_name"
	reasonNotFound    = "group_not_found"
	reasonNotMember   = "not_member"
	reasonQueryFailed = "query_failed"
	reasonIDFailed    = "id_generation_failed"
	reasonInsertFail  = "insert_failed"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig describes the dependencies of the group service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider identifiers.Provider
	Logger     *zap.Logger
}

// Service manages groups and their member lists.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider identifiers.Provider
	logger     *zap.Logger
}

// NewService constructs a group service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, svcerror.New(opServiceNew, reasonMissingDB, errMissingDatabase)
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
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateGroup creates a group named name; the creator becomes its first member.
func (s *Service) CreateGroup(ctx context.Context, name string, creator MemberID) (GroupView, error) {
	if s.db == nil {
		return GroupView{}, svcerror.New(opCreateGroup, reasonMissingDB, errMissingDatabase)
	}
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" || len(trimmedName) > maxGroupNameLength {
		return GroupView{}, svcerror.New(opCreateGroup, reasonInvalidName, ErrInvalidGroupName)
	}

	groupID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateGroup, reasonIDFailed, err)
		return GroupView{}, svcerror.New(opCreateGroup, reasonIDFailed, err)
	}

	now := s.clock().UTC().Unix()
	group := Group{
		GroupID:          groupID,
		Name:             trimmedName,
		CreatedBy:        creator.String(),
		CreatedAtSeconds: now,
	}
	membership := Membership{
		GroupID:         groupID,
		MemberID:        creator.String(),
		AddedBy:         creator.String(),
		JoinedAtSeconds: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		return tx.Create(&membership).Error
	})
	if txErr != nil {
		s.logError(opCreateGroup, reasonInsertFail, txErr, zap.String(fieldMemberID, creator.String()))
		return GroupView{}, svcerror.New(opCreateGroup, reasonInsertFail, txErr)
	}

	s.loggerOrDefault().Info("group created",
		zap.String(fieldGroupID, groupID),
		zap.String(fieldMemberID, creator.String()))
	return newGroupView(group, []string{creator.String()}), nil
}

// AddMember adds member to the group. The actor must already belong to it. Adding
// an existing member is a no-op.
func (s *Service) AddMember(ctx context.Context, groupID GroupID, actor MemberID, member MemberID) (GroupView, error) {
	if s.db == nil {
		return GroupView{}, svcerror.New(opAddMember, reasonMissingDB, errMissingDatabase)
	}

	var view GroupView
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := s.requireMember(tx, opAddMember, groupID, actor)
		if err != nil {
			return err
		}
		membership := Membership{
			GroupID:         groupID.String(),
			MemberID:        member.String(),
			AddedBy:         actor.String(),
			JoinedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&membership).Error; err != nil {
			s.logError(opAddMember, reasonInsertFail, err,
				zap.String(fieldGroupID, groupID.String()),
				zap.String(fieldMemberID, member.String()))
			return svcerror.New(opAddMember, reasonInsertFail, err)
		}
		members, err := s.loadMembers(tx, opAddMember, groupID)
		if err != nil {
			return err
		}
		view = newGroupView(group, members)
		return nil
	})
	if txErr != nil {
		return GroupView{}, txErr
	}
	return view, nil
}

// GetGroup returns the group with its member list. Only members may read it.
func (s *Service) GetGroup(ctx context.Context, groupID GroupID, reader MemberID) (GroupView, error) {
	if s.db == nil {
		return GroupView{}, svcerror.New(opGetGroup, reasonMissingDB, errMissingDatabase)
	}
	tx := s.db.WithContext(ctx)
	group, err := s.requireMember(tx, opGetGroup, groupID, reader)
	if err != nil {
		return GroupView{}, err
	}
	members, err := s.loadMembers(tx, opGetGroup, groupID)
	if err != nil {
		return GroupView{}, err
	}
	return newGroupView(group, members), nil
}

// ListGroupsForMember returns every group the member belongs to, newest first.
func (s *Service) ListGroupsForMember(ctx context.Context, member MemberID) ([]GroupView, error) {
	if s.db == nil {
		return nil, svcerror.New(opListGroups, reasonMissingDB, errMissingDatabase)
	}
	tx := s.db.WithContext(ctx)

	var groups []Group
	if err := tx.
		Where("group_id IN (?)", tx.Model(&Membership{}).Select(fieldGroupID).Where(fieldMemberID+" = ?", member.String())).
		Order("created_at_s DESC, group_id ASC").
		Find(&groups).Error; err != nil {
		s.logError(opListGroups, reasonQueryFailed, err, zap.String(fieldMemberID, member.String()))
		return nil, svcerror.New(opListGroups, reasonQueryFailed, err)
	}

	views := make([]GroupView, 0, len(groups))
	for _, group := range groups {
		members, err := s.loadMembers(tx, opListGroups, GroupID(group.GroupID))
		if err != nil {
			return nil, err
		}
		views = append(views, newGroupView(group, members))
	}
	return views, nil
}

// IsMember reports whether memberID belongs to groupID. Unknown groups have no members.
func (s *Service) IsMember(ctx context.Context, groupID string, memberID string) (bool, error) {
	if s.db == nil {
		return false, svcerror.New(opIsMember, reasonMissingDB, errMissingDatabase)
	}
	group, err := NewGroupID(groupID)
	if err != nil {
		return false, nil
	}
	member, err := NewMemberID(memberID)
	if err != nil {
		return false, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Membership{}).
		Where(queryGroupMember, group.String(), member.String()).
		Count(&count).Error; err != nil {
		s.logError(opIsMember, reasonQueryFailed, err,
			zap.String(fieldGroupID, group.String()),
			zap.String(fieldMemberID, member.String()))
		return false, svcerror.New(opIsMember, reasonQueryFailed, err)
	}
	return count > 0, nil
}

func (s *Service) requireMember(tx *gorm.DB, operation string, groupID GroupID, member MemberID) (Group, error) {
	var group Group
	err := tx.Where(queryGroupID, groupID.String()).Take(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Group{}, svcerror.New(operation, reasonNotFound, ErrGroupNotFound)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldGroupID, groupID.String()))
		return Group{}, svcerror.New(operation, reasonQueryFailed, err)
	}

	var count int64
	if err := tx.Model(&Membership{}).
		Where(queryGroupMember, groupID.String(), member.String()).
		Count(&count).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldGroupID, groupID.String()))
		return Group{}, svcerror.New(operation, reasonQueryFailed, err)
	}
	if count == 0 {
		return Group{}, svcerror.New(operation, reasonNotMember, ErrNotMember)
	}
	return group, nil
}

func (s *Service) loadMembers(tx *gorm.DB, operation string, groupID GroupID) ([]string, error) {
	var memberships []Membership
	if err := tx.Where(queryGroupID, groupID.String()).
		Order(orderMembersAsc).
		Find(&memberships).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldGroupID, groupID.String()))
		return nil, svcerror.New(operation, reasonQueryFailed, err)
	}
	members := make([]string, 0, len(memberships))
	for _, membership := range memberships {
		members = append(members, membership.MemberID)
	}
	return members, nil
}

func newGroupView(group Group, members []string) GroupView {
	return GroupView{
		GroupID:   group.GroupID,
		Name:      group.Name,
		CreatedBy: group.CreatedBy,
		CreatedAt: time.Unix(group.CreatedAtSeconds, 0).UTC(),
		Members:   members,
	}
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
	s.loggerOrDefault().Error("groups service error", attrs...)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}
