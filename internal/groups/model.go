package groups

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 190
	maxGroupNameLength  = 120
)

var (
	// ErrInvalidGroupID indicates that a group identifier is empty or exceeds storage bounds.
	ErrInvalidGroupID = errors.New("groups: invalid group id")
	// ErrInvalidMemberID indicates that a member identifier is empty or exceeds storage bounds.
	ErrInvalidMemberID = errors.New("groups: invalid member id")
	// ErrInvalidGroupName indicates that a group name is empty or too long.
	ErrInvalidGroupName = errors.New("groups: invalid group name")
	// ErrGroupNotFound indicates that no group exists with the requested identifier.
	ErrGroupNotFound = errors.New("groups: group not found")
	// ErrNotMember indicates that the acting member does not belong to the group.
	ErrNotMember = errors.New("groups: not a group member")
)

// GroupID represents a validated group identifier.
type GroupID string

// NewGroupID validates raw input and returns a GroupID.
func NewGroupID(rawInput string) (GroupID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidGroupID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidGroupID, maxIdentifierLength)
	}
	return GroupID(trimmed), nil
}

// String returns the underlying string identifier.
func (id GroupID) String() string {
	return string(id)
}

// MemberID represents a validated member identifier. Member identifiers are
// case-insensitive and stored lowercased.
type MemberID string

// NewMemberID validates raw input and returns a MemberID.
func NewMemberID(rawInput string) (MemberID, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMemberID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidMemberID, maxIdentifierLength)
	}
	return MemberID(trimmed), nil
}

// String returns the underlying string identifier.
func (id MemberID) String() string {
	return string(id)
}

// Group is a team formed for a hackathon. Only its members may use its chat.
type Group struct {
	GroupID          string `gorm:"column:group_id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:120;not null"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Group) TableName() string {
	return "chat_groups"
}

// Membership links a member to a group.
type Membership struct {
	GroupID         string `gorm:"column:group_id;primaryKey;size:190;not null"`
	MemberID        string `gorm:"column:member_id;primaryKey;size:190;not null;index:idx_memberships_member"`
	AddedBy         string `gorm:"column:added_by;size:190;not null;default:''"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "group_memberships"
}

// GroupView is a group together with its member list.
type GroupView struct {
	GroupID   string
	Name      string
	CreatedBy string
	CreatedAt time.Time
	Members   []string
}
