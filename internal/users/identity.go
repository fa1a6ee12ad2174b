package users

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login to the canonical member id used in
// group member lists and as the sender of chat messages.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	MemberID    string    `gorm:"column:member_id;size:190;not null;index"`
	Email       string    `gorm:"column:member_email;size:320"`
	DisplayName string    `gorm:"column:member_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing member identities.
func (Identity) TableName() string {
	return "member_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func canonical(value string) string {
	return strings.ToLower(normalize(value))
}
