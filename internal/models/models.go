package models

import "time"

// Read-only views of the relational schema owned by the REST service. Only
// the columns the permission oracle needs are mapped.

// Hub is the top-level grouping of channels and members.
type Hub struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel is a text or voice conversation context inside a hub.
type Channel struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	HubID     string    `gorm:"index"      json:"hub_id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"` // "text" or "voice"
	CreatedAt time.Time `json:"created_at"`
}

// HubMember links a user to a hub.
type HubMember struct {
	HubID    string    `gorm:"primaryKey" json:"hub_id"`
	UserID   string    `gorm:"primaryKey" json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// Role carries a permission bitset. Every hub has exactly one role with
// Everyone=true that applies to all members.
type Role struct {
	ID          string `gorm:"primaryKey" json:"id"`
	HubID       string `gorm:"index"      json:"hub_id"`
	Name        string `json:"name"`
	Permissions int64  `json:"permissions"`
	Everyone    bool   `json:"everyone"`
	Position    int    `json:"position"`
}

// MemberRole assigns a role to a hub member.
type MemberRole struct {
	HubID  string `gorm:"primaryKey" json:"hub_id"`
	UserID string `gorm:"primaryKey" json:"user_id"`
	RoleID string `gorm:"primaryKey" json:"role_id"`
}

// ChannelOverride adjusts permissions for a role or a single member within
// one channel. TargetType is "role" or "member".
type ChannelOverride struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	ChannelID  string `gorm:"index"      json:"channel_id"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	Allow      int64  `json:"allow"`
	Deny       int64  `json:"deny"`
}
