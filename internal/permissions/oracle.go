package permissions

import (
	"context"
	"errors"

	"chat-gateway/internal/models"

	"gorm.io/gorm"
)

// GormOracle answers permission queries from the relational store.
type GormOracle struct {
	db *gorm.DB
}

func NewGormOracle(db *gorm.DB) *GormOracle {
	return &GormOracle{db: db}
}

func (o *GormOracle) ChannelHub(ctx context.Context, channelID string) (string, error) {
	var channel models.Channel
	err := o.db.WithContext(ctx).Select("hub_id").First(&channel, "id = ?", channelID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrChannelNotFound
	}
	if err != nil {
		return "", err
	}
	return channel.HubID, nil
}

func (o *GormOracle) IsHubMember(ctx context.Context, hubID, userID string) (bool, error) {
	var count int64
	err := o.db.WithContext(ctx).Model(&models.HubMember{}).
		Where("hub_id = ? AND user_id = ?", hubID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (o *GormOracle) EveryoneRole(ctx context.Context, hubID string) (Role, error) {
	var role models.Role
	err := o.db.WithContext(ctx).
		Where("hub_id = ? AND everyone = ?", hubID, true).
		First(&role).Error
	if err != nil {
		return Role{}, err
	}
	return Role{ID: role.ID, Permissions: role.Permissions}, nil
}

func (o *GormOracle) UserRoles(ctx context.Context, hubID, userID string) ([]Role, error) {
	var rows []models.Role
	err := o.db.WithContext(ctx).
		Joins("JOIN member_roles ON member_roles.role_id = roles.id").
		Where("member_roles.hub_id = ? AND member_roles.user_id = ?", hubID, userID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	roles := make([]Role, 0, len(rows))
	for _, r := range rows {
		roles = append(roles, Role{ID: r.ID, Permissions: r.Permissions})
	}
	return roles, nil
}

func (o *GormOracle) ChannelOverrides(ctx context.Context, channelID string) ([]Override, error) {
	var rows []models.ChannelOverride
	err := o.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	overrides := make([]Override, 0, len(rows))
	for _, r := range rows {
		overrides = append(overrides, Override{
			TargetType: r.TargetType,
			TargetID:   r.TargetID,
			Allow:      r.Allow,
			Deny:       r.Deny,
		})
	}
	return overrides, nil
}
