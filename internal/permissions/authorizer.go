package permissions

import (
	"context"
	"errors"
	"log/slog"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrNotHubMember    = errors.New("not a hub member")
)

// Role is the slice of a role the resolver needs.
type Role struct {
	ID          string
	Permissions int64
}

// Override is a channel-scoped permission adjustment for a role or member.
type Override struct {
	TargetType string // "role" or "member"
	TargetID   string
	Allow      int64
	Deny       int64
}

// Oracle is the read-only relational surface the resolver consumes.
type Oracle interface {
	// ChannelHub resolves the hub owning a channel.
	ChannelHub(ctx context.Context, channelID string) (string, error)
	// IsHubMember reports whether the user belongs to the hub.
	IsHubMember(ctx context.Context, hubID, userID string) (bool, error)
	// EveryoneRole returns the hub's implicit role applying to all members.
	EveryoneRole(ctx context.Context, hubID string) (Role, error)
	// UserRoles returns the roles explicitly assigned to the user in the hub.
	UserRoles(ctx context.Context, hubID, userID string) ([]Role, error)
	// ChannelOverrides returns all overrides scoped to the channel.
	ChannelOverrides(ctx context.Context, channelID string) ([]Override, error)
}

// Authorizer computes channel visibility for (user, channel) pairs.
type Authorizer struct {
	oracle Oracle
	log    *slog.Logger
}

func NewAuthorizer(oracle Oracle, log *slog.Logger) *Authorizer {
	return &Authorizer{oracle: oracle, log: log}
}

// CanView resolves the effective permission bitset for the user on the
// channel and checks the view bit. The layers, in order: the everyone role's
// bitset, OR of every assigned role's bitset, the administrator
// short-circuit, aggregated role-targeted overrides (allow OR'd in, then
// deny bits cleared), and finally the user's member-targeted override.
func (a *Authorizer) CanView(ctx context.Context, userID, channelID string) (bool, error) {
	hubID, err := a.oracle.ChannelHub(ctx, channelID)
	if err != nil {
		return false, err
	}

	member, err := a.oracle.IsHubMember(ctx, hubID, userID)
	if err != nil {
		return false, err
	}
	if !member {
		return false, ErrNotHubMember
	}

	everyone, err := a.oracle.EveryoneRole(ctx, hubID)
	if err != nil {
		return false, err
	}
	perms := everyone.Permissions

	roles, err := a.oracle.UserRoles(ctx, hubID, userID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		perms |= r.Permissions
	}

	if perms&PermAdministrator != 0 {
		return true, nil
	}

	overrides, err := a.oracle.ChannelOverrides(ctx, channelID)
	if err != nil {
		return false, err
	}

	held := map[string]bool{everyone.ID: true}
	for _, r := range roles {
		held[r.ID] = true
	}

	var roleAllow, roleDeny int64
	for _, o := range overrides {
		if o.TargetType == "role" && held[o.TargetID] {
			roleAllow |= o.Allow
			roleDeny |= o.Deny
		}
	}
	perms = (perms | roleAllow) &^ roleDeny

	for _, o := range overrides {
		if o.TargetType == "member" && o.TargetID == userID {
			perms = (perms | o.Allow) &^ o.Deny
			break
		}
	}

	return perms&PermViewChannel != 0, nil
}

// Partition splits requested channel ids into authorized and denied sets.
// A lookup failure denies that channel only, never the whole batch.
func (a *Authorizer) Partition(ctx context.Context, userID string, channelIDs []string) (authorized, denied []string) {
	authorized = make([]string, 0, len(channelIDs))
	denied = make([]string, 0)

	for _, channelID := range channelIDs {
		ok, err := a.CanView(ctx, userID, channelID)
		if err != nil {
			if !errors.Is(err, ErrChannelNotFound) && !errors.Is(err, ErrNotHubMember) {
				a.log.Warn("permission lookup failed, denying channel",
					"userID", userID, "channelID", channelID, "error", err)
			}
			denied = append(denied, channelID)
			continue
		}
		if ok {
			authorized = append(authorized, channelID)
		} else {
			denied = append(denied, channelID)
		}
	}
	return authorized, denied
}
