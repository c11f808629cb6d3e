package permissions

// Permission bits combined via OR across role layers and OR/AND-NOT across
// channel overrides.
const (
	PermViewChannel int64 = 1 << iota
	PermSendMessages
	PermManageMessages
	PermManageChannels
	PermConnect
	PermSpeak
	PermMuteMembers
	PermDeafenMembers
	PermAdministrator
)
