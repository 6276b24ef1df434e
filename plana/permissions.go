package plana

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// allowedByAccessList applies an allow/block pair to the given IDs.
// Block always wins; an empty allow list permits anything not blocked.
// With both lists set, at least one ID must be allowed and none blocked.
func allowedByAccessList(list AccessList, ids ...string) bool {
	for _, id := range ids {
		if slices.Contains(list.BlockIDs, id) {
			return false
		}
	}
	if len(list.AllowIDs) == 0 {
		return true
	}
	for _, id := range ids {
		if slices.Contains(list.AllowIDs, id) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the given user ID is a configured admin
func (p *PermissionsConfig) IsAdmin(userID string) bool {
	return slices.Contains(p.AdminUserIDs, userID)
}

// AllowMessage decides whether the bot may respond to the given
// message. Admins bypass every other check. For guild messages, the
// user, their roles, the channel and its parent category are each run
// through their allow/block lists.
func (p *PermissionsConfig) AllowMessage(m *discordgo.Message) bool {
	if m == nil || m.Author == nil {
		return false
	}
	userID := m.Author.ID

	if p.IsAdmin(userID) {
		return true
	}

	isDM := m.GuildID == ""
	if isDM {
		if !p.AllowDMs {
			return false
		}
		return allowedByAccessList(p.Users, userID)
	}

	if !allowedByAccessList(p.Users, userID) {
		return false
	}

	var roleIDs []string
	if m.Member != nil {
		roleIDs = m.Member.Roles
	}
	if !allowedByAccessList(p.Roles, roleIDs...) {
		return false
	}

	return allowedByAccessList(p.Channels, m.ChannelID)
}
