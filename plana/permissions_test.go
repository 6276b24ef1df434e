package plana

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestAllowedByAccessList(t *testing.T) {
	for _, tc := range []struct {
		name     string
		list     AccessList
		ids      []string
		expected bool
	}{
		{
			name:     "empty lists allow everyone",
			list:     AccessList{},
			ids:      []string{"user1"},
			expected: true,
		},
		{
			name:     "block wins",
			list:     AccessList{BlockIDs: []string{"user1"}},
			ids:      []string{"user1"},
			expected: false,
		},
		{
			name: "block wins even when allowed",
			list: AccessList{
				AllowIDs: []string{"user1"},
				BlockIDs: []string{"user1"},
			},
			ids:      []string{"user1"},
			expected: false,
		},
		{
			name:     "allow list excludes others",
			list:     AccessList{AllowIDs: []string{"user1"}},
			ids:      []string{"user2"},
			expected: false,
		},
		{
			name:     "allow list includes member",
			list:     AccessList{AllowIDs: []string{"user1"}},
			ids:      []string{"user1"},
			expected: true,
		},
		{
			name:     "any matching id passes the allow list",
			list:     AccessList{AllowIDs: []string{"role2"}},
			ids:      []string{"role1", "role2"},
			expected: true,
		},
		{
			name:     "no ids with empty allow list",
			list:     AccessList{},
			ids:      nil,
			expected: true,
		},
		{
			name:     "no ids with allow list",
			list:     AccessList{AllowIDs: []string{"role1"}},
			ids:      nil,
			expected: false,
		},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(
					t,
					tc.expected,
					allowedByAccessList(tc.list, tc.ids...),
				)
			},
		)
	}
}

func TestAllowMessage(t *testing.T) {
	guildMessage := func(userID string, roles ...string) *discordgo.Message {
		return &discordgo.Message{
			GuildID:   "guild1",
			ChannelID: "channel1",
			Author:    &discordgo.User{ID: userID},
			Member:    &discordgo.Member{Roles: roles},
		}
	}
	dmMessage := func(userID string) *discordgo.Message {
		return &discordgo.Message{
			Author: &discordgo.User{ID: userID},
		}
	}

	t.Run(
		"nil message", func(t *testing.T) {
			p := &PermissionsConfig{AllowDMs: true}
			assert.False(t, p.AllowMessage(nil))
		},
	)

	t.Run(
		"default allows everyone", func(t *testing.T) {
			p := &PermissionsConfig{AllowDMs: true}
			assert.True(t, p.AllowMessage(guildMessage("user1")))
			assert.True(t, p.AllowMessage(dmMessage("user1")))
		},
	)

	t.Run(
		"dms disabled", func(t *testing.T) {
			p := &PermissionsConfig{AllowDMs: false}
			assert.False(t, p.AllowMessage(dmMessage("user1")))
			assert.True(t, p.AllowMessage(guildMessage("user1")))
		},
	)

	t.Run(
		"admin bypasses blocks", func(t *testing.T) {
			p := &PermissionsConfig{
				AdminUserIDs: []string{"admin1"},
				AllowDMs:     false,
				Users:        AccessList{BlockIDs: []string{"admin1"}},
			}
			assert.True(t, p.AllowMessage(dmMessage("admin1")))
			assert.True(t, p.AllowMessage(guildMessage("admin1")))
		},
	)

	t.Run(
		"blocked user", func(t *testing.T) {
			p := &PermissionsConfig{
				AllowDMs: true,
				Users:    AccessList{BlockIDs: []string{"user1"}},
			}
			assert.False(t, p.AllowMessage(guildMessage("user1")))
			assert.False(t, p.AllowMessage(dmMessage("user1")))
			assert.True(t, p.AllowMessage(guildMessage("user2")))
		},
	)

	t.Run(
		"blocked role", func(t *testing.T) {
			p := &PermissionsConfig{
				AllowDMs: true,
				Roles:    AccessList{BlockIDs: []string{"role1"}},
			}
			assert.False(t, p.AllowMessage(guildMessage("user1", "role1")))
			assert.True(t, p.AllowMessage(guildMessage("user1", "role2")))
		},
	)

	t.Run(
		"role allow list", func(t *testing.T) {
			p := &PermissionsConfig{
				AllowDMs: true,
				Roles:    AccessList{AllowIDs: []string{"role1"}},
			}
			assert.True(t, p.AllowMessage(guildMessage("user1", "role1", "role2")))
			assert.False(t, p.AllowMessage(guildMessage("user1", "role2")))
			// role lists don't apply to DMs
			assert.True(t, p.AllowMessage(dmMessage("user1")))
		},
	)

	t.Run(
		"channel lists", func(t *testing.T) {
			p := &PermissionsConfig{
				AllowDMs: true,
				Channels: AccessList{AllowIDs: []string{"channel2"}},
			}
			assert.False(t, p.AllowMessage(guildMessage("user1")))

			blocked := &PermissionsConfig{
				AllowDMs: true,
				Channels: AccessList{BlockIDs: []string{"channel1"}},
			}
			assert.False(t, blocked.AllowMessage(guildMessage("user1")))
		},
	)
}
