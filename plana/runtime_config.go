//nolint:lll // struct tags can't be split
package plana

import (
	"log/slog"
)

var (
	columnRuntimeConfigPaused        = "paused"
	columnRuntimeConfigActiveModel   = "active_model"
	columnRuntimeConfigCustomStatus  = "discord_custom_status"
	columnRuntimeConfigUserChatLimit = "user_chat_limit_6h"
)

// RuntimeConfig stores settings that can be modified while the bot is
// running and persist across restarts (e.g. being paused, or which
// model is active). File-driven startup settings live in [Config].
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused indicates whether the bot is currently paused. While
	// paused, incoming chat requests are acknowledged but not sent
	// upstream.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// ActiveModel is the "provider/model" used for chat completions.
	// Must be one of the models listed in [LLMConfig.Models].
	ActiveModel string `json:"active_model" gorm:"type:string"`

	// DiscordCustomStatus is the custom status message displayed for
	// the bot on Discord
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// NotificationChannelID receives startup messages and admin
	// notifications, if set
	NotificationChannelID string `json:"notification_channel_id" gorm:"type:string"`

	// UserChatLimit6h limits chat requests per user per 6-hour window,
	// for users without an individual override
	UserChatLimit6h int `json:"user_chat_limit_6h" gorm:"column:user_chat_limit_6h;check:user_chat_limit_6h > 0" binding:"omitnil,min=1"`

	// DiscordErrorMessage is sent when a chat request fails
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string" binding:"omitnil,min=1,max=2000"`

	// DiscordRateLimitMessage is sent when a user exceeds their chat limit
	DiscordRateLimitMessage string `json:"discord_rate_limit_message" gorm:"type:string" binding:"omitnil,min=1,max=2000"`

	// LogLevel is the general logging level for the application
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// LLMLogLevel is the logging level for provider-related operations
	LLMLogLevel DBLogLevel `gorm:"default:INFO;column:llm_log_level;type:string;check:llm_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"llm_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (c RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DefaultRuntimeConfig returns the runtime config used when no persisted
// row exists yet. The active model starts as the file-configured default.
func DefaultRuntimeConfig(config *Config) RuntimeConfig {
	rc := RuntimeConfig{
		DiscordCustomStatus:     DefaultDiscordCustomStatus,
		UserChatLimit6h:         DefaultUserChatLimit6h,
		DiscordErrorMessage:     DefaultDiscordErrorMessage,
		DiscordRateLimitMessage: DefaultDiscordRateLimitMessage,
		LogLevel:                DBLogLevel(slog.LevelInfo.String()),
		LLMLogLevel:             DBLogLevel(slog.LevelInfo.String()),
		DiscordLogLevel:         DBLogLevel(slog.LevelInfo.String()),
		DatabaseLogLevel:        DBLogLevel(slog.LevelInfo.String()),
		APILogLevel:             DBLogLevel(slog.LevelInfo.String()),
	}
	if config != nil && config.LLM != nil {
		rc.ActiveModel = config.LLM.DefaultModel
	}
	return rc
}

// RuntimeConfigUpdate is the PATCH payload for runtime config changes.
// Nil fields are left unchanged.
type RuntimeConfigUpdate struct {
	Paused                  *bool       `json:"paused,omitempty"`
	ActiveModel             *string     `json:"active_model,omitempty"`
	DiscordCustomStatus     *string     `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	NotificationChannelID   *string     `json:"notification_channel_id,omitempty"`
	UserChatLimit6h         *int        `json:"user_chat_limit_6h,omitempty" binding:"omitnil,min=1"`
	DiscordErrorMessage     *string     `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`
	DiscordRateLimitMessage *string     `json:"discord_rate_limit_message,omitempty" binding:"omitnil,min=1,max=2000"`
	LogLevel                *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	LLMLogLevel             *DBLogLevel `json:"llm_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel         *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel        *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel             *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

// apply copies non-nil update fields onto the config, returning the
// column->value map for a targeted DB update
func (u RuntimeConfigUpdate) apply(rc *RuntimeConfig) map[string]any {
	updates := map[string]any{}
	if u.Paused != nil {
		rc.Paused = *u.Paused
		updates[columnRuntimeConfigPaused] = *u.Paused
	}
	if u.ActiveModel != nil {
		rc.ActiveModel = *u.ActiveModel
		updates[columnRuntimeConfigActiveModel] = *u.ActiveModel
	}
	if u.DiscordCustomStatus != nil {
		rc.DiscordCustomStatus = *u.DiscordCustomStatus
		updates[columnRuntimeConfigCustomStatus] = *u.DiscordCustomStatus
	}
	if u.NotificationChannelID != nil {
		rc.NotificationChannelID = *u.NotificationChannelID
		updates["notification_channel_id"] = *u.NotificationChannelID
	}
	if u.UserChatLimit6h != nil {
		rc.UserChatLimit6h = *u.UserChatLimit6h
		updates[columnRuntimeConfigUserChatLimit] = *u.UserChatLimit6h
	}
	if u.DiscordErrorMessage != nil {
		rc.DiscordErrorMessage = *u.DiscordErrorMessage
		updates["discord_error_message"] = *u.DiscordErrorMessage
	}
	if u.DiscordRateLimitMessage != nil {
		rc.DiscordRateLimitMessage = *u.DiscordRateLimitMessage
		updates["discord_rate_limit_message"] = *u.DiscordRateLimitMessage
	}
	if u.LogLevel != nil {
		rc.LogLevel = *u.LogLevel
		updates["log_level"] = u.LogLevel.String()
	}
	if u.LLMLogLevel != nil {
		rc.LLMLogLevel = *u.LLMLogLevel
		updates["llm_log_level"] = u.LLMLogLevel.String()
	}
	if u.DiscordLogLevel != nil {
		rc.DiscordLogLevel = *u.DiscordLogLevel
		updates["discord_log_level"] = u.DiscordLogLevel.String()
	}
	if u.DatabaseLogLevel != nil {
		rc.DatabaseLogLevel = *u.DatabaseLogLevel
		updates["database_log_level"] = u.DatabaseLogLevel.String()
	}
	if u.APILogLevel != nil {
		rc.APILogLevel = *u.APILogLevel
		updates["api_log_level"] = u.APILogLevel.String()
	}
	return updates
}
