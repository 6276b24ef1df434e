package plana

import (
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

// Column names referenced in targeted updates, to avoid scattering
// string literals
const (
	columnUserID          = "user_id"
	columnUserLastSeen    = "last_seen"
	columnUserUsername    = "username"
	columnUserGlobalName  = "global_name"
	columnUserIgnored     = "ignored"
	columnUserChatLimit6h = "chat_limit_6h"

	columnChatRequestState      = "state"
	columnChatRequestResponse   = "response"
	columnChatRequestError      = "error"
	columnChatRequestFinishedAt = "finished_at"
	columnChatRequestModel      = "model"
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelStringID struct {
	ID string `gorm:"primaryKey" json:"id"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// User is a discord user that's interacted with the bot at least once
type User struct {
	ModelStringID
	ModelUnixTime

	// Username is the discord username, which may change over time
	Username string `json:"username" gorm:"type:string"`

	// GlobalName is the discord display name, which may change over time
	GlobalName string `json:"global_name" gorm:"type:string"`

	// LastSeen is the unix millisecond timestamp of the user's most
	// recent interaction
	LastSeen int64 `json:"last_seen"`

	// Ignored prevents the bot from responding to this user at all
	Ignored bool `json:"ignored" gorm:"default:false"`

	// ChatLimit6h caps this user's chat requests per rolling six hours.
	// 0 falls back to the runtime config default.
	ChatLimit6h int `json:"chat_limit_6h" gorm:"column:chat_limit_6h;default:0"`
}

func NewUser(u discordgo.User) *User {
	return &User{
		ModelStringID: ModelStringID{ID: u.ID},
		Username:      u.Username,
		GlobalName:    u.GlobalName,
		LastSeen:      time.Now().UTC().UnixMilli(),
	}
}

func (u User) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
		slog.Bool("ignored", u.Ignored),
	)
}

// userChangedDiscordUsername reports whether the discord-side username
// or display name differs from the stored record
func (u User) userChangedDiscordUsername(du discordgo.User) bool {
	return u.Username != du.Username || u.GlobalName != du.GlobalName
}

// ChatRequestState is the lifecycle state of a [ChatRequest]
type ChatRequestState string

const (
	ChatRequestStateReceived    ChatRequestState = "received"
	ChatRequestStateQueued      ChatRequestState = "queued"
	ChatRequestStateInProgress  ChatRequestState = "in_progress"
	ChatRequestStateCompleted   ChatRequestState = "completed"
	ChatRequestStateFailed      ChatRequestState = "failed"
	ChatRequestStateExpired     ChatRequestState = "expired"
	ChatRequestStateRateLimited ChatRequestState = "rate_limited"
	ChatRequestStateAborted     ChatRequestState = "aborted"
)

func (s ChatRequestState) String() string {
	return string(s)
}

// IsFinal reports whether the state is terminal
func (s ChatRequestState) IsFinal() bool {
	switch s {
	case ChatRequestStateCompleted,
		ChatRequestStateFailed,
		ChatRequestStateExpired,
		ChatRequestStateRateLimited,
		ChatRequestStateAborted:
		return true
	default:
		return false
	}
}

// ChatRequest is a persisted record of a single chat interaction, from
// the triggering discord message through the provider response
type ChatRequest struct {
	ModelUintID
	ModelUnixTime

	UserID    string `json:"user_id" gorm:"index"`
	User      *User  `json:"-" gorm:"foreignKey:UserID"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`

	// MessageID of the discord message that triggered the request
	MessageID string `json:"message_id" gorm:"index"`

	// Prompt is the triggering message content, after mention stripping
	Prompt string `json:"prompt"`

	// Model is the "provider/model" used for the completion
	Model string `json:"model"`

	// Response is the full provider response, if the request completed
	Response string `json:"response"`

	State ChatRequestState `json:"state" gorm:"type:string"`

	// Error holds the failure detail for failed requests
	Error string `json:"error,omitempty"`

	// ChainLength is the number of messages in the reply chain sent upstream
	ChainLength int `json:"chain_length"`

	// StartedAt/FinishedAt bound the upstream request, unix milliseconds
	StartedAt  int64 `json:"started_at,omitempty"`
	FinishedAt int64 `json:"finished_at,omitempty"`

	// index is the heap position while queued
	index int `gorm:"-"`
}

// Age returns the time elapsed since the request was created
func (c ChatRequest) Age() time.Duration {
	return time.Since(time.UnixMilli(c.CreatedAt))
}

func (c ChatRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(c.ID)),
		slog.String("user_id", c.UserID),
		slog.String("channel_id", c.ChannelID),
		slog.String("message_id", c.MessageID),
		slog.String("model", c.Model),
		slog.String("state", c.State.String()),
	)
}

// TrackRequest is a persisted record of a music playback request
type TrackRequest struct {
	ModelUintID
	ModelUnixTime

	UserID    string `json:"user_id" gorm:"index"`
	GuildID   string `json:"guild_id" gorm:"index"`
	ChannelID string `json:"channel_id"`

	// Query is the URL or search term the user provided
	Query string `json:"query"`

	// Title of the resolved track (empty when resolution failed)
	Title string `json:"title"`

	SourceURL string `json:"source_url"`

	// Queued reports whether the track made it into the guild queue
	Queued bool `json:"queued"`

	Error string `json:"error,omitempty"`
}

// InteractionLog stores the raw payload of incoming discord
// interactions, for troubleshooting
type InteractionLog struct {
	ModelUintID
	ModelUnixTime

	InteractionID string `json:"interaction_id" gorm:"index"`
	Type          string `json:"type"`
	UserID        string `json:"user_id" gorm:"index"`
	GuildID       string `json:"guild_id"`
	ChannelID     string `json:"channel_id"`
	Payload       string `json:"payload"`
}
