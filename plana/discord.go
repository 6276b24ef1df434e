package plana

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// Slash command names
	DiscordSlashCommandModel      = "model"
	DiscordSlashCommandPlay       = "play"
	DiscordSlashCommandPause      = "pause"
	DiscordSlashCommandResume     = "resume"
	DiscordSlashCommandSkip       = "skip"
	DiscordSlashCommandStop       = "stop"
	DiscordSlashCommandJoin       = "join"
	DiscordSlashCommandLeave      = "leave"
	DiscordSlashCommandQueue      = "queue"
	DiscordSlashCommandNowPlaying = "nowplaying"
	DiscordSlashCommandShuffle    = "shuffle"
	DiscordSlashCommandClearQueue = "clear"
	DiscordSlashCommandRemove     = "remove"
	DiscordSlashCommandVolume     = "volume"
	DiscordSlashCommandLoop       = "loop"

	modelCommandNameOption   = "name"
	playCommandQueryOption   = "query"
	removeCommandIndexOption = "position"
	volumeCommandLevelOption = "level"
	loopCommandModeOption    = "mode"

	// queueTracksPerPage bounds the queue listing embed
	queueTracksPerPage = 10
)

// Discord manages the gateway session: connection lifecycle, slash
// command registration, and utility methods for sending messages.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricMessagesHandled       atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	bot                         *Plana

	// botUserID is captured from the Ready event
	botUserID atomic.Value
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord token not set")
	}
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
	return d, nil
}

// newSession initializes a new discord session with the appropriate
// logger, token, and configuration
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

// BotUserID returns the bot's own user ID, once known
func (d *Discord) BotUserID() string {
	v, _ := d.botUserID.Load().(string)
	return v
}

// appCommandModel creates the "model" command, which switches or shows
// the active chat model
func (d *Discord) appCommandModel() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandModel,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Show or change the chat model",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:         discordgo.ApplicationCommandOptionString,
				Name:         modelCommandNameOption,
				Description:  "Model to switch to",
				Required:     false,
				Autocomplete: true,
			},
		},
	}
}

// musicAppCommands creates the full set of music slash commands
func (d *Discord) musicAppCommands() []*discordgo.ApplicationCommand {
	minVolume := 0.0
	maxVolume := 200.0
	minIndex := 1.0

	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandPlay,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Play a track, or add it to the queue",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        playCommandQueryOption,
					Description: "URL or search terms",
					Required:    true,
				},
			},
		},
		{
			Name:        DiscordSlashCommandPause,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Pause playback",
		},
		{
			Name:        DiscordSlashCommandResume,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Resume playback",
		},
		{
			Name:        DiscordSlashCommandSkip,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Skip the current track",
		},
		{
			Name:        DiscordSlashCommandStop,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Stop playback and clear the queue",
		},
		{
			Name:        DiscordSlashCommandJoin,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Join your voice channel",
		},
		{
			Name:        DiscordSlashCommandLeave,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Leave the voice channel",
		},
		{
			Name:        DiscordSlashCommandQueue,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Show the track queue",
		},
		{
			Name:        DiscordSlashCommandNowPlaying,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Show the current track",
		},
		{
			Name:        DiscordSlashCommandShuffle,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Shuffle the queue",
		},
		{
			Name:        DiscordSlashCommandClearQueue,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Clear the queue",
		},
		{
			Name:        DiscordSlashCommandRemove,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Remove a track from the queue",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        removeCommandIndexOption,
					Description: "Queue position to remove (1 = next up)",
					Required:    true,
					MinValue:    &minIndex,
				},
			},
		},
		{
			Name:        DiscordSlashCommandVolume,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Set the playback volume",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        volumeCommandLevelOption,
					Description: "Volume (0-200)",
					Required:    true,
					MinValue:    &minVolume,
					MaxValue:    maxVolume,
				},
			},
		},
		{
			Name:        DiscordSlashCommandLoop,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Set the loop mode",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        loopCommandModeOption,
					Description: "off, one, or all",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "off", Value: "off"},
						{Name: "one", Value: "one"},
						{Name: "all", Value: "all"},
					},
				},
			},
		},
	}
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUserID.Store(r.User.ID)
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			columnUserID, d.BotUserID(),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		config := d.bot.RuntimeConfig()
		if config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if sendErr := d.channelMessageSend(
				config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error(
					"unable to send startup message",
					tint.Err(sendErr),
				)
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// voiceChannelEmpty reports whether the given voice channel has no
// listeners other than the bot itself. Unknown state counts as
// occupied, so the bot never leaves on missing data.
func (d *Discord) voiceChannelEmpty(guildID string, channelID string) bool {
	if d.session == nil {
		return false
	}
	states, err := d.session.GuildVoiceStates(guildID)
	if err != nil {
		return false
	}
	botUserID := d.BotUserID()
	for _, vs := range states {
		if vs == nil || vs.ChannelID != channelID {
			continue
		}
		if vs.UserID == botUserID {
			continue
		}
		return false
	}
	return true
}

// registerCommands sends the bot's commands to the discord bulk
// overwrite endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{d.appCommandModel()}
	commands = append(commands, d.musicAppCommands()...)

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command_name", c.Name)
	}

	return created, nil
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines the methods from `discordgo.Session`
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to the given channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with embeds/components
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageEditComplex edits an existing message
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessage gets a single message by ID from the given channel
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessages returns messages from the given channel
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	// ChannelTyping broadcasts a typing indicator to the given channel
	ChannelTyping(
		channelID string,
		options ...discordgo.RequestOption,
	) error

	// ApplicationCommandBulkOverwrite overwrites application commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelVoiceJoin joins the given voice channel
	ChannelVoiceJoin(
		guildID string,
		channelID string,
		mute bool,
		deaf bool,
	) (*discordgo.VoiceConnection, error)

	// GuildVoiceState returns the voice state of the given user, if any
	GuildVoiceState(
		guildID string,
		userID string,
	) (*discordgo.VoiceState, error)

	// GuildVoiceStates returns all voice states for the given guild,
	// from the gateway state cache
	GuildVoiceStates(guildID string) ([]*discordgo.VoiceState, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	GatewayBot(
		options ...discordgo.RequestOption,
	) (st *discordgo.GatewayBotResponse, err error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) GatewayBot(options ...discordgo.RequestOption) (
	st *discordgo.GatewayBotResponse,
	err error,
) {
	gb, err := d.session.GatewayBot(options...)
	if err != nil {
		d.logger.Error("error retrieving gateway bot", tint.Err(err))
	}
	return gb, err
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditComplex(m, options...)
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(
		channelID, limit, beforeID, afterID, aroundID, options...,
	)
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) ChannelVoiceJoin(
	guildID string,
	channelID string,
	mute bool,
	deaf bool,
) (*discordgo.VoiceConnection, error) {
	return d.session.ChannelVoiceJoin(guildID, channelID, mute, deaf)
}

func (d DiscordSession) GuildVoiceState(
	guildID string,
	userID string,
) (*discordgo.VoiceState, error) {
	if d.session.State != nil {
		if vs, err := d.session.State.VoiceState(guildID, userID); err == nil {
			return vs, nil
		}
	}
	return nil, discordgo.ErrStateNotFound
}

func (d DiscordSession) GuildVoiceStates(
	guildID string,
) ([]*discordgo.VoiceState, error) {
	if d.session.State == nil {
		return nil, discordgo.ErrStateNotFound
	}
	guild, err := d.session.State.Guild(guildID)
	if err != nil {
		return nil, err
	}
	return guild.VoiceStates, nil
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID via @
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	for _, mention := range m.Mentions {
		if mention.ID == userID {
			return true
		}
	}
	return false
}

// getDiscordUser returns the [discordgo.User] associated with the
// interaction. Users don't always appear in the same place in the
// interaction object, so this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}
