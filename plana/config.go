//nolint:lll // struct tags can't be split
package plana

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "PLANA_ENV_PREFIX"
	DefaultEnvPrefix   = "PLANA"

	DefaultDatabase              = "plana.sqlite3"
	DefaultLogLevel              = slog.LevelInfo
	DefaultStartupTimeout        = 30 * time.Second
	DefaultShutdownTimeout       = 60 * time.Second
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultAPIListen               = "127.0.0.1:5000"
	defaultListenNetwork           = "tcp"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPICORSAllowCredentials = true

	DefaultQueueSleepEmpty  = 1 * time.Second
	DefaultQueueSleepPaused = 5 * time.Second
	DefaultQueueSize        = 100
	DefaultQueueMaxAge      = 3 * time.Minute

	DefaultLLMLogLevel           = slog.LevelInfo
	DefaultLLMMaxMessages        = 25
	DefaultLLMMaxText            = 100000
	DefaultLLMMaxImages          = 5
	DefaultLLMMaxMessageNodes    = 500
	DefaultLLMRequestTimeout     = 2 * time.Minute
	DefaultLLMStreamEditInterval = 1200 * time.Millisecond
	DefaultLLMRequestsPerSecond  = 1
	DefaultUserChatLimit6h       = 10

	DefaultMusicMaxQueueSize     = 500
	DefaultMusicMaxGuilds        = 250
	DefaultMusicVolume           = 50
	DefaultMusicAutoLeaveTimeout = 60 * time.Second
	DefaultMusicInactiveTimeout  = 30 * time.Minute
	DefaultMusicReaperInterval   = 5 * time.Minute
	DefaultMusicResolverPath     = "yt-dlp"
	DefaultMusicLogLevel         = slog.LevelInfo

	DefaultDiscordLogLevel     = slog.LevelWarn
	DefaultDiscordgoLogLevel   = slog.LevelWarn
	DefaultDiscordCustomStatus = "@me to chat!"
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultDiscordGatewayIntent  = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildVoiceStates

	DefaultDiscordErrorMessage     = "sorry, something went wrong!"
	DefaultDiscordRateLimitMessage = "I'm still working on your last message!"

	discordMaxMessageLength = 2000
	discordMaxEmbedLength   = 4096
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Authorization",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// Config is the top-level, file-driven configuration for PLANA.
// Everything here is loaded once at startup; tunables that can change
// while the bot is running live in [RuntimeConfig] instead.
type Config struct {
	// Database is the SQLite connection string/path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Queue holds the configuration for the ChatCommand queue
	Queue *QueueConfig `yaml:"queue" mapstructure:"queue" json:"queue"`

	// LLM configures chat-completion providers, models and conversation limits
	LLM *LLMConfig `yaml:"llm" mapstructure:"llm" json:"llm"`

	// Music configures the per-guild music player
	Music *MusicConfig `yaml:"music" mapstructure:"music" json:"music"`

	// Permissions configures who can talk to the bot, and where
	Permissions *PermissionsConfig `yaml:"permissions" mapstructure:"permissions" json:"permissions"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// QueueConfig configures the capacity and behavior of the ChatCommand queue.
type QueueConfig struct {
	// Maximum queue size. 0=unlimited
	Size int `yaml:"size" mapstructure:"size" json:"size"`

	// Maximum age of a request that will be returned from the queue. Requests
	// older than this will be discarded. 0=unlimited
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`

	// Sleep for this duration when the queue is empty, before checking again
	SleepEmpty time.Duration `yaml:"sleep_empty" mapstructure:"sleep_empty" json:"sleep_empty"`

	// Sleep for this duration when the bot is paused, before checking again
	SleepPaused time.Duration `yaml:"sleep_paused" mapstructure:"sleep_paused" json:"sleep_paused"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If set, the bot sends this message to the notification channel
	// (see [RuntimeConfig.NotificationChannelID]) whenever it connects
	// to the discord gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// LLMProviderConfig describes a single OpenAI-compatible chat-completion
// endpoint. A provider may carry multiple API keys; on a rate-limit or
// server error, the next key is tried before the request fails.
type LLMProviderConfig struct {
	// BaseURL of the OpenAI-compatible API (e.g. "https://api.openai.com/v1")
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	// APIKeys in rotation order
	APIKeys []string `yaml:"api_keys" mapstructure:"api_keys" json:"api_keys" log:"[redacted]" binding:"required,min=1,dive,required"`
}

// LLMConfig configures chat-completion providers and conversation limits
type LLMConfig struct {
	// Providers maps a provider name to its endpoint/keys
	Providers map[string]*LLMProviderConfig `yaml:"providers" mapstructure:"providers" json:"providers" binding:"required,min=1,dive"`

	// Models lists the selectable models, as "provider/model" strings
	Models []string `yaml:"models" mapstructure:"models" json:"models" binding:"required,min=1"`

	// DefaultModel is the "provider/model" used on startup
	DefaultModel string `yaml:"default_model" mapstructure:"default_model" json:"default_model" binding:"required"`

	// SystemPrompt is prepended to every conversation. The placeholders
	// {date} and {time} are substituted at request time.
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`

	// MaxMessages bounds the reply-chain length sent to the provider
	MaxMessages int `yaml:"max_messages" mapstructure:"max_messages" json:"max_messages" binding:"min=1"`

	// MaxText is the maximum number of characters taken from a single message
	MaxText int `yaml:"max_text" mapstructure:"max_text" json:"max_text" binding:"min=1"`

	// MaxImages is the maximum number of image attachments per message
	MaxImages int `yaml:"max_images" mapstructure:"max_images" json:"max_images" binding:"min=0"`

	// MaxMessageNodes bounds the in-memory conversation cache. When full,
	// the oldest entry is evicted first.
	MaxMessageNodes int `yaml:"max_message_nodes" mapstructure:"max_message_nodes" json:"max_message_nodes" binding:"min=1"`

	// RequestTimeout bounds a single completion request (including streaming)
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout"`

	// StreamEditInterval throttles discord message edits while streaming
	StreamEditInterval time.Duration `yaml:"stream_edit_interval" mapstructure:"stream_edit_interval" json:"stream_edit_interval"`

	// RequestsPerSecond caps the rate of completion requests sent upstream
	RequestsPerSecond int `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"min=1"`

	// LLM base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// MusicConfig configures the per-guild music player
type MusicConfig struct {
	// MaxQueueSize bounds the number of queued tracks per guild
	MaxQueueSize int `yaml:"max_queue_size" mapstructure:"max_queue_size" json:"max_queue_size" binding:"min=1"`

	// MaxGuilds bounds the number of guilds with live player state. When
	// exceeded, the oldest inactive player is evicted.
	MaxGuilds int `yaml:"max_guilds" mapstructure:"max_guilds" json:"max_guilds" binding:"min=1"`

	// DefaultVolume is the initial volume (0-200)
	DefaultVolume int `yaml:"default_volume" mapstructure:"default_volume" json:"default_volume" binding:"min=0,max=200"`

	// AutoLeaveTimeout is how long the bot lingers in an empty voice channel
	AutoLeaveTimeout time.Duration `yaml:"auto_leave_timeout" mapstructure:"auto_leave_timeout" json:"auto_leave_timeout"`

	// InactiveTimeout is how long an idle player survives before the
	// reaper drops its state
	InactiveTimeout time.Duration `yaml:"inactive_timeout" mapstructure:"inactive_timeout" json:"inactive_timeout"`

	// ReaperInterval is how often idle player state is swept
	ReaperInterval time.Duration `yaml:"reaper_interval" mapstructure:"reaper_interval" json:"reaper_interval"`

	// ResolverPath is the yt-dlp executable used to resolve track metadata
	ResolverPath string `yaml:"resolver_path" mapstructure:"resolver_path" json:"resolver_path"`

	// Music base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// AccessList is an allow/block ID pair. An empty allow list means
// "everyone not blocked". Block always wins.
type AccessList struct {
	AllowIDs []string `yaml:"allow_ids" mapstructure:"allow_ids" json:"allow_ids"`
	BlockIDs []string `yaml:"block_ids" mapstructure:"block_ids" json:"block_ids"`
}

// PermissionsConfig configures who may talk to the bot, and where
type PermissionsConfig struct {
	// AdminUserIDs always bypass every other check
	AdminUserIDs []string `yaml:"admin_user_ids" mapstructure:"admin_user_ids" json:"admin_user_ids"`

	// AllowDMs permits the bot to respond in direct messages
	AllowDMs bool `yaml:"allow_dms" mapstructure:"allow_dms" json:"allow_dms"`

	Users    AccessList `yaml:"users" mapstructure:"users" json:"users"`
	Roles    AccessList `yaml:"roles" mapstructure:"roles" json:"roles"`
	Channels AccessList `yaml:"channels" mapstructure:"channels" json:"channels"`
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Secret used for authenticating API requests (compared via argon2id)
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// If true, pprof endpoints are mounted on the API server
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	llmLogLevel := &slog.LevelVar{}
	musicLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	llmLogLevel.Set(DefaultLLMLogLevel)
	musicLogLevel.Set(DefaultMusicLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Queue: &QueueConfig{
			Size:        DefaultQueueSize,
			MaxAge:      DefaultQueueMaxAge,
			SleepEmpty:  DefaultQueueSleepEmpty,
			SleepPaused: DefaultQueueSleepPaused,
		},
		LLM: &LLMConfig{
			Providers:          map[string]*LLMProviderConfig{},
			MaxMessages:        DefaultLLMMaxMessages,
			MaxText:            DefaultLLMMaxText,
			MaxImages:          DefaultLLMMaxImages,
			MaxMessageNodes:    DefaultLLMMaxMessageNodes,
			RequestTimeout:     DefaultLLMRequestTimeout,
			StreamEditInterval: DefaultLLMStreamEditInterval,
			RequestsPerSecond:  DefaultLLMRequestsPerSecond,
			LogLevel:           llmLogLevel,
		},
		Music: &MusicConfig{
			MaxQueueSize:     DefaultMusicMaxQueueSize,
			MaxGuilds:        DefaultMusicMaxGuilds,
			DefaultVolume:    DefaultMusicVolume,
			AutoLeaveTimeout: DefaultMusicAutoLeaveTimeout,
			InactiveTimeout:  DefaultMusicInactiveTimeout,
			ReaperInterval:   DefaultMusicReaperInterval,
			ResolverPath:     DefaultMusicResolverPath,
			LogLevel:         musicLogLevel,
		},
		Permissions: &PermissionsConfig{
			AllowDMs: true,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: tlsMinVersionDefault,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
