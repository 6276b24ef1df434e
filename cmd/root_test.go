package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arcward/plana/plana"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Earlier tests that run rootCmd leave parsed *slog.LevelVar values in
	// the shared viper instance, which initConfig cannot re-parse as
	// strings; start from a clean instance.
	viper.Reset()

	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

PLANA_DATABASE=/home/foo/plana.sqlite3
PLANA_DATABASE_LOG_LEVEL=INFO
PLANA_DATABASE_SLOW_THRESHOLD=200ms
PLANA_LOG_LEVEL=INFO
PLANA_STARTUP_TIMEOUT=30s
PLANA_SHUTDOWN_TIMEOUT=60s

# In-memory chat request queue config

PLANA_QUEUE_SIZE=100
PLANA_QUEUE_MAX_AGE=3m
PLANA_QUEUE_SLEEP_EMPTY=1s
PLANA_QUEUE_SLEEP_PAUSED=5s

# LLM config

PLANA_LLM_LOG_LEVEL=INFO
PLANA_LLM_DEFAULT_MODEL=openai/gpt-4o
PLANA_LLM_MAX_MESSAGES=25
PLANA_LLM_MAX_TEXT=100000
PLANA_LLM_MAX_IMAGES=5
PLANA_LLM_MAX_MESSAGE_NODES=500
PLANA_LLM_REQUEST_TIMEOUT=2m
PLANA_LLM_STREAM_EDIT_INTERVAL=1200ms
PLANA_LLM_REQUESTS_PER_SECOND=1

# Music config

PLANA_MUSIC_LOG_LEVEL=INFO
PLANA_MUSIC_MAX_QUEUE_SIZE=500
PLANA_MUSIC_MAX_GUILDS=250
PLANA_MUSIC_DEFAULT_VOLUME=50
PLANA_MUSIC_AUTO_LEAVE_TIMEOUT=60s
PLANA_MUSIC_INACTIVE_TIMEOUT=30m
PLANA_MUSIC_REAPER_INTERVAL=5m
PLANA_MUSIC_RESOLVER_PATH=yt-dlp

# Discord bot config

PLANA_DISCORD_TOKEN=your-discord-bot-token
PLANA_DISCORD_APPLICATION_ID=your-discord-bot-app-id
PLANA_DISCORD_GUILD_ID=
PLANA_DISCORD_LOG_LEVEL=WARN
PLANA_DISCORD_DISCORDGO_LOG_LEVEL=WARN
PLANA_DISCORD_STARTUP_MESSAGE="I'm here!"
PLANA_DISCORD_GATEWAY_INTENTS=3243773

# API server

PLANA_API_LISTEN=127.0.0.1:5000
PLANA_API_SSL_CERT=/etc/ssl/cert.pem
PLANA_API_SSL_KEY=/etc/ssl/key.pem
PLANA_API_SSL_TLS_MIN_VERSION=771
PLANA_API_SECRET=your-api-secret
PLANA_API_LOG_LEVEL=DEBUG
PLANA_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
PLANA_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
PLANA_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control X-Request-ID
PLANA_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length Accept-Encoding X-Request-ID Location ETag Authorization Last-Modified
PLANA_API_CORS_ALLOW_CREDENTIALS=true
PLANA_API_CORS_MAX_AGE=12h
PLANA_API_READ_TIMEOUT=5s
PLANA_API_READ_HEADER_TIMEOUT=5s
PLANA_API_WRITE_TIMEOUT=10s
PLANA_API_IDLE_TIMEOUT=30s
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/plana.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/plana.sqlite3", viper.GetString("database"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(
		t,
		200*time.Millisecond,
		viper.GetDuration("database_slow_threshold"),
	)
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, 100, viper.GetInt("queue.size"))
	assert.Equal(t, 3*time.Minute, viper.GetDuration("queue.max_age"))
	assert.Equal(t, 1*time.Second, viper.GetDuration("queue.sleep_empty"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("queue.sleep_paused"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("llm.log_level"))
	assert.Equal(t, "openai/gpt-4o", viper.GetString("llm.default_model"))
	assert.Equal(t, 25, viper.GetInt("llm.max_messages"))
	assert.Equal(t, 500, viper.GetInt("llm.max_message_nodes"))
	assert.Equal(t, 2*time.Minute, viper.GetDuration("llm.request_timeout"))
	assert.Equal(
		t,
		1200*time.Millisecond,
		viper.GetDuration("llm.stream_edit_interval"),
	)

	assertLogLevel(t, slog.LevelInfo, viper.Get("music.log_level"))
	assert.Equal(t, 500, viper.GetInt("music.max_queue_size"))
	assert.Equal(t, 250, viper.GetInt("music.max_guilds"))
	assert.Equal(t, 50, viper.GetInt("music.default_volume"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("music.auto_leave_timeout"))
	assert.Equal(t, 30*time.Minute, viper.GetDuration("music.inactive_timeout"))
	assert.Equal(t, "yt-dlp", viper.GetString("music.resolver_path"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(
		t,
		"your-discord-bot-app-id",
		viper.GetString("discord.application_id"),
	)
	assert.Equal(t, "", viper.GetString("discord.guild_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "I'm here!", viper.GetString("discord.startup_message"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("api.ssl.cert"))
	assert.Equal(t, "/etc/ssl/key.pem", viper.GetString("api.ssl.key"))
	assert.Equal(t, 771, viper.GetInt("api.ssl.tls_min_version"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))

	// Unmarshal the configuration into a plana.Config struct
	var config plana.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/plana.sqlite3", config.Database)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, 100, config.Queue.Size)
	assert.Equal(t, 3*time.Minute, config.Queue.MaxAge)
	assert.Equal(t, time.Second, config.Queue.SleepEmpty)
	assert.Equal(t, 5*time.Second, config.Queue.SleepPaused)

	assert.Equal(t, "openai/gpt-4o", config.LLM.DefaultModel)
	assert.Equal(t, slog.LevelInfo, config.LLM.LogLevel.Level())
	assert.Equal(t, 25, config.LLM.MaxMessages)
	assert.Equal(t, 500, config.LLM.MaxMessageNodes)
	assert.Equal(t, 1200*time.Millisecond, config.LLM.StreamEditInterval)

	assert.Equal(t, 500, config.Music.MaxQueueSize)
	assert.Equal(t, 250, config.Music.MaxGuilds)
	assert.Equal(t, 50, config.Music.DefaultVolume)
	assert.Equal(t, "yt-dlp", config.Music.ResolverPath)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
}
