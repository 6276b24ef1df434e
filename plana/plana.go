package plana

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var defaultLogWriter io.Writer = os.Stdout

// set at build time via:
// -ldflags "-X github.com/arcward/plana/plana.Version=$(date +'%Y%m%d')"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Plana is the bot: discord gateway client, LLM provider pool, chat
// queue, per-guild music players, persistence and the admin API.
type Plana struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db  DBI
	gdb *gorm.DB

	discord       *Discord
	llm           *LLM
	chatQueue     *ChatRequestMemoryQueue
	messageCache  *MessageCache
	conversations *ConversationBuilder
	players       *PlayerManager
	resolver      TrackResolver
	api           *API

	userLocks *userLocks

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	// runCtx is the runtime context, valid for the duration of Run
	runCtx context.Context

	// signalStop enables an explicit stop signal to be sent to the bot,
	// triggering a graceful shutdown
	signalStop chan struct{}

	signalReady chan struct{}
	startedAt   time.Time
	runMu       sync.Mutex

	discordgoRemoveHandlerFuncs []func()
}

// New creates and initializes a new Plana instance: logging, the LLM
// provider pool, the discord client, queue, music players and admin
// API. The database is opened in Run.
func New(config *Config) (*Plana, error) {
	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	p := &Plana{
		config:      config,
		signalReady: make(chan struct{}, 1),
		userLocks:   newUserLocks(),
	}

	p.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	p.logger = slog.New(p.logHandler)
	slog.SetDefault(p.logger)

	llm, err := newLLM(
		config.LLM,
		config.HTTPClient,
		slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.LLM.LogLevel,
					AddSource: true,
				},
			),
		),
	)
	if err != nil {
		errs = append(errs, err)
	}
	p.llm = llm

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		disc.bot = p
		p.discord = disc
	}

	p.chatQueue = NewChatRequestQueue(
		config.Queue,
		p.logger.With(loggerNameKey, "queue"),
	)
	// requests dropped by the queue never reach the worker, so their
	// in-flight lock has to be released here
	p.chatQueue.onDiscard = func(req *ChatRequest) {
		p.userLocks.release(req.UserID)
	}

	p.messageCache = NewMessageCache(config.LLM.MaxMessageNodes)
	p.conversations = NewConversationBuilder(
		config.LLM,
		p.messageCache,
		config.HTTPClient,
		p.logger.With(loggerNameKey, "conversation"),
	)

	musicLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Music.LogLevel,
				AddSource: true,
			},
		),
	)
	p.resolver = NewYTDLPResolver(config.Music.ResolverPath, musicLogger)
	p.players = NewPlayerManager(
		config.Music,
		p.resolver,
		func(guildID string) AudioSender {
			return newDiscordVoiceSender(guildID, p.discord.session)
		},
		musicLogger,
	)
	p.players.SetVoiceChannelEmptyCheck(
		func(guildID string, channelID string) bool {
			if p.discord == nil {
				return false
			}
			return p.discord.voiceChannelEmpty(guildID, channelID)
		},
	)

	api, err := newAPI(p, config.API)
	if err != nil {
		errs = append(errs, err)
	}
	p.api = api

	return p, errors.Join(errs...)
}

func (p *Plana) ValidateConfig() error {
	return structValidator.Struct(p.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (p *Plana) RuntimeConfig() RuntimeConfig {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	if p.runtimeConfig == nil {
		rc := DefaultRuntimeConfig(p.config)
		return rc
	}
	return *p.runtimeConfig
}

// UpdateRuntimeConfig applies the given update, persists it, and
// propagates any side effects (log levels, custom status)
func (p *Plana) UpdateRuntimeConfig(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	p.cfgMu.Lock()
	if p.runtimeConfig == nil {
		rc := DefaultRuntimeConfig(p.config)
		p.runtimeConfig = &rc
	}
	updates := update.apply(p.runtimeConfig)
	current := *p.runtimeConfig
	p.cfgMu.Unlock()

	if len(updates) == 0 {
		return current, nil
	}

	if _, err := p.db.Updates(ctx, &current, updates); err != nil {
		return current, err
	}

	p.setRuntimeLevels(current)

	if update.DiscordCustomStatus != nil && p.discord != nil &&
		p.discord.connected.Load() {
		if err := p.discord.updateCustomStatus(
			current.DiscordCustomStatus,
		); err != nil {
			p.logger.WarnContext(
				ctx, "error updating custom status", tint.Err(err),
			)
		}
	}

	p.logger.InfoContext(ctx, "updated runtime config", "config", current)
	return current, nil
}

// setActiveModel switches the model used for chat completions
func (p *Plana) setActiveModel(ctx context.Context, model string) error {
	if !p.llm.HasModel(model) {
		return fmt.Errorf("%w: %q", ErrNoSuchModel, model)
	}
	_, err := p.UpdateRuntimeConfig(
		ctx, RuntimeConfigUpdate{ActiveModel: &model},
	)
	return err
}

// setRuntimeLevels applies the persisted log levels to the live
// level vars
func (p *Plana) setRuntimeLevels(state RuntimeConfig) {
	p.config.LogLevel.Set(state.LogLevel.Level())
	p.config.LLM.LogLevel.Set(state.LLMLogLevel.Level())
	p.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	p.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	p.config.API.LogLevel.Set(state.APILogLevel.Level())
}

// loadRuntimeConfig loads the persisted runtime config row, creating it
// with defaults on first run
func (p *Plana) loadRuntimeConfig(ctx context.Context) error {
	var state RuntimeConfig
	err := p.gdb.WithContext(ctx).Last(&state).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		state = DefaultRuntimeConfig(p.config)
		if _, createErr := p.db.Create(ctx, &state); createErr != nil {
			return createErr
		}
		p.logger.InfoContext(ctx, "created default runtime config")
	}

	if state.ActiveModel == "" || !p.llm.HasModel(state.ActiveModel) {
		if state.ActiveModel != "" {
			p.logger.WarnContext(
				ctx,
				"persisted model no longer configured, using default",
				"model", state.ActiveModel,
				"default", p.config.LLM.DefaultModel,
			)
		}
		state.ActiveModel = p.config.LLM.DefaultModel
		if _, err = p.db.Update(
			ctx,
			&state,
			columnRuntimeConfigActiveModel,
			state.ActiveModel,
		); err != nil {
			return err
		}
	}

	p.cfgMu.Lock()
	p.runtimeConfig = &state
	p.cfgMu.Unlock()

	p.setRuntimeLevels(state)
	return nil
}

// initDatabase opens the database and wraps it
func (p *Plana) initDatabase(ctx context.Context) error {
	gormLogger := newGORMLogger(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     p.config.DatabaseLogLevel,
				AddSource: true,
			},
		),
		p.config.DatabaseSlowThreshold,
	)
	gdb, err := CreateDB(ctx, p.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	p.gdb = gdb
	p.db = NewDatabase(gdb, p.logger)
	p.db.LoadUsers()
	return nil
}

// initDiscordSession creates the gateway session, adds event handlers,
// opens the connection, and registers slash commands
func (p *Plana) initDiscordSession(ctx context.Context) error {
	session, err := p.discord.newSession()
	if err != nil {
		return err
	}
	p.discord.session = session

	// handlers outlive startup, so they get the runtime context
	p.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(p.discord.handlerReady()),
		session.AddHandler(p.discord.handlerConnect()),
		session.AddHandler(p.discord.handlerDisconnect()),
		session.AddHandler(p.handlerMessageCreate(p.runCtx)),
		session.AddHandler(p.handlerInteractionCreate(p.runCtx)),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord connection: %w", err)
	}

	p.conversations.SetBotUserID(p.discord.BotUserID())

	if _, err = p.discord.registerCommands(); err != nil {
		return err
	}

	config := p.RuntimeConfig()
	if config.DiscordCustomStatus != "" {
		if statusErr := p.discord.updateCustomStatus(
			config.DiscordCustomStatus,
		); statusErr != nil {
			p.logger.WarnContext(
				ctx, "error setting custom status", tint.Err(statusErr),
			)
		}
	}
	return nil
}

// Run starts the bot and blocks until the context is canceled or a stop
// signal arrives, then shuts down gracefully.
func (p *Plana) Run(ctx context.Context) error {
	// prevents concurrent runs
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.signalStop = make(chan struct{}, 1)
	p.startedAt = time.Now()
	logger := p.logger

	if err := p.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", p.config))

	// the runtime context: canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.runCtx = ctx

	go func() {
		select {
		case <-p.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			return
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, p.config.StartupTimeout)
	defer startCancel()

	if err := p.initDatabase(startCtx); err != nil {
		return err
	}
	if err := p.loadRuntimeConfig(startCtx); err != nil {
		return err
	}

	workers := &errgroup.Group{}
	workers.Go(
		func() error {
			if httpErr := p.api.Serve(ctx); httpErr != nil {
				logger.ErrorContext(
					ctx, "error serving api HTTP", tint.Err(httpErr),
				)
				return httpErr
			}
			return nil
		},
	)

	if err := p.initDiscordSession(startCtx); err != nil {
		logger.ErrorContext(ctx, "discord init failed", tint.Err(err))
		return err
	}

	workers.Go(
		func() error {
			p.runChatQueue(ctx)
			return nil
		},
	)
	workers.Go(
		func() error {
			p.runPlayerEvents(ctx)
			return nil
		},
	)

	if err := p.players.StartReaper(ctx); err != nil {
		logger.ErrorContext(ctx, "error starting player reaper", tint.Err(err))
		return err
	}

	p.signalReady <- struct{}{}
	logger.InfoContext(ctx, "ready")

	<-ctx.Done()

	return p.shutdown(workers)
}

// shutdown closes the discord connection, API server, music players and
// database, bounded by the configured shutdown timeout
func (p *Plana) shutdown(workers *errgroup.Group) error {
	logger := p.logger
	logger.Warn(
		"shutting down",
		"shutdown_timeout", p.config.ShutdownTimeout,
	)

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		p.config.ShutdownTimeout,
	)
	defer cancel()

	var errs []error

	p.players.Shutdown()

	for _, removeHandler := range p.discordgoRemoveHandlerFuncs {
		removeHandler()
	}
	if p.discord.session != nil {
		if err := p.discord.session.Close(); err != nil {
			logger.Error("error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if err := p.api.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down API server", tint.Err(err))
		errs = append(errs, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- workers.Wait()
	}()
	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, err)
		}
	case <-shutdownCtx.Done():
		logger.Warn("timed out waiting for runtime goroutines")
	}

	if p.gdb != nil {
		if sqlDB, err := p.gdb.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				errs = append(errs, closeErr)
			}
		}
	}

	logger.Info("shutdown complete", "uptime", time.Since(p.startedAt))
	return errors.Join(errs...)
}
