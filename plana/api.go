package plana

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiHealthCheck          = "/healthz"
	apiPathConfig           = "/config"
	apiPathPause            = "/pause"
	apiPathResume           = "/resume"
	apiPathQuit             = "/quit"
	apiPathQueue            = "/queue"
	apiPathUsers            = "/users"
	apiPathUpdateUser       = "/user/:id"
	apiPathChatRequests     = "/chat_requests"
	apiPathPlayers          = "/players"
	apiPathRegisterCommands = "/discord/register_commands"
)

const (
	xRequestIDHeader     = "X-Request-ID"
	authorizationHeader  = "Authorization"
	bearerPrefix         = "Bearer "
	tlsMinVersionDefault = tls.VersionTLS12
)

var structValidator = validator.New()

//nolint:gochecknoinits // validator tag registration
func init() {
	structValidator.SetTagName("binding")
}

// API is the backend admin server: a small authenticated HTTP surface
// for pausing the bot, switching models, and inspecting state.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	secretHash       string
	authLimiter      *rate.Limiter
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

func newAPI(p *Plana, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		authLimiter:    rate.NewLimiter(rate.Limit(5), 5),
		logger:         setupLogger.With(loggerNameKey, "api"),
	}

	if config.Secret != "" {
		hash, err := hashSecret(config.Secret)
		if err != nil {
			return nil, fmt.Errorf("error hashing API secret: %w", err)
		}
		api.secretHash = hash
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		cfg, e := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		tlsCfg = cfg
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	apiHandlers := NewAPIHandlers(p)
	api.handlers = apiHandlers

	r.GET(apiHealthCheck, apiHandlers.healthCheck)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathPause, apiHandlers.pause)
	protected.POST(apiPathResume, apiHandlers.resume)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.GET(apiPathQueue, apiHandlers.getQueue)
	protected.GET(apiPathUsers, apiHandlers.getUsers)
	protected.PATCH(apiPathUpdateUser, apiHandlers.updateUser)
	protected.GET(apiPathChatRequests, apiHandlers.getChatRequests)
	protected.GET(apiPathPlayers, apiHandlers.getPlayers)
	protected.POST(apiPathRegisterCommands, apiHandlers.registerCommands)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, e := listenCfg.Listen(
			ctx, a.config.ListenNetwork, a.config.Listen,
		)
		if e != nil {
			return e
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// APIHandlers holds the request handlers, with access back to the bot
type APIHandlers struct {
	bot    *Plana
	logger *slog.Logger
}

func NewAPIHandlers(p *Plana) *APIHandlers {
	return &APIHandlers{
		bot:    p,
		logger: p.logger.With(loggerNameKey, "api_handlers"),
	}
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type healthCheckResponse struct {
	Status           string `json:"status"`
	DiscordConnected bool   `json:"discord_connected"`
	Paused           bool   `json:"paused"`
	QueueSize        int    `json:"queue_size"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Status:           "ok",
			DiscordConnected: h.bot.discord.connected.Load(),
			Paused:           h.bot.RuntimeConfig().Paused,
			QueueSize:        h.bot.chatQueue.Len(),
		},
	)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.bot.RuntimeConfig())
}

func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := structValidator.Struct(update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if update.ActiveModel != nil && !h.bot.llm.HasModel(*update.ActiveModel) {
		c.JSON(
			http.StatusBadRequest,
			httpError{
				Error: fmt.Sprintf(
					"unknown model: %q", *update.ActiveModel,
				),
			},
		)
		return
	}

	updated, err := h.bot.UpdateRuntimeConfig(c.Request.Context(), update)
	if err != nil {
		ginContextLogger(c).Error(
			"error updating runtime config", tint.Err(err),
		)
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal error"})
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *APIHandlers) pause(c *gin.Context) {
	paused := true
	_, err := h.bot.UpdateRuntimeConfig(
		c.Request.Context(),
		RuntimeConfigUpdate{Paused: &paused},
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal error"})
		return
	}
	c.JSON(http.StatusOK, httpReply{Message: "paused"})
}

func (h *APIHandlers) resume(c *gin.Context) {
	paused := false
	_, err := h.bot.UpdateRuntimeConfig(
		c.Request.Context(),
		RuntimeConfigUpdate{Paused: &paused},
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal error"})
		return
	}
	c.JSON(http.StatusOK, httpReply{Message: "resumed"})
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("quit requested via API")
	c.JSON(http.StatusOK, httpReply{Message: "stopping"})
	go func() {
		h.bot.signalStop <- struct{}{}
	}()
}

type queueResponse struct {
	Size int `json:"size"`
}

func (h *APIHandlers) getQueue(c *gin.Context) {
	c.JSON(http.StatusOK, queueResponse{Size: h.bot.chatQueue.Len()})
}

func (h *APIHandlers) getUsers(c *gin.Context) {
	var users []User
	err := h.bot.db.DB().WithContext(c.Request.Context()).
		Order("last_seen desc").Find(&users).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal error"})
		return
	}
	c.JSON(http.StatusOK, users)
}

type apiPatchUser struct {
	Ignored     *bool `json:"ignored,omitempty"`
	ChatLimit6h *int  `json:"chat_limit_6h,omitempty" binding:"omitnil,min=0"`
}

func (h *APIHandlers) updateUser(c *gin.Context) {
	userID := c.Param("id")
	var payload apiPatchUser
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	user := h.bot.db.ReloadUser(userID)
	if user == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "user not found"})
		return
	}

	updates := map[string]any{}
	if payload.Ignored != nil {
		user.Ignored = *payload.Ignored
		updates[columnUserIgnored] = *payload.Ignored
	}
	if payload.ChatLimit6h != nil {
		user.ChatLimit6h = *payload.ChatLimit6h
		updates[columnUserChatLimit6h] = *payload.ChatLimit6h
	}
	if len(updates) > 0 {
		if _, err := h.bot.db.Updates(
			c.Request.Context(), user, updates,
		); err != nil {
			c.JSON(http.StatusInternalServerError, httpError{Error: "internal error"})
			return
		}
	}
	c.JSON(http.StatusOK, user)
}

type getChatRequestsQuery struct {
	UserID string `form:"user_id"`
	Limit  int    `form:"limit,default=50" binding:"min=1,max=500"`
	Offset int    `form:"offset,default=0" binding:"min=0"`
}

func (h *APIHandlers) getChatRequests(c *gin.Context) {
	var query getChatRequestsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	tx := h.bot.db.DB().WithContext(c.Request.Context()).
		Model(&ChatRequest{}).
		Order("created_at desc").
		Limit(query.Limit).
		Offset(query.Offset)
	if query.UserID != "" {
		tx = tx.Where("user_id = ?", query.UserID)
	}

	var requests []ChatRequest
	if err := tx.Find(&requests).Error; err != nil {
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal error"})
		return
	}
	c.JSON(http.StatusOK, requests)
}

type playerStatus struct {
	GuildID      string `json:"guild_id"`
	Playing      bool   `json:"playing"`
	Paused       bool   `json:"paused"`
	QueueLength  int    `json:"queue_length"`
	LoopMode     string `json:"loop_mode"`
	Volume       int    `json:"volume"`
	CurrentTrack *Track `json:"current_track,omitempty"`
}

func (h *APIHandlers) getPlayers(c *gin.Context) {
	var statuses []playerStatus
	for _, guildID := range h.bot.players.GuildIDs() {
		player, ok := h.bot.players.Peek(guildID)
		if !ok {
			continue
		}
		status := playerStatus{
			GuildID:     guildID,
			Playing:     player.Playing(),
			Paused:      player.Paused(),
			QueueLength: player.Queue().Len(),
			LoopMode:    player.LoopMode().String(),
			Volume:      player.Volume(),
		}
		if track, playing := player.NowPlaying(); playing {
			status.CurrentTrack = &track
		}
		statuses = append(statuses, status)
	}
	c.JSON(http.StatusOK, statuses)
}

func (h *APIHandlers) registerCommands(c *gin.Context) {
	created, err := h.bot.discord.registerCommands()
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpError{Error: err.Error()})
		return
	}
	names := make([]string, 0, len(created))
	for _, cmd := range created {
		names = append(names, cmd.Name)
	}
	c.JSON(http.StatusOK, gin.H{"registered": names})
}

// authMiddleware compares the bearer token against the hashed API
// secret. Requests are rate limited to slow brute-force attempts.
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.secretHash == "" {
			a.logger.Warn("API secret not set, rejecting request")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		if !a.authLimiter.Allow() {
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "too many requests"},
			)
			return
		}

		header := c.GetHeader(authorizationHeader)
		token := strings.TrimPrefix(header, bearerPrefix)
		if token == "" || token == header {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		match, err := verifySecret(a.secretHash, token)
		if err != nil || !match {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, set in the gin context and response header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(xRequestIDHeader, uuid.NewString())
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details
// included and sets it in the context.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request's method, path, duration and
// response status
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware increments the request count for each unique
// combination of HTTP method and URL path
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}
