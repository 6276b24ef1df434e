package plana

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

const (
	embedColorIncomplete = 0xE67E22
	embedColorComplete   = 0x1F8B4C
	embedColorError      = 0xED4245

	// streamingIndicator is appended to the embed while a response is
	// still being generated
	streamingIndicator = " ⚪"

	userRateLimitWindow = 6 * time.Hour
)

// userLocks tracks users with an in-flight chat request, so a user
// can't stack up concurrent requests
type userLocks struct {
	mu    sync.Mutex
	users map[string]struct{}
}

func newUserLocks() *userLocks {
	return &userLocks{users: map[string]struct{}{}}
}

// acquire reserves the user, returning false if already reserved
func (u *userLocks) acquire(userID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, busy := u.users[userID]; busy {
		return false
	}
	u.users[userID] = struct{}{}
	return true
}

func (u *userLocks) release(userID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.users, userID)
}

// handlerMessageCreate returns the gateway handler for incoming
// messages. The bot responds when mentioned (or DMed), subject to the
// configured permissions.
func (p *Plana) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		botUserID := p.discord.BotUserID()
		if botUserID == "" || m.Author.ID == botUserID {
			return
		}

		isDM := m.GuildID == ""
		if !isDM && !messageMentionsUser(m.Message, botUserID) {
			return
		}

		if !p.config.Permissions.AllowMessage(m.Message) {
			p.logger.DebugContext(
				ctx,
				"message not permitted",
				columnUserID, m.Author.ID,
				"channel_id", m.ChannelID,
			)
			return
		}

		p.discord.metricMessagesHandled.Add(1)
		p.enqueueChatRequest(ctx, m.Message)
	}
}

// enqueueChatRequest creates and queues a ChatRequest for the given
// triggering message
func (p *Plana) enqueueChatRequest(ctx context.Context, m *discordgo.Message) {
	logger := p.logger.With(
		columnUserID, m.Author.ID,
		"message_id", m.ID,
	)
	ctx = WithLogger(ctx, logger)

	user, _, err := p.db.GetOrCreateUser(ctx, *m.Author)
	if err != nil {
		logger.ErrorContext(ctx, "error getting user", tint.Err(err))
		return
	}
	if user.Ignored {
		logger.InfoContext(ctx, "ignoring blocked user")
		return
	}

	if !p.userLocks.acquire(user.ID) {
		logger.InfoContext(ctx, "user already has an in-flight request")
		config := p.RuntimeConfig()
		_, _ = p.discord.session.ChannelMessageSendReply(
			m.ChannelID,
			config.DiscordRateLimitMessage,
			m.Reference(),
		)
		return
	}

	prompt := m.Content
	if botID := p.discord.BotUserID(); botID != "" {
		prompt = strings.TrimSpace(
			strings.TrimPrefix(prompt, fmt.Sprintf("<@%s>", botID)),
		)
	}

	config := p.RuntimeConfig()
	req := &ChatRequest{
		UserID:    user.ID,
		User:      user,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		Prompt:    truncateString(prompt, p.config.LLM.MaxText),
		Model:     config.ActiveModel,
		State:     ChatRequestStateReceived,
	}

	if pushErr := p.chatQueue.Push(ctx, req, p.db); pushErr != nil {
		p.userLocks.release(user.ID)
		logger.ErrorContext(ctx, "error queuing request", tint.Err(pushErr))
	}
}

// runChatQueue is the worker loop: it pops queued requests and executes
// them one at a time, sleeping while the queue is empty or the bot is
// paused.
func (p *Plana) runChatQueue(ctx context.Context) {
	logger := p.logger.With(loggerNameKey, "chat_worker")
	logger.InfoContext(ctx, "starting chat queue worker")

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "stopping chat queue worker")
			return
		default:
		}

		if p.RuntimeConfig().Paused {
			time.Sleep(p.config.Queue.SleepPaused)
			continue
		}

		req := p.chatQueue.Pop(ctx)
		if req == nil {
			time.Sleep(p.config.Queue.SleepEmpty)
			continue
		}

		p.handleChatRequest(ctx, req)
		p.userLocks.release(req.UserID)
	}
}

// userRateLimited checks the user's chat requests in the rolling window
// against their limit, returning when the next request is allowed
func (p *Plana) userRateLimited(
	ctx context.Context,
	req *ChatRequest,
) (time.Time, bool) {
	limit := p.RuntimeConfig().UserChatLimit6h
	if req.User != nil && req.User.ChatLimit6h > 0 {
		limit = req.User.ChatLimit6h
	}
	if limit <= 0 {
		return time.Time{}, false
	}
	if p.config.Permissions.IsAdmin(req.UserID) {
		return time.Time{}, false
	}

	now := time.Now().UTC()
	var recent []ChatRequest
	err := p.db.DB().WithContext(ctx).Where(
		"user_id = ? AND state = ? AND created_at >= ?",
		req.UserID,
		ChatRequestStateCompleted,
		now.Add(-userRateLimitWindow).UnixMilli(),
	).Find(&recent).Error
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error loading recent requests",
			tint.Err(err),
		)
		return time.Time{}, false
	}

	requestTimes := make([]time.Time, 0, len(recent))
	for _, r := range recent {
		requestTimes = append(requestTimes, time.UnixMilli(r.CreatedAt).UTC())
	}
	availableAt, available := nextRequestAvailable(
		requestTimes, limit, userRateLimitWindow, now,
	)
	return availableAt, !available
}

// handleChatRequest executes a single chat request: builds the reply
// chain, streams the completion, and edits the discord reply as content
// arrives.
func (p *Plana) handleChatRequest(ctx context.Context, req *ChatRequest) {
	logger := p.logger.With("chat_request", req)
	ctx = WithLogger(ctx, logger)
	config := p.RuntimeConfig()

	if availableAt, limited := p.userRateLimited(ctx, req); limited {
		logger.InfoContext(
			ctx,
			"user rate limited",
			"available_at", availableAt,
		)
		req.State = ChatRequestStateRateLimited
		if _, err := p.db.Updates(
			ctx, req, map[string]any{
				columnChatRequestState: ChatRequestStateRateLimited,
			},
		); err != nil {
			logger.ErrorContext(ctx, "error updating request", tint.Err(err))
		}
		_, _ = p.discord.session.ChannelMessageSendReply(
			req.ChannelID,
			config.DiscordRateLimitMessage,
			&discordgo.MessageReference{
				MessageID: req.MessageID,
				ChannelID: req.ChannelID,
				GuildID:   req.GuildID,
			},
		)
		return
	}

	trigger, err := p.discord.session.ChannelMessage(
		req.ChannelID, req.MessageID,
	)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error fetching triggering message",
			tint.Err(err),
		)
		p.failChatRequest(ctx, req, err)
		return
	}
	if trigger.ChannelID == "" {
		trigger.ChannelID = req.ChannelID
	}

	_ = p.discord.session.ChannelTyping(req.ChannelID)

	messages, warnings, err := p.conversations.Build(
		ctx, p.discord.session, trigger,
	)
	if err != nil {
		p.failChatRequest(ctx, req, err)
		return
	}
	req.ChainLength = len(messages)

	req.State = ChatRequestStateInProgress
	req.StartedAt = time.Now().UTC().UnixMilli()
	if _, err = p.db.Updates(
		ctx, req, map[string]any{
			columnChatRequestState: ChatRequestStateInProgress,
			"started_at":           req.StartedAt,
			"chain_length":         req.ChainLength,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error updating request", tint.Err(err))
	}

	reqCtx := ctx
	if p.config.LLM.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, p.config.LLM.RequestTimeout)
		defer cancel()
	}

	reply := newChatReply(p.discord.session, req, warnings)
	editInterval := p.config.LLM.StreamEditInterval
	var lastEdit time.Time

	content, err := p.llm.StreamCompletion(
		reqCtx,
		req.Model,
		messages,
		func(current string, done bool) error {
			if !done && time.Since(lastEdit) < editInterval {
				return nil
			}
			lastEdit = time.Now()
			return reply.update(current, done)
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "completion failed", tint.Err(err))
		reply.fail(config.DiscordErrorMessage)
		p.failChatRequest(ctx, req, err)
		return
	}

	// make sure the final content is fully rendered, even if the last
	// stream callback was throttled
	if finalErr := reply.update(content, true); finalErr != nil {
		logger.WarnContext(
			ctx,
			"error rendering final response",
			tint.Err(finalErr),
		)
	}

	req.Response = content
	req.State = ChatRequestStateCompleted
	req.FinishedAt = time.Now().UTC().UnixMilli()
	if _, err = p.db.Updates(
		ctx, req, map[string]any{
			columnChatRequestState:      ChatRequestStateCompleted,
			columnChatRequestResponse:   content,
			columnChatRequestFinishedAt: req.FinishedAt,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error updating request", tint.Err(err))
	}

	// cache the response so follow-up replies chain to it
	for _, messageID := range reply.messageIDs {
		p.messageCache.Put(
			&MessageNode{
				MessageID: messageID,
				ChannelID: req.ChannelID,
				Role:      openai.ChatMessageRoleAssistant,
				Text:      content,
				ParentID:  req.MessageID,
			},
		)
	}

	logger.InfoContext(
		ctx,
		"completed chat request",
		"response_len", len(content),
		"elapsed", time.Duration(req.FinishedAt-req.StartedAt)*time.Millisecond,
	)
}

func (p *Plana) failChatRequest(
	ctx context.Context,
	req *ChatRequest,
	reqErr error,
) {
	req.State = ChatRequestStateFailed
	req.Error = reqErr.Error()
	req.FinishedAt = time.Now().UTC().UnixMilli()
	if _, err := p.db.Updates(
		ctx, req, map[string]any{
			columnChatRequestState:      ChatRequestStateFailed,
			columnChatRequestError:      req.Error,
			columnChatRequestFinishedAt: req.FinishedAt,
		},
	); err != nil {
		p.logger.ErrorContext(
			ctx,
			"error updating failed request",
			tint.Err(err),
		)
	}
}

// chatReply manages the discord messages carrying a streamed response.
// Responses longer than one embed spill over into follow-up messages,
// each capped at the embed description limit.
type chatReply struct {
	session    DiscordSessionHandler
	req        *ChatRequest
	warnings   []string
	messageIDs []string
}

func newChatReply(
	session DiscordSessionHandler,
	req *ChatRequest,
	warnings []string,
) *chatReply {
	return &chatReply{
		session:  session,
		req:      req,
		warnings: warnings,
	}
}

func (r *chatReply) embed(content string, done bool, last bool) *discordgo.MessageEmbed {
	color := embedColorIncomplete
	description := content
	if done {
		color = embedColorComplete
	} else if last {
		description += streamingIndicator
	}
	embed := &discordgo.MessageEmbed{
		Description: description,
		Color:       color,
	}
	if done && last && len(r.warnings) > 0 {
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text: strings.Join(r.warnings, "\n"),
		}
	}
	return embed
}

// update renders the accumulated content into one or more embeds,
// sending new messages as chunks overflow and editing the final one
func (r *chatReply) update(content string, done bool) error {
	if content == "" {
		return nil
	}
	chunks := chunkContent(content, discordMaxEmbedLength-len(streamingIndicator))

	for i, chunk := range chunks {
		last := i == len(chunks)-1
		// earlier chunks are full and never change again; skip ones
		// already rendered
		if !last && i < len(r.messageIDs)-1 {
			continue
		}
		embed := r.embed(chunk, done, last)

		if i < len(r.messageIDs) {
			_, err := r.session.ChannelMessageEditComplex(
				&discordgo.MessageEdit{
					ID:      r.messageIDs[i],
					Channel: r.req.ChannelID,
					Embeds:  &[]*discordgo.MessageEmbed{embed},
				},
			)
			if err != nil {
				return err
			}
			continue
		}

		data := &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{embed},
		}
		if len(r.messageIDs) == 0 {
			data.Reference = &discordgo.MessageReference{
				MessageID: r.req.MessageID,
				ChannelID: r.req.ChannelID,
				GuildID:   r.req.GuildID,
			}
		} else {
			data.Reference = &discordgo.MessageReference{
				MessageID: r.messageIDs[len(r.messageIDs)-1],
				ChannelID: r.req.ChannelID,
				GuildID:   r.req.GuildID,
			}
		}
		msg, err := r.session.ChannelMessageSendComplex(
			r.req.ChannelID, data,
		)
		if err != nil {
			return err
		}
		r.messageIDs = append(r.messageIDs, msg.ID)
	}
	return nil
}

// fail renders the error message, either into the existing reply or as
// a new one
func (r *chatReply) fail(message string) {
	embed := &discordgo.MessageEmbed{
		Description: message,
		Color:       embedColorError,
	}
	if len(r.messageIDs) > 0 {
		_, _ = r.session.ChannelMessageEditComplex(
			&discordgo.MessageEdit{
				ID:      r.messageIDs[len(r.messageIDs)-1],
				Channel: r.req.ChannelID,
				Embeds:  &[]*discordgo.MessageEmbed{embed},
			},
		)
		return
	}
	_, _ = r.session.ChannelMessageSendComplex(
		r.req.ChannelID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{embed},
			Reference: &discordgo.MessageReference{
				MessageID: r.req.MessageID,
				ChannelID: r.req.ChannelID,
				GuildID:   r.req.GuildID,
			},
		},
	)
}
