package plana

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// handleMusicCommand dispatches a music slash command. All music
// commands are guild-only.
func (p *Plana) handleMusicCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) {
	if i.GuildID == "" {
		p.interactionReply(
			ctx, i, "Music commands only work in a server.", true,
		)
		return
	}

	data := i.ApplicationCommandData()
	player := p.players.Player(i.GuildID)
	player.Touch(i.ChannelID)

	switch data.Name {
	case DiscordSlashCommandPlay:
		p.handlePlay(ctx, i, u, player)
	case DiscordSlashCommandPause:
		p.handlePause(ctx, i, player)
	case DiscordSlashCommandResume:
		p.handleResume(ctx, i, player)
	case DiscordSlashCommandSkip:
		p.handleSkip(ctx, i, player)
	case DiscordSlashCommandStop:
		player.Stop()
		p.interactionReply(ctx, i, "⏹️ Stopped and cleared the queue.", false)
	case DiscordSlashCommandJoin:
		p.handleJoin(ctx, i, u, player)
	case DiscordSlashCommandLeave:
		p.handleLeave(ctx, i, player)
	case DiscordSlashCommandQueue:
		p.handleQueueList(ctx, i, player)
	case DiscordSlashCommandNowPlaying:
		p.handleNowPlaying(ctx, i, player)
	case DiscordSlashCommandShuffle:
		player.Queue().Shuffle()
		p.interactionReply(ctx, i, "🔀 Queue shuffled.", false)
	case DiscordSlashCommandClearQueue:
		player.Queue().Clear()
		p.interactionReply(ctx, i, "🗑️ Queue cleared.", false)
	case DiscordSlashCommandRemove:
		p.handleRemove(ctx, i, player)
	case DiscordSlashCommandVolume:
		p.handleVolume(ctx, i, player)
	case DiscordSlashCommandLoop:
		p.handleLoop(ctx, i, player)
	}
}

// userVoiceChannel finds the voice channel the user is currently in
func (p *Plana) userVoiceChannel(guildID string, userID string) (string, error) {
	vs, err := p.discord.session.GuildVoiceState(guildID, userID)
	if err != nil {
		return "", err
	}
	if vs == nil || vs.ChannelID == "" {
		return "", ErrNotInVoice
	}
	return vs.ChannelID, nil
}

func (p *Plana) handleJoin(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	player *GuildPlayer,
) {
	channelID, err := p.userVoiceChannel(i.GuildID, u.ID)
	if err != nil {
		p.interactionReply(
			ctx, i, "Join a voice channel first.", true,
		)
		return
	}
	if err = player.sender.Join(i.GuildID, channelID); err != nil {
		p.logger.ErrorContext(ctx, "error joining voice", tint.Err(err))
		p.interactionReply(
			ctx, i, p.RuntimeConfig().DiscordErrorMessage, true,
		)
		return
	}
	p.interactionReply(ctx, i, "👋 Joined your voice channel.", false)
}

func (p *Plana) handleLeave(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	player *GuildPlayer,
) {
	if err := player.Disconnect(); err != nil {
		if errors.Is(err, ErrNotInVoice) {
			p.interactionReply(
				ctx, i, "I'm not in a voice channel.", true,
			)
			return
		}
		p.logger.ErrorContext(ctx, "error leaving voice", tint.Err(err))
	}
	p.interactionReply(ctx, i, "👋 Left the voice channel.", false)
}

// handlePlay resolves the query and queues the resulting track(s),
// joining the user's voice channel and starting playback if needed.
// Resolution shells out, so the response is deferred.
func (p *Plana) handlePlay(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	player *GuildPlayer,
) {
	data := i.ApplicationCommandData()
	var query string
	for _, opt := range data.Options {
		if opt.Name == playCommandQueryOption {
			query = opt.StringValue()
		}
	}
	if query == "" {
		p.interactionReply(ctx, i, "Nothing to play.", true)
		return
	}

	voiceChannelID, err := p.userVoiceChannel(i.GuildID, u.ID)
	if err != nil {
		p.interactionReply(
			ctx, i, "Join a voice channel first.", true,
		)
		return
	}

	if err = p.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	); err != nil {
		p.logger.ErrorContext(
			ctx, "error deferring interaction", tint.Err(err),
		)
		return
	}

	editResponse := func(content string) {
		if _, editErr := p.discord.session.InteractionResponseEdit(
			i.Interaction,
			&discordgo.WebhookEdit{Content: &content},
		); editErr != nil {
			p.logger.ErrorContext(
				ctx, "error editing interaction response", tint.Err(editErr),
			)
		}
	}

	record := &TrackRequest{
		UserID:    u.ID,
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		Query:     query,
	}
	defer func() {
		if _, createErr := p.db.Create(ctx, record); createErr != nil {
			p.logger.ErrorContext(
				ctx, "error saving track request", tint.Err(createErr),
			)
		}
	}()

	tracks, err := p.resolver.Resolve(ctx, query)
	if err != nil {
		p.logger.WarnContext(
			ctx, "track resolution failed", tint.Err(err), "query", query,
		)
		record.Error = err.Error()
		if errors.Is(err, ErrNoResults) {
			editResponse(fmt.Sprintf("No results for `%s`.", query))
		} else {
			editResponse(p.RuntimeConfig().DiscordErrorMessage)
		}
		return
	}

	queued := 0
	for ti := range tracks {
		tracks[ti].RequesterID = u.ID
		if pushErr := player.Queue().Push(tracks[ti]); pushErr != nil {
			if errors.Is(pushErr, ErrQueueFull) && queued == 0 {
				record.Error = pushErr.Error()
				editResponse(
					fmt.Sprintf(
						"Queue is full (max %d tracks).",
						p.config.Music.MaxQueueSize,
					),
				)
				return
			}
			break
		}
		queued++
	}

	record.Queued = true
	record.Title = tracks[0].Title
	record.SourceURL = tracks[0].SourceURL

	if err = player.sender.Join(i.GuildID, voiceChannelID); err != nil {
		p.logger.ErrorContext(ctx, "error joining voice", tint.Err(err))
		record.Error = err.Error()
		editResponse(p.RuntimeConfig().DiscordErrorMessage)
		return
	}

	player.StartPlayback(p.runCtx)

	switch {
	case queued > 1:
		editResponse(
			fmt.Sprintf(
				"➕ Queued **%d** tracks from `%s`.", queued, query,
			),
		)
	default:
		editResponse(
			fmt.Sprintf(
				"➕ Queued **%s** (%s).",
				tracks[0].Title,
				formatTrackDuration(tracks[0].Duration),
			),
		)
	}
}

func (p *Plana) handlePause(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	player *GuildPlayer,
) {
	switch err := player.Pause(); {
	case errors.Is(err, ErrNotPlaying):
		p.interactionReply(ctx, i, "Nothing is playing.", true)
	case errors.Is(err, ErrAlreadyPaused):
		p.interactionReply(ctx, i, "Already paused.", true)
	default:
		p.interactionReply(ctx, i, "⏸️ Paused.", false)
	}
}

func (p *Plana) handleResume(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	player *GuildPlayer,
) {
	if err := player.Resume(); err != nil {
		p.interactionReply(ctx, i, "Nothing is paused.", true)
		return
	}
	p.interactionReply(ctx, i, "▶️ Resumed.", false)
}

func (p *Plana) handleSkip(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	player *GuildPlayer,
) {
	current, ok := player.NowPlaying()
	if err := player.Skip(); err != nil || !ok {
		p.interactionReply(ctx, i, "Nothing is playing.", true)
		return
	}
	p.interactionReply(
		ctx, i, fmt.Sprintf("⏭️ Skipped **%s**.", current.Title), false,
	)
}

func (p *Plana) handleQueueList(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	player *GuildPlayer,
) {
	tracks := player.Queue().Tracks()
	current, playing := player.NowPlaying()

	if len(tracks) == 0 && !playing {
		p.interactionReply(ctx, i, "The queue is empty.", true)
		return
	}

	var sb strings.Builder
	if playing {
		sb.WriteString(
			fmt.Sprintf(
				"**Now playing:** %s (%s)\n\n",
				current.Title,
				formatTrackDuration(current.Duration),
			),
		)
	}
	for idx, track := range tracks {
		if idx >= queueTracksPerPage {
			sb.WriteString(
				fmt.Sprintf("…and %d more", len(tracks)-queueTracksPerPage),
			)
			break
		}
		sb.WriteString(
			fmt.Sprintf(
				"`%d.` %s (%s)\n",
				idx+1,
				track.Title,
				formatTrackDuration(track.Duration),
			),
		)
	}

	p.interactionReplyEmbed(
		ctx, i, &discordgo.MessageEmbed{
			Title:       fmt.Sprintf("Queue — %d tracks", len(tracks)),
			Description: sb.String(),
			Color:       embedColorComplete,
		},
	)
}

func (p *Plana) handleNowPlaying(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	player *GuildPlayer,
) {
	track, ok := player.NowPlaying()
	if !ok {
		p.interactionReply(ctx, i, "Nothing is playing.", true)
		return
	}
	p.interactionReplyEmbed(ctx, i, nowPlayingEmbed(track, player))
}

func (p *Plana) handleRemove(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	player *GuildPlayer,
) {
	data := i.ApplicationCommandData()
	var position int64
	for _, opt := range data.Options {
		if opt.Name == removeCommandIndexOption {
			position = opt.IntValue()
		}
	}

	track, err := player.Queue().RemoveAt(int(position) - 1)
	if err != nil {
		if errors.Is(err, ErrQueueEmpty) {
			p.interactionReply(ctx, i, "The queue is empty.", true)
			return
		}
		p.interactionReply(
			ctx,
			i,
			fmt.Sprintf(
				"Invalid position: %d (queue has %d tracks).",
				position,
				player.Queue().Len(),
			),
			true,
		)
		return
	}
	p.interactionReply(
		ctx, i, fmt.Sprintf("➖ Removed **%s**.", track.Title), false,
	)
}

func (p *Plana) handleVolume(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	player *GuildPlayer,
) {
	data := i.ApplicationCommandData()
	var level int64 = -1
	for _, opt := range data.Options {
		if opt.Name == volumeCommandLevelOption {
			level = opt.IntValue()
		}
	}
	if level < 0 || level > 200 {
		p.interactionReply(ctx, i, "Volume must be 0-200.", true)
		return
	}
	player.SetVolume(int(level))
	p.interactionReply(
		ctx, i, fmt.Sprintf("🔊 Volume set to %d%%.", level), false,
	)
}

func (p *Plana) handleLoop(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	player *GuildPlayer,
) {
	data := i.ApplicationCommandData()
	var modeStr string
	for _, opt := range data.Options {
		if opt.Name == loopCommandModeOption {
			modeStr = opt.StringValue()
		}
	}
	mode, err := ParseLoopMode(modeStr)
	if err != nil {
		p.interactionReply(ctx, i, "Loop mode must be off, one or all.", true)
		return
	}
	player.SetLoopMode(mode)
	p.interactionReply(
		ctx, i, fmt.Sprintf("🔁 Loop mode: **%s**.", mode), false,
	)
}

func nowPlayingEmbed(track Track, player *GuildPlayer) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Now playing",
		Description: fmt.Sprintf(
			"[%s](%s)", track.Title, track.SourceURL,
		),
		Color: embedColorComplete,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Duration",
				Value:  formatTrackDuration(track.Duration),
				Inline: true,
			},
			{
				Name:   "Requested by",
				Value:  fmt.Sprintf("<@%s>", track.RequesterID),
				Inline: true,
			},
		},
	}
	if player != nil && player.LoopMode() != LoopOff {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:   "Loop",
				Value:  player.LoopMode().String(),
				Inline: true,
			},
		)
	}
	if track.Thumbnail != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{
			URL: track.Thumbnail,
		}
	}
	return embed
}

// runPlayerEvents forwards playback notifications to each guild's last
// active text channel
func (p *Plana) runPlayerEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-p.players.Events():
			if event.ChannelID == "" {
				continue
			}
			switch event.Kind {
			case EventNowPlaying:
				if event.Track == nil {
					continue
				}
				player, _ := p.players.Peek(event.GuildID)
				_, err := p.discord.session.ChannelMessageSendComplex(
					event.ChannelID,
					&discordgo.MessageSend{
						Embeds: []*discordgo.MessageEmbed{
							nowPlayingEmbed(*event.Track, player),
						},
					},
				)
				if err != nil {
					p.logger.WarnContext(
						ctx,
						"error sending now-playing message",
						tint.Err(err),
					)
				}
			case EventQueueEnded:
				_ = p.discord.channelMessageSend(
					event.ChannelID,
					"Queue finished.",
				)
			case EventPlaybackError:
				if event.Track == nil {
					continue
				}
				_ = p.discord.channelMessageSend(
					event.ChannelID,
					fmt.Sprintf(
						"⚠️ Couldn't play **%s**, skipping.",
						event.Track.Title,
					),
				)
			}
		}
	}
}
