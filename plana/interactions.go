package plana

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// handlerInteractionCreate returns the gateway handler for slash
// commands and autocomplete requests
func (p *Plana) handlerInteractionCreate(ctx context.Context) func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		switch i.Type {
		case discordgo.InteractionApplicationCommand:
			p.logInteraction(ctx, i)
			p.dispatchCommand(ctx, i)
		case discordgo.InteractionApplicationCommandAutocomplete:
			p.handleAutocomplete(ctx, i)
		default:
			p.logger.DebugContext(
				ctx,
				"ignoring interaction",
				"type", i.Type.String(),
			)
		}
	}
}

// logInteraction persists the raw interaction payload
func (p *Plana) logInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	payload, err := json.Marshal(i.Interaction)
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"failed to marshal interaction",
			tint.Err(err),
		)
	}
	entry := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(payload),
	}
	if u := getDiscordUser(i); u != nil {
		entry.UserID = u.ID
	}
	go func() {
		if _, createErr := p.db.Create(context.TODO(), entry); createErr != nil {
			p.logger.Error(
				"failed to log interaction",
				tint.Err(createErr),
			)
		}
	}()
}

func (p *Plana) dispatchCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	data := i.ApplicationCommandData()
	u := getDiscordUser(i)
	if u == nil {
		p.logger.WarnContext(ctx, "interaction with no user", "id", i.ID)
		return
	}
	logger := p.logger.With(
		"command", data.Name,
		columnUserID, u.ID,
		"guild_id", i.GuildID,
	)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received command")

	if _, _, err := p.db.GetOrCreateUser(ctx, *u); err != nil {
		logger.ErrorContext(ctx, "error getting user", tint.Err(err))
	}

	switch data.Name {
	case DiscordSlashCommandModel:
		p.handleModelCommand(ctx, i, u)
	case DiscordSlashCommandPlay,
		DiscordSlashCommandPause,
		DiscordSlashCommandResume,
		DiscordSlashCommandSkip,
		DiscordSlashCommandStop,
		DiscordSlashCommandJoin,
		DiscordSlashCommandLeave,
		DiscordSlashCommandQueue,
		DiscordSlashCommandNowPlaying,
		DiscordSlashCommandShuffle,
		DiscordSlashCommandClearQueue,
		DiscordSlashCommandRemove,
		DiscordSlashCommandVolume,
		DiscordSlashCommandLoop:
		p.handleMusicCommand(ctx, i, u)
	default:
		logger.WarnContext(ctx, "unknown command")
	}
}

// interactionReply sends an immediate text response to an interaction
func (p *Plana) interactionReply(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
	ephemeral bool,
) {
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := p.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   flags,
			},
		},
	)
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error responding to interaction",
			tint.Err(err),
		)
	}
}

// interactionReplyEmbed sends an immediate embed response
func (p *Plana) interactionReplyEmbed(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	embed *discordgo.MessageEmbed,
) {
	err := p.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{embed},
			},
		},
	)
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error responding to interaction",
			tint.Err(err),
		)
	}
}

// handleModelCommand shows the active model, or switches it when a
// model option is provided. Switching is restricted to admins.
func (p *Plana) handleModelCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) {
	data := i.ApplicationCommandData()

	var requested string
	for _, opt := range data.Options {
		if opt.Name == modelCommandNameOption {
			requested = opt.StringValue()
		}
	}

	config := p.RuntimeConfig()

	if requested == "" {
		p.interactionReply(
			ctx,
			i,
			fmt.Sprintf("Current model: `%s`", config.ActiveModel),
			true,
		)
		return
	}

	if !p.config.Permissions.IsAdmin(u.ID) {
		p.interactionReply(
			ctx,
			i,
			"Only admins can change the model.",
			true,
		)
		return
	}

	if !p.llm.HasModel(requested) {
		p.interactionReply(
			ctx,
			i,
			fmt.Sprintf("Unknown model: `%s`", requested),
			true,
		)
		return
	}

	if err := p.setActiveModel(ctx, requested); err != nil {
		p.logger.ErrorContext(ctx, "error switching model", tint.Err(err))
		p.interactionReply(ctx, i, config.DiscordErrorMessage, true)
		return
	}

	p.logger.InfoContext(
		ctx,
		"model switched",
		"model", requested,
		columnUserID, u.ID,
	)
	p.interactionReply(
		ctx,
		i,
		fmt.Sprintf("Model switched to: `%s`", requested),
		false,
	)
}

// handleAutocomplete serves model-name completions for the model command
func (p *Plana) handleAutocomplete(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	data := i.ApplicationCommandData()
	if data.Name != DiscordSlashCommandModel {
		return
	}

	var partial string
	for _, opt := range data.Options {
		if opt.Name == modelCommandNameOption && opt.Focused {
			partial = opt.StringValue()
		}
	}

	var choices []*discordgo.ApplicationCommandOptionChoice
	for _, model := range p.llm.Models() {
		if partial != "" &&
			!strings.Contains(
				strings.ToLower(model),
				strings.ToLower(partial),
			) {
			continue
		}
		choices = append(
			choices, &discordgo.ApplicationCommandOptionChoice{
				Name:  model,
				Value: model,
			},
		)
		// discord caps autocomplete responses at 25 choices
		if len(choices) == 25 {
			break
		}
	}

	err := p.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionApplicationCommandAutocompleteResult,
			Data: &discordgo.InteractionResponseData{
				Choices: choices,
			},
		},
	)
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending autocomplete response",
			tint.Err(err),
		)
	}
}
