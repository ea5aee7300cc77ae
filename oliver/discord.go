package oliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	reactionYes = "✅"
	reactionNo  = "❌"
)

// discordSession is the subset of *discordgo.Session the bot uses,
// abstracted so tests can swap in a mock session.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageEditEmbed(
		channelID string,
		messageID string,
		embed *discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error
}

// Discord owns the gateway connection and translates discord events into
// pipeline requests. It carries no orchestration logic - everything here
// is presentation glue around the Orchestrator.
type Discord struct {
	session discordSession
	config  *DiscordConfig
	logger  *slog.Logger

	connected             atomic.Bool
	metricMessagesHandled atomic.Int64

	removeHandlerFuncs []func()

	bot *Oliver
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:             config,
		removeHandlerFuncs: []func(){},
	}

	session, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.Identify.Intents = config.GatewayIntents
	session.SyncEvents = false
	session.StateEnabled = false
	if config.httpClient != nil {
		session.Client = config.httpClient
	}
	d.session = session

	return d, nil
}

// connect registers handlers and opens the gateway connection. Handlers
// are bound to runCtx, which must outlive the gateway session; startCtx
// only bounds connecting itself.
func (d *Discord) connect(startCtx context.Context, runCtx context.Context) error {
	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		d.session.AddHandler(d.handlerReady(runCtx)),
		d.session.AddHandler(d.handlerMessageCreate(runCtx)),
		d.session.AddHandler(d.handlerReactionAdd(runCtx)),
	)
	if err := startCtx.Err(); err != nil {
		return fmt.Errorf("startup canceled before discord connect: %w", err)
	}
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	return nil
}

func (d *Discord) close() error {
	for _, removeHandler := range d.removeHandlerFuncs {
		removeHandler()
	}
	d.removeHandlerFuncs = nil
	return d.session.Close()
}

func (d *Discord) handlerReady(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		d.connected.Store(true)
		d.logger.InfoContext(
			ctx,
			"connected to discord gateway",
			"username", r.User.Username,
		)
	}
}

// handlerMessageCreate filters gateway messages down to chat commands in
// the configured channel and hands them to the orchestrator, one
// goroutine per message.
func (d *Discord) handlerMessageCreate(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if m.ChannelID != d.config.ChannelID {
			return
		}

		req := &ChatRequest{
			UserID:  m.Author.ID,
			RawText: m.Content,
		}
		handler := &embedReplyHandler{discord: d, channelID: m.ChannelID}

		go func() {
			d.metricMessagesHandled.Add(1)
			err := d.bot.orchestrator.HandleMessage(ctx, req, handler)
			switch {
			case err == nil, errors.Is(err, ErrUnrecognizedPrefix):
				//
			case errors.Is(err, ErrEmptyMessage):
				d.logger.InfoContext(
					ctx,
					"rejected empty chat message",
					"user_id", req.UserID,
				)
			default:
				d.logger.ErrorContext(
					ctx,
					"error handling message",
					tint.Err(err),
				)
			}
		}()
	}
}

// handlerReactionAdd logs ack reactions (✅/❌) on replies the bot
// recently sent; anything else is ignored.
func (d *Discord) handlerReactionAdd(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.MessageReactionAdd,
) {
	return func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
		if r.Member != nil && r.Member.User != nil && r.Member.User.Bot {
			return
		}
		if r.Emoji.Name != reactionYes && r.Emoji.Name != reactionNo {
			return
		}
		sent, ok := d.bot.orchestrator.SentMessages().Get(r.MessageID)
		if !ok {
			return
		}
		d.logger.InfoContext(
			ctx,
			"reply feedback",
			"reaction", r.Emoji.Name,
			"user_id", r.UserID,
			"question", sent.OriginalQuestion,
		)
	}
}

// addAckReactions attaches the ✅/❌ affordances to a delivered message.
func (d *Discord) addAckReactions(messageID string) {
	for _, emoji := range []string{reactionYes, reactionNo} {
		if err := d.session.MessageReactionAdd(
			d.config.ChannelID,
			messageID,
			emoji,
		); err != nil {
			d.logger.Warn("error adding reaction", tint.Err(err))
		}
	}
}

func newEmbed(title string, description string, footer string) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Color:       embedColor,
		Title:       title,
		Description: description,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: footer}
	}
	return embed
}

// embedReplyHandler implements ReplyHandler over discord embeds: a
// waiting embed is posted first and edited in place with the final reply,
// matching how the bot has always behaved.
type embedReplyHandler struct {
	discord   *Discord
	channelID string
	waitingID string
}

func (h *embedReplyHandler) SendWaiting(
	_ context.Context,
	_ string,
) error {
	msg, err := h.discord.session.ChannelMessageSendEmbed(
		h.channelID,
		newEmbed(waitingTitle, waitingBody, embedFooter),
	)
	if err != nil {
		return err
	}
	h.waitingID = msg.ID
	return nil
}

func (h *embedReplyHandler) SendReply(
	_ context.Context,
	speaker string,
	reply string,
) (string, error) {
	embed := newEmbed(replyTitle(speaker), reply+replyFollowUp, embedFooterFinal)
	msg, err := h.sendOrEdit(embed)
	if err != nil {
		return "", err
	}
	h.discord.addAckReactions(msg.ID)
	return msg.ID, nil
}

func (h *embedReplyHandler) SendError(
	_ context.Context,
	speaker string,
	description string,
) (string, error) {
	title := errorTitle
	footer := embedFooter
	if h.waitingID != "" {
		// a model failure after the waiting notice went out
		title = failureTitle(speaker)
		footer = embedFooterFinal
	}
	msg, err := h.sendOrEdit(newEmbed(title, description, footer))
	if err != nil {
		return "", err
	}
	h.discord.addAckReactions(msg.ID)
	return msg.ID, nil
}

func (h *embedReplyHandler) sendOrEdit(
	embed *discordgo.MessageEmbed,
) (*discordgo.Message, error) {
	if h.waitingID != "" {
		return h.discord.session.ChannelMessageEditEmbed(
			h.channelID,
			h.waitingID,
			embed,
		)
	}
	return h.discord.session.ChannelMessageSendEmbed(h.channelID, embed)
}
