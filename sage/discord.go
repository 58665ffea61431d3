package sage

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// feedbackEmojiPositive and feedbackEmojiNegative are the reactions
	// the bot adds to its own answers, and the only reactions counted
	// as feedback.
	feedbackEmojiPositive = "👍"
	feedbackEmojiNegative = "👎"

	// answerEmbedColor is the accent color of answer embeds
	answerEmbedColor = 0x57F287
)

// Discord wraps the gateway session and its event handlers. The session is
// held behind DiscordSessionHandler so tests can substitute a stub without
// a live websocket.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricMessagesSeen          atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	sage                        *Sage
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config == nil {
		return nil, fmt.Errorf("nil discord config")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
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

// registerHandlers attaches gateway event handlers and remembers their
// removal funcs so a reconnecting bot doesn't stack duplicates.
func (d *Discord) registerHandlers() {
	d.discordgoRemoveHandlerFuncs = append(
		d.discordgoRemoveHandlerFuncs,
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerMessageCreate()),
		d.session.AddHandler(d.handlerReactionAdd()),
	)
}

func (d *Discord) removeHandlers() {
	for _, removeFunc := range d.discordgoRemoveHandlerFuncs {
		removeFunc()
	}
	d.discordgoRemoveHandlerFuncs = d.discordgoRemoveHandlerFuncs[:0]
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("error setting custom status", tint.Err(err))
			}
		}
		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			_, err := d.session.ChannelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
			)
			if err != nil {
				d.logger.Error("error sending startup message", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
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
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

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
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

// handlerMessageCreate forwards guild messages to the answer pipeline.
// Messages from bots (including this one) are dropped here, before any
// store access.
func (d *Discord) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m == nil || m.Author == nil {
			return
		}
		if m.Author.Bot {
			return
		}
		if s != nil && s.State != nil && s.State.User != nil &&
			m.Author.ID == s.State.User.ID {
			return
		}
		if d.config.GuildID != "" && m.GuildID != d.config.GuildID {
			return
		}
		d.metricMessagesSeen.Add(1)
		d.sage.handleMessageCreate(m)
	}
}

// handlerReactionAdd forwards reaction events to the feedback collectors.
func (d *Discord) handlerReactionAdd() func(
	s *discordgo.Session,
	r *discordgo.MessageReactionAdd,
) {
	return func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		if r == nil || r.MessageReaction == nil {
			return
		}
		if s != nil && s.State != nil && s.State.User != nil &&
			r.UserID == s.State.User.ID {
			return
		}
		d.sage.handleReactionAdd(r)
	}
}

// DiscordSessionHandler is the subset of discordgo.Session the bot uses,
// so tests can run against a stub.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSend sends a message to a specified channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message containing embeds or
	// other rich content
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageDelete removes a message from a channel
	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// MessageReactionAdd adds an emoji reaction to a message as the bot user
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error

	// MessageReactionsRemoveAll clears every reaction from a message
	MessageReactionsRemoveAll(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// UserChannelCreate opens (or fetches) a DM channel with a user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// SetLogLevel sets the discordgo logging level
	SetLogLevel(level slog.Level) error
}

// DiscordSession implements DiscordSessionHandler over a real
// discordgo.Session, logging each call.
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, message, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
			"content", message,
		)
	} else {
		d.logger.Info(
			"sent message",
			"channel_id", channelID,
			"content", message,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending complex message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.ChannelMessageDelete(channelID, messageID, options...)
	if err != nil {
		d.logger.Error(
			"error deleting message",
			tint.Err(err),
			"channel_id", channelID,
			"message_id", messageID,
		)
	}
	return err
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d DiscordSession) MessageReactionsRemoveAll(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionsRemoveAll(channelID, messageID, options...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.UserChannelCreate(recipientID, options...)
	if err != nil {
		d.logger.Error(
			"error creating DM channel",
			tint.Err(err),
			"recipient_id", recipientID,
		)
	}
	return ch, err
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// SetLogLevel translates a slog.Level to the discordgo logging level and
// installs a slog-backed discordgo logger.
func (d DiscordSession) SetLogLevel(level slog.Level) error {
	for dgLevel, slogLevel := range discordGoLogLevels {
		if slogLevel == level {
			d.session.LogLevel = dgLevel
			discordgo.Logger = discordgoLoggerFunc(
				context.Background(),
				d.logger.Handler(),
			)
			return nil
		}
	}
	return fmt.Errorf("unknown log level: %v", level)
}
