// Package sage implements a Discord bot that automatically answers
// frequently asked questions. Incoming guild messages pass through a
// per-user rate limit and answer cooldown, are matched against a stored
// FAQ corpus by keyword similarity, and answered with an embed that
// collects thumbs-up/down reaction feedback. An HTTP API manages the
// corpus and exposes usage analytics.
package sage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Set via ldflags at build time
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

var defaultLogWriter io.Writer = os.Stdout

// Sage is the bot's top-level coordinator. Create with New, start with Run.
type Sage struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db         *gorm.DB
	dbNotifier DBNotifier

	discord *Discord
	api     *API

	faqs        *faqStore
	rateLimiter *RateLimiter
	cooldown    *CooldownGate
	usage       *UsageTracker
	collectors  *feedbackCollectors

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	// triggerRuntimeConfigRefreshCh has a value sent on it when the
	// runtime config should be reloaded from the database
	triggerRuntimeConfigRefreshCh chan bool

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt       time.Time
	messagesHandled atomic.Int64
	answersSent     atomic.Int64
}

// New creates and initializes a Sage instance: logging, the database
// connection and migrations, the matcher's supporting stores, the Discord
// wrapper, and the API server. The Discord session itself isn't opened
// until Run.
func New(ctx context.Context, config *Config) (*Sage, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Sage{
		config:                        config,
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
	}
	s.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:      config.LogLevel,
			AddSource:  true,
			TimeFormat: time.TimeOnly,
		},
	)
	s.logger = slog.New(s.logHandler).With(loggerNameKey, "sage")
	slog.SetDefault(s.logger)

	db, err := CreateDB(ctx, config.DatabaseType, config.Database)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}
	s.db = db

	s.faqs = newFAQStore(db, s.logger)
	s.rateLimiter = NewRateLimiter(
		config.FAQ.RateLimitWindow,
		config.FAQ.RateLimitMaxPerWindow,
		s.logger,
	)
	s.cooldown = NewCooldownGate(db, config.FAQ.AnswerCooldown, s.logger)
	s.usage = NewUsageTracker(db, s.logger)
	s.collectors = newFeedbackCollectors(config.FAQ.FeedbackWindow)

	discord, err := newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}
	discord.logger = slog.New(s.logHandler).With(loggerNameKey, "discord")
	discord.sage = s
	s.discord = discord

	api, err := newAPI(s, config.API)
	if err != nil {
		return nil, err
	}
	s.api = api

	return s, nil
}

// RuntimeConfig returns a copy of the current runtime configuration.
func (s *Sage) RuntimeConfig() RuntimeConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	if s.runtimeConfig == nil {
		return defaultRuntimeConfig()
	}
	return *s.runtimeConfig
}

// loadRuntimeConfig fetches the runtime config row, creating the default
// row on first startup.
func (s *Sage) loadRuntimeConfig(ctx context.Context) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	var cfg RuntimeConfig
	err := s.db.WithContext(ctx).Last(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cfg = defaultRuntimeConfig()
		if err = s.db.WithContext(ctx).Create(&cfg).Error; err != nil {
			return fmt.Errorf("error creating runtime config: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("error loading runtime config: %w", err)
	}
	s.runtimeConfig = &cfg
	s.logger.InfoContext(ctx, "loaded runtime config", "runtime_config", cfg)
	return nil
}

func (s *Sage) refreshRuntimeConfig(ctx context.Context) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	var cfg RuntimeConfig
	if err := s.db.WithContext(ctx).Last(&cfg).Error; err != nil {
		s.logger.ErrorContext(ctx, "error refreshing runtime config", tint.Err(err))
		return
	}
	s.runtimeConfig = &cfg
	s.logger.InfoContext(ctx, "refreshed runtime config", "runtime_config", cfg)
}

// Stop signals a running bot to begin a graceful shutdown.
func (s *Sage) Stop() {
	select {
	case s.signalStop <- struct{}{}:
	default:
	}
}

// Run starts the bot and blocks until the given context is canceled or
// Stop is called, then shuts down gracefully.
func (s *Sage) Run(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.signalStop = make(chan struct{}, 1)
	s.startedAt = time.Now()
	logger := s.logger

	notifier, err := newDBNotifier(s)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	s.dbNotifier = notifier

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, s.config.StartupTimeout)
	defer startCancel()

	if err = s.loadRuntimeConfig(startCtx); err != nil {
		return err
	}

	session, err := s.discord.newSession()
	if err != nil {
		return err
	}
	s.discord.session = session
	s.discord.registerHandlers()

	logger.InfoContext(startCtx, "connecting to discord")
	if err = s.discord.session.Open(); err != nil {
		logger.ErrorContext(startCtx, "error connecting to discord", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(
		func() error {
			httpErr := s.api.Serve(runCtx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(runCtx, "error serving api HTTP", tint.Err(httpErr))
				return httpErr
			}
			return nil
		},
	)

	if channel := s.dbNotifier.RuntimeConfigChannelName(); channel != "" {
		g.Go(
			func() error {
				if e := s.dbNotifier.Listen(runCtx, channel); e != nil {
					logger.ErrorContext(
						runCtx,
						"error listening to runtime config channel",
						tint.Err(e),
					)
				}
				return nil
			},
		)
	}

	g.Go(
		func() error {
			for {
				select {
				case <-runCtx.Done():
					return nil
				case <-s.triggerRuntimeConfigRefreshCh:
					refreshCtx, refreshCancel := context.WithTimeout(
						runCtx,
						30*time.Second,
					)
					s.refreshRuntimeConfig(refreshCtx)
					refreshCancel()
				}
			}
		},
	)

	logger.InfoContext(ctx, "sage is running", "version", Version)

	<-ctx.Done()
	return s.shutdown(g)
}

func (s *Sage) shutdown(g *errgroup.Group) error {
	logger := s.logger
	logger.Warn("shutting down")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		s.config.ShutdownTimeout,
	)
	defer cancel()

	s.collectors.stopAll()
	s.discord.removeHandlers()

	if s.discord.session != nil {
		if err := s.discord.session.Close(); err != nil {
			logger.Error("error closing discord connection", tint.Err(err))
		}
	}
	if err := s.api.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down api", tint.Err(err))
	}

	err := g.Wait()
	logger.Warn("shutdown complete")
	return err
}

// IncomingMessage is a normalized inbound message handed to the answer
// pipeline.
type IncomingMessage struct {
	MessageID  string
	Text       string
	UserID     string
	UserName   string
	ChannelID  string
	ReceivedAt time.Time
}

// MatchResult is the discriminated outcome of the answer pipeline. Exactly
// one of Entry != nil, RateLimited, or OnCooldown describes the outcome; all
// zero means no FAQ matched.
type MatchResult struct {
	// Entry is the matched FAQ, nil when nothing matched or the message
	// was throttled
	Entry *FAQEntry

	// RateLimited indicates the user exceeded the sliding-window limit
	RateLimited bool

	// NotifyRateLimit indicates the user should be told about the rate
	// limit. Throttled separately so a burst doesn't trigger a DM per
	// message.
	NotifyRateLimit bool

	// RetryAfter is how long until the oldest window slot frees up
	RetryAfter time.Duration

	// OnCooldown indicates the per-user answer cooldown hasn't lapsed
	OnCooldown bool

	// CooldownRemaining is the rounded-up seconds left on the cooldown
	CooldownRemaining int
}

// ProcessMessage runs one message through the answer pipeline: rate limit,
// cooldown, FAQ match, usage recording. Store failures downstream of the
// rate limiter fail open, returning a no-match result rather than an error,
// so a degraded database silences the bot instead of crashing it.
//
// A rate-limit slot is only consumed after the cooldown check passes, so
// messages rejected by the cooldown don't burn through the window.
func (s *Sage) ProcessMessage(
	ctx context.Context,
	msg IncomingMessage,
) MatchResult {
	s.messagesHandled.Add(1)
	now := msg.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = s.logger
	}
	logger = logger.With(
		"user_id", msg.UserID,
		"channel_id", msg.ChannelID,
	)

	decision := s.rateLimiter.Admit(msg.UserID, now)
	if !decision.Admitted {
		logger.InfoContext(
			ctx,
			"rate limited",
			"retry_after", decision.RetryAfter,
		)
		return MatchResult{
			RateLimited:     true,
			NotifyRateLimit: s.rateLimiter.AllowWarning(msg.UserID),
			RetryAfter:      decision.RetryAfter,
		}
	}

	cooldownResult, err := s.cooldown.CheckAndArm(ctx, msg.UserID, now)
	if err != nil {
		// fail open: degrade to a silent no-match, not an uncooled answer
		logger.ErrorContext(ctx, "cooldown check failed", tint.Err(err))
		return MatchResult{}
	}
	if !cooldownResult.Allowed {
		logger.DebugContext(
			ctx,
			"on cooldown",
			"remaining_seconds", cooldownResult.RemainingSeconds,
		)
		return MatchResult{
			OnCooldown:        true,
			CooldownRemaining: cooldownResult.RemainingSeconds,
		}
	}

	s.rateLimiter.Consume(msg.UserID, now)

	corpus, err := s.faqs.ListAll(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error loading FAQ corpus", tint.Err(err))
		return MatchResult{}
	}

	entry := Match(msg.Text, corpus)
	if entry == nil {
		return MatchResult{}
	}
	logger.InfoContext(
		ctx,
		"matched FAQ",
		"faq", entry,
		"content", truncate(msg.Text, 100),
	)

	if err = s.usage.RecordUsage(
		ctx, *entry, msg.UserID, msg.UserName, msg.ChannelID, now,
	); err != nil {
		logger.ErrorContext(ctx, "error recording usage", tint.Err(err))
	}
	return MatchResult{Entry: entry}
}

// handleMessageCreate answers an incoming guild message, if warranted.
// Called from the gateway event handler after bot/guild filtering.
func (s *Sage) handleMessageCreate(m *discordgo.MessageCreate) {
	runtimeCfg := s.RuntimeConfig()
	if !runtimeCfg.AutoResponseEnabled {
		return
	}
	if runtimeCfg.ChannelDisabled(m.ChannelID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx = WithLogger(ctx, s.logger)

	msg := IncomingMessage{
		MessageID:  m.ID,
		Text:       m.Content,
		UserID:     m.Author.ID,
		UserName:   m.Author.Username,
		ChannelID:  m.ChannelID,
		ReceivedAt: time.Now(),
	}
	result := s.ProcessMessage(ctx, msg)

	switch {
	case result.RateLimited:
		s.handleRateLimited(ctx, msg, result)
	case result.OnCooldown:
		_, err := s.discord.session.ChannelMessageSend(
			msg.ChannelID,
			fmt.Sprintf(
				"Please wait %d more second(s) before asking another question.",
				result.CooldownRemaining,
			),
		)
		if err != nil {
			s.logger.ErrorContext(ctx, "error sending cooldown notice", tint.Err(err))
		}
	case result.Entry != nil:
		s.sendAnswer(ctx, msg, result.Entry)
	}
}

// handleRateLimited deletes the over-limit message and, at most once per
// window, tells the user about it in a DM.
func (s *Sage) handleRateLimited(
	ctx context.Context,
	msg IncomingMessage,
	result MatchResult,
) {
	if err := s.discord.session.ChannelMessageDelete(
		msg.ChannelID, msg.MessageID,
	); err != nil {
		s.logger.ErrorContext(ctx, "error deleting rate-limited message", tint.Err(err))
	}
	if !result.NotifyRateLimit {
		return
	}
	dm, err := s.discord.session.UserChannelCreate(msg.UserID)
	if err != nil {
		return
	}
	notice := s.config.FAQ.RateLimitNotice
	if notice == "" {
		notice = DefaultRateLimitNotice
	}
	if _, err = s.discord.session.ChannelMessageSend(dm.ID, notice); err != nil {
		s.logger.ErrorContext(ctx, "error sending rate limit notice", tint.Err(err))
	}
}

// sendAnswer posts the FAQ answer as an embed, seeds the feedback
// reactions, and registers a collector for the feedback window.
func (s *Sage) sendAnswer(
	ctx context.Context,
	msg IncomingMessage,
	entry *FAQEntry,
) {
	embed := &discordgo.MessageEmbed{
		Title:       entry.Question,
		Description: entry.Answer,
		Color:       answerEmbedColor,
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Was this helpful? React 👍 or 👎",
		},
	}
	if entry.Link != "" {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "More info",
				Value: entry.Link,
			},
		)
	}
	sent, err := s.discord.session.ChannelMessageSendComplex(
		msg.ChannelID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{embed},
			Reference: &discordgo.MessageReference{
				MessageID: msg.MessageID,
				ChannelID: msg.ChannelID,
			},
		},
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "error sending answer", tint.Err(err))
		return
	}
	s.answersSent.Add(1)

	for _, emoji := range []string{feedbackEmojiPositive, feedbackEmojiNegative} {
		if reactErr := s.discord.session.MessageReactionAdd(
			sent.ChannelID, sent.ID, emoji,
		); reactErr != nil {
			s.logger.WarnContext(ctx, "error adding feedback reaction", tint.Err(reactErr))
		}
	}

	s.collectors.register(
		sent.ID, sent.ChannelID, msg.UserID, entry.ID,
		func(messageID string, channelID string) {
			if removeErr := s.discord.session.MessageReactionsRemoveAll(
				channelID, messageID,
			); removeErr != nil {
				s.logger.Warn("error clearing reactions", tint.Err(removeErr))
			}
		},
	)
}

// handleReactionAdd records feedback when the original asker reacts to an
// answer within the feedback window. Reactions from other users, unknown
// emoji, or expired collectors are ignored.
func (s *Sage) handleReactionAdd(r *discordgo.MessageReactionAdd) {
	collector := s.collectors.get(r.MessageID)
	if collector == nil {
		return
	}
	if r.UserID != collector.askerID {
		return
	}
	var sentiment FeedbackSentiment
	switch r.Emoji.Name {
	case feedbackEmojiPositive:
		sentiment = FeedbackPositive
	case feedbackEmojiNegative:
		sentiment = FeedbackNegative
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.usage.RecordFeedback(ctx, collector.faqID, sentiment); err != nil {
		s.logger.ErrorContext(ctx, "error recording feedback", tint.Err(err))
	}
	s.collectors.remove(r.MessageID)

	if _, err := s.discord.session.ChannelMessageSend(
		r.ChannelID, "Thanks for the feedback!",
	); err != nil {
		s.logger.ErrorContext(ctx, "error sending feedback ack", tint.Err(err))
	}
	if err := s.discord.session.MessageReactionsRemoveAll(
		r.ChannelID, r.MessageID,
	); err != nil {
		s.logger.WarnContext(ctx, "error clearing reactions", tint.Err(err))
	}
}

// feedbackCollector tracks one answer message awaiting reaction feedback.
type feedbackCollector struct {
	id        string
	faqID     uint
	askerID   string
	channelID string
	messageID string
	timer     *time.Timer
}

// feedbackCollectors indexes active collectors by answer message ID. Each
// collector expires after the feedback window lapses, at which point its
// onExpire callback runs and the entry is dropped.
type feedbackCollectors struct {
	mu        sync.Mutex
	byMessage map[string]*feedbackCollector
	window    time.Duration
}

func newFeedbackCollectors(window time.Duration) *feedbackCollectors {
	if window <= 0 {
		window = DefaultFeedbackWindow
	}
	return &feedbackCollectors{
		byMessage: map[string]*feedbackCollector{},
		window:    window,
	}
}

func (f *feedbackCollectors) register(
	messageID string,
	channelID string,
	askerID string,
	faqID uint,
	onExpire func(messageID string, channelID string),
) *feedbackCollector {
	f.mu.Lock()
	defer f.mu.Unlock()

	collector := &feedbackCollector{
		id:        newCorrelationID(),
		faqID:     faqID,
		askerID:   askerID,
		channelID: channelID,
		messageID: messageID,
	}
	collector.timer = time.AfterFunc(
		f.window, func() {
			if f.removeIfCurrent(messageID, collector.id) && onExpire != nil {
				onExpire(messageID, channelID)
			}
		},
	)
	f.byMessage[messageID] = collector
	return collector
}

func (f *feedbackCollectors) get(messageID string) *feedbackCollector {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byMessage[messageID]
}

func (f *feedbackCollectors) remove(messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if collector, ok := f.byMessage[messageID]; ok {
		collector.timer.Stop()
		delete(f.byMessage, messageID)
	}
}

// removeIfCurrent drops the entry only if it still refers to the same
// collector, so an expiry firing after re-registration doesn't clobber
// the newer collector.
func (f *feedbackCollectors) removeIfCurrent(messageID string, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	collector, ok := f.byMessage[messageID]
	if !ok || collector.id != id {
		return false
	}
	delete(f.byMessage, messageID)
	return true
}

func (f *feedbackCollectors) stopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for messageID, collector := range f.byMessage {
		collector.timer.Stop()
		delete(f.byMessage, messageID)
	}
}

func (f *feedbackCollectors) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byMessage)
}
