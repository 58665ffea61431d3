package sage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "sage_test.sqlite3"),
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func newTestSage(t *testing.T, db *gorm.DB) *Sage {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"

	logger := slog.New(newLogHandler(io.Discard, cfg.LogLevel))
	s := &Sage{
		config:                        cfg,
		logger:                        logger,
		db:                            db,
		faqs:                          newFAQStore(db, logger),
		rateLimiter:                   NewRateLimiter(cfg.FAQ.RateLimitWindow, cfg.FAQ.RateLimitMaxPerWindow, logger),
		cooldown:                      NewCooldownGate(db, cfg.FAQ.AnswerCooldown, logger),
		usage:                         NewUsageTracker(db, logger),
		collectors:                    newFeedbackCollectors(cfg.FAQ.FeedbackWindow),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
	}
	s.discord = &Discord{
		config: cfg.Discord,
		logger: logger,
		sage:   s,
	}
	return s
}

func seedFAQ(t *testing.T, s *Sage, entry FAQEntry) FAQEntry {
	t.Helper()
	require.NoError(t, s.faqs.Create(context.Background(), &entry))
	return entry
}

type stubMessage struct {
	ChannelID string
	Content   string
}

// stubSession implements DiscordSessionHandler, recording outbound calls.
type stubSession struct {
	mu               sync.Mutex
	sent             []stubMessage
	complexSent      []stubMessage
	deleted          []string
	reactionsAdded   []string
	reactionsCleared []string
	dmCreated        []string
	messageCounter   int
}

func (s *stubSession) Open() error  { return nil }
func (s *stubSession) Close() error { return nil }

func (s *stubSession) AddHandler(any) func() { return func() {} }

func (s *stubSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, stubMessage{ChannelID: channelID, Content: message})
	s.messageCounter++
	return &discordgo.Message{
		ID:        stubMessageID(s.messageCounter),
		ChannelID: channelID,
	}, nil
}

func (s *stubSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var content string
	if len(data.Embeds) > 0 {
		content = data.Embeds[0].Title
	}
	s.complexSent = append(
		s.complexSent,
		stubMessage{ChannelID: channelID, Content: content},
	)
	s.messageCounter++
	return &discordgo.Message{
		ID:        stubMessageID(s.messageCounter),
		ChannelID: channelID,
	}, nil
}

func (s *stubSession) ChannelMessageDelete(
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, messageID)
	return nil
}

func (s *stubSession) MessageReactionAdd(
	_ string,
	_ string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactionsAdded = append(s.reactionsAdded, emojiID)
	return nil
}

func (s *stubSession) MessageReactionsRemoveAll(
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactionsCleared = append(s.reactionsCleared, messageID)
	return nil
}

func (s *stubSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dmCreated = append(s.dmCreated, recipientID)
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (s *stubSession) UpdateCustomStatus(string) error { return nil }

func (s *stubSession) SetLogLevel(slog.Level) error { return nil }

func stubMessageID(n int) string {
	return "stub-message-" + string(rune('0'+n))
}

func incomingMessage(text string) IncomingMessage {
	return IncomingMessage{
		MessageID:  "msg-1",
		Text:       text,
		UserID:     "user1",
		UserName:   "Student One",
		ChannelID:  "chan1",
		ReceivedAt: time.Now(),
	}
}

func discordMessage(text string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg-1",
			Content:   text,
			ChannelID: "chan1",
			Author: &discordgo.User{
				ID:       "user1",
				Username: "Student One",
			},
		},
	}
}

func TestProcessMessageMatchRecordsUsage(t *testing.T) {
	db := newTestDB(t)
	s := newTestSage(t, db)
	ctx := context.Background()

	faq := seedFAQ(
		t, s, FAQEntry{
			Question: "What is the homework policy?",
			Answer:   "Due Fridays.",
			Category: "Policies",
		},
	)

	result := s.ProcessMessage(ctx, incomingMessage("homework policy"))
	require.NotNil(t, result.Entry)
	assert.Equal(t, faq.ID, result.Entry.ID)
	assert.False(t, result.RateLimited)
	assert.False(t, result.OnCooldown)

	var stat FAQUsageStat
	require.NoError(t, db.Where("faq_id = ?", faq.ID).Take(&stat).Error)
	assert.Equal(t, int64(1), stat.UsageCount)

	events, err := s.usage.History(ctx, faq.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestProcessMessageNoMatchStillArmsCooldown(t *testing.T) {
	db := newTestDB(t)
	s := newTestSage(t, db)
	ctx := context.Background()

	first := s.ProcessMessage(ctx, incomingMessage("completely unrelated"))
	assert.Nil(t, first.Entry)
	assert.False(t, first.OnCooldown)

	// the cooldown armed even though nothing matched
	second := s.ProcessMessage(ctx, incomingMessage("still unrelated"))
	assert.True(t, second.OnCooldown)
	assert.Greater(t, second.CooldownRemaining, 0)
}

func TestProcessMessageCooldownDenialKeepsRateSlot(t *testing.T) {
	db := newTestDB(t)
	s := newTestSage(t, db)
	s.rateLimiter = NewRateLimiter(time.Minute, 2, s.logger)
	ctx := context.Background()

	first := s.ProcessMessage(ctx, incomingMessage("question one"))
	require.False(t, first.OnCooldown)
	require.False(t, first.RateLimited)

	// every subsequent message lands on the cooldown, never on the rate
	// limit: cooldown denials don't consume window slots
	for i := 0; i < 4; i++ {
		result := s.ProcessMessage(ctx, incomingMessage("question again"))
		assert.True(t, result.OnCooldown)
		assert.False(t, result.RateLimited)
	}
}

func TestProcessMessageRateLimited(t *testing.T) {
	db := newTestDB(t)
	s := newTestSage(t, db)
	s.rateLimiter = NewRateLimiter(time.Minute, 1, s.logger)
	ctx := context.Background()

	first := s.ProcessMessage(ctx, incomingMessage("question one"))
	require.False(t, first.RateLimited)

	second := s.ProcessMessage(ctx, incomingMessage("question two"))
	assert.True(t, second.RateLimited)
	assert.True(t, second.NotifyRateLimit)
	assert.Greater(t, second.RetryAfter, time.Duration(0))

	// the notice is throttled even when the denials keep coming
	third := s.ProcessMessage(ctx, incomingMessage("question three"))
	assert.True(t, third.RateLimited)
	assert.False(t, third.NotifyRateLimit)
}

func TestProcessMessageFailsOpenOnStoreError(t *testing.T) {
	db := newTestDB(t)
	s := newTestSage(t, db)
	ctx := context.Background()

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	// both the cooldown and corpus reads fail; the pipeline degrades to
	// a silent no-match instead of an error
	result := s.ProcessMessage(ctx, incomingMessage("homework policy"))
	assert.Nil(t, result.Entry)
	assert.False(t, result.RateLimited)
	assert.False(t, result.OnCooldown)
}

func TestProcessMessageStaysSilentOnCooldownStoreError(t *testing.T) {
	db := newTestDB(t)
	s := newTestSage(t, db)
	ctx := context.Background()

	faq := seedFAQ(
		t, s, FAQEntry{
			Question: "What is the homework policy?",
			Answer:   "Due Fridays.",
		},
	)

	// only the cooldown table is degraded; the corpus is still readable,
	// but the failed cooldown check must suppress the answer
	require.NoError(t, db.Migrator().DropTable(&CooldownRecord{}))

	result := s.ProcessMessage(ctx, incomingMessage("homework policy"))
	assert.Nil(t, result.Entry)
	assert.False(t, result.RateLimited)
	assert.False(t, result.OnCooldown)

	var count int64
	require.NoError(
		t,
		db.Model(&FAQUsageEvent{}).Where("faq_id = ?", faq.ID).Count(&count).Error,
	)
	assert.Zero(t, count)
}

func TestHandleMessageCreateSendsAnswer(t *testing.T) {
	db := newTestDB(t)
	s := newTestSage(t, db)
	session := &stubSession{}
	s.discord.session = session

	seedFAQ(
		t, s, FAQEntry{
			Question: "What is the homework policy?",
			Answer:   "Due Fridays.",
			Link:     "https://example.com/syllabus",
		},
	)

	s.handleMessageCreate(discordMessage("homework policy"))

	require.Len(t, session.complexSent, 1)
	assert.Equal(t, "What is the homework policy?", session.complexSent[0].Content)
	assert.Equal(
		t,
		[]string{feedbackEmojiPositive, feedbackEmojiNegative},
		session.reactionsAdded,
	)
	assert.Equal(t, 1, s.collectors.active())
}

func TestHandleMessageCreateCooldownNotice(t *testing.T) {
	db := newTestDB(t)
	s := newTestSage(t, db)
	session := &stubSession{}
	s.discord.session = session

	s.handleMessageCreate(discordMessage("anything at all"))
	s.handleMessageCreate(discordMessage("anything again"))

	require.Len(t, session.sent, 1)
	assert.Contains(t, session.sent[0].Content, "wait")
	assert.Equal(t, "chan1", session.sent[0].ChannelID)
}

func TestHandleMessageCreateRateLimited(t *testing.T) {
	db := newTestDB(t)
	s := newTestSage(t, db)
	s.rateLimiter = NewRateLimiter(time.Minute, 1, s.logger)
	session := &stubSession{}
	s.discord.session = session

	s.handleMessageCreate(discordMessage("question one"))
	s.handleMessageCreate(discordMessage("question two"))

	// the over-limit message is deleted and the user gets one DM notice
	assert.Equal(t, []string{"msg-1"}, session.deleted)
	require.Equal(t, []string{"user1"}, session.dmCreated)
	require.Len(t, session.sent, 1)
	assert.Equal(t, "dm-user1", session.sent[0].ChannelID)
	assert.Equal(t, DefaultRateLimitNotice, session.sent[0].Content)
}

func TestHandleMessageCreateAutoResponseDisabled(t *testing.T) {
	db := newTestDB(t)
	s := newTestSage(t, db)
	session := &stubSession{}
	s.discord.session = session
	s.runtimeConfig = &RuntimeConfig{AutoResponseEnabled: false}

	seedFAQ(t, s, FAQEntry{Question: "Q", Answer: "A"})
	s.handleMessageCreate(discordMessage("q"))

	assert.Empty(t, session.sent)
	assert.Empty(t, session.complexSent)
}

func TestHandleMessageCreateDisabledChannel(t *testing.T) {
	db := newTestDB(t)
	s := newTestSage(t, db)
	session := &stubSession{}
	s.discord.session = session
	s.runtimeConfig = &RuntimeConfig{
		AutoResponseEnabled: true,
		DisabledChannelIDs:  "chan1,chan9",
	}

	seedFAQ(t, s, FAQEntry{Question: "Q", Answer: "A"})
	s.handleMessageCreate(discordMessage("q"))

	assert.Empty(t, session.sent)
	assert.Empty(t, session.complexSent)
}

func TestHandleReactionAddRecordsFeedback(t *testing.T) {
	db := newTestDB(t)
	s := newTestSage(t, db)
	session := &stubSession{}
	s.discord.session = session

	faq := seedFAQ(
		t, s, FAQEntry{
			Question: "What is the homework policy?",
			Answer:   "Due Fridays.",
		},
	)
	s.handleMessageCreate(discordMessage("homework policy"))
	require.Equal(t, 1, s.collectors.active())
	require.Len(t, session.complexSent, 1)
	answerID := stubMessageID(1)

	s.handleReactionAdd(
		&discordgo.MessageReactionAdd{
			MessageReaction: &discordgo.MessageReaction{
				MessageID: answerID,
				ChannelID: "chan1",
				UserID:    "user1",
				Emoji:     discordgo.Emoji{Name: feedbackEmojiPositive},
			},
		},
	)

	var stat FAQUsageStat
	require.NoError(t, db.Where("faq_id = ?", faq.ID).Take(&stat).Error)
	assert.Equal(t, int64(1), stat.FeedbackPositive)

	assert.Equal(t, 0, s.collectors.active())
	assert.Contains(t, session.reactionsCleared, answerID)
	require.NotEmpty(t, session.sent)
	assert.Contains(t, session.sent[len(session.sent)-1].Content, "Thanks")
}

func TestHandleReactionAddIgnoresOtherUsers(t *testing.T) {
	db := newTestDB(t)
	s := newTestSage(t, db)
	session := &stubSession{}
	s.discord.session = session

	faq := seedFAQ(t, s, FAQEntry{Question: "Some question here", Answer: "A"})
	s.handleMessageCreate(discordMessage("some question here"))
	require.Equal(t, 1, s.collectors.active())
	answerID := stubMessageID(1)

	s.handleReactionAdd(
		&discordgo.MessageReactionAdd{
			MessageReaction: &discordgo.MessageReaction{
				MessageID: answerID,
				ChannelID: "chan1",
				UserID:    "someone-else",
				Emoji:     discordgo.Emoji{Name: feedbackEmojiPositive},
			},
		},
	)

	var stat FAQUsageStat
	require.NoError(t, db.Where("faq_id = ?", faq.ID).Take(&stat).Error)
	assert.Zero(t, stat.FeedbackPositive)
	assert.Equal(t, 1, s.collectors.active())
}

func TestHandleReactionAddIgnoresUnknownEmoji(t *testing.T) {
	db := newTestDB(t)
	s := newTestSage(t, db)
	session := &stubSession{}
	s.discord.session = session

	seedFAQ(t, s, FAQEntry{Question: "Some question here", Answer: "A"})
	s.handleMessageCreate(discordMessage("some question here"))
	answerID := stubMessageID(1)

	s.handleReactionAdd(
		&discordgo.MessageReactionAdd{
			MessageReaction: &discordgo.MessageReaction{
				MessageID: answerID,
				ChannelID: "chan1",
				UserID:    "user1",
				Emoji:     discordgo.Emoji{Name: "🎉"},
			},
		},
	)
	assert.Equal(t, 1, s.collectors.active())
}

func TestHandleReactionAddUnknownMessage(t *testing.T) {
	db := newTestDB(t)
	s := newTestSage(t, db)
	session := &stubSession{}
	s.discord.session = session

	s.handleReactionAdd(
		&discordgo.MessageReactionAdd{
			MessageReaction: &discordgo.MessageReaction{
				MessageID: "never-seen",
				ChannelID: "chan1",
				UserID:    "user1",
				Emoji:     discordgo.Emoji{Name: feedbackEmojiPositive},
			},
		},
	)
	assert.Empty(t, session.sent)
}

func TestFeedbackCollectorExpiry(t *testing.T) {
	collectors := newFeedbackCollectors(20 * time.Millisecond)

	expired := make(chan string, 1)
	collectors.register(
		"msg-1", "chan1", "user1", 1,
		func(messageID string, _ string) {
			expired <- messageID
		},
	)
	require.Equal(t, 1, collectors.active())

	select {
	case messageID := <-expired:
		assert.Equal(t, "msg-1", messageID)
	case <-time.After(time.Second):
		t.Fatal("collector did not expire")
	}
	assert.Equal(t, 0, collectors.active())
}

func TestFeedbackCollectorRemoveCancelsExpiry(t *testing.T) {
	collectors := newFeedbackCollectors(20 * time.Millisecond)

	expired := make(chan string, 1)
	collectors.register(
		"msg-1", "chan1", "user1", 1,
		func(messageID string, _ string) {
			expired <- messageID
		},
	)
	collectors.remove("msg-1")

	select {
	case <-expired:
		t.Fatal("expiry fired after removal")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, collectors.active())
}

func TestRuntimeConfigDefaults(t *testing.T) {
	db := newTestDB(t)
	s := newTestSage(t, db)

	// before loading, the default config is returned
	cfg := s.RuntimeConfig()
	assert.True(t, cfg.AutoResponseEnabled)

	require.NoError(t, s.loadRuntimeConfig(context.Background()))
	loaded := s.RuntimeConfig()
	assert.True(t, loaded.AutoResponseEnabled)
	assert.NotZero(t, loaded.ID)

	// a second load returns the same persisted row
	require.NoError(t, s.loadRuntimeConfig(context.Background()))
	assert.Equal(t, loaded.ID, s.RuntimeConfig().ID)
}

func TestRuntimeConfigChannelHelpers(t *testing.T) {
	var cfg RuntimeConfig
	assert.False(t, cfg.ChannelDisabled("chan1"))

	cfg.SetDisabledChannels([]string{"chan1", " chan2 ", ""})
	assert.True(t, cfg.ChannelDisabled("chan1"))
	assert.True(t, cfg.ChannelDisabled("chan2"))
	assert.False(t, cfg.ChannelDisabled("chan3"))
	assert.Equal(t, []string{"chan1", "chan2"}, cfg.DisabledChannels())
}
