package sage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FeedbackSentiment is a user's reaction verdict on a delivered answer.
type FeedbackSentiment string

const (
	FeedbackPositive FeedbackSentiment = "positive"
	FeedbackNegative FeedbackSentiment = "negative"
)

// FAQUsageStat aggregates usage and feedback for one FAQ entry: one row per
// distinct FAQ identity, created on first use and updated in place with
// atomic increments. The question and category columns are denormalized
// copies so analytics queries don't need a join.
type FAQUsageStat struct {
	FAQID            uint   `gorm:"primaryKey;autoIncrement:false" json:"faq_id"`
	Question         string `json:"question"`
	Category         string `json:"category"`
	UsageCount       int64  `json:"usage_count"`
	FeedbackPositive int64  `json:"feedback_positive"`
	FeedbackNegative int64  `json:"feedback_negative"`
	LastUsed         int64  `json:"last_used"`
	CreatedAt        int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt        int64  `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

func (FAQUsageStat) TableName() string {
	return "faq_usage_stats"
}

func (s FAQUsageStat) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("faq_id", uint64(s.FAQID)),
		slog.String("question", s.Question),
		slog.Int64("usage_count", s.UsageCount),
	)
}

// FAQUsageEvent is one append-only usage history row: who triggered the
// answer, where, and when. The table grows without bound; pruning is an
// operational concern, not handled here.
type FAQUsageEvent struct {
	ModelUintID
	FAQID     uint   `gorm:"index;not null" json:"faq_id"`
	UserID    string `gorm:"index" json:"user_id"`
	UserName  string `json:"user_name"`
	ChannelID string `json:"channel_id"`
	UsedAt    int64  `json:"used_at"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func (FAQUsageEvent) TableName() string {
	return "faq_usage_events"
}

// UsageTracker records FAQ usage and feedback telemetry. Both operations are
// single atomic store updates (upsert with SQL-side increments), never
// read-modify-write from the application, so concurrent invocations for the
// same FAQ can't lose counts.
type UsageTracker struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewUsageTracker(db *gorm.DB, log *slog.Logger) *UsageTracker {
	if log == nil {
		log = slog.Default()
	}
	return &UsageTracker{
		db:     db,
		logger: log.With(loggerNameKey, "usage_tracker"),
	}
}

// RecordUsage upserts the stat row (incrementing usage_count, refreshing
// question/category/last_used) and appends one history event, in a single
// transaction so usage_count always equals the number of history rows.
func (t *UsageTracker) RecordUsage(
	ctx context.Context,
	faq FAQEntry,
	userID string,
	userName string,
	channelID string,
	now time.Time,
) error {
	return t.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			stat := FAQUsageStat{
				FAQID:      faq.ID,
				Question:   faq.Question,
				Category:   faq.Category,
				UsageCount: 1,
				LastUsed:   now.UnixMilli(),
			}
			err := tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "faq_id"}},
					DoUpdates: clause.Assignments(
						map[string]any{
							"usage_count": gorm.Expr("usage_count + 1"),
							"question":    faq.Question,
							"category":    faq.Category,
							"last_used":   now.UnixMilli(),
							"updated_at":  now.UnixMilli(),
						},
					),
				},
			).Create(&stat).Error
			if err != nil {
				return fmt.Errorf("error upserting usage stat: %w", err)
			}

			event := FAQUsageEvent{
				FAQID:     faq.ID,
				UserID:    userID,
				UserName:  userName,
				ChannelID: channelID,
				UsedAt:    now.UnixMilli(),
			}
			if err = tx.Create(&event).Error; err != nil {
				return fmt.Errorf("error appending usage event: %w", err)
			}
			return nil
		},
	)
}

// RecordFeedback atomically increments the feedback tally for the given FAQ.
// It's independent of RecordUsage and valid any time after a usage event
// references the same FAQ (the upsert also covers a stat row that doesn't
// exist yet).
func (t *UsageTracker) RecordFeedback(
	ctx context.Context,
	faqID uint,
	sentiment FeedbackSentiment,
) error {
	var column string
	stat := FAQUsageStat{FAQID: faqID}
	switch sentiment {
	case FeedbackPositive:
		column = "feedback_positive"
		stat.FeedbackPositive = 1
	case FeedbackNegative:
		column = "feedback_negative"
		stat.FeedbackNegative = 1
	default:
		return fmt.Errorf("invalid feedback sentiment: %q", sentiment)
	}

	return t.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "faq_id"}},
			DoUpdates: clause.Assignments(
				map[string]any{
					column: gorm.Expr(column + " + 1"),
				},
			),
		},
	).Create(&stat).Error
}

// UsageStatsFilter narrows Stats results. Zero values mean "no filter".
type UsageStatsFilter struct {
	// Since excludes stats last used before this instant
	Since time.Time

	// Category restricts results to one category path
	Category string

	// UserID restricts results to FAQs the given user has triggered
	UserID string
}

// Stats returns stat rows matching the filter, most-used first.
func (t *UsageTracker) Stats(
	ctx context.Context,
	filter UsageStatsFilter,
) ([]FAQUsageStat, error) {
	q := t.db.WithContext(ctx).Model(&FAQUsageStat{})
	if !filter.Since.IsZero() {
		q = q.Where("last_used >= ?", filter.Since.UnixMilli())
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	if filter.UserID != "" {
		q = q.Where(
			"faq_id IN (?)",
			t.db.Model(&FAQUsageEvent{}).
				Select("faq_id").
				Where("user_id = ?", filter.UserID),
		)
	}
	var stats []FAQUsageStat
	err := q.Order("usage_count DESC").Find(&stats).Error
	return stats, err
}

// CategoryUsageCounts returns per-category usage rollups.
func (t *UsageTracker) CategoryUsageCounts(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Category string
		Total    int64
	}
	err := t.db.WithContext(ctx).Model(&FAQUsageStat{}).
		Select("category, SUM(usage_count) as total").
		Group("category").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Category] = row.Total
	}
	return counts, nil
}

// History returns the most recent usage events for one FAQ, newest first.
func (t *UsageTracker) History(
	ctx context.Context,
	faqID uint,
	limit int,
) ([]FAQUsageEvent, error) {
	q := t.db.WithContext(ctx).Where("faq_id = ?", faqID).Order("used_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var events []FAQUsageEvent
	err := q.Find(&events).Error
	return events, err
}
