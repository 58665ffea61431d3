package sage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const cooldownKeyPrefix = "faq_cooldown_"

// CooldownRecord persists a per-user FAQ answer suppression window. While
// ExpiresAt is in the future, new answers for that user are suppressed. The
// record is upserted on every allowing check and never deleted; it simply
// expires.
type CooldownRecord struct {
	Key       string `gorm:"primaryKey" json:"key"`
	ExpiresAt int64  `gorm:"not null" json:"expires_at"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

func (CooldownRecord) TableName() string {
	return "cooldowns"
}

func cooldownKey(userID string) string {
	return cooldownKeyPrefix + userID
}

// CooldownResult is the outcome of a CooldownGate check.
type CooldownResult struct {
	Allowed bool

	// RemainingSeconds is the rounded-up wait time, for display to the user.
	// Only set on denial.
	RemainingSeconds int
}

// CooldownGate throttles how often a single user can receive FAQ answers,
// with a fixed interval persisted to the database so it survives restarts.
// This is a distinct policy from RateLimiter: it throttles message
// frequency, and re-arms on every allowing check even when no FAQ matches.
type CooldownGate struct {
	db       *gorm.DB
	duration time.Duration
	logger   *slog.Logger
}

func NewCooldownGate(db *gorm.DB, duration time.Duration, log *slog.Logger) *CooldownGate {
	if log == nil {
		log = slog.Default()
	}
	return &CooldownGate{
		db:       db,
		duration: duration,
		logger:   log.With(loggerNameKey, "cooldown_gate"),
	}
}

// CheckAndArm reads the user's cooldown record and, if the cooldown has
// lapsed (or never existed), immediately re-arms it for the configured
// duration via a store-level upsert.
//
// Two concurrent messages from the same user can both observe "not on
// cooldown" and both arm: the window between check and arm is an accepted
// race (last-writer-wins on expires_at), since the cooldown is a best-effort
// throttle rather than a lock.
func (g *CooldownGate) CheckAndArm(
	ctx context.Context,
	userID string,
	now time.Time,
) (CooldownResult, error) {
	key := cooldownKey(userID)

	var record CooldownRecord
	err := g.db.WithContext(ctx).Where("key = ?", key).Take(&record).Error
	switch {
	case err == nil:
		if record.ExpiresAt > now.UnixMilli() {
			return CooldownResult{
				RemainingSeconds: ceilSeconds(record.ExpiresAt - now.UnixMilli()),
			}, nil
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// first message from this user
	default:
		return CooldownResult{}, err
	}

	record = CooldownRecord{
		Key:       key,
		ExpiresAt: now.Add(g.duration).UnixMilli(),
	}
	err = g.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(
				map[string]any{
					"expires_at": record.ExpiresAt,
					"updated_at": now.UnixMilli(),
				},
			),
		},
	).Create(&record).Error
	if err != nil {
		return CooldownResult{}, err
	}
	return CooldownResult{Allowed: true}, nil
}

// ceilSeconds converts a millisecond duration to whole seconds, rounding up.
func ceilSeconds(ms int64) int {
	if ms <= 0 {
		return 0
	}
	return int((ms + 999) / 1000)
}
