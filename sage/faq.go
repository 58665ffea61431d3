package sage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FAQEntry is an admin-curated question/answer pair. The question is the
// matching key, unique within its category. Categories are hierarchical
// paths using '/' as a separator (e.g. "Course/367").
//
// Entries are created, edited, and removed exclusively through the admin
// API; the matching pipeline only ever reads them.
type FAQEntry struct {
	ModelUintID
	ModelUnixTime

	Question string `json:"question" gorm:"uniqueIndex:idx_faq_category_question;not null"`
	Answer   string `json:"answer" gorm:"not null"`
	Category string `json:"category" gorm:"uniqueIndex:idx_faq_category_question;index"`
	Link     string `json:"link,omitempty"`
}

func (FAQEntry) TableName() string {
	return "faqs"
}

// TopLevelCategory returns the segment before the first '/' of the entry's
// category path ("Course/367" -> "Course").
func (e FAQEntry) TopLevelCategory() string {
	top, _, _ := strings.Cut(e.Category, "/")
	return top
}

func (e FAQEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(e.ID)),
		slog.String("question", e.Question),
		slog.String("category", e.Category),
	)
}

// FAQStore provides read access to the FAQ corpus. The pipeline fetches the
// full corpus on every message rather than caching it, so admin edits are
// visible immediately.
type FAQStore interface {
	ListAll(ctx context.Context) ([]FAQEntry, error)
}

// FAQImportEntry is the JSON schema accepted by the bulk import endpoint.
type FAQImportEntry struct {
	Question string `json:"question" binding:"required"`
	Answer   string `json:"answer" binding:"required"`
	Category string `json:"category" binding:"required"`
	Link     string `json:"link,omitempty"`
}

// faqStore is the GORM-backed FAQ store. ListAll serves the matching
// pipeline; the mutating methods serve the admin API.
type faqStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

func newFAQStore(db *gorm.DB, log *slog.Logger) *faqStore {
	if log == nil {
		log = slog.Default()
	}
	return &faqStore{
		db:     db,
		logger: log.With(loggerNameKey, "faq_store"),
	}
}

// ImportFAQs upserts the given entries against the provided database
// connection, for callers outside a running bot (the init subcommand).
func ImportFAQs(
	ctx context.Context,
	db *gorm.DB,
	entries []FAQImportEntry,
) (int, error) {
	return newFAQStore(db, slog.Default()).Import(ctx, entries)
}

// ListAll returns the full corpus in insertion order, which doubles as the
// matcher's tie-break order.
func (s *faqStore) ListAll(ctx context.Context) ([]FAQEntry, error) {
	var entries []FAQEntry
	err := s.db.WithContext(ctx).Order("id").Find(&entries).Error
	return entries, err
}

func (s *faqStore) Get(ctx context.Context, id uint) (*FAQEntry, error) {
	var entry FAQEntry
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *faqStore) Create(ctx context.Context, entry *FAQEntry) error {
	if entry.Question == "" {
		return errors.New("question is required")
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *faqStore) Update(ctx context.Context, entry *FAQEntry) error {
	rv := s.db.WithContext(ctx).Model(entry).Updates(
		map[string]any{
			"question": entry.Question,
			"answer":   entry.Answer,
			"category": entry.Category,
			"link":     entry.Link,
		},
	)
	if rv.Error != nil {
		return rv.Error
	}
	if rv.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *faqStore) Delete(ctx context.Context, id uint) error {
	// Hard delete: a soft-deleted row would still hold the unique
	// (category, question) slot against re-added entries.
	rv := s.db.WithContext(ctx).Unscoped().Delete(&FAQEntry{}, id)
	if rv.Error != nil {
		return rv.Error
	}
	if rv.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Categories returns the distinct category paths present in the corpus.
func (s *faqStore) Categories(ctx context.Context) ([]string, error) {
	var categories []string
	err := s.db.WithContext(ctx).Model(&FAQEntry{}).
		Distinct("category").
		Order("category").
		Pluck("category", &categories).Error
	return categories, err
}

// Import upserts the given entries, keyed by (category, question). Existing
// entries have their answer and link replaced. Returns the number of rows
// written.
func (s *faqStore) Import(ctx context.Context, entries []FAQImportEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	rows := make([]FAQEntry, 0, len(entries))
	for i, e := range entries {
		if e.Question == "" || e.Answer == "" {
			return 0, fmt.Errorf("entry %d: question and answer are required", i)
		}
		rows = append(
			rows, FAQEntry{
				Question: e.Question,
				Answer:   e.Answer,
				Category: e.Category,
				Link:     e.Link,
			},
		)
	}
	rv := s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "category"}, {Name: "question"}},
			DoUpdates: clause.AssignmentColumns([]string{"answer", "link"}),
		},
	).Create(&rows)
	if rv.Error != nil {
		return 0, rv.Error
	}
	s.logger.InfoContext(ctx, "imported faq entries", "count", rv.RowsAffected)
	return int(rv.RowsAffected), nil
}
