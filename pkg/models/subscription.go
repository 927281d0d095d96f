package models

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gorm.io/gorm"
)

// SubscriptionStatus constants.
const (
	SubscriptionStatusActive   = "ACTIVE"
	SubscriptionStatusPaused   = "PAUSED"
	SubscriptionStatusDisabled = "DISABLED"
	SubscriptionStatusError    = "ERROR"
)

// Subscription is a recurring-crawl contract against a Source.
//
// The scheduler claims due subscriptions (ACTIVE with next_run_at null or in
// the past), stamps last_run_at and clears next_run_at; the next-fire
// computer later fills next_run_at from the cron schedule. A subscription
// with status ACTIVE and a null next_run_at is therefore a normal transient
// state, not an error.
type Subscription struct {
	ID uint `gorm:"primaryKey" json:"id"`

	SourceID     uint   `gorm:"not null;index" json:"sourceId"`
	Jurisdiction string `gorm:"type:varchar(100);not null;index" json:"jurisdiction"`

	// Selectors is an opaque JSON rule consumed by the parser stage.
	Selectors map[string]interface{} `gorm:"serializer:json;type:jsonb;not null" json:"selectors"`

	// Schedule is a cron expression.
	Schedule string `gorm:"type:varchar(100);not null" json:"schedule"`

	LastRunAt *time.Time `gorm:"index" json:"lastRunAt,omitempty"`
	NextRunAt *time.Time `gorm:"index:idx_subscriptions_next_run_at" json:"nextRunAt,omitempty"`

	Status string `gorm:"type:varchar(20);not null;default:'ACTIVE';index:idx_subscriptions_status" json:"status"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Source *Source `gorm:"foreignKey:SourceID" json:"-"`
}

// TableName specifies the table name.
func (Subscription) TableName() string {
	return "subscriptions"
}

// Validate checks operator-supplied fields.
func (s *Subscription) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.SourceID, validation.Required),
		validation.Field(&s.Jurisdiction, validation.Required, validation.Length(1, 100)),
		validation.Field(&s.Schedule, validation.Required),
		validation.Field(&s.Status, validation.In(
			SubscriptionStatusActive,
			SubscriptionStatusPaused,
			SubscriptionStatusDisabled,
			SubscriptionStatusError,
		)),
	)
}

// BeforeCreate hook to apply defaults and validate.
func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.Status == "" {
		s.Status = SubscriptionStatusActive
	}
	if s.Selectors == nil {
		s.Selectors = map[string]interface{}{}
	}
	return s.Validate()
}

// ClaimDueSubscriptions selects up to limit ACTIVE subscriptions that are
// due at now (next_run_at null or past), locks them with SKIP LOCKED,
// stamps last_run_at and clears next_run_at, and returns their ids.
//
// Must be called inside a transaction; the row locks are what keeps two
// concurrent scheduler ticks from claiming the same subscription.
func ClaimDueSubscriptions(tx *gorm.DB, now time.Time, limit int) ([]uint, error) {
	var subs []Subscription
	err := forUpdateSkipLocked(tx).
		Where("status = ?", SubscriptionStatusActive).
		Where("next_run_at IS NULL OR next_run_at <= ?", now).
		Order("next_run_at ASC NULLS FIRST").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select due subscriptions: %w", err)
	}

	ids := make([]uint, 0, len(subs))
	for i := range subs {
		err := tx.Model(&subs[i]).Updates(map[string]interface{}{
			"last_run_at": now,
			"next_run_at": nil,
		}).Error
		if err != nil {
			return nil, fmt.Errorf("failed to stamp subscription %d: %w", subs[i].ID, err)
		}
		ids = append(ids, subs[i].ID)
	}
	return ids, nil
}

// FindSubscriptionsNeedingNextRun returns ACTIVE subscriptions whose
// next_run_at has not been computed yet.
func FindSubscriptionsNeedingNextRun(db *gorm.DB, limit int) ([]Subscription, error) {
	var subs []Subscription
	err := db.
		Where("status = ? AND next_run_at IS NULL", SubscriptionStatusActive).
		Order("id DESC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

// SetNextRunAt writes the computed next fire time. Writing the same value
// twice is a no-op by construction.
func (s *Subscription) SetNextRunAt(db *gorm.DB, next time.Time) error {
	s.NextRunAt = &next
	return db.Model(s).Update("next_run_at", next).Error
}

// SetStatus transitions the subscription status.
func (s *Subscription) SetStatus(db *gorm.DB, status string) error {
	s.Status = status
	return db.Model(s).Update("status", status).Error
}

// GetSubscription retrieves a subscription by id.
func GetSubscription(db *gorm.DB, id uint) (*Subscription, error) {
	var sub Subscription
	if err := db.First(&sub, id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListSubscriptions returns subscriptions for the observability surface,
// newest first, optionally filtered by status.
func ListSubscriptions(db *gorm.DB, status string, limit, offset int) ([]Subscription, error) {
	q := db.Order("id DESC").Limit(limit).Offset(offset)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var subs []Subscription
	err := q.Find(&subs).Error
	return subs, err
}
