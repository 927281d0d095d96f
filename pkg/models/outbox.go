package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// OutboxStatus constants.
const (
	OutboxStatusPending   = "PENDING"
	OutboxStatusPublished = "PUBLISHED"
	OutboxStatusFailed    = "FAILED"
)

// OutboxMaxAttempts is the publish-attempt threshold after which an entry
// is parked in FAILED for operator review. Backoff between attempts comes
// from dispatcher re-selection on later passes, never in-process waits.
const OutboxMaxAttempts = 5

// OutboxEntry is a pending bus emission committed atomically with the state
// change that triggered it. Once PUBLISHED an entry is never re-emitted.
type OutboxEntry struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `json:"createdAt"`

	EventType string                 `gorm:"type:varchar(100);not null" json:"eventType"`
	Payload   map[string]interface{} `gorm:"serializer:json;type:jsonb;not null" json:"payload"`

	Status      string     `gorm:"type:varchar(20);not null;default:'PENDING';index:idx_outbox_status_id,priority:1" json:"status"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

// TableName specifies the table name.
func (OutboxEntry) TableName() string {
	return "outbox"
}

// BeforeCreate hook to ensure required fields.
func (o *OutboxEntry) BeforeCreate(tx *gorm.DB) error {
	if o.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if o.Payload == nil {
		return fmt.Errorf("payload is required")
	}
	if o.Status == "" {
		o.Status = OutboxStatusPending
	}
	return nil
}

// EnqueueOutbox inserts a PENDING outbox entry. Callers pass the same
// transaction that performs the domain write so the two commit together.
func EnqueueOutbox(tx *gorm.DB, eventType string, payload map[string]interface{}) (uint, error) {
	entry := OutboxEntry{
		EventType: eventType,
		Payload:   payload,
		Status:    OutboxStatusPending,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return 0, fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}
	return entry.ID, nil
}

// ClaimPendingOutbox selects up to limit PENDING entries in id order with
// SKIP LOCKED row locks, so concurrent dispatchers split the backlog
// without publishing the same row twice. Must run inside a transaction.
func ClaimPendingOutbox(tx *gorm.DB, limit int) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := forUpdateSkipLocked(tx).
		Where("status = ?", OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// MarkPublished records a successful bus acknowledgement.
func (o *OutboxEntry) MarkPublished(db *gorm.DB, now time.Time) error {
	o.Status = OutboxStatusPublished
	o.PublishedAt = &now
	return db.Model(o).Updates(map[string]interface{}{
		"status":       OutboxStatusPublished,
		"published_at": now,
	}).Error
}

// RecordAttemptFailure increments the attempt counter, leaving the entry
// PENDING for re-selection, until OutboxMaxAttempts is reached, at which
// point the entry moves to FAILED.
func (o *OutboxEntry) RecordAttemptFailure(db *gorm.DB) error {
	o.Attempts++
	updates := map[string]interface{}{"attempts": o.Attempts}
	if o.Attempts >= OutboxMaxAttempts {
		o.Status = OutboxStatusFailed
		updates["status"] = OutboxStatusFailed
	}
	return db.Model(o).Updates(updates).Error
}

// RequeueFailedOutbox moves up to limit FAILED entries back to PENDING with
// a reset attempt counter. Operator-driven.
func RequeueFailedOutbox(db *gorm.DB, limit int) (int64, error) {
	var ids []uint
	err := db.Model(&OutboxEntry{}).
		Where("status = ?", OutboxStatusFailed).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	result := db.Model(&OutboxEntry{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":   OutboxStatusPending,
			"attempts": 0,
		})
	return result.RowsAffected, result.Error
}

// DeleteOldPublishedOutbox removes PUBLISHED entries older than the
// retention window to keep the table bounded.
func DeleteOldPublishedOutbox(db *gorm.DB, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result := db.
		Where("status = ? AND published_at < ?", OutboxStatusPublished, cutoff).
		Delete(&OutboxEntry{})
	return result.RowsAffected, result.Error
}

// CountOutboxByStatus returns the entry count for one status.
func CountOutboxByStatus(db *gorm.DB, status string) (int64, error) {
	var count int64
	err := db.Model(&OutboxEntry{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

// ListOutbox returns entries for the observability surface, newest first,
// optionally filtered by status.
func ListOutbox(db *gorm.DB, status string, limit, offset int) ([]OutboxEntry, error) {
	q := db.Order("id DESC").Limit(limit).Offset(offset)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var entries []OutboxEntry
	err := q.Find(&entries).Error
	return entries, err
}

// FindOutboxByRunID returns the outbox entries whose payload references the
// given run. Used by the audit-trail reconstructor; payload run ids are
// stored as JSON numbers.
func FindOutboxByRunID(db *gorm.DB, runID uint) ([]OutboxEntry, error) {
	if db.Dialector.Name() == "postgres" {
		var entries []OutboxEntry
		err := db.
			Where("payload @> ?", fmt.Sprintf(`{"run_id": %d}`, runID)).
			Order("id ASC").
			Find(&entries).Error
		return entries, err
	}

	// The sqlite test driver stores the payload as serialized text; filter
	// in Go instead of relying on jsonb containment.
	var all []OutboxEntry
	if err := db.Order("id ASC").Find(&all).Error; err != nil {
		return nil, err
	}
	var matched []OutboxEntry
	for _, e := range all {
		v, ok := e.Payload["run_id"]
		if !ok {
			continue
		}
		if asFloat, ok := v.(float64); ok && uint(asFloat) == runID {
			matched = append(matched, e)
		}
	}
	return matched, nil
}
