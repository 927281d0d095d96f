package models

import (
	"time"

	"gorm.io/gorm"
)

// RunKind constants.
const (
	RunKindCrawl     = "CRAWL"
	RunKindParse     = "PARSE"
	RunKindNormalize = "NORMALIZE"
	RunKindSchedule  = "SCHEDULE"
)

// RunStatus constants. Terminal states are COMPLETED, FAILED and CANCELLED;
// only terminal states set ended_at.
const (
	RunStatusPending   = "PENDING"
	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
	RunStatusCancelled = "CANCELLED"
)

// Run is one end-to-end pipeline execution, from scheduling through
// delivery. subscription_id is nullable so runs survive subscription
// deletion.
type Run struct {
	ID uint `gorm:"primaryKey" json:"id"`

	SubscriptionID *uint  `gorm:"index" json:"subscriptionId,omitempty"`
	RunKind        string `gorm:"type:varchar(20);not null" json:"runKind"`

	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	Status string `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	Error  string `gorm:"type:text" json:"error,omitempty"`

	Subscription *Subscription `gorm:"foreignKey:SubscriptionID" json:"-"`
	Artifacts    []Artifact    `gorm:"foreignKey:RunID" json:"-"`
}

// TableName specifies the table name.
func (Run) TableName() string {
	return "runs"
}

// IsTerminal reports whether the run has reached a terminal state.
func (r *Run) IsTerminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// CreateScheduleRun inserts a PENDING run for a claimed subscription.
// Called inside the scheduler tick transaction so the run commits
// atomically with its outbox row.
func CreateScheduleRun(tx *gorm.DB, subscriptionID uint, now time.Time) (uint, error) {
	run := Run{
		SubscriptionID: &subscriptionID,
		RunKind:        RunKindSchedule,
		StartedAt:      now,
		Status:         RunStatusPending,
	}
	if err := tx.Create(&run).Error; err != nil {
		return 0, err
	}
	return run.ID, nil
}

// GetRun retrieves a run by id.
func GetRun(db *gorm.DB, id uint) (*Run, error) {
	var run Run
	if err := db.First(&run, id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// MarkRunning transitions the run to RUNNING. Applying RUNNING after a
// terminal state is ignored; terminal states are sticky.
func (r *Run) MarkRunning(db *gorm.DB) error {
	if r.IsTerminal() || r.Status == RunStatusRunning {
		return nil
	}
	r.Status = RunStatusRunning
	return db.Model(r).Update("status", RunStatusRunning).Error
}

// MarkCompleted transitions the run to COMPLETED and stamps ended_at.
// Re-applying the same terminal transition is a no-op.
func (r *Run) MarkCompleted(db *gorm.DB, now time.Time) error {
	if r.IsTerminal() {
		return nil
	}
	r.Status = RunStatusCompleted
	r.EndedAt = &now
	return db.Model(r).Updates(map[string]interface{}{
		"status":   RunStatusCompleted,
		"ended_at": now,
	}).Error
}

// MarkFailed transitions the run to FAILED, stamps ended_at and records the
// error detail. Terminal states are sticky: a late failure report for an
// already-terminal run is dropped.
func (r *Run) MarkFailed(db *gorm.DB, now time.Time, errDetail string) error {
	if r.IsTerminal() {
		return nil
	}
	r.Status = RunStatusFailed
	r.EndedAt = &now
	r.Error = errDetail
	return db.Model(r).Updates(map[string]interface{}{
		"status":   RunStatusFailed,
		"ended_at": now,
		"error":    errDetail,
	}).Error
}

// MarkCancelled transitions the run to CANCELLED and stamps ended_at.
func (r *Run) MarkCancelled(db *gorm.DB, now time.Time) error {
	if r.IsTerminal() {
		return nil
	}
	r.Status = RunStatusCancelled
	r.EndedAt = &now
	return db.Model(r).Updates(map[string]interface{}{
		"status":   RunStatusCancelled,
		"ended_at": now,
	}).Error
}

// ListRuns returns runs for the observability surface, newest first.
func ListRuns(db *gorm.DB, limit, offset int) ([]Run, error) {
	var runs []Run
	err := db.Order("id DESC").Limit(limit).Offset(offset).Find(&runs).Error
	return runs, err
}
