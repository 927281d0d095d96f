package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Artifact is the immutable record of one raw fetch of one URL. The bytes
// live in the object store at blob_uri; fetch_hash is the SHA-256 of the
// body and uniquely identifies them. Artifacts are write-once.
type Artifact struct {
	ID uint `gorm:"primaryKey" json:"id"`

	SourceURL   string `gorm:"type:varchar(2000);not null;index" json:"sourceUrl"`
	ContentType string `gorm:"type:varchar(200);not null" json:"contentType"`
	BlobURI     string `gorm:"type:varchar(2000);not null" json:"blobUri"`
	FetchHash   string `gorm:"type:varchar(64);not null;index" json:"fetchHash"`

	FetchedAt time.Time `json:"fetchedAt"`
	RunID     uint      `gorm:"not null;index:idx_artifacts_run_id" json:"runId"`

	Run *Run `gorm:"foreignKey:RunID" json:"-"`
}

// TableName specifies the table name.
func (Artifact) TableName() string {
	return "artifacts"
}

// BeforeCreate hook to ensure required fields.
func (a *Artifact) BeforeCreate(tx *gorm.DB) error {
	if a.SourceURL == "" {
		return fmt.Errorf("source_url is required")
	}
	if a.BlobURI == "" {
		return fmt.Errorf("blob_uri is required")
	}
	if a.FetchHash == "" {
		return fmt.Errorf("fetch_hash is required")
	}
	if a.RunID == 0 {
		return fmt.Errorf("run_id is required")
	}
	if a.FetchedAt.IsZero() {
		a.FetchedAt = time.Now().UTC()
	}
	return nil
}

// FindArtifactByRunAndHash looks up an existing artifact for the same run
// and body hash. A duplicate crawl.request for a run (dispatcher republish
// after a lost ack) lands here instead of creating a second artifact.
func FindArtifactByRunAndHash(db *gorm.DB, runID uint, fetchHash string) (*Artifact, error) {
	var artifact Artifact
	err := db.Where("run_id = ? AND fetch_hash = ?", runID, fetchHash).First(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

// GetArtifact retrieves an artifact by id.
func GetArtifact(db *gorm.DB, id uint) (*Artifact, error) {
	var artifact Artifact
	if err := db.First(&artifact, id).Error; err != nil {
		return nil, err
	}
	return &artifact, nil
}

// FindArtifactsByRun returns the artifacts recorded for a run.
func FindArtifactsByRun(db *gorm.DB, runID uint) ([]Artifact, error) {
	var artifacts []Artifact
	err := db.Where("run_id = ?", runID).Order("id ASC").Find(&artifacts).Error
	return artifacts, err
}
