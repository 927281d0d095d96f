package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DocumentVersion is a parsed snapshot of a document. content_hash is the
// SHA-256 of the canonicalized parsed JSON and is stable across re-runs of
// identical input. Versions of a document are ordered by created_at (id
// breaks same-instant ties). The predecessor is found by ordering, not by a
// pointer, which keeps the version graph acyclic.
type DocumentVersion struct {
	ID uint `gorm:"primaryKey" json:"id"`

	DocumentID uint `gorm:"not null;index:idx_document_versions_doc_created,priority:1" json:"documentId"`

	ParsedURI string  `gorm:"type:varchar(2000);not null" json:"parsedUri"`
	DiffURI   *string `gorm:"type:varchar(2000)" json:"diffUri,omitempty"`

	ContentHash string `gorm:"type:varchar(64);not null;index" json:"contentHash"`

	CreatedAt time.Time `gorm:"index:idx_document_versions_doc_created,priority:2" json:"createdAt"`
	RunID     uint      `gorm:"not null;index" json:"runId"`

	Document       *Document       `gorm:"foreignKey:DocumentID" json:"-"`
	Run            *Run            `gorm:"foreignKey:RunID" json:"-"`
	DeliveryEvents []DeliveryEvent `gorm:"foreignKey:DocVersionID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name.
func (DocumentVersion) TableName() string {
	return "document_versions"
}

// BeforeCreate hook to ensure required fields.
func (v *DocumentVersion) BeforeCreate(tx *gorm.DB) error {
	if v.DocumentID == 0 {
		return fmt.Errorf("document_id is required")
	}
	if v.ContentHash == "" {
		return fmt.Errorf("content_hash is required")
	}
	if v.RunID == 0 {
		return fmt.Errorf("run_id is required")
	}
	return nil
}

// GetDocumentVersion retrieves a version by id.
func GetDocumentVersion(db *gorm.DB, id uint) (*DocumentVersion, error) {
	var version DocumentVersion
	if err := db.First(&version, id).Error; err != nil {
		return nil, err
	}
	return &version, nil
}

// ParsedURIPending is the placeholder parsed_uri a version row carries
// between its insert and the parsed-JSON upload. A row stuck at the
// placeholder means the uploader crashed mid-flight; such rows never
// qualify as a diff predecessor.
const ParsedURIPending = "pending"

// FindPreviousVersion returns the latest version of the document created
// before (or alongside, with a smaller id than) the given version, or nil
// when the given version is the first. Versions whose parsed upload never
// completed are skipped.
func FindPreviousVersion(db *gorm.DB, current *DocumentVersion) (*DocumentVersion, error) {
	var prev DocumentVersion
	err := db.
		Where("document_id = ? AND id <> ?", current.DocumentID, current.ID).
		Where("created_at < ? OR (created_at = ? AND id < ?)",
			current.CreatedAt, current.CreatedAt, current.ID).
		Where("parsed_uri <> ?", ParsedURIPending).
		Order("created_at DESC, id DESC").
		First(&prev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &prev, nil
}

// FindVersionByContentHash returns an existing version of the document with
// the given content hash whose run completed, or nil. The parser uses this
// to skip re-creating a version for identical re-parsed input.
func FindVersionByContentHash(db *gorm.DB, documentID uint, contentHash string) (*DocumentVersion, error) {
	var version DocumentVersion
	err := db.
		Joins("JOIN runs ON runs.id = document_versions.run_id").
		Where("document_versions.document_id = ? AND document_versions.content_hash = ?", documentID, contentHash).
		Where("runs.status = ?", RunStatusCompleted).
		Order("document_versions.created_at DESC, document_versions.id DESC").
		First(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// ListVersionsByDocument returns all versions of a document, oldest first.
func ListVersionsByDocument(db *gorm.DB, documentID uint) ([]DocumentVersion, error) {
	var versions []DocumentVersion
	err := db.
		Where("document_id = ?", documentID).
		Order("created_at ASC, id ASC").
		Find(&versions).Error
	return versions, err
}

// SetParsedURI writes the object-store location of the parsed JSON back
// into the row after upload.
func (v *DocumentVersion) SetParsedURI(db *gorm.DB, uri string) error {
	v.ParsedURI = uri
	return db.Model(v).Update("parsed_uri", uri).Error
}

// SetDiffURI writes the object-store location of the RFC 6902 patch against
// the previous version. Stays null for a document's first version.
func (v *DocumentVersion) SetDiffURI(db *gorm.DB, uri string) error {
	v.DiffURI = &uri
	return db.Model(v).Update("diff_uri", uri).Error
}
