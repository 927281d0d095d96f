package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Document is the logical identity of a crawled resource, keyed uniquely by
// source_url. It is created lazily at first successful parse and afterwards
// only its updated_at moves.
type Document struct {
	ID uint `gorm:"primaryKey" json:"id"`

	SourceID  uint   `gorm:"not null;index" json:"sourceId"`
	SourceURL string `gorm:"type:varchar(2000);not null;uniqueIndex:idx_documents_source_url" json:"sourceUrl"`

	PublishedDate *string `gorm:"type:varchar(100)" json:"publishedDate,omitempty"`
	Language      string  `gorm:"type:varchar(10);not null;default:'en'" json:"language"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Versions []DocumentVersion `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name.
func (Document) TableName() string {
	return "documents"
}

// UpsertDocument returns the document for source_url, creating it when it
// does not exist yet. The unique index makes concurrent first-parse inserts
// race; the loser gets an integrity violation and retries the read.
func UpsertDocument(db *gorm.DB, sourceID uint, sourceURL string, publishedDate *string, language string) (*Document, error) {
	if language == "" {
		language = "en"
	}

	var doc Document
	err := db.Where("source_url = ?", sourceURL).First(&doc).Error
	if err == nil {
		updates := map[string]interface{}{"updated_at": time.Now().UTC()}
		if publishedDate != nil && doc.PublishedDate == nil {
			updates["published_date"] = *publishedDate
			doc.PublishedDate = publishedDate
		}
		if err := db.Model(&doc).Updates(updates).Error; err != nil {
			return nil, err
		}
		return &doc, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	doc = Document{
		SourceID:      sourceID,
		SourceURL:     sourceURL,
		PublishedDate: publishedDate,
		Language:      language,
	}
	createErr := db.Create(&doc).Error
	if createErr == nil {
		return &doc, nil
	}

	// Lost the insert race on the unique source_url index: another parser
	// created the row between our read and write. Re-read.
	if isUniqueViolation(createErr) {
		var existing Document
		if err := db.Where("source_url = ?", sourceURL).First(&existing).Error; err != nil {
			return nil, fmt.Errorf("failed to re-read document after insert race: %w", err)
		}
		return &existing, nil
	}
	return nil, createErr
}

// isUniqueViolation reports whether err is a unique-index violation from
// either supported dialect.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || // postgres 23505
		strings.Contains(msg, "UNIQUE constraint failed") // sqlite
}

// GetDocument retrieves a document by id.
func GetDocument(db *gorm.DB, id uint) (*Document, error) {
	var doc Document
	if err := db.First(&doc, id).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetDocumentByURL retrieves a document by its unique source_url.
func GetDocumentByURL(db *gorm.DB, sourceURL string) (*Document, error) {
	var doc Document
	err := db.Where("source_url = ?", sourceURL).First(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}
