package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DeliveryStatus constants. PENDING transitions to exactly one of
// COMPLETED or FAILED.
const (
	DeliveryStatusPending   = "PENDING"
	DeliveryStatusCompleted = "COMPLETED"
	DeliveryStatusFailed    = "FAILED"
)

// DeliveryArtifactParsedDocument is the artifact type for parsed-payload
// deliveries, the only kind the deliverer currently produces.
const DeliveryArtifactParsedDocument = "parsed_document"

// DeliveryEvent records one downstream hand-off of a document version.
type DeliveryEvent struct {
	ID uint `gorm:"primaryKey" json:"id"`

	DocVersionID uint `gorm:"not null;index:idx_delivery_events_doc_version_id" json:"docVersionId"`

	Status       string  `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	ArtifactType string  `gorm:"type:varchar(50);not null" json:"artifactType"`
	DeliveryURI  *string `gorm:"type:varchar(2000)" json:"deliveryUri,omitempty"`
	ErrorMessage *string `gorm:"type:text" json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	DocVersion *DocumentVersion `gorm:"foreignKey:DocVersionID" json:"-"`
}

// TableName specifies the table name.
func (DeliveryEvent) TableName() string {
	return "delivery_events"
}

// BeforeCreate hook to ensure required fields.
func (d *DeliveryEvent) BeforeCreate(tx *gorm.DB) error {
	if d.DocVersionID == 0 {
		return fmt.Errorf("doc_version_id is required")
	}
	if d.ArtifactType == "" {
		return fmt.Errorf("artifact_type is required")
	}
	if d.Status == "" {
		d.Status = DeliveryStatusPending
	}
	return nil
}

// CreatePendingDelivery inserts a PENDING delivery record for a version.
func CreatePendingDelivery(db *gorm.DB, docVersionID uint, artifactType string) (*DeliveryEvent, error) {
	event := DeliveryEvent{
		DocVersionID: docVersionID,
		ArtifactType: artifactType,
		Status:       DeliveryStatusPending,
	}
	if err := db.Create(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// MarkDelivered transitions the record to COMPLETED with the delivered URI.
func (d *DeliveryEvent) MarkDelivered(db *gorm.DB, deliveryURI string) error {
	d.Status = DeliveryStatusCompleted
	d.DeliveryURI = &deliveryURI
	return db.Model(d).Updates(map[string]interface{}{
		"status":       DeliveryStatusCompleted,
		"delivery_uri": deliveryURI,
	}).Error
}

// MarkDeliveryFailed transitions the record to FAILED with the error detail.
func (d *DeliveryEvent) MarkDeliveryFailed(db *gorm.DB, errMsg string) error {
	d.Status = DeliveryStatusFailed
	d.ErrorMessage = &errMsg
	return db.Model(d).Updates(map[string]interface{}{
		"status":        DeliveryStatusFailed,
		"error_message": errMsg,
	}).Error
}

// FindDeliveriesByVersion returns all delivery events for a version, oldest
// first.
func FindDeliveriesByVersion(db *gorm.DB, docVersionID uint) ([]DeliveryEvent, error) {
	var events []DeliveryEvent
	err := db.
		Where("doc_version_id = ?", docVersionID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}
