package models

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"gorm.io/gorm"
)

// SourceKind constants.
const (
	SourceKindHTML = "html"
	SourceKindAPI  = "api"
	SourceKindPDF  = "pdf"
)

// RobotsMode constants.
const (
	RobotsModeAllow    = "allow"
	RobotsModeDisallow = "disallow"
	RobotsModeCustom   = "custom"
)

// Source is a crawlable origin. Sources are created by operators; the
// pipeline only ever reads them.
type Source struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Name       string `gorm:"type:varchar(200);not null;index" json:"name"`
	Kind       string `gorm:"type:varchar(20);not null" json:"kind"`
	BaseURL    string `gorm:"type:varchar(2000);not null" json:"baseUrl"`
	RobotsMode string `gorm:"type:varchar(20);not null;default:'allow'" json:"robotsMode"`

	// RateLimit is the crawl budget in requests per minute.
	RateLimit int  `gorm:"not null;default:60" json:"rateLimit"`
	Enabled   bool `gorm:"not null;default:true" json:"enabled"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Subscriptions []Subscription `gorm:"foreignKey:SourceID" json:"-"`
}

// TableName specifies the table name.
func (Source) TableName() string {
	return "sources"
}

// Validate checks operator-supplied fields before creation.
func (s *Source) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&s.Kind, validation.Required,
			validation.In(SourceKindHTML, SourceKindAPI, SourceKindPDF)),
		validation.Field(&s.BaseURL, validation.Required, is.URL),
		validation.Field(&s.RobotsMode,
			validation.In(RobotsModeAllow, RobotsModeDisallow, RobotsModeCustom)),
		validation.Field(&s.RateLimit, validation.Min(1)),
	)
}

// BeforeCreate hook to apply defaults and validate.
func (s *Source) BeforeCreate(tx *gorm.DB) error {
	if s.RobotsMode == "" {
		s.RobotsMode = RobotsModeAllow
	}
	if s.RateLimit == 0 {
		s.RateLimit = 60
	}
	return s.Validate()
}

// GetSource retrieves a source by id.
func GetSource(db *gorm.DB, id uint) (*Source, error) {
	var src Source
	if err := db.First(&src, id).Error; err != nil {
		return nil, err
	}
	return &src, nil
}
