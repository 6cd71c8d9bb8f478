package models

import (
	"time"

	"gorm.io/gorm"
)

// DocumentStatus represents the review state of a KYC document
type DocumentStatus string

const (
	DocumentStatusPending  DocumentStatus = "Pending"
	DocumentStatusVerified DocumentStatus = "Verified"
	DocumentStatusRejected DocumentStatus = "Rejected"
)

// Document is a KYC file uploaded by a borrower. The file itself lives under
// the media root; the row records the path and the review outcome.
type Document struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	BorrowerID   uint   `gorm:"index" json:"borrower_id"`
	DocumentType string `gorm:"type:varchar(50)" json:"document_type"` // e.g. "national_id", "payslip"
	FilePath     string `gorm:"type:varchar(255)" json:"file_path"`
	ContentHash  string `gorm:"type:varchar(100)" json:"content_hash,omitempty"`

	Status       DocumentStatus `gorm:"type:varchar(20);default:'Pending';index" json:"status"`
	ReviewNote   string         `gorm:"type:text" json:"review_note,omitempty"`
	ReviewedByID *uint          `json:"reviewed_by_id"`
	ReviewedAt   *time.Time     `json:"reviewed_at"`

	// Relationships
	Borrower User `gorm:"foreignKey:BorrowerID" json:"borrower,omitempty"`
}
