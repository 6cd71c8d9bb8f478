package models

import (
	"time"

	"gorm.io/gorm"
)

// Role represents the access level of an account
type Role string

const (
	RoleBorrower Role = "borrower"
	RoleOfficer  Role = "officer"
	RoleAdmin    Role = "admin"
)

// Staff reports whether the role can act on other borrowers' records.
func (r Role) Staff() bool {
	return r == RoleOfficer || r == RoleAdmin
}

// User represents an account in the system. Identity is anchored to a
// Firebase UID; the row carries the lending profile and role.
type User struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	// FirebaseUID is empty for staff-provisioned accounts until the user
	// signs in for the first time; uniqueness only applies once linked.
	FirebaseUID string `gorm:"type:varchar(128);uniqueIndex:idx_users_firebase_uid,where:firebase_uid <> ''" json:"-"`
	Email       string `gorm:"type:varchar(255);uniqueIndex" json:"email"`
	FullName    string `gorm:"type:varchar(255)" json:"full_name"`
	Phone       string `gorm:"type:varchar(50)" json:"phone"`
	NIDNumber   string `gorm:"type:varchar(100)" json:"nid_number"`
	Address     string `gorm:"type:text" json:"address"`
	PhotoPath   string `gorm:"type:varchar(255)" json:"photo_path"`

	Role     Role `gorm:"type:varchar(20);default:'borrower'" json:"role"`
	IsActive bool `gorm:"default:true" json:"is_active"`

	// Relationships
	Applications []LoanApplication `gorm:"foreignKey:BorrowerID" json:"applications,omitempty"`
	Loans        []Loan            `gorm:"foreignKey:BorrowerID" json:"loans,omitempty"`
	Documents    []Document        `gorm:"foreignKey:BorrowerID" json:"documents,omitempty"`
}
