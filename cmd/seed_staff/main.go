package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"trustedge_backend/internal/models"
	"trustedge_backend/internal/services"
)

// Bootstraps a staff account. The row is created without a Firebase UID;
// signing in with the same email address claims it.
func main() {
	email := flag.String("email", "", "Email address of the staff account (mandatory)")
	name := flag.String("name", "", "Full name")
	phone := flag.String("phone", "", "Phone number")
	role := flag.String("role", "officer", "Role: officer or admin")
	flag.Parse()

	if *email == "" {
		log.Fatal("Please provide an email address using -email flag")
	}

	staffRole := models.Role(strings.ToLower(strings.TrimSpace(*role)))
	if !staffRole.Staff() {
		log.Fatalf("Invalid role %q, must be officer or admin", *role)
	}

	// Load envs
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := services.InitDB(dsn)
	if err != nil {
		log.Fatalf("Failed to connect DB: %v", err)
	}

	if err := services.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	addr := strings.ToLower(strings.TrimSpace(*email))

	var existing models.User
	err = db.Where("email = ?", addr).First(&existing).Error
	switch {
	case err == nil:
		log.Printf("Account %s already exists (id=%d, role=%s), nothing to do", addr, existing.ID, existing.Role)
		return
	case !errors.Is(err, gorm.ErrRecordNotFound):
		log.Fatalf("Failed to check existing account: %v", err)
	}

	user := models.User{
		Email:    addr,
		FullName: *name,
		Phone:    *phone,
		Role:     staffRole,
		IsActive: true,
	}
	if err := db.Create(&user).Error; err != nil {
		log.Fatalf("Failed to create account: %v", err)
	}

	log.Printf("Created %s account %s (id=%d)", user.Role, user.Email, user.ID)
	log.Println("The account activates on first sign-in with this email address.")
}
