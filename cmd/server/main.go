package main

import (
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"trustedge_backend/internal/handlers"
	authMiddleware "trustedge_backend/internal/middleware"
	"trustedge_backend/internal/services"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	// Initialize Firebase
	credPath := os.Getenv("FIREBASE_CREDENTIALS_PATH")
	if credPath == "" {
		credPath = "./firebase-service-account.json"
	}

	authClient, err := services.InitFirebase(credPath)
	if err != nil {
		log.Printf("Warning: Firebase initialization failed: %v", err)
		log.Println("Auth features will not work until valid credentials are provided")
	}

	// Initialize Database
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	db, err := services.InitDB(databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := services.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Redis is optional; without it caching and rate limiting degrade to
	// direct paths.
	var cache *services.RedisCache
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cache, err = services.NewRedisCache(redisURL)
		if err != nil {
			log.Printf("Warning: Redis initialization failed: %v", err)
			cache = nil
		}
	} else {
		log.Println("REDIS_URL not set, running without cache")
	}

	// Shared services
	files := services.NewFileStore()
	email := services.NewEmailService()
	ai := services.NewAIService()
	chain := services.NewChainService()
	gateway := services.NewMidtransGateway()
	receipts := services.NewReceiptService()
	payments := services.NewPaymentService(db, gateway, receipts)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = authMiddleware.CustomErrorHandler

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: corsOrigins(),
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization},
	}))

	// Uploaded files (profile photos, KYC documents, receipts)
	e.Static("/media", files.Root())

	// Initialize handlers
	platformHandler := handlers.NewPlatformHandler(db, ai, chain, cache)
	contactHandler := handlers.NewContactHandler(files, email, cache)
	authHandler := handlers.NewAuthHandler(db, files)
	applicationHandler := handlers.NewApplicationHandler(db, ai, email, cache)
	loanHandler := handlers.NewLoanHandler(db, cache)
	paymentHandler := handlers.NewPaymentHandler(db, payments, gateway, email, cache)
	kycHandler := handlers.NewKYCHandler(db, files, cache)
	staffHandler := handlers.NewStaffHandler(db, cache, email)
	aiHandler := handlers.NewAIHandler(db, ai)

	// Public routes
	e.GET("/", platformHandler.Root)
	e.GET("/health", platformHandler.Health)
	e.GET("/favicon.ico", platformHandler.Favicon)
	e.POST("/contact", contactHandler.Submit)
	e.GET("/chain/status", platformHandler.ChainStatus)
	e.GET("/chain/contract", platformHandler.ChainContract)
	e.GET("/ai/health", aiHandler.Health)
	e.GET("/ai/mode", aiHandler.Mode)

	// Gateway callbacks authenticate with a signature, not a user token
	e.POST("/payments/webhook/midtrans", paymentHandler.Webhook)

	// Registration needs a verified ID token but no local account yet
	e.POST("/auth/register", authHandler.Register, authMiddleware.RequireToken(authClient))

	// Routes for signed-in users
	protected := e.Group("", authMiddleware.RequireAuth(authClient, db))

	protected.GET("/auth/me", authHandler.Me)
	protected.PATCH("/auth/me", authHandler.UpdateMe)
	protected.PUT("/auth/me/photo", authHandler.UpdatePhoto)
	protected.GET("/auth/me/notification-preference", authHandler.GetNotificationPreference)
	protected.PUT("/auth/me/notification-preference", authHandler.UpdateNotificationPreference)

	protected.POST("/applications", applicationHandler.Create)
	protected.GET("/applications", applicationHandler.List)
	protected.GET("/applications/:id", applicationHandler.Get)

	protected.GET("/loans", loanHandler.MyLoans)
	protected.GET("/loans/:id", loanHandler.Get)
	protected.GET("/loans/:id/chart", loanHandler.Chart)
	protected.POST("/loans/preview", loanHandler.Preview)
	protected.POST("/loans/:loanID/repayments/:repaymentID/intent", paymentHandler.CreateIntent)

	protected.POST("/payments/confirm", paymentHandler.Confirm)
	protected.GET("/payments/mine", paymentHandler.MyPayments)

	protected.POST("/kyc/documents", kycHandler.Upload)
	protected.GET("/kyc/documents/mine", kycHandler.MyDocuments)

	protected.POST("/ai/predict", aiHandler.Predict)

	// Staff routes
	staff := protected.Group("", authMiddleware.RequireStaff())

	staff.POST("/applications/:id/decision", applicationHandler.Decide)

	staff.GET("/payments/pending", paymentHandler.Pending)
	staff.POST("/payments/:id/capture", paymentHandler.Capture)
	staff.POST("/payments/:id/cancel", paymentHandler.Cancel)

	staff.GET("/kyc/queue", kycHandler.Queue)
	staff.POST("/kyc/documents/:id/review", kycHandler.Review)

	staff.GET("/staff/users", staffHandler.ListUsers)
	staff.POST("/staff/users", staffHandler.CreateUser)
	staff.GET("/staff/users/:id", staffHandler.GetUser)
	staff.PATCH("/staff/users/:id", staffHandler.PatchUser)
	staff.GET("/staff/users/:id/overview", staffHandler.UserOverview)
	staff.GET("/staff/users/:id/payments", staffHandler.BorrowerPayments)
	staff.GET("/staff/users/:id/documents", staffHandler.BorrowerDocuments)
	staff.GET("/staff/metrics", staffHandler.Metrics)

	staff.POST("/ai/score/:id", aiHandler.ScoreApplication)

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on port %s", port)
	e.Logger.Fatal(e.Start(":" + port))
}

// corsOrigins returns the allowed browser origins. FRONTEND_URL covers the
// usual single-frontend case; CORS_ORIGINS takes a comma-separated list.
func corsOrigins() []string {
	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		parts := strings.Split(raw, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
		if len(origins) > 0 {
			return origins
		}
	}
	if frontend := os.Getenv("FRONTEND_URL"); frontend != "" {
		return []string{frontend}
	}
	return []string{"http://localhost:3000"}
}
