package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"trustedge_backend/internal/middleware"
	"trustedge_backend/internal/models"
	"trustedge_backend/internal/services"
)

// AuthHandler handles account registration and profile endpoints. Identity
// itself lives in Firebase; these endpoints manage the local account row
// keyed by the verified UID.
type AuthHandler struct {
	db    *gorm.DB
	files *services.FileStore
}

func NewAuthHandler(db *gorm.DB, files *services.FileStore) *AuthHandler {
	return &AuthHandler{db: db, files: files}
}

// Register creates the local account for a verified Firebase identity.
// Public sign-up is borrower-only; staff accounts are provisioned through
// the staff API. Multipart body: profile fields plus a required photo.
func (h *AuthHandler) Register(c echo.Context) error {
	uid, _ := c.Get(middleware.ContextUIDKey).(string)
	tokenEmail, _ := c.Get(middleware.ContextEmailKey).(string)

	email := strings.ToLower(strings.TrimSpace(c.FormValue("email")))
	if email == "" {
		email = strings.ToLower(strings.TrimSpace(tokenEmail))
	}
	if email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email is required")
	}

	var existing models.User
	err := h.db.Where("firebase_uid = ? OR email = ?", uid, email).First(&existing).Error
	if err == nil {
		// Staff-provisioned accounts exist before their Firebase identity;
		// the first sign-in claims the row instead of conflicting.
		if existing.Email == email && existing.FirebaseUID == "" {
			if uerr := h.db.Model(&existing).Update("firebase_uid", uid).Error; uerr != nil {
				return uerr
			}
			existing.FirebaseUID = uid
			return c.JSON(http.StatusOK, sanitizeUser(&existing))
		}
		return echo.NewHTTPError(http.StatusConflict, "account already registered")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	role := strings.ToLower(strings.TrimSpace(c.FormValue("role")))
	if role != "" && role != string(models.RoleBorrower) {
		return echo.NewHTTPError(http.StatusForbidden, "public sign-up is only available for borrowers")
	}

	fullName := strings.TrimSpace(c.FormValue("full_name"))
	phone := strings.TrimSpace(c.FormValue("phone"))
	nid := strings.TrimSpace(c.FormValue("nid_number"))
	address := strings.TrimSpace(c.FormValue("address"))
	if fullName == "" || phone == "" || nid == "" || address == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "full_name, phone, nid_number and address are required")
	}

	photo, err := c.FormFile("photo")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "profile photo is required")
	}
	photoPath, err := h.files.SaveImage(photo, "profiles")
	if err != nil {
		return err
	}

	user := models.User{
		FirebaseUID: uid,
		Email:       email,
		FullName:    fullName,
		Phone:       phone,
		NIDNumber:   nid,
		Address:     address,
		PhotoPath:   photoPath,
		Role:        models.RoleBorrower,
		IsActive:    true,
	}
	if err := h.db.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return echo.NewHTTPError(http.StatusConflict, "account already registered")
		}
		return err
	}

	return c.JSON(http.StatusCreated, sanitizeUser(&user))
}

// Me returns the authenticated account.
func (h *AuthHandler) Me(c echo.Context) error {
	user := middleware.CurrentUser(c)
	return c.JSON(http.StatusOK, sanitizeUser(user))
}

// UpdateMe edits the caller's own profile fields. Role and active flag are
// staff-only and ignored here.
func (h *AuthHandler) UpdateMe(c echo.Context) error {
	user := middleware.CurrentUser(c)

	var payload struct {
		FullName *string `json:"full_name"`
		Phone    *string `json:"phone"`
		Address  *string `json:"address"`
	}
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	updates := map[string]interface{}{}
	if payload.FullName != nil {
		updates["full_name"] = strings.TrimSpace(*payload.FullName)
	}
	if payload.Phone != nil {
		updates["phone"] = strings.TrimSpace(*payload.Phone)
	}
	if payload.Address != nil {
		updates["address"] = strings.TrimSpace(*payload.Address)
	}
	if len(updates) > 0 {
		if err := h.db.Model(user).Updates(updates).Error; err != nil {
			return err
		}
	}

	return c.JSON(http.StatusOK, sanitizeUser(user))
}

// UpdatePhoto replaces the caller's profile photo.
func (h *AuthHandler) UpdatePhoto(c echo.Context) error {
	user := middleware.CurrentUser(c)

	photo, err := c.FormFile("photo")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "photo is required")
	}
	photoPath, err := h.files.SaveImage(photo, "profiles")
	if err != nil {
		return err
	}

	if err := h.db.Model(user).Update("photo_path", photoPath).Error; err != nil {
		return err
	}
	user.PhotoPath = photoPath
	return c.JSON(http.StatusOK, sanitizeUser(user))
}

// GetNotificationPreference returns the caller's delivery preference,
// defaulting to email when nothing is stored yet.
func (h *AuthHandler) GetNotificationPreference(c echo.Context) error {
	user := middleware.CurrentUser(c)

	var pref models.NotificationPreference
	err := h.db.Where("user_id = ?", user.ID).First(&pref).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		pref = models.NotificationPreference{
			UserID:             user.ID,
			Channel:            models.NotificationChannelEmail,
			WhatsappTargetType: models.WhatsappTargetTypePersonal,
		}
	}
	return c.JSON(http.StatusOK, pref)
}

// UpdateNotificationPreference upserts the caller's delivery preference.
func (h *AuthHandler) UpdateNotificationPreference(c echo.Context) error {
	user := middleware.CurrentUser(c)

	var payload struct {
		Channel            string `json:"channel"`
		WhatsappTargetType string `json:"whatsapp_target_type"`
		WhatsappGroupID    string `json:"whatsapp_group_id"`
	}
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	channel := models.NotificationChannel(payload.Channel)
	if channel != models.NotificationChannelEmail && channel != models.NotificationChannelWhatsapp {
		return echo.NewHTTPError(http.StatusBadRequest, "channel must be email or whatsapp")
	}
	if channel == models.NotificationChannelWhatsapp {
		if payload.WhatsappTargetType != models.WhatsappTargetTypePersonal &&
			payload.WhatsappTargetType != models.WhatsappTargetTypeGroup {
			return echo.NewHTTPError(http.StatusBadRequest, "whatsapp_target_type must be personal or group")
		}
		if payload.WhatsappTargetType == models.WhatsappTargetTypeGroup && payload.WhatsappGroupID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "whatsapp_group_id is required for group delivery")
		}
	}

	var pref models.NotificationPreference
	err := h.db.Where("user_id = ?", user.ID).First(&pref).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		pref = models.NotificationPreference{UserID: user.ID}
	}

	pref.Channel = channel
	pref.WhatsappTargetType = payload.WhatsappTargetType
	pref.WhatsappGroupID = payload.WhatsappGroupID

	if err := h.db.Save(&pref).Error; err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pref)
}
