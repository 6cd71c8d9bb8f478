package middleware

import (
	"errors"
	"net/http"
	"strings"

	"firebase.google.com/go/v4/auth"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"trustedge_backend/internal/models"
)

const (
	// ContextUserKey holds the authenticated *models.User.
	ContextUserKey = "currentUser"
	// ContextUIDKey holds the verified Firebase UID, set even before a
	// local account exists.
	ContextUIDKey = "userUID"
	// ContextEmailKey holds the email claim from the verified token.
	ContextEmailKey = "userEmail"
)

func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequireToken verifies the Firebase bearer ID token and stores its claims
// in context. It does not require a local account; registration runs under
// this middleware.
func RequireToken(authClient *auth.Client) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if authClient == nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "authentication is not configured")
			}

			raw := bearerToken(c)
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			token, err := authClient.VerifyIDToken(c.Request().Context(), raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}

			c.Set(ContextUIDKey, token.UID)
			if email, ok := token.Claims["email"].(string); ok {
				c.Set(ContextEmailKey, email)
			}
			return next(c)
		}
	}
}

// RequireAuth verifies the bearer token and loads the matching local user.
// Requests from verified identities without an account are rejected; the
// client must call the register endpoint first.
func RequireAuth(authClient *auth.Client, db *gorm.DB) echo.MiddlewareFunc {
	verify := RequireToken(authClient)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return verify(func(c echo.Context) error {
			uid, _ := c.Get(ContextUIDKey).(string)

			var user models.User
			if err := db.Where("firebase_uid = ?", uid).First(&user).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return echo.NewHTTPError(http.StatusUnauthorized, "account is not registered")
				}
				return err
			}
			if !user.IsActive {
				return echo.NewHTTPError(http.StatusForbidden, "account is disabled")
			}

			c.Set(ContextUserKey, &user)
			return next(c)
		})
	}
}

// CurrentUser returns the authenticated user set by RequireAuth, nil when
// absent.
func CurrentUser(c echo.Context) *models.User {
	user, _ := c.Get(ContextUserKey).(*models.User)
	return user
}

// RequireRole restricts a route to the named roles. Must run after
// RequireAuth.
func RequireRole(roles ...models.Role) echo.MiddlewareFunc {
	allowed := make(map[models.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := CurrentUser(c)
			if user == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			if !allowed[user.Role] {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
			}
			return next(c)
		}
	}
}

// RequireStaff restricts a route to back-office roles.
func RequireStaff() echo.MiddlewareFunc {
	return RequireRole(models.RoleOfficer, models.RoleAdmin)
}
