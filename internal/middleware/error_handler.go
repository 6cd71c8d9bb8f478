package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"trustedge_backend/internal/services"
)

// CustomErrorHandler maps domain errors to JSON responses. Validation
// problems come back 400, ownership and role failures 403, missing rows
// 404, state conflicts 409 and collaborator failures 502. Anything
// unmapped is a 500 with a generic body; the cause is logged, not leaked.
func CustomErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := "internal server error"

	var httpErr *echo.HTTPError
	var extErr *services.ExternalError

	switch {
	case errors.As(err, &httpErr):
		code = httpErr.Code
		message = fmt.Sprintf("%v", httpErr.Message)

	case errors.Is(err, services.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		code = http.StatusNotFound
		message = "not found"

	case errors.Is(err, services.ErrForbidden):
		code = http.StatusForbidden
		message = err.Error()

	case errors.Is(err, services.ErrInvalidLoanTerms),
		errors.Is(err, services.ErrAmountOutOfRange),
		errors.Is(err, services.ErrInvalidUpload):
		code = http.StatusBadRequest
		message = err.Error()

	case errors.Is(err, services.ErrUploadTooLarge):
		code = http.StatusRequestEntityTooLarge
		message = err.Error()

	case errors.Is(err, services.ErrInstallmentPaid),
		errors.Is(err, services.ErrDuplicateAuthorization),
		errors.Is(err, services.ErrAuthorizationNotReady),
		errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrAlreadyDecided):
		code = http.StatusConflict
		message = err.Error()

	case errors.As(err, &extErr):
		code = http.StatusBadGateway
		message = fmt.Sprintf("%s service error", extErr.Service)
	}

	if code >= http.StatusInternalServerError {
		c.Logger().Error(err)
	}

	if c.Request().Method == http.MethodHead {
		if err := c.NoContent(code); err != nil {
			c.Logger().Error(err)
		}
		return
	}

	if err := c.JSON(code, echo.Map{"error": message}); err != nil {
		c.Logger().Error(err)
	}
}
