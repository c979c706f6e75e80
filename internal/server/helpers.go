package server

import (
	"errors"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"loom/internal/middleware"
	"loom/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// errResponseWritten is a sentinel indicating the HTTP response was already
// committed by a helper. Handlers must return nil (not this error) to avoid
// Fiber's ErrorHandler overwriting the response.
var errResponseWritten = errors.New("response already written")

const (
	defaultPageSize    = 50
	maxPaginationLimit = 100
)

var validate = newValidator()

// newValidator reports field errors by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// statusFor maps an error code onto its HTTP status.
func statusFor(code string) int {
	switch code {
	case models.CodeValidation:
		return fiber.StatusBadRequest
	case models.CodeNotAuthorized:
		return fiber.StatusForbidden
	case models.CodeNotFound:
		return fiber.StatusNotFound
	case models.CodeConflict:
		return fiber.StatusConflict
	case models.CodeRateLimited:
		return fiber.StatusTooManyRequests
	case models.CodeSessionRequired:
		return fiber.StatusUnauthorized
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError writes err as an ErrorResponse. Internal failures are logged
// and never leak their cause to the client.
func respondError(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(models.ErrorResponse{Error: fiberErr.Message})
	}

	var appErr *models.AppError
	if !errors.As(err, &appErr) {
		appErr = models.NewInternalError(err)
	}
	status := statusFor(appErr.Code)
	resp := models.ErrorResponse{Error: appErr.Message, Code: appErr.Code}

	switch {
	case appErr.Code == models.CodeRateLimited:
		c.Set(fiber.HeaderRetryAfter, middleware.RetryAfterSeconds(appErr.RetryAfter.Seconds()))
		resp.RetryAfter = appErr.RetryAfter.Milliseconds()
	case status >= fiber.StatusInternalServerError:
		resp.Code = models.CodeInternal
		resp.Error = "Internal server error"
		middleware.Logger.ErrorContext(c.UserContext(), "request failed",
			slog.String("path", c.Path()), slog.String("error", err.Error()))
	}
	return c.Status(status).JSON(resp)
}

// ErrorHandler is the Fiber error handler: every error reaching it is
// rendered through respondError.
func ErrorHandler(c *fiber.Ctx, err error) error {
	return respondError(c, err)
}

// bindBody parses the JSON body into out and validates its struct tags.
func bindBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return models.NewValidationError("Invalid request body")
	}
	if err := validate.Struct(out); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return models.NewValidationError("Invalid " + fe.Field() + ": failed " + fe.Tag())
		}
		return models.NewValidationError("Invalid request body")
	}
	return nil
}

// parseID extracts a route parameter by name as a positive uint.
// On failure it writes a 400 JSON response and returns errResponseWritten.
// Callers should check: if err != nil { return nil }
func (s *Server) parseID(c *fiber.Ctx, param string) (uint, error) {
	id, err := c.ParamsInt(param)
	if err != nil || id <= 0 {
		_ = respondError(c, models.NewValidationError("Invalid "+humanizeParam(param)))
		return 0, errResponseWritten
	}
	return uint(id), nil
}

// parseMessageID is parseID for 64-bit message ids.
func (s *Server) parseMessageID(c *fiber.Ctx, param string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(param), 10, 64)
	if err != nil || id <= 0 {
		_ = respondError(c, models.NewValidationError("Invalid "+humanizeParam(param)))
		return 0, errResponseWritten
	}
	return id, nil
}

// queryInt64 reads an optional non-negative int64 query parameter.
func queryInt64(c *fiber.Ctx, key string) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, models.NewValidationError("Invalid " + key)
	}
	return v, nil
}

// queryLimit reads ?limit, defaulting and clamping it to the page bounds.
func queryLimit(c *fiber.Ctx) int {
	limit := c.QueryInt("limit", defaultPageSize)
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPaginationLimit {
		limit = maxPaginationLimit
	}
	return limit
}

// humanizeParam converts a route param name into a human-readable label.
// Examples: "id" -> "ID", "userId" -> "user ID", "messageId" -> "message ID".
func humanizeParam(param string) string {
	if param == "id" {
		return "ID"
	}
	if strings.HasSuffix(param, "Id") {
		words := splitCamel(param[:len(param)-2])
		return strings.ToLower(strings.Join(words, " ")) + " ID"
	}
	return param
}

// splitCamel splits a camelCase string into words.
func splitCamel(s string) []string {
	var words []string
	start := 0
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			words = append(words, s[start:i])
			start = i
		}
	}
	return append(words, s[start:])
}
