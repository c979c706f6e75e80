package middleware

import (
	"errors"
	"log/slog"
	"math"
	"strconv"

	"loom/internal/models"
	"loom/internal/ratelimit"

	"github.com/gofiber/fiber/v2"
)

// FailPolicy defines the behavior when the rate limit store is unavailable.
type FailPolicy int

const (
	// FailOpen allows the request to proceed if the store is unavailable.
	FailOpen FailPolicy = iota
	// FailClosed blocks the request (503 Service Unavailable) if the store is unavailable.
	FailClosed
)

// RateLimit returns a Fiber middleware gating op for the authenticated user.
// The conversation is taken from the ":id" route parameter when present.
// It defaults to FailOpen policy.
func RateLimit(limiter *ratelimit.Limiter, op string) fiber.Handler {
	return RateLimitWithPolicy(limiter, op, FailOpen)
}

// RateLimitWithPolicy is RateLimit with an explicit failure policy.
func RateLimitWithPolicy(limiter *ratelimit.Limiter, op string, policy FailPolicy) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := ratelimit.Key{UserID: UserID(c), Op: op}
		if id, err := c.ParamsInt("id"); err == nil && id > 0 {
			key.ConversationID = uint(id)
		}

		_, err := limiter.Allow(c.UserContext(), key)
		if err == nil {
			return c.Next()
		}

		var appErr *models.AppError
		if errors.As(err, &appErr) && appErr.Code == models.CodeRateLimited {
			c.Set(fiber.HeaderRetryAfter, RetryAfterSeconds(appErr.RetryAfter.Seconds()))
			return c.Status(fiber.StatusTooManyRequests).JSON(models.ErrorResponse{
				Error:      appErr.Message,
				Code:       models.CodeRateLimited,
				RetryAfter: appErr.RetryAfter.Milliseconds(),
			})
		}

		if policy == FailClosed {
			Logger.WarnContext(c.UserContext(), "rate limit fail-closed",
				slog.String("path", c.Path()), slog.String("op", op), slog.String("error", err.Error()))
			return c.Status(fiber.StatusServiceUnavailable).JSON(models.ErrorResponse{
				Error: "rate limit unavailable",
				Code:  models.CodeInternal,
			})
		}
		Logger.WarnContext(c.UserContext(), "rate limit fail-open",
			slog.String("path", c.Path()), slog.String("op", op), slog.String("error", err.Error()))
		return c.Next()
	}
}

// RetryAfterSeconds renders a Retry-After header value: whole seconds, rounded up, at least 1.
func RetryAfterSeconds(seconds float64) string {
	s := int64(math.Ceil(seconds))
	if s < 1 {
		s = 1
	}
	return strconv.FormatInt(s, 10)
}
