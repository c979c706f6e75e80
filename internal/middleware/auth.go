// Package middleware provides authentication, rate limiting and request logging middleware.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"loom/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// UserIDLocal is the Fiber locals key holding the authenticated actor id.
const UserIDLocal = "userID"

// Authenticator maps an already-issued bearer token to an actor id.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator verifies HS256 tokens signed with secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// ParseToken validates tokenString and returns the user id from its "sub" claim.
func (a *Authenticator) ParseToken(tokenString string) (uint, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, errors.New("invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errors.New("invalid token claims")
	}

	// Subject claim per RFC 7519
	subStr, ok := claims["sub"].(string)
	if !ok {
		return 0, errors.New("invalid token subject")
	}

	userID, err := strconv.ParseUint(subStr, 10, 32)
	if err != nil || userID == 0 {
		return 0, errors.New("invalid user ID in token")
	}
	return uint(userID), nil
}

// AuthRequired enforces an authenticated actor on protected routes. The token
// comes from the Authorization header or, for browser EventSource and
// websocket clients, the "token" query parameter.
func (a *Authenticator) AuthRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := c.Query("token")
		if tokenString == "" {
			authHeader := c.Get("Authorization")
			if authHeader == "" {
				return sessionRequired(c, "Authorization header required")
			}
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return sessionRequired(c, "Invalid authorization header format")
			}
			tokenString = parts[1]
		}

		userID, err := a.ParseToken(tokenString)
		if err != nil {
			return sessionRequired(c, err.Error())
		}

		c.Locals(UserIDLocal, userID)
		// ContextMiddleware runs before auth; sync the id for log records
		c.SetUserContext(context.WithValue(c.UserContext(), UserIDKey, userID))
		return c.Next()
	}
}

func sessionRequired(c *fiber.Ctx, details string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(models.ErrorResponse{
		Error:   models.NewSessionRequiredError().Message,
		Code:    models.CodeSessionRequired,
		Details: details,
	})
}

// UserID returns the authenticated actor id, or 0 when the request is anonymous.
func UserID(c *fiber.Ctx) uint {
	if uid, ok := c.Locals(UserIDLocal).(uint); ok {
		return uid
	}
	return 0
}
