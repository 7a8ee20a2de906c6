package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/theatreos/theatreos/pkg/auth"
	"github.com/theatreos/theatreos/pkg/models"
)

const claimsKey = "auth.claims"

// authenticated verifies the bearer token (or, for browser EventSource
// clients that cannot set headers, the token query parameter) and stores
// the claims on the request context.
func (s *Server) authenticated(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		token := bearerToken(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
		}
		claims, err := s.auth.Verify(c.Request().Context(), token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: "token invalid"})
		}
		c.Set(claimsKey, claims)
		return next(c)
	}
}

// requireRole gates a route on the caller's role level. Runs after
// authenticated.
func (s *Server) requireRole(role models.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			claims := callerClaims(c)
			if claims == nil || !claims.Role.AtLeast(role) {
				return c.JSON(http.StatusForbidden, errorBody{Error: "insufficient role"})
			}
			return next(c)
		}
	}
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		start := time.Now()
		err := next(c)
		status := 0
		if resp, unwrapErr := echo.UnwrapResponse(c.Response()); unwrapErr == nil {
			status = resp.Status
		}
		slog.Info("HTTP request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds())
		return err
	}
}

func bearerToken(c *echo.Context) string {
	header := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.QueryParam("token")
}

// callerClaims returns the verified claims set by the auth middleware.
func callerClaims(c *echo.Context) *auth.Claims {
	claims, _ := c.Get(claimsKey).(*auth.Claims)
	return claims
}

// callerID returns the authenticated user id.
func callerID(c *echo.Context) string {
	if claims := callerClaims(c); claims != nil {
		return claims.UserID
	}
	return ""
}
