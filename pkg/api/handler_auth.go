package api

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/theatreos/theatreos/pkg/models"
)

type mintTokenRequest struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
}

type mintTokenResponse struct {
	Token string `json:"token"`
}

// mintToken issues a signed token without credentials. Registered only
// when debug mode is on; production deployments authenticate upstream.
func (s *Server) mintToken(c *echo.Context) error {
	var req mintTokenRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.UserID == "" {
		return badRequest(c, "user_id is required")
	}
	if req.Role == "" {
		req.Role = models.RolePlayer
	}
	token, err := s.auth.Sign(req.UserID, req.Role)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, mintTokenResponse{Token: token})
}

// revokeToken blacklists the caller's own token.
func (s *Server) revokeToken(c *echo.Context) error {
	if err := s.auth.Revoke(c.Request().Context(), bearerToken(c)); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
