package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/theatreos/theatreos/pkg/database"
	"github.com/theatreos/theatreos/pkg/version"
)

type healthResponse struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version"`
	Database    *database.HealthStatus `json:"database,omitempty"`
	Connections int                    `json:"connections"`
}

func (s *Server) health(c *echo.Context) error {
	resp := healthResponse{Status: "healthy", Version: version.Full()}
	if s.manager != nil {
		resp.Connections = s.manager.ActiveConnections()
	}
	if s.rawDB != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		dbHealth, err := database.Health(ctx, s.rawDB)
		resp.Database = dbHealth
		if err != nil {
			resp.Status = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
	}
	return c.JSON(http.StatusOK, resp)
}
