package api

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/theatreos/theatreos/pkg/models"
)

type leaveTraceRequest struct {
	StageID    string            `json:"stage_id"`
	Type       models.TraceType  `json:"type"`
	Content    string            `json:"content"`
	Visibility models.Visibility `json:"visibility"`
	Difficulty float64           `json:"difficulty"`
}

func (s *Server) leaveTrace(c *echo.Context) error {
	var req leaveTraceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.StageID == "" {
		return badRequest(c, "stage_id is required")
	}
	tr, err := s.traces.Leave(c.Request().Context(), c.Param("id"), callerID(c),
		req.StageID, req.Type, req.Content, req.Visibility, req.Difficulty)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, tr)
}

func (s *Server) listTraces(c *echo.Context) error {
	out, err := s.traces.ListByStage(c.Request().Context(), c.Param("id"), c.Param("stage"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

type discoverResponse struct {
	Success bool `json:"success"`
}

func (s *Server) discoverTrace(c *echo.Context) error {
	ok, err := s.traces.Discover(c.Request().Context(), c.Param("id"), callerID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, discoverResponse{Success: ok})
}

type densityResponse struct {
	StageID string `json:"stage_id"`
	Density string `json:"density"`
}

func (s *Server) traceDensity(c *echo.Context) error {
	level, err := s.traces.Density(c.Request().Context(), c.Param("id"), c.Param("stage"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, densityResponse{StageID: c.Param("stage"), Density: string(level)})
}
