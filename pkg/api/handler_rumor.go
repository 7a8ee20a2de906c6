package api

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/theatreos/theatreos/pkg/models"
)

type draftRumorRequest struct {
	Content         string `json:"content"`
	TargetThread    string `json:"target_thread"`
	TargetCharacter string `json:"target_character"`
}

func (s *Server) draftRumor(c *echo.Context) error {
	var req draftRumorRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	r, err := s.rumors.Draft(c.Request().Context(), c.Param("id"), callerID(c),
		req.Content, req.TargetThread, req.TargetCharacter)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (s *Server) listRumors(c *echo.Context) error {
	status := models.RumorStatus(c.QueryParam("status"))
	if status != "" && !status.IsValid() {
		return badRequest(c, "unknown rumor status")
	}
	out, err := s.rumors.List(c.Request().Context(), c.Param("id"), status)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getRumor(c *echo.Context) error {
	r, err := s.rumors.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) publishRumor(c *echo.Context) error {
	r, err := s.rumors.Publish(c.Request().Context(), c.Param("id"), callerID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

type spreadRumorRequest struct {
	StageID string `json:"stage_id"`
}

func (s *Server) spreadRumor(c *echo.Context) error {
	var req spreadRumorRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	r, err := s.rumors.Spread(c.Request().Context(), c.Param("id"), callerID(c), req.StageID)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

type debunkRumorRequest struct {
	EvidenceIDs []string `json:"evidence_ids"`
}

type debunkRumorResponse struct {
	Debunked bool          `json:"debunked"`
	Rumor    *models.Rumor `json:"rumor"`
}

func (s *Server) debunkRumor(c *echo.Context) error {
	var req debunkRumorRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	ok, r, err := s.rumors.Debunk(c.Request().Context(), c.Param("id"), callerID(c), req.EvidenceIDs)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, debunkRumorResponse{Debunked: ok, Rumor: r})
}

func (s *Server) forceDebunkRumor(c *echo.Context) error {
	r, err := s.rumors.ForceDebunk(c.Request().Context(), c.Param("id"), callerID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, debunkRumorResponse{Debunked: true, Rumor: r})
}

func (s *Server) stageHeat(c *echo.Context) error {
	heat, err := s.rumors.StageHeat(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, heat)
}
