package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v5"
)

func (s *Server) listEvidence(c *echo.Context) error {
	out, err := s.evidence.ListByOwner(c.Request().Context(), c.Param("id"), callerID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

type grantEvidenceRequest struct {
	OwnerID     string          `json:"owner_id"`
	TypeID      string          `json:"type_id"`
	SourceScene string          `json:"source_scene"`
	SourceStage string          `json:"source_stage"`
	Metadata    json.RawMessage `json:"metadata"`
}

func (s *Server) grantEvidence(c *echo.Context) error {
	var req grantEvidenceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.OwnerID == "" || req.TypeID == "" {
		return badRequest(c, "owner_id and type_id are required")
	}
	e, err := s.evidence.Grant(c.Request().Context(), c.Param("id"),
		req.OwnerID, req.TypeID, req.SourceScene, req.SourceStage, req.Metadata)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (s *Server) getEvidence(c *echo.Context) error {
	e, err := s.evidence.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, e)
}

type transferEvidenceRequest struct {
	ToUserID string `json:"to_user_id"`
}

func (s *Server) transferEvidence(c *echo.Context) error {
	var req transferEvidenceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.ToUserID == "" {
		return badRequest(c, "to_user_id is required")
	}
	e, err := s.evidence.Transfer(c.Request().Context(), c.Param("id"), callerID(c), req.ToUserID)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, e)
}

func (s *Server) consumeEvidence(c *echo.Context) error {
	e, err := s.evidence.Consume(c.Request().Context(), c.Param("id"), callerID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, e)
}

type verifyEvidenceRequest struct {
	Response string `json:"response"`
}

func (s *Server) verifyEvidence(c *echo.Context) error {
	var req verifyEvidenceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	result, err := s.evidence.Verify(c.Request().Context(), c.Param("id"), callerID(c), req.Response)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, result)
}
