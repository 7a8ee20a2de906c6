package api

import (
	"net/http"

	"github.com/labstack/echo/v5"
)

type createCrewRequest struct {
	Name string `json:"name"`
	Tier int    `json:"tier"`
}

func (s *Server) createCrew(c *echo.Context) error {
	var req createCrewRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	crew, err := s.crews.Create(c.Request().Context(), c.Param("id"), req.Name, callerID(c), req.Tier)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, crew)
}

func (s *Server) getCrew(c *echo.Context) error {
	crew, err := s.crews.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, crew)
}

func (s *Server) listCrewMembers(c *echo.Context) error {
	members, err := s.crews.Members(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, members)
}

func (s *Server) joinCrew(c *echo.Context) error {
	m, err := s.crews.Join(c.Request().Context(), c.Param("id"), callerID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) leaveCrew(c *echo.Context) error {
	if err := s.crews.Leave(c.Request().Context(), c.Param("id"), callerID(c)); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type transferLeadershipRequest struct {
	ToUserID string `json:"to_user_id"`
}

func (s *Server) transferCrewLeadership(c *echo.Context) error {
	var req transferLeadershipRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.ToUserID == "" {
		return badRequest(c, "to_user_id is required")
	}
	if err := s.crews.TransferLeadership(c.Request().Context(), c.Param("id"), callerID(c), req.ToUserID); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type initiateActionRequest struct {
	Type string `json:"type"`
}

func (s *Server) initiateAction(c *echo.Context) error {
	var req initiateActionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	a, err := s.crews.InitiateAction(c.Request().Context(), c.Param("id"), callerID(c), req.Type)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (s *Server) joinAction(c *echo.Context) error {
	a, err := s.crews.JoinAction(c.Request().Context(), c.Param("id"), callerID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) completeAction(c *echo.Context) error {
	a, err := s.crews.CompleteAction(c.Request().Context(), c.Param("id"), callerID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) getResource(c *echo.Context) error {
	r, err := s.crews.Resource(c.Request().Context(), c.Param("id"), c.Param("resource"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

type resourceAmountRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) shareResource(c *echo.Context) error {
	var req resourceAmountRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.crews.ShareResource(c.Request().Context(), c.Param("id"), callerID(c),
		c.Param("resource"), req.Amount); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) claimResource(c *echo.Context) error {
	var req resourceAmountRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.crews.ClaimResource(c.Request().Context(), c.Param("id"), callerID(c),
		c.Param("resource"), req.Amount); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
