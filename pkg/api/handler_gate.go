package api

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/theatreos/theatreos/pkg/models"
)

func (s *Server) listGates(c *echo.Context) error {
	var states []models.GateState
	if v := c.QueryParam("state"); v != "" {
		st := models.GateState(v)
		if !st.IsValid() {
			return badRequest(c, "unknown gate state")
		}
		states = []models.GateState{st}
	}
	out, err := s.gates.List(c.Request().Context(), c.Param("id"), states)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getGate(c *echo.Context) error {
	g, err := s.gates.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

func (s *Server) explainGate(c *echo.Context) error {
	card, err := s.gates.Explain(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, card)
}

type voteRequest struct {
	OptionID       string `json:"option_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) castVote(c *echo.Context) error {
	var req voteRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.OptionID == "" || req.IdempotencyKey == "" {
		return badRequest(c, "option_id and idempotency_key are required")
	}
	v, err := s.gates.Vote(c.Request().Context(), c.Param("id"), callerID(c), req.OptionID, req.IdempotencyKey)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

type stakeRequest struct {
	OptionID       string `json:"option_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) placeStake(c *echo.Context) error {
	var req stakeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.OptionID == "" || req.IdempotencyKey == "" {
		return badRequest(c, "option_id and idempotency_key are required")
	}
	st, err := s.gates.Stake(c.Request().Context(), c.Param("id"), callerID(c), req.OptionID, req.Amount, req.IdempotencyKey)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) cancelGate(c *echo.Context) error {
	if err := s.gates.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getWallet(c *echo.Context) error {
	w, err := s.store.GetWallet(c.Request().Context(), c.Param("id"), callerID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, w)
}
