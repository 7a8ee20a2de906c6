package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/theatreos/theatreos/pkg/models"
)

func (s *Server) currentPlan(c *echo.Context) error {
	slot := s.scheduler.SlotStart(time.Now())
	plan, err := s.scheduler.GetPlan(c.Request().Context(), c.Param("id"), slot)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, plan)
}

func (s *Server) getPlan(c *echo.Context) error {
	v := c.QueryParam("slot")
	if v == "" {
		return badRequest(c, "slot query parameter is required")
	}
	slot, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return badRequest(c, "slot must be RFC 3339")
	}
	plan, err := s.scheduler.GetPlan(c.Request().Context(), c.Param("id"), s.scheduler.SlotStart(slot))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, plan)
}

type generatePlanRequest struct {
	SlotStart time.Time `json:"slot_start"`
}

func (s *Server) generatePlan(c *echo.Context) error {
	var req generatePlanRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.SlotStart.IsZero() {
		req.SlotStart = time.Now().UTC()
	}
	plan, err := s.scheduler.GeneratePlan(c.Request().Context(), c.Param("id"), req.SlotStart)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, plan)
}

type overrideRequest struct {
	SlotStart      time.Time           `json:"slot_start"`
	Kind           models.OverrideKind `json:"kind"`
	ThreadID       string              `json:"thread_id"`
	BeatTemplateID string              `json:"beat_template_id"`
}

func (s *Server) addOverride(c *echo.Context) error {
	var req overrideRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.SlotStart.IsZero() {
		return badRequest(c, "slot_start is required")
	}
	o := &models.Override{
		TheatreID:      c.Param("id"),
		SlotStart:      req.SlotStart,
		Kind:           req.Kind,
		ThreadID:       req.ThreadID,
		BeatTemplateID: req.BeatTemplateID,
		CreatedBy:      callerID(c),
	}
	if err := s.scheduler.AddOverride(c.Request().Context(), o); err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, o)
}
