package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/theatreos/theatreos/pkg/models"
)

type createTheatreRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	City     string `json:"city"`
	Timezone string `json:"timezone"`
	PackID   string `json:"pack_id"`
}

func (s *Server) createTheatre(c *echo.Context) error {
	var req createTheatreRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" {
		return badRequest(c, "name is required")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	t := &models.Theatre{
		ID:        req.ID,
		Name:      req.Name,
		City:      req.City,
		Timezone:  req.Timezone,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateTheatre(c.Request().Context(), t); err != nil {
		return respondErr(c, err)
	}
	if req.PackID != "" {
		if err := s.packs.Bind(t.ID, req.PackID); err != nil {
			return respondErr(c, err)
		}
		if err := s.store.SetBoundPack(c.Request().Context(), t.ID, req.PackID); err != nil {
			return respondErr(c, err)
		}
		t.BoundThemePackID = req.PackID
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) listTheatres(c *echo.Context) error {
	theatres, err := s.store.ListTheatres(c.Request().Context())
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, theatres)
}

func (s *Server) getTheatre(c *echo.Context) error {
	t, err := s.store.GetTheatre(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

type bindPackRequest struct {
	PackID string `json:"pack_id"`
}

func (s *Server) bindPack(c *echo.Context) error {
	var req bindPackRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.PackID == "" {
		return badRequest(c, "pack_id is required")
	}
	theatreID := c.Param("id")
	if _, err := s.store.GetTheatre(c.Request().Context(), theatreID); err != nil {
		return respondErr(c, err)
	}
	if err := s.packs.Bind(theatreID, req.PackID); err != nil {
		return respondErr(c, err)
	}
	if err := s.store.SetBoundPack(c.Request().Context(), theatreID, req.PackID); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getWorldState(c *echo.Context) error {
	state, err := s.kernel.GetState(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) applyDelta(c *echo.Context) error {
	var req models.DeltaRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.TheatreID = c.Param("id")
	if req.IdempotencyKey == "" {
		return badRequest(c, "idempotency_key is required")
	}
	applied, err := s.kernel.ApplyDelta(c.Request().Context(), req)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, applied)
}

func (s *Server) listEvents(c *echo.Context) error {
	now := time.Now().UTC()
	from := now.Add(-time.Hour)
	to := now
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest(c, "from must be RFC 3339")
		}
		from = t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest(c, "to must be RFC 3339")
		}
		to = t
	}
	evts, err := s.store.ListEvents(c.Request().Context(), c.Param("id"), from, to)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, evts)
}

// --- Stages ---

type createStageRequest struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Lat    float64  `json:"lat"`
	Lng    float64  `json:"lng"`
	RingCM float64  `json:"ring_c_m"`
	RingBM float64  `json:"ring_b_m"`
	RingAM float64  `json:"ring_a_m"`
	Tags   []string `json:"tags"`
}

func (s *Server) createStage(c *echo.Context) error {
	var req createStageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" {
		return badRequest(c, "name is required")
	}
	if req.RingCM < req.RingBM || req.RingBM < req.RingAM || req.RingAM < 0 {
		return badRequest(c, "ring radii must satisfy C >= B >= A >= 0")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	st := &models.Stage{
		ID:        req.ID,
		TheatreID: c.Param("id"),
		Name:      req.Name,
		Lat:       req.Lat,
		Lng:       req.Lng,
		RingCM:    req.RingCM,
		RingBM:    req.RingBM,
		RingAM:    req.RingAM,
		Tags:      req.Tags,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateStage(c.Request().Context(), st); err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, st)
}

func (s *Server) listStages(c *echo.Context) error {
	stages, err := s.store.ListStages(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, stages)
}

type nearbyStage struct {
	*models.Stage
	DistanceM float64 `json:"distance_m"`
	Ring      string  `json:"ring"`
}

// nearbyStages returns the stages whose outer ring contains the given
// position, with the innermost containing ring for each.
func (s *Server) nearbyStages(c *echo.Context) error {
	lat, ok1 := parseCoord(c.QueryParam("lat"))
	lng, ok2 := parseCoord(c.QueryParam("lng"))
	if !ok1 || !ok2 {
		return badRequest(c, "lat and lng are required")
	}
	stages, err := s.store.ListStages(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	out := make([]nearbyStage, 0)
	for _, st := range stages {
		d := haversineM(lat, lng, st.Lat, st.Lng)
		if d > st.RingCM {
			continue
		}
		ring := "C"
		switch {
		case d <= st.RingAM:
			ring = "A"
		case d <= st.RingBM:
			ring = "B"
		}
		out = append(out, nearbyStage{Stage: st, DistanceM: d, Ring: ring})
	}
	return c.JSON(http.StatusOK, out)
}

func parseCoord(v string) (float64, bool) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// haversineM returns the great-circle distance in meters.
func haversineM(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusM = 6371000.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}
