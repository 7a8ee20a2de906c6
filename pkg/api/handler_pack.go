package api

import (
	"net/http"

	"github.com/labstack/echo/v5"
)

func (s *Server) listPacks(c *echo.Context) error {
	packs, err := s.packs.ListAvailable()
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, packs)
}

func (s *Server) validatePack(c *echo.Context) error {
	res, err := s.packs.Validate(c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, res)
}
