package worker

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// NewHealthServer builds the worker's liveness endpoint.
func NewHealthServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"ok":      true,
			"service": "worker",
		})
	})
	return e
}
