package httpapi

import (
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
)

// accessLog records one line per request through the telemetry logger and
// feeds the request counters. Echo's own logger middleware writes to its
// internal logger, which the rest of the daemon does not use.
func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			// Let echo resolve the status before reporting.
			c.Error(err)
		}
		latency := time.Since(start)
		status := c.Response().Status
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		if requestID == "" {
			requestID = c.Request().Header.Get(echo.HeaderXRequestID)
		}

		s.log.Info(c.Request().Context(), "http request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", status,
			"duration_ms", latency.Milliseconds(),
			"request_id", requestID,
		)
		s.metrics.IncCounter("workflow_http_requests_total", 1,
			"route", c.Path(),
			"method", c.Request().Method,
			"status", fmt.Sprintf("%dxx", status/100),
		)
		s.metrics.RecordTimer("workflow_http_request_duration", latency,
			"route", c.Path())
		return nil
	}
}
