package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	"CoordScope/pkg/logger"
)

// RequestLogging logs every request at debug level, keyed by route template.
// Paths in skip (e.g. health checks and scrapes) are not logged.
func RequestLogging(l *logger.Logger, skip ...string) echo.MiddlewareFunc {
	quiet := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		quiet[p] = struct{}{}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := quiet[c.Path()]; ok {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			res := c.Response()
			l.Debug("http request",
				logger.String("method", c.Request().Method),
				logger.String("route", c.Path()),
				logger.String("uri", c.Request().RequestURI),
				logger.String("remote", c.RealIP()),
				logger.Int("status", res.Status),
				logger.Int64("bytes_out", res.Size),
				logger.Duration("latency", time.Since(start)),
			)
			return err
		}
	}
}
