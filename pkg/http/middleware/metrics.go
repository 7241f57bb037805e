package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"CoordScope/pkg/logger"
	"CoordScope/pkg/metrics"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
	size     *prometheus.HistogramVec
}

var (
	httpMetricsOnce sync.Once
	httpMetricsSet  *httpMetrics
)

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	httpMetricsOnce.Do(func() {
		f := promauto.With(reg)
		httpMetricsSet = &httpMetrics{
			requests: f.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coordscope_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"route", "method", "status"},
			),
			duration: f.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "coordscope_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
				},
				[]string{"route", "method", "class"},
			),
			inFlight: f.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "coordscope_http_in_flight_requests",
					Help: "Current number of in-flight HTTP requests",
				},
				[]string{"route", "method"},
			),
			size: f.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "coordscope_http_response_size_bytes",
					Help:    "HTTP response size in bytes",
					Buckets: []float64{200, 500, 1_000, 2_000, 5_000, 10_000, 50_000, 100_000, 500_000, 1_000_000},
				},
				[]string{"route", "method", "class"},
			),
		}
	})
	return httpMetricsSet
}

// Metrics records request metrics labelled by the route template, and logs 5xx and slow requests.
func Metrics(l *logger.Logger, reg prometheus.Registerer, slowThreshold time.Duration) echo.MiddlewareFunc {
	m := newHTTPMetrics(reg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			method := c.Request().Method
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			code := c.Response().Status
			status := strconv.Itoa(code)
			class := metrics.StatusClass(code)
			dur := time.Since(start)

			m.requests.WithLabelValues(route, method, status).Inc()
			m.duration.WithLabelValues(route, method, class).Observe(dur.Seconds())
			m.size.WithLabelValues(route, method, class).Observe(float64(c.Response().Size))

			switch {
			case code >= 500:
				l.Error("http request failed",
					logger.String("route", route),
					logger.String("method", method),
					logger.String("status", status),
					logger.Duration("duration", dur))
			case slowThreshold > 0 && dur >= slowThreshold:
				l.Warn("http request slow",
					logger.String("route", route),
					logger.String("method", method),
					logger.String("status", status),
					logger.Duration("duration", dur))
			}
			return nil
		}
	}
}

// InFlight tracks concurrent requests per route.
func InFlight(reg prometheus.Registerer) echo.MiddlewareFunc {
	m := newHTTPMetrics(reg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			g := m.inFlight.WithLabelValues(c.Path(), c.Request().Method)
			g.Inc()
			defer g.Dec()
			return next(c)
		}
	}
}
