package admin

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// httpMetrics records admin request latency and counts.
type httpMetrics struct {
	duration *prometheus.HistogramVec
	requests *prometheus.CounterVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	factory := promauto.With(reg)

	return &httpMetrics{
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pandavoip",
				Subsystem: "admin",
				Name:      "http_request_duration_seconds",
				Help:      "Admin HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pandavoip",
				Subsystem: "admin",
				Name:      "http_requests_total",
				Help:      "Admin HTTP requests by status code",
			},
			[]string{"method", "path", "code"},
		),
	}
}

// middleware observes every request. Paths are the route patterns so
// unknown URLs do not grow the label set.
func (m *httpMetrics) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		path := c.Path()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request().Method
		m.duration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		m.requests.WithLabelValues(method, path, strconv.Itoa(c.Response().Status)).Inc()
		return nil
	}
}
