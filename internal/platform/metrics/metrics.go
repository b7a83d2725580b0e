// Package metrics holds the Prometheus collectors exported by the service.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dhos/services-api/internal/domain/entity"
)

// Metrics groups the collectors. The zero value is not usable; use New.
type Metrics struct {
	registry prometheus.Gatherer

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	operations   *prometheus.CounterVec
	opDuration   *prometheus.HistogramVec
	appended     *prometheus.CounterVec
	removed      *prometheus.CounterVec
}

// New registers the collectors on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "services_api",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "services_api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "services_api",
			Name:      "patient_operations_total",
			Help:      "Patient service operations by outcome.",
		}, []string{"operation", "outcome"}),
		opDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "services_api",
			Name:      "patient_operation_duration_seconds",
			Help:      "Patient service operation latency, storage included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		appended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "services_api",
			Name:      "entities_created_total",
			Help:      "Entities created by the patch engine, by kind.",
		}, []string{"kind"}),
		removed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "services_api",
			Name:      "entities_removed_total",
			Help:      "Entities detached by the delete engine, by kind and mode.",
		}, []string{"kind", "mode"}),
	}
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveOperation records a service operation and its outcome.
func (m *Metrics) ObserveOperation(op string, d time.Duration, err error) {
	m.operations.WithLabelValues(op, Outcome(err)).Inc()
	m.opDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveSession counts what a committed unit of work created and removed.
func (m *Metrics) ObserveSession(s *entity.Session) {
	for kind, n := range s.Appended() {
		m.appended.WithLabelValues(string(kind)).Add(float64(n))
	}
	for _, r := range s.Removals() {
		m.removed.WithLabelValues(string(r.Entity.Kind), r.Mode.String()).Inc()
	}
}

// Outcome classifies err into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, entity.ErrNotFound):
		return "not_found"
	case errors.Is(err, entity.ErrDuplicate), errors.Is(err, entity.ErrStateConflict):
		return "conflict"
	case errors.Is(err, entity.ErrValidation), errors.Is(err, entity.ErrUnknownField),
		errors.Is(err, entity.ErrPatchRejected), errors.Is(err, entity.ErrMalformedList):
		return "invalid"
	}
	return "error"
}

// Middleware records every request against its route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}
