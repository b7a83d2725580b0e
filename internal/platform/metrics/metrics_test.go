package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dhos/services-api/internal/domain/entity"
)

// counter returns the value of the named counter whose label values, in
// label-name order, equal values.
func counter(t *testing.T, m *Metrics, name string, values ...string) float64 {
	t.Helper()
	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := metric.GetLabel()
			if len(labels) != len(values) {
				continue
			}
			match := true
			for i, l := range labels {
				if l.GetValue() != values[i] {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{&entity.NotFoundError{Kind: "patient", ID: "p1"}, "not_found"},
		{&entity.DuplicateError{Constraint: "x", Msg: "dup"}, "conflict"},
		{entity.Conflict("already closed"), "conflict"},
		{entity.Invalid("patient", "dob", "bad"), "invalid"},
		{fmt.Errorf("wrapped: %w", entity.ErrMalformedList), "invalid"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestObserveOperation(t *testing.T) {
	m := New()
	m.ObserveOperation("create_patient", 10*time.Millisecond, nil)
	m.ObserveOperation("create_patient", 5*time.Millisecond, entity.Conflict("x"))
	m.ObserveOperation("create_patient", 5*time.Millisecond, entity.Conflict("y"))

	if got := counter(t, m, "services_api_patient_operations_total", "create_patient", "ok"); got != 1 {
		t.Errorf("expected 1 ok operation, got %v", got)
	}
	if got := counter(t, m, "services_api_patient_operations_total", "create_patient", "conflict"); got != 2 {
		t.Errorf("expected 2 conflicts, got %v", got)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/dhos/v1/patient/:patient_id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/missing/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	})
	e.GET("/metrics", m.Handler())

	for _, path := range []string{"/dhos/v1/patient/p1", "/dhos/v1/patient/p2", "/missing/x"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := counter(t, m, "services_api_http_requests_total", "GET", "/dhos/v1/patient/:patient_id", "200"); got != 2 {
		t.Errorf("expected 2 requests on the patient route, got %v", got)
	}
	if got := counter(t, m, "services_api_http_requests_total", "GET", "/missing/:id", "404"); got != 1 {
		t.Errorf("expected 1 not found request, got %v", got)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "services_api_http_requests_total") {
		t.Error("expected request counter in exposition")
	}
}
