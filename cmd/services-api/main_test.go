package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dhos/services-api/internal/config"
	"github.com/dhos/services-api/internal/domain/records"
)

const gdmFixture = `
product: GDM
patients:
  - first_name: Jane
    last_name: Smith
    hospital_number: H1
    phone_number: "07700900000"
    email_address: jane@example.com
    allowed_to_text: true
    sex: "248152002"
    dob: 1990-02-03
    locations: [L1]
    dh_products:
      - product_name: GDM
        opened_date: 2024-01-01
    record:
      diagnoses:
        - sct_code: "11687002"
          readings_plan:
            sct_code: "33747003"
            readings_per_day: 4
            days_per_week_to_take_readings: 7
  - first_name: Ann
    last_name: Jones
    hospital_number: H2
    phone_number: "07700900001"
    email_address: ann@example.com
    allowed_to_text: false
    sex: "248152002"
    dob: 1988-07-21
    locations: [L1]
    dh_products:
      - product_name: GDM
        opened_date: 2024-02-01
    record: {}
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Env:             "development",
		StoreDriver:     config.DriverSQLite,
		SQLitePath:      filepath.Join(t.TempDir(), "services.db"),
		MaxLineageDepth: 8,
		MetricsEnabled:  true,
		BodyLimit:       "1M",
		CORSOrigins:     []string{"http://localhost:3000"},
	}
}

func openTestStore(t *testing.T, cfg *config.Config) *store {
	t.Helper()
	st, err := openStore(context.Background(), cfg, records.NewRegistry(), zerolog.Nop(), false)
	if err != nil {
		t.Fatalf("openStore() error: %v", err)
	}
	t.Cleanup(st.close)
	return st
}

func TestParseFixture(t *testing.T) {
	fx, err := parseFixture(strings.NewReader(gdmFixture))
	if err != nil {
		t.Fatalf("parseFixture() error: %v", err)
	}
	if fx.Product != "GDM" || fx.Actor != "import" {
		t.Errorf("unexpected fixture header: %+v", fx)
	}
	if len(fx.Patients) != 2 {
		t.Fatalf("expected 2 patients, got %d", len(fx.Patients))
	}
	if dob, _ := fx.Patients[0]["dob"].(string); dob != "1990-02-03" {
		t.Errorf("expected dob as a string, got %#v", fx.Patients[0]["dob"])
	}

	if _, err := parseFixture(strings.NewReader("patients: []\n")); err == nil {
		t.Error("expected error for fixture without product")
	}
}

func TestToTree_NormalisesNumbers(t *testing.T) {
	tree, err := toTree(map[string]any{"n": 4, "nested": map[string]any{"m": 7}})
	if err != nil {
		t.Fatalf("toTree() error: %v", err)
	}
	if _, ok := tree["n"].(float64); !ok {
		t.Errorf("expected float64, got %T", tree["n"])
	}
	nested, _ := tree["nested"].(map[string]any)
	if _, ok := nested["m"].(float64); !ok {
		t.Errorf("expected nested float64, got %T", nested["m"])
	}
}

func TestImportFixture(t *testing.T) {
	cfg := testConfig(t)
	reg := records.NewRegistry()
	st, err := openStore(context.Background(), cfg, reg, zerolog.Nop(), false)
	if err != nil {
		t.Fatalf("openStore() error: %v", err)
	}
	defer st.close()
	svc, _, err := newService(cfg, st.repo, reg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newService() error: %v", err)
	}

	fx, err := parseFixture(strings.NewReader(gdmFixture))
	if err != nil {
		t.Fatalf("parseFixture() error: %v", err)
	}
	ids, err := importFixture(context.Background(), svc, fx)
	if err != nil {
		t.Fatalf("importFixture() error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}

	p, err := st.repo.Load(context.Background(), records.Patient, ids[0])
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if p.CreatedBy != "import" {
		t.Errorf("expected created_by import, got %q", p.CreatedBy)
	}
	plan := p.Child("record").Children("diagnoses")[0].Child("readings_plan")
	if n, _ := plan.Int("readings_per_day"); n != 4 {
		t.Errorf("expected readings_per_day 4, got %d", n)
	}
}

func TestNewServer_Health(t *testing.T) {
	cfg := testConfig(t)
	st := openTestStore(t, cfg)
	svc, m, err := newService(cfg, st.repo, records.NewRegistry(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	e := newServer(cfg, zerolog.Nop(), svc, m, st.health)

	for _, path := range []string{"/health", "/health/db", "/metrics"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestNewServer_CreateAndFetchPatient(t *testing.T) {
	cfg := testConfig(t)
	reg := records.NewRegistry()
	st, err := openStore(context.Background(), cfg, reg, zerolog.Nop(), false)
	if err != nil {
		t.Fatal(err)
	}
	defer st.close()
	svc, m, err := newService(cfg, st.repo, reg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	e := newServer(cfg, zerolog.Nop(), svc, m, st.health)

	body := `{"first_name":"Jane","last_name":"Smith","hospital_number":"H1","dob":"1990-02-03",
		"phone_number":"07700900000","email_address":"jane@example.com","allowed_to_text":true,
		"sex":"248152002","locations":["L1"],
		"dh_products":[{"product_name":"GDM","opened_date":"2024-01-01"}],"record":{}}`
	req := httptest.NewRequest(http.MethodPost, "/dhos/v1/patient?product_name=GDM", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}

	var created map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	id, _ := created["uuid"].(string)
	if created["created_by"] != "dev-clinician" {
		t.Errorf("expected created_by dev-clinician, got %v", created["created_by"])
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dhos/v1/patient/"+id+"?product_name=GDM", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dhos/v1/patient/"+id+"?product_name=SEND", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("get other product: expected 404, got %d", rec.Code)
	}
}
