package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/rdrf/rdrf/internal/config"
	"github.com/rdrf/rdrf/internal/domain/calculation"
	"github.com/rdrf/rdrf/internal/platform/db"
	"github.com/rdrf/rdrf/internal/platform/middleware"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            "test",
		LogLevel:       "info",
		RateLimitRPS:   1000,
		BodyLimit:      "64K",
		RequestTimeout: 5 * time.Second,
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newServer(testConfig(), zerolog.Nop(), nil, prometheus.NewRegistry()))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenURLFor(t *testing.T) {
	got, err := tokenURLFor("http://registry.local:8000/api/v1/calculatedcdes/?x=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "http://registry.local:8000/api/v1/csrf" {
		t.Errorf("unexpected token url %q", got)
	}
	if _, err := tokenURLFor("/api/v1/calculatedcdes/"); err == nil {
		t.Error("expected error for relative endpoint")
	}
}

func TestLoadScenario(t *testing.T) {
	sc, err := loadScenario(strings.NewReader(`
form:
  name: clinical
  sections:
    - code: VITALS
      fields:
        - {code: HEIGHT, type: number}
patient: {patient_date_of_birth: "1990-01-01", patient_sex: F}
calculations:
  - {observer: BMI, inputs: [HEIGHT, WEIGHT]}
steps:
  - {action: wait, pause: 250ms}
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.Patient.DateOfBirth != "1990-01-01" || sc.Patient.Sex != "F" {
		t.Errorf("unexpected patient %+v", sc.Patient)
	}
	if len(sc.Calculations) != 1 || len(sc.Calculations[0].Inputs) != 2 {
		t.Errorf("unexpected calculations %+v", sc.Calculations)
	}
	if sc.Steps[0].Pause != 250*time.Millisecond {
		t.Errorf("expected 250ms pause, got %s", sc.Steps[0].Pause)
	}

	if _, err := loadScenario(strings.NewReader("form: {name: x}\n")); err == nil {
		t.Error("expected error for a scenario without calculations")
	}
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if body["database"] != "disabled" {
		t.Errorf("expected database disabled, got %v", body["database"])
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
	if resp.Header.Get(middleware.RequestIDHeader) == "" {
		t.Error("expected a request id")
	}
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServer_ComputeRequiresToken(t *testing.T) {
	srv := newTestServer(t)
	body := `{"cde_code":"BMI","form_values":{"HEIGHT":180,"WEIGHT":81}}`

	resp, err := http.Post(srv.URL+"/api/v1/calculatedcdes/", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/calculatedcdes/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(calculation.HeaderCSRFToken, "forged")
	req.AddCookie(&http.Cookie{Name: middleware.CSRFCookieName, Value: "other"})
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 with mismatched token, got %d", resp.StatusCode)
	}
}

func TestServer_CDERoutesNeedDatabase(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/cdes")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 without a database, got %d", resp.StatusCode)
	}
}

const bmiScenario = `
form:
  name: clinical
  sections:
    - code: VITALS
      fields:
        - {code: HEIGHT, type: number}
        - {code: WEIGHT, type: number}
        - {code: BMI, type: text}
        - {code: AGE, type: text}
patient: {patient_date_of_birth: "1990-01-01", patient_sex: F}
calculations:
  - {observer: BMI, inputs: [HEIGHT, WEIGHT]}
validations:
  - {field: HEIGHT, command: not_empty}
steps:
  - {action: input, field: HEIGHT, value: "180"}
  - {action: construct, field: WEIGHT, value: "81"}
`

func TestRunSimulation(t *testing.T) {
	srv := newTestServer(t)
	sc, err := loadScenario(strings.NewReader(bmiScenario))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tokenURL, _ := tokenURLFor(srv.URL + calculation.DefaultEndpoint)

	var out bytes.Buffer
	err = runSimulation(context.Background(), sc, simOptions{
		ComputeEndpoint:  srv.URL + calculation.DefaultEndpoint,
		ValidateEndpoint: srv.URL + "/api/v1/rpc/",
		TokenURL:         tokenURL,
		Debounce:         20 * time.Millisecond,
		WaitTimeout:      5 * time.Second,
	}, zerolog.Nop(), &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := map[string][]string{}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		fields := strings.Fields(line)
		lines[fields[0]] = fields[1:]
	}
	if got := lines["clinical____VITALS____BMI"]; len(got) < 1 || got[0] != "25" {
		t.Errorf("expected BMI 25, got %v\n%s", got, out.String())
	}
	if got := lines["clinical____VITALS____HEIGHT"]; len(got) < 2 || got[1] != "valid" {
		t.Errorf("expected HEIGHT valid, got %v", got)
	}
}

func TestRunSimulation_UnknownAction(t *testing.T) {
	srv := newTestServer(t)
	sc, _ := loadScenario(strings.NewReader(bmiScenario))
	sc.Steps = []step{{Action: "dance"}}
	tokenURL, _ := tokenURLFor(srv.URL)

	err := runSimulation(context.Background(), sc, simOptions{
		ComputeEndpoint: srv.URL + calculation.DefaultEndpoint,
		TokenURL:        tokenURL,
		Debounce:        20 * time.Millisecond,
	}, zerolog.Nop(), &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), `unknown action "dance"`) {
		t.Errorf("expected unknown action error, got %v", err)
	}
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "cde", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "next"},
	})
	out := buf.String()
	if !strings.Contains(out, "2024-01-02 03:04:05") || !strings.Contains(out, "pending") {
		t.Errorf("unexpected status output:\n%s", out)
	}
}
