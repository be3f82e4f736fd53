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

	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/config"
	"github.com/ehr/ledger/internal/platform/auth"
	"github.com/ehr/ledger/internal/platform/db"
	"github.com/ehr/ledger/internal/platform/middleware"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("ENV", "development")
	t.Setenv("STORE_DRIVER", config.StoreMemory)
	t.Setenv("REPORT_TIMEZONE", "Africa/Lagos")
	t.Setenv("RECONCILE_SCHEDULE", "15 0 * * *")
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	return cfg
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	a, err := buildApp(context.Background(), memoryConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return a
}

func serve(a *app, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func TestBuildApp_MemoryStoreServesHealth(t *testing.T) {
	a := newTestApp(t)

	rec := serve(a, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/health = %d, want 200", rec.Code)
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected a request id on the response")
	}

	rec = serve(a, http.MethodGet, "/health/db", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/health/db = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
	if _, ok := body["pool"]; ok {
		t.Error("memory store should not report pool stats")
	}
}

func TestBuildApp_APIUsesDevAuth(t *testing.T) {
	a := newTestApp(t)

	rec := serve(a, http.MethodGet, "/api/v1/invoices", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/invoices as default dev admin = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	rec = serve(a, http.MethodPost, "/api/v1/cash-requests",
		`{"department_id":"6f1d3c2e-8a4b-4f7e-9b1a-2c3d4e5f6a7b","purpose":"Ward supplies","amount":"45.50"}`,
		map[string]string{auth.HeaderActorID: "nurse-7", auth.HeaderActorRoles: "nurse"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create cash request = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var cr map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &cr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n, _ := cr["request_number"].(string); !strings.HasPrefix(n, "CR-") {
		t.Errorf("request_number = %q, want CR- prefix", n)
	}
}

func TestBuildApp_SchedulesConsistencyCheck(t *testing.T) {
	a := newTestApp(t)
	a.start()

	next, ok := a.sched.Next(consistencyJob)
	if !ok {
		t.Fatal("consistency check is not scheduled")
	}
	local := next.In(a.svc.Location())
	if local.Hour() != 0 || local.Minute() != 15 {
		t.Errorf("next run %s, want 00:15 in the reporting zone", local)
	}

	if err := a.consistencyCheck(context.Background()); err != nil {
		t.Errorf("consistency check on an empty ledger: %v", err)
	}
	if got := a.metrics.Counter("ledger_consistency_checks_total", "result", "ok"); got != 1 {
		t.Errorf("ok runs = %d, want 1", got)
	}

	rec := serve(a, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `ledger_consistency_checks_total{result="ok"} 1`) {
		t.Errorf("metrics output missing the check counter:\n%s", rec.Body.String())
	}
}

func TestBuildApp_NoScheduleWhenDisabled(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.ReconcileSchedule = ""
	a, err := buildApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.shutdown(context.Background())

	if _, ok := a.sched.Next(consistencyJob); ok {
		t.Error("expected no consistency job")
	}
}

func TestRunCheck(t *testing.T) {
	a := newTestApp(t)

	var out bytes.Buffer
	if err := runCheck(context.Background(), a.svc, &out); err != nil {
		t.Fatalf("runCheck: %v", err)
	}
	if !strings.Contains(out.String(), `"mismatches": []`) {
		t.Errorf("output missing empty mismatches:\n%s", out.String())
	}
}

func TestParseDay(t *testing.T) {
	loc, _ := time.LoadLocation("Africa/Lagos")

	got, err := parseDay("2026-03-14", loc)
	if err != nil {
		t.Fatalf("parseDay: %v", err)
	}
	want := time.Date(2026, time.March, 14, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("parseDay = %s, want %s", got, want)
	}

	if _, err := parseDay("14/03/2026", loc); err == nil {
		t.Error("expected an error for a non ISO date")
	}

	today, err := parseDay("", loc)
	if err != nil || today.Location() != loc {
		t.Errorf("parseDay(\"\") = %v, %v; want now in %s", today, err, loc)
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2026, time.March, 1, 8, 30, 0, 0, time.UTC)
	var out bytes.Buffer
	printMigrationStatus(&out, "public", []db.MigrationStatus{
		{Version: 1, Name: "ledger", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "cash_office"},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[3], "applied") || !strings.Contains(lines[3], "2026-03-01 08:30:00") {
		t.Errorf("applied row = %q", lines[3])
	}
	if !strings.Contains(lines[4], "pending") {
		t.Errorf("pending row = %q", lines[4])
	}
}

func TestLoadConfig_RejectsMemoryStoreInProduction(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("STORE_DRIVER", config.StoreMemory)
	t.Setenv("AUTH_SIGNING_KEY", strings.Repeat("k", 32))

	if _, err := loadConfig(); err == nil {
		t.Fatal("expected the memory store to be refused outside development")
	}
}
