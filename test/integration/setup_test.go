package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/domain/ledger"
	"github.com/ehr/ledger/internal/platform/db"
	"github.com/ehr/ledger/internal/platform/notification"
	"github.com/ehr/ledger/internal/platform/staff"
	"github.com/ehr/ledger/migrations"
)

// connStr points at the shared test database. Each test migrates its own
// schema so tests can run in parallel.
var connStr string

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr = os.Getenv("LEDGER_TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping integration tests: %v\n", err)
			os.Exit(0)
		}
	}

	code := m.Run()
	cleanup()
	os.Exit(code)
}

type env struct {
	pool   *pgxpool.Pool
	svc    *ledger.Service
	events *notification.MemoryPublisher
	schema string
}

// newEnv migrates a fresh schema and returns a service whose connections
// resolve unqualified tables there. The staff table is seeded with members.
func newEnv(t *testing.T, members ...staff.Member) *env {
	t.Helper()
	ctx := context.Background()
	schema := "ledger_" + strings.ReplaceAll(uuid.New().String()[:8], "-", "")

	admin, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer admin.Close()
	if _, err := db.NewMigrator(admin, migrations.FS, schema).Up(ctx); err != nil {
		t.Fatalf("migrate %s: %v", schema, err)
	}

	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	cfg.ConnConfig.RuntimeParams["lock_timeout"] = "5000ms"
	cfg.MaxConns = 16
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}

	for _, m := range members {
		if _, err := pool.Exec(ctx, `INSERT INTO staff (id, display_name, active) VALUES ($1, $2, $3)`,
			m.ID, m.DisplayName, m.Active); err != nil {
			t.Fatalf("seed staff %s: %v", m.ID, err)
		}
	}

	events := &notification.MemoryPublisher{}
	dispatcher := notification.NewDispatcher(events, 64, zerolog.Nop())
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		dispatcher.Close(closeCtx)
		pool.Close()
		dropSchema(t, schema)
	})

	return &env{
		pool: pool,
		svc: ledger.NewService(ledger.NewPGStore(pool), ledger.Options{
			Staff:    staff.NewPGDirectory(pool),
			Notifier: dispatcher,
			Logger:   zerolog.Nop(),
		}),
		events: events,
		schema: schema,
	}
}

func dropSchema(t *testing.T, schema string) {
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Logf("warning: drop schema %s: %v", schema, err)
		return
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
		t.Logf("warning: drop schema %s: %v", schema, err)
	}
}
