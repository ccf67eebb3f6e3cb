//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/zencdss/cdss/internal/platform/db"
	"github.com/zencdss/cdss/internal/platform/redis"
)

// testEnv holds the shared infrastructure for integration tests.
type testEnv struct {
	Pool  *pgxpool.Pool
	Redis *goredis.Client
}

// globalEnv is initialized once in TestMain.
var globalEnv *testEnv

func TestMain(m *testing.M) {
	ctx := context.Background()

	env, cleanup, err := setup(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup containers: %v\n", err)
		os.Exit(1)
	}

	globalEnv = env
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func setup(ctx context.Context) (*testEnv, func(), error) {
	pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("cdss"),
		tcpostgres.WithUsername("cdss"),
		tcpostgres.WithPassword("cdss"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("start postgres container: %w", err)
	}

	rc, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		_ = pg.Terminate(ctx)
		return nil, nil, fmt.Errorf("start redis container: %w", err)
	}

	terminate := func() {
		_ = rc.Terminate(ctx)
		_ = pg.Terminate(ctx)
	}

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("postgres connection string: %w", err)
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{DatabaseURL: connStr, MaxConns: 16})
	if err != nil {
		terminate()
		return nil, nil, err
	}
	if err := db.ApplyPostgres(ctx, pool); err != nil {
		pool.Close()
		terminate()
		return nil, nil, fmt.Errorf("apply schema: %w", err)
	}

	redisURL, err := rc.ConnectionString(ctx)
	if err != nil {
		pool.Close()
		terminate()
		return nil, nil, fmt.Errorf("redis connection string: %w", err)
	}
	client, err := redis.New(ctx, redisURL)
	if err != nil {
		pool.Close()
		terminate()
		return nil, nil, err
	}

	return &testEnv{Pool: pool, Redis: client}, func() {
		_ = client.Close()
		pool.Close()
		terminate()
	}, nil
}

// truncate empties every intake table between tests.
func truncate(t *testing.T, ctx context.Context) {
	t.Helper()
	_, err := globalEnv.Pool.Exec(ctx, `TRUNCATE patient, address, contact_details, occupation, diagnosis,
		province, district, municipality, village, company, occupation_title CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if err := globalEnv.Redis.FlushAll(ctx).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
}

func countRows(t *testing.T, ctx context.Context, table string) int {
	t.Helper()
	var n int
	if err := globalEnv.Pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
