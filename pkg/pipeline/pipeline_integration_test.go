//go:build integration

package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Sternrassler/transparencia-etl/internal/testutil"
	"github.com/Sternrassler/transparencia-etl/pkg/cache"
	"github.com/Sternrassler/transparencia-etl/pkg/client"
	"github.com/Sternrassler/transparencia-etl/pkg/endpoint"
	"github.com/Sternrassler/transparencia-etl/pkg/period"
	"github.com/Sternrassler/transparencia-etl/pkg/ratelimit"
	"github.com/Sternrassler/transparencia-etl/pkg/storage"
	"github.com/Sternrassler/transparencia-etl/pkg/storage/postgres"
	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startContainer starts req and returns host:port of its first exposed port.
func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start %s container: %v", req.Image, err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}
	return host + ":" + mapped.Port()
}

func setupRedis(t *testing.T) *redis.Client {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}, "6379")

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func setupPostgres(t *testing.T) storage.Repository {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "etl",
			"POSTGRES_PASSWORD": "etl",
			"POSTGRES_DB":       "transparencia",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}, "5432")

	ctx := context.Background()
	dsn := fmt.Sprintf("postgres://etl:etl@%s/transparencia?sslmode=disable", addr)
	repo, err := storage.Open(ctx, storage.Config{Driver: postgres.Driver, DSN: dsn})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(repo.Close)
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return repo
}

// newSharedClient builds a client the way a second process would: its own
// instance, sharing the Redis governor and cache.
func newSharedClient(t *testing.T, mock *testutil.MockPortal, rdb *redis.Client) *client.Client {
	t.Helper()

	cfg := client.DefaultConfig("test-key")
	cfg.BaseURL = mock.URL()
	cfg.Governor = ratelimit.NewShared(rdb, 20*time.Millisecond, zerolog.Nop())
	cfg.Cache = cache.NewRedisStore(rdb, time.Hour)
	cfg.Sleep = (&testutil.SleepRecorder{}).Sleep

	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestIntegration_PostgresRedisBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	rdb := setupRedis(t)
	repo := setupPostgres(t)

	mock := testutil.NewMockPortal()
	defer mock.Close()

	from, to := period.MustParse("202302"), period.MustParse("202303")
	for _, p := range period.Range(from, to) {
		mock.SetRecordPages(endpoint.Resolve(p), p, DefaultEntity, 12, 3)
	}

	cfg := DefaultConfig()
	cfg.PeriodCooldown = 0
	ctx := context.Background()

	first, err := NewBatch(StaticFetcher(newSharedClient(t, mock, rdb)), repo, cfg).RunRange(ctx, from, to, DefaultEntity)
	if err != nil {
		t.Fatalf("RunRange: %v", err)
	}
	if first.Succeeded != 2 {
		t.Fatalf("first batch = %+v", first)
	}
	requests := mock.RequestCount()

	// A second process re-ingests the same range from the shared cache.
	second, err := NewBatch(StaticFetcher(newSharedClient(t, mock, rdb)), repo, cfg).RunRange(ctx, from, to, DefaultEntity)
	if err != nil {
		t.Fatalf("RunRange: %v", err)
	}
	if second.Succeeded != 2 {
		t.Fatalf("second batch = %+v", second)
	}
	if mock.RequestCount() != requests {
		t.Errorf("requests = %d, want %d (served from Redis)", mock.RequestCount(), requests)
	}
	for _, r := range second.Results {
		if r.RawInserted != 0 || r.RawDuplicate != 2 {
			t.Errorf("%s: raw inserted=%d duplicate=%d, want 0 and 2", r.Period, r.RawInserted, r.RawDuplicate)
		}
	}

	// Both periods reuse program ids 1..15; facts are keyed per period.
	if n := count(t, repo, storage.TableFact); n != 30 {
		t.Errorf("facts = %d, want 30", n)
	}
	if n := count(t, repo, storage.TableProgram); n != 15 {
		t.Errorf("programs = %d, want 15", n)
	}
	if paths := mock.Paths(); len(paths) != 2 {
		t.Errorf("paths = %v, want one per program era", paths)
	}
}
