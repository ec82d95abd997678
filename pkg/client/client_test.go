package client

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/Sternrassler/transparencia-etl/internal/testutil"
	"github.com/Sternrassler/transparencia-etl/pkg/cache"
	"github.com/Sternrassler/transparencia-etl/pkg/endpoint"
	"github.com/Sternrassler/transparencia-etl/pkg/period"
)

const testEntity = "3550308"

// newTestClient builds a client against the mock with no real waiting.
func newTestClient(t *testing.T, mock *testutil.MockPortal, store cache.Store) (*Client, *testutil.NoWaitGovernor, *testutil.SleepRecorder) {
	t.Helper()

	governor := &testutil.NoWaitGovernor{}
	sleeper := &testutil.SleepRecorder{}

	cfg := DefaultConfig("test-key")
	cfg.BaseURL = mock.URL()
	cfg.Governor = governor
	cfg.Sleep = sleeper.Sleep
	cfg.Cache = store
	cfg.Timeout = 5 * time.Second

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, governor, sleeper
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		field       string
	}{
		{
			name:        "valid config",
			config:      DefaultConfig("abc123"),
			expectError: false,
		},
		{
			name:        "missing api key",
			config:      DefaultConfig(""),
			expectError: true,
			field:       "api_key",
		},
		{
			name:        "blank api key",
			config:      DefaultConfig("   "),
			expectError: true,
			field:       "api_key",
		},
		{
			name:        "zero values get defaults",
			config:      Config{APIKey: "abc123"},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.config)
			if !tt.expectError {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				if c.config.BaseURL != DefaultBaseURL {
					t.Errorf("BaseURL = %q, want %q", c.config.BaseURL, DefaultBaseURL)
				}
				return
			}

			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Expected *ConfigError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("key")

	if cfg.BaseURL != "https://api.portaldatransparencia.gov.br/api-de-dados" {
		t.Errorf("Unexpected BaseURL %q", cfg.BaseURL)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Expected Timeout=30s, got %v", cfg.Timeout)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Expected MaxAttempts=3, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestClassifyError(t *testing.T) {
	c := &Client{}

	tests := []struct {
		name     string
		status   int
		err      error
		expected ErrorClass
	}{
		{"network error", 0, errors.New("connection refused"), ErrorClassNetwork},
		{"rate limited", http.StatusTooManyRequests, nil, ErrorClassRateLimit},
		{"internal error", http.StatusInternalServerError, nil, ErrorClassServer},
		{"bad gateway", http.StatusBadGateway, nil, ErrorClassServer},
		{"not found", http.StatusNotFound, nil, ErrorClassClient},
		{"unauthorized", http.StatusUnauthorized, nil, ErrorClassClient},
		{"bad request", http.StatusBadRequest, nil, ErrorClassClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *http.Response
			if tt.err == nil {
				resp = &http.Response{StatusCode: tt.status}
			}
			if got := c.classifyError(resp, tt.err); got != tt.expected {
				t.Errorf("classifyError() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestFetch_RequestShape(t *testing.T) {
	mock := testutil.NewMockPortal()
	defer mock.Close()

	p := period.MustParse("202401")
	path := endpoint.Resolve(p)
	mock.SetRecordPages(path, p, testEntity, 2)

	c, governor, _ := newTestClient(t, mock, nil)

	page, err := c.Fetch(context.Background(), path, p, testEntity, 1)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if page.Len() != 2 {
		t.Errorf("Expected 2 records, got %d", page.Len())
	}
	if governor.Grants() != 1 {
		t.Errorf("Expected 1 slot, got %d", governor.Grants())
	}

	reqs := mock.Requests()
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.Path != endpoint.PathNovoBolsaFamilia {
		t.Errorf("Path = %q, want %q", req.Path, endpoint.PathNovoBolsaFamilia)
	}
	if got := req.Header.Get(APIKeyHeader); got != "test-key" {
		t.Errorf("API key header = %q", got)
	}
	if got := req.Header.Get("Accept"); got != "application/json" {
		t.Errorf("Accept header = %q", got)
	}
	if got := req.Header.Get("User-Agent"); got == "" {
		t.Error("User-Agent header not set")
	}
	wantQuery := map[string]string{"mesAno": "202401", "codigoIbge": testEntity, "pagina": "1"}
	for k, v := range wantQuery {
		if got := req.Query.Get(k); got != v {
			t.Errorf("query %s = %q, want %q", k, got, v)
		}
	}
}

func TestFetch_RetryOnServerError(t *testing.T) {
	mock := testutil.NewMockPortal()
	defer mock.Close()

	p := period.MustParse("202401")
	path := endpoint.Resolve(p)
	mock.EnqueueStatus(path, http.StatusInternalServerError, http.StatusInternalServerError)
	mock.SetRecordPages(path, p, testEntity, 3)

	c, governor, sleeper := newTestClient(t, mock, nil)

	page, err := c.Fetch(context.Background(), path, p, testEntity, 1)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if page.Len() != 3 {
		t.Errorf("Expected 3 records, got %d", page.Len())
	}
	if mock.RequestCount() != 3 {
		t.Errorf("Expected 3 requests, got %d", mock.RequestCount())
	}
	// Every attempt passes through the governor.
	if governor.Grants() != 3 {
		t.Errorf("Expected 3 slots, got %d", governor.Grants())
	}
	want := []time.Duration{2 * time.Second, 2 * time.Second}
	if got := sleeper.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Errorf("Sleeps = %v, want %v", got, want)
	}
}

func TestFetch_RetryExhausted(t *testing.T) {
	mock := testutil.NewMockPortal()
	defer mock.Close()

	p := period.MustParse("202401")
	path := endpoint.Resolve(p)
	mock.EnqueueStatus(path, 500, 500, 500)

	c, _, _ := newTestClient(t, mock, nil)

	_, err := c.Fetch(context.Background(), path, p, testEntity, 1)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	var portalErr *PortalError
	if !errors.As(err, &portalErr) || portalErr.StatusCode != 500 {
		t.Errorf("Expected last PortalError with status 500, got %v", err)
	}
	if mock.RequestCount() != 3 {
		t.Errorf("Expected 3 requests, got %d", mock.RequestCount())
	}
}

func TestFetch_RateLimitBackoff(t *testing.T) {
	mock := testutil.NewMockPortal()
	defer mock.Close()

	p := period.MustParse("202401")
	path := endpoint.Resolve(p)
	mock.EnqueueStatus(path, http.StatusTooManyRequests)
	mock.SetRecordPages(path, p, testEntity, 1)

	c, _, sleeper := newTestClient(t, mock, nil)

	if _, err := c.Fetch(context.Background(), path, p, testEntity, 1); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	want := []time.Duration{4 * time.Second}
	if got := sleeper.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Errorf("Sleeps = %v, want %v", got, want)
	}
}

func TestFetch_NoRetryOnClientError(t *testing.T) {
	mock := testutil.NewMockPortal()
	defer mock.Close()

	p := period.MustParse("202401")
	path := endpoint.Resolve(p)
	mock.Enqueue(path, testutil.MockResponse{StatusCode: http.StatusNotFound, Body: "nada encontrado"})

	c, _, sleeper := newTestClient(t, mock, nil)

	_, err := c.Fetch(context.Background(), path, p, testEntity, 1)

	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("Expected *RejectedError, got %v", err)
	}
	if rej.StatusCode != http.StatusNotFound || rej.Body != "nada encontrado" {
		t.Errorf("Unexpected rejection %+v", rej)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("Expected 1 request (no retry for 4xx), got %d", mock.RequestCount())
	}
	if len(sleeper.Sleeps()) != 0 {
		t.Errorf("Expected no sleeps, got %v", sleeper.Sleeps())
	}
}

func TestFetch_CacheHit(t *testing.T) {
	mock := testutil.NewMockPortal()
	defer mock.Close()

	p := period.MustParse("202206")
	path := endpoint.Resolve(p)
	mock.SetRecordPages(path, p, testEntity, 4)

	store := cache.NewMemoryStore(16, time.Minute)
	c, governor, _ := newTestClient(t, mock, store)

	for i := 0; i < 3; i++ {
		page, err := c.Fetch(context.Background(), path, p, testEntity, 1)
		if err != nil {
			t.Fatalf("Fetch() #%d failed: %v", i, err)
		}
		if page.Len() != 4 {
			t.Errorf("Fetch() #%d returned %d records", i, page.Len())
		}
	}

	if mock.RequestCount() != 1 {
		t.Errorf("Expected 1 network request, got %d", mock.RequestCount())
	}
	// Cache hits consume no request slot.
	if governor.Grants() != 1 {
		t.Errorf("Expected 1 slot, got %d", governor.Grants())
	}
	if store.Len() != 1 {
		t.Errorf("Expected 1 cached entry, got %d", store.Len())
	}
}

func TestFetch_DecodeErrorNotCached(t *testing.T) {
	mock := testutil.NewMockPortal()
	defer mock.Close()

	p := period.MustParse("202401")
	path := endpoint.Resolve(p)
	mock.SetPage(path, 1, `{"unexpected": [`)

	store := cache.NewMemoryStore(16, time.Minute)
	c, _, _ := newTestClient(t, mock, store)

	_, err := c.Fetch(context.Background(), path, p, testEntity, 1)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("Expected ErrDecode, got %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Expected undecodable body to be evicted, got %d entries", store.Len())
	}
}

func TestFetch_EmptyPage(t *testing.T) {
	mock := testutil.NewMockPortal()
	defer mock.Close()

	p := period.MustParse("202101")
	path := endpoint.Resolve(p)

	c, _, _ := newTestClient(t, mock, nil)

	page, err := c.Fetch(context.Background(), path, p, testEntity, 7)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if !page.IsEmpty() {
		t.Errorf("Expected empty page, got %d records", page.Len())
	}
}

func TestFetch_InvalidPage(t *testing.T) {
	c, err := New(DefaultConfig("key"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Fetch(context.Background(), "/x", period.MustParse("202401"), testEntity, 0); err == nil {
		t.Error("Expected error for page 0")
	}
}

func TestFetch_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockPortal()
	defer mock.Close()

	c, _, _ := newTestClient(t, mock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx, endpoint.PathNovoBolsaFamilia, period.MustParse("202401"), testEntity, 1)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("Expected no requests, got %d", mock.RequestCount())
	}
}

func TestWithCache(t *testing.T) {
	c, err := New(DefaultConfig("key"))
	if err != nil {
		t.Fatal(err)
	}
	store := cache.NewMemoryStore(4, time.Minute)
	scoped := c.WithCache(store)

	if scoped.cache != store {
		t.Error("WithCache() did not set the store")
	}
	if c.cache != nil {
		t.Error("WithCache() must not modify the original client")
	}
	if scoped.governor != c.governor {
		t.Error("WithCache() must share the governor")
	}
}
