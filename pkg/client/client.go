// Package client provides the Portal da Transparência HTTP client with
// request governing, retry/backoff, caching and error classification.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/transparencia-etl/pkg/cache"
	"github.com/Sternrassler/transparencia-etl/pkg/period"
	"github.com/Sternrassler/transparencia-etl/pkg/portal"
	"github.com/Sternrassler/transparencia-etl/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultBaseURL is the public Portal da Transparência data API.
const DefaultBaseURL = "https://api.portaldatransparencia.gov.br/api-de-dados"

// APIKeyHeader carries the API key on every request.
const APIKeyHeader = "chave-api-dados"

// maxErrorBody bounds how much of a rejected response body is kept.
const maxErrorBody = 4096

// Prometheus metrics for Portal client operations.
var (
	portalRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_requests_total",
		Help: "Total Portal API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	portalRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portal_request_duration_seconds",
		Help:    "Portal API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	portalErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_errors_total",
		Help: "Total Portal API errors by class",
	}, []string{"class"})
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents non-retryable 4xx errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is prepended to every endpoint path.
	BaseURL string

	// APIKey is sent in the chave-api-dados header (REQUIRED).
	APIKey string

	// UserAgent header.
	UserAgent string

	// Timeout bounds each HTTP attempt; a timeout counts as a network error.
	Timeout time.Duration

	// Retry policy.
	Retry RetryConfig

	// Governor grants request slots. Defaults to a Local governor.
	Governor ratelimit.Governor

	// Cache stores successful responses. Nil disables caching.
	Cache cache.Store

	// HTTPClient overrides the transport (tests). Its Timeout is replaced by Timeout.
	HTTPClient *http.Client

	// Sleep overrides backoff waits (tests).
	Sleep ratelimit.SleepFunc
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(apiKey string) Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		APIKey:    apiKey,
		UserAgent: "transparencia-etl/1.0",
		Timeout:   30 * time.Second,
		Retry:     DefaultRetryConfig(),
	}
}

// Client is the Portal API client.
type Client struct {
	httpClient *http.Client
	governor   ratelimit.Governor
	cache      cache.Store
	sleep      ratelimit.SleepFunc
	config     Config
	logger     zerolog.Logger
}

// New creates a new Portal client. It fails with a *ConfigError before any
// request when the API key or base URL is missing.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &ConfigError{Field: "api_key", Message: "an API key is required to call the Portal API"}
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, &ConfigError{Field: "base_url", Message: err.Error()}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if cfg.Retry.RateLimitBackoff == nil {
		cfg.Retry.RateLimitBackoff = QuadraticBackoff
	}

	logger := log.With().Str("component", "portal-client").Logger()

	governor := cfg.Governor
	if governor == nil {
		governor = ratelimit.NewLocal(ratelimit.DefaultMinInterval, ratelimit.WithLogger(logger))
	}

	httpClient := &http.Client{}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		httpClient = &copied
	}
	httpClient.Timeout = cfg.Timeout

	sleep := cfg.Sleep
	if sleep == nil {
		sleep = ratelimit.Sleep
	}

	return &Client{
		httpClient: httpClient,
		governor:   governor,
		cache:      cfg.Cache,
		sleep:      sleep,
		config:     cfg,
		logger:     logger,
	}, nil
}

// WithCache returns a shallow copy of c that uses store for responses. The
// governor and HTTP client are shared with c.
func (c *Client) WithCache(store cache.Store) *Client {
	clone := *c
	clone.cache = store
	return &clone
}

// PageParams builds the query parameters of a paginated benefit request.
func PageParams(p period.Period, entityCode string, page int) url.Values {
	return url.Values{
		"mesAno":     {p.String()},
		"codigoIbge": {entityCode},
		"pagina":     {strconv.Itoa(page)},
	}
}

// Fetch retrieves and decodes one page of endpointPath for the period and
// entity. Transient failures are retried; the returned error wraps
// ErrRetryExhausted, *RejectedError, ErrDecode or ErrContextCancelled.
func (c *Client) Fetch(ctx context.Context, endpointPath string, p period.Period, entityCode string, page int) (*portal.Page, error) {
	if page < 1 {
		return nil, fmt.Errorf("page must be >= 1 (got %d)", page)
	}

	params := PageParams(p, entityCode, page)
	body, err := c.Get(ctx, endpointPath, params)
	if err != nil {
		return nil, err
	}

	decoded, err := portal.DecodePage(body)
	if err != nil {
		if c.cache != nil {
			_ = c.cache.Delete(ctx, cache.CacheKey{Endpoint: endpointPath, QueryParams: params})
		}
		return nil, fmt.Errorf("%w: %s page %d: %v", ErrDecode, endpointPath, page, err)
	}
	return decoded, nil
}

// FetchRaw is Fetch without decoding; it returns the response body as served.
func (c *Client) FetchRaw(ctx context.Context, endpointPath string, p period.Period, entityCode string, page int) ([]byte, error) {
	if page < 1 {
		return nil, fmt.Errorf("page must be >= 1 (got %d)", page)
	}
	return c.Get(ctx, endpointPath, PageParams(p, entityCode, page))
}

// Get performs a governed GET of endpointPath with params and returns the
// body of the 200 response.
func (c *Client) Get(ctx context.Context, endpointPath string, params url.Values) ([]byte, error) {
	cacheKey := cache.CacheKey{Endpoint: endpointPath, QueryParams: params}

	if c.cache != nil {
		entry, err := c.cache.Get(ctx, cacheKey)
		switch {
		case err == nil:
			c.logger.Debug().Str("endpoint", endpointPath).Str("key", cacheKey.String()).Msg("Cache hit")
			return entry.Data, nil
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("endpoint", endpointPath).Msg("Cache get error")
		}
	}

	requestURL := c.config.BaseURL + endpointPath
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	var body []byte
	err := retryWithBackoff(ctx, c.config.Retry, c.sleep, func(attemptIndex int) (ErrorClass, error) {
		var (
			errClass   ErrorClass
			attemptErr error
		)
		body, errClass, attemptErr = c.attempt(ctx, endpointPath, requestURL, attemptIndex)
		return errClass, attemptErr
	})
	if err != nil {
		c.logger.Error().
			Err(err).
			Str("endpoint", endpointPath).
			Str("params", params.Encode()).
			Msg("Portal request failed")
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, cacheKey, cache.NewEntry(body, c.cache.TTL())); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		}
	}

	return body, nil
}

// attempt performs exactly one governed HTTP request.
func (c *Client) attempt(ctx context.Context, endpointPath, requestURL string, attemptIndex int) ([]byte, ErrorClass, error) {
	if err := c.governor.AcquireSlot(ctx); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrContextCancelled, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(APIKeyHeader, c.config.APIKey)
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	c.logger.Debug().
		Str("endpoint", endpointPath).
		Int("attempt", attemptIndex+1).
		Msg("Executing Portal request")

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	portalRequestDuration.WithLabelValues(endpointPath).Observe(time.Since(startTime).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		errClass := c.classifyError(nil, err)
		portalErrorsTotal.WithLabelValues(string(errClass)).Inc()
		portalRequestsTotal.WithLabelValues(endpointPath, "network_error").Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpointPath).Msg("HTTP request failed")
		return nil, errClass, &PortalError{ErrorClass: errClass, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	portalRequestsTotal.WithLabelValues(endpointPath, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusOK {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			portalErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return nil, ErrorClassNetwork, &PortalError{
				StatusCode: resp.StatusCode,
				ErrorClass: ErrorClassNetwork,
				Message:    "read response body",
				Err:        err,
			}
		}
		return body, "", nil
	}

	errClass := c.classifyError(resp, nil)
	portalErrorsTotal.WithLabelValues(string(errClass)).Inc()

	c.logger.Warn().
		Str("endpoint", endpointPath).
		Int("status", resp.StatusCode).
		Str("error_class", string(errClass)).
		Msg("Portal request error")

	if !shouldRetry(errClass) {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, errClass, &RejectedError{StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil, errClass, &PortalError{
		StatusCode: resp.StatusCode,
		ErrorClass: errClass,
		Message:    resp.Status,
	}
}

// classifyError categorizes an error for observability and handling.
func (c *Client) classifyError(resp *http.Response, err error) ErrorClass {
	if err != nil {
		return ErrorClassNetwork
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode >= 500:
		return ErrorClassServer
	case resp.StatusCode >= 400:
		return ErrorClassClient
	default:
		// Redirects and other unexpected statuses are not retried.
		return ErrorClassClient
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
