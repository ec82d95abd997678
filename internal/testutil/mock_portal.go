// Package testutil provides testing utilities for the Portal da Transparência
// client and pipeline.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/transparencia-etl/pkg/period"
	"github.com/Sternrassler/transparencia-etl/pkg/portal"
	"github.com/shopspring/decimal"
)

// MockResponse defines the behavior for a mock Portal response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is one request seen by the mock.
type RecordedRequest struct {
	Path   string
	Query  url.Values
	Header http.Header
}

// MockPortal is a configurable mock Portal da Transparência server. Pages are
// served by the pagina query parameter; queued responses for a path are
// served first, in order.
type MockPortal struct {
	server *httptest.Server

	mu       sync.Mutex
	pages    map[string]map[int]string
	queued   map[string][]MockResponse
	requests []RecordedRequest
}

// NewMockPortal creates and starts a new mock server.
func NewMockPortal() *MockPortal {
	mock := &MockPortal{
		pages:  make(map[string]map[int]string),
		queued: make(map[string][]MockResponse),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockPortal) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockPortal) Close() {
	m.server.Close()
}

// SetPage serves body for the given path and page number.
func (m *MockPortal) SetPage(path string, page int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pages[path] == nil {
		m.pages[path] = make(map[int]string)
	}
	m.pages[path][page] = body
}

// SetRecordPages splits counts into consecutive pages of generated records
// for path: counts[0] records on page 1, counts[1] on page 2 and so on.
func (m *MockPortal) SetRecordPages(path string, p period.Period, entityCode string, counts ...int) {
	nextID := 1
	for i, n := range counts {
		m.SetPage(path, i+1, RecordsJSON(p, entityCode, nextID, n))
		nextID += n
	}
}

// Enqueue queues responses for path ahead of its pages.
func (m *MockPortal) Enqueue(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[path] = append(m.queued[path], responses...)
}

// EnqueueStatus queues bare status responses for path.
func (m *MockPortal) EnqueueStatus(path string, codes ...int) {
	responses := make([]MockResponse, 0, len(codes))
	for _, code := range codes {
		responses = append(responses, MockResponse{
			StatusCode: code,
			Body:       fmt.Sprintf(`{"erro":"status %d"}`, code),
		})
	}
	m.Enqueue(path, responses...)
}

// Requests returns a copy of every request seen so far.
func (m *MockPortal) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of requests made to the server.
func (m *MockPortal) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Paths returns the distinct request paths in first-seen order.
func (m *MockPortal) Paths() []string {
	seen := make(map[string]bool)
	var paths []string
	for _, r := range m.Requests() {
		if !seen[r.Path] {
			seen[r.Path] = true
			paths = append(paths, r.Path)
		}
	}
	return paths
}

func (m *MockPortal) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
	})

	var resp *MockResponse
	if q := m.queued[r.URL.Path]; len(q) > 0 {
		resp = &q[0]
		m.queued[r.URL.Path] = q[1:]
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("pagina"))
	body, ok := m.pages[r.URL.Path][page]
	m.mu.Unlock()

	if resp != nil {
		writeResponse(w, *resp)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if !ok {
		// Past the last configured page the API answers with an empty array.
		_, _ = w.Write([]byte("[]"))
		return
	}
	_, _ = w.Write([]byte(body))
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// NewRecord builds a plausible record for entityCode. Distinct ids give
// distinct program ids, so every record maps to its own fact row.
func NewRecord(p period.Period, entityCode string, id int) portal.Record {
	return portal.Record{
		ID:             int64(id),
		DataReferencia: p.Date().Format("2006-01-02"),
		Municipio: portal.Municipio{
			CodigoIBGE: entityCode,
			NomeIBGE:   "SÃO PAULO",
			NomeRegiao: "SUDESTE",
			Pais:       "BRASIL",
			UF:         portal.UF{Sigla: "SP", Nome: "SÃO PAULO"},
		},
		Tipo: portal.Tipo{
			ID:                 int64(id),
			Descricao:          fmt.Sprintf("Programa %d", id),
			DescricaoDetalhada: fmt.Sprintf("Programa de teste %d", id),
		},
		Valor:                  decimal.New(int64(id)*100050, -2),
		QuantidadeBeneficiados: int64(id * 10),
	}
}

// RecordsJSON returns a JSON array of n records with ids starting at firstID.
func RecordsJSON(p period.Period, entityCode string, firstID, n int) string {
	records := make([]portal.Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, NewRecord(p, entityCode, firstID+i))
	}
	data, err := json.Marshal(records)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// NoWaitGovernor grants every slot immediately and counts grants.
type NoWaitGovernor struct {
	mu     sync.Mutex
	grants int
}

// AcquireSlot grants a slot unless ctx is already done.
func (g *NoWaitGovernor) AcquireSlot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	g.grants++
	g.mu.Unlock()
	return nil
}

// Grants returns the number of granted slots.
func (g *NoWaitGovernor) Grants() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.grants
}

// SleepRecorder records requested waits without sleeping.
type SleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

// Sleep records d and returns the context error, if any.
func (s *SleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

// Sleeps returns a copy of the recorded waits.
func (s *SleepRecorder) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.sleeps))
	copy(out, s.sleeps)
	return out
}
