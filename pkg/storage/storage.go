// Package storage defines the two-tier persistence model of the pipeline: an
// append-only raw capture table and the location/program/payment dimensional
// tables. Backends register themselves under a driver name (see Register).
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/transparencia-etl/pkg/period"
	"github.com/Sternrassler/transparencia-etl/pkg/portal"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Table names shared by every backend.
const (
	TableRaw      = "raw_bolsa_familia"
	TableLocation = "dim_municipio"
	TableProgram  = "dim_programa"
	TableFact     = "fact_pagamentos_municipio"
)

// FetchKey uniquely identifies one API response page.
type FetchKey struct {
	Period     period.Period
	EntityCode string
	Page       int
}

// Validate checks that the key can be stored.
func (k FetchKey) Validate() error {
	switch {
	case k.Period.IsZero():
		return errors.New("fetch key: period is required")
	case strings.TrimSpace(k.EntityCode) == "":
		return errors.New("fetch key: entity code is required")
	case k.Page < 1:
		return fmt.Errorf("fetch key: page must be >= 1 (got %d)", k.Page)
	}
	return nil
}

// String renders the key for logs.
func (k FetchKey) String() string {
	return fmt.Sprintf("%s/%s/p%d", k.Period, k.EntityCode, k.Page)
}

// RawCapture is one unmodified API page. Rows are never updated.
type RawCapture struct {
	ID         uuid.UUID
	Key        FetchKey
	CapturedAt time.Time
	Endpoint   string
	Payload    json.RawMessage
}

// NewRawCapture stamps a capture of payload for key. An empty payload is
// stored as an empty JSON array so the column always holds valid JSON.
func NewRawCapture(key FetchKey, endpointPath string, payload []byte) RawCapture {
	body := json.RawMessage(payload)
	if len(strings.TrimSpace(string(payload))) == 0 {
		body = json.RawMessage("[]")
	}
	return RawCapture{
		ID:         uuid.New(),
		Key:        key,
		CapturedAt: time.Now().UTC(),
		Endpoint:   endpointPath,
		Payload:    body,
	}
}

// AppendOutcome is the result of appending a raw capture.
type AppendOutcome int

const (
	// Inserted means the capture was new.
	Inserted AppendOutcome = iota
	// AlreadyPresent means a capture with the same FetchKey already existed;
	// the stored payload was left untouched.
	AlreadyPresent
)

func (o AppendOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case AlreadyPresent:
		return "already_present"
	default:
		return fmt.Sprintf("AppendOutcome(%d)", int(o))
	}
}

// Location is a row of dim_municipio.
type Location struct {
	Code            string
	Name            string
	Region          string
	SubdivisionCode string
	Country         string
}

// Program is a row of dim_programa.
type Program struct {
	ID               int64
	ShortDescription string
	LongDescription  string
}

// PaymentFact is a row of fact_pagamentos_municipio, keyed by
// (Period, LocationCode, ProgramID).
type PaymentFact struct {
	Period           period.Period
	LocationCode     string
	ProgramID        int64
	TotalAmount      decimal.Decimal
	BeneficiaryCount int64
}

// LoadSummary counts what LoadRecords did.
type LoadSummary struct {
	Processed int
	Skipped   int
}

// Add accumulates other into s.
func (s *LoadSummary) Add(other LoadSummary) {
	s.Processed += other.Processed
	s.Skipped += other.Skipped
}

// Row is one result row of a read-only query, keyed by column name.
type Row map[string]any

// Repository is the persistence contract of the pipeline. Each backend
// implements the dedup and upsert semantics in its own dialect.
type Repository interface {
	// EnsureSchema creates the tables if they do not exist.
	EnsureSchema(ctx context.Context) error

	// AppendRaw stores capture unless its FetchKey is already present.
	AppendRaw(ctx context.Context, capture RawCapture) (AppendOutcome, error)

	// RawCaptures lists stored captures of a period and entity ordered by page.
	RawCaptures(ctx context.Context, p period.Period, entityCode string) ([]RawCapture, error)

	// LoadRecords upserts location, program and fact for each record, one
	// transaction per record. fallback is used when a record has no readable
	// reference date.
	LoadRecords(ctx context.Context, fallback period.Period, records []portal.Record) (LoadSummary, error)

	// Fact reads one fact row; ok is false when it does not exist.
	Fact(ctx context.Context, p period.Period, locationCode string, programID int64) (fact PaymentFact, ok bool, err error)

	// Query runs a single read-only SELECT statement.
	Query(ctx context.Context, sql string) ([]Row, error)

	// Close releases backend resources.
	Close()
}

// Split maps a record to its dimension and fact rows. ok is false when the
// record lacks a location code or program id and cannot be loaded.
func Split(rec portal.Record, fallback period.Period) (loc Location, prog Program, fact PaymentFact, ok bool) {
	code := strings.TrimSpace(rec.Municipio.CodigoIBGE)
	if code == "" || rec.Tipo.ID == 0 {
		return Location{}, Program{}, PaymentFact{}, false
	}

	loc = Location{
		Code:            code,
		Name:            rec.Municipio.NomeIBGE,
		Region:          rec.Municipio.NomeRegiao,
		SubdivisionCode: rec.Municipio.UF.Sigla,
		Country:         rec.Municipio.Pais,
	}
	prog = Program{
		ID:               rec.Tipo.ID,
		ShortDescription: rec.Tipo.Descricao,
		LongDescription:  rec.Tipo.DescricaoDetalhada,
	}
	fact = PaymentFact{
		Period:           rec.Period(fallback),
		LocationCode:     code,
		ProgramID:        rec.Tipo.ID,
		TotalAmount:      rec.Valor.Round(2),
		BeneficiaryCount: rec.QuantidadeBeneficiados,
	}
	return loc, prog, fact, true
}

// ErrNotReadOnly is returned by Query for anything but a single SELECT.
var ErrNotReadOnly = errors.New("only SELECT statements are allowed")

// CheckReadOnly rejects statements that are not a single SELECT (or WITH ...
// SELECT) query. It is conservative: any ';' before the end is refused, even
// inside a string literal. Backends still run the query in a transaction that
// cannot commit writes.
func CheckReadOnly(sql string) error {
	normalized := strings.ToUpper(strings.TrimSpace(sql))
	normalized = strings.TrimSuffix(normalized, ";")
	if !strings.HasPrefix(normalized, "SELECT") && !strings.HasPrefix(normalized, "WITH") {
		return ErrNotReadOnly
	}
	if strings.Contains(normalized, ";") {
		return fmt.Errorf("%w: multiple statements", ErrNotReadOnly)
	}
	return nil
}

// NormalizeValue converts driver values into JSON-friendly ones.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case [16]byte:
		return uuid.UUID(val).String()
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
