// Package sqlite is the modernc.org/sqlite storage backend, used for local
// runs and tests. Dates are stored as ISO-8601 text and amounts as decimal
// text so values round-trip exactly.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/transparencia-etl/pkg/period"
	"github.com/Sternrassler/transparencia-etl/pkg/portal"
	"github.com/Sternrassler/transparencia-etl/pkg/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"
)

// Driver is the registered backend name.
const Driver = "sqlite"

const dateLayout = "2006-01-02"

func init() {
	storage.Register(Driver, New)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS raw_bolsa_familia (
		id TEXT PRIMARY KEY,
		ingested_at TEXT NOT NULL,
		reference_date TEXT NOT NULL,
		municipality_code TEXT NOT NULL,
		page INTEGER NOT NULL,
		endpoint TEXT NOT NULL,
		api_response TEXT NOT NULL,
		UNIQUE (reference_date, municipality_code, page)
	)`,
	`CREATE TABLE IF NOT EXISTS dim_municipio (
		codigo_ibge TEXT PRIMARY KEY,
		nome_ibge TEXT,
		nome_regiao TEXT,
		uf_sigla TEXT,
		pais TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS dim_programa (
		id INTEGER PRIMARY KEY,
		descricao TEXT,
		descricao_detalhada TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS fact_pagamentos_municipio (
		data_referencia TEXT NOT NULL,
		codigo_ibge TEXT NOT NULL REFERENCES dim_municipio (codigo_ibge),
		programa_id INTEGER NOT NULL REFERENCES dim_programa (id),
		valor_total TEXT NOT NULL,
		quantidade_beneficiados INTEGER NOT NULL,
		atualizado_em TEXT NOT NULL,
		PRIMARY KEY (data_referencia, codigo_ibge, programa_id)
	)`,
}

const (
	insertRawSQL = `INSERT OR IGNORE INTO raw_bolsa_familia
		(id, ingested_at, reference_date, municipality_code, page, endpoint, api_response)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectRawSQL = `SELECT id, ingested_at, reference_date, municipality_code, page, endpoint, api_response
		FROM raw_bolsa_familia
		WHERE reference_date = ? AND municipality_code = ?
		ORDER BY page`

	upsertLocationSQL = `INSERT INTO dim_municipio (codigo_ibge, nome_ibge, nome_regiao, uf_sigla, pais)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (codigo_ibge) DO UPDATE SET
			nome_ibge = excluded.nome_ibge,
			nome_regiao = excluded.nome_regiao,
			uf_sigla = excluded.uf_sigla,
			pais = excluded.pais`

	upsertProgramSQL = `INSERT INTO dim_programa (id, descricao, descricao_detalhada)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			descricao = excluded.descricao,
			descricao_detalhada = excluded.descricao_detalhada`

	upsertFactSQL = `INSERT INTO fact_pagamentos_municipio
		(data_referencia, codigo_ibge, programa_id, valor_total, quantidade_beneficiados, atualizado_em)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (data_referencia, codigo_ibge, programa_id) DO UPDATE SET
			valor_total = excluded.valor_total,
			quantidade_beneficiados = excluded.quantidade_beneficiados,
			atualizado_em = excluded.atualizado_em`
)

// Repo implements storage.Repository for SQLite.
type Repo struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New opens the database at cfg.DSN (a file path or ":memory:").
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection: an in-memory database is private to its connection and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: open %s: %w", dsn, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}

	return &Repo{
		db:     db,
		logger: log.With().Str("component", "storage").Str("driver", Driver).Logger(),
	}, nil
}

// Close closes the database.
func (r *Repo) Close() { _ = r.db.Close() }

// EnsureSchema creates the tables if they do not exist.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return storage.Wrap("ensure schema", "", err)
		}
	}
	return nil
}

// AppendRaw inserts capture; INSERT OR IGNORE turns a FetchKey conflict into
// AlreadyPresent.
func (r *Repo) AppendRaw(ctx context.Context, capture storage.RawCapture) (storage.AppendOutcome, error) {
	if err := capture.Key.Validate(); err != nil {
		return 0, err
	}
	if capture.ID == uuid.Nil {
		capture.ID = uuid.New()
	}
	if capture.CapturedAt.IsZero() {
		capture.CapturedAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx, insertRawSQL,
		capture.ID.String(),
		capture.CapturedAt.UTC().Format(time.RFC3339Nano),
		capture.Key.Period.Date().Format(dateLayout),
		capture.Key.EntityCode,
		capture.Key.Page,
		capture.Endpoint,
		string(capture.Payload),
	)
	if err != nil {
		return 0, storage.Wrap("append raw", capture.Key.String(), err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Wrap("append raw", capture.Key.String(), err)
	}
	if n == 0 {
		return storage.AlreadyPresent, nil
	}
	return storage.Inserted, nil
}

// RawCaptures lists the captures of p and entityCode ordered by page.
func (r *Repo) RawCaptures(ctx context.Context, p period.Period, entityCode string) ([]storage.RawCapture, error) {
	rows, err := r.db.QueryContext(ctx, selectRawSQL, p.Date().Format(dateLayout), entityCode)
	if err != nil {
		return nil, storage.Wrap("list raw", p.String()+"/"+entityCode, err)
	}
	defer rows.Close()

	var out []storage.RawCapture
	for rows.Next() {
		var (
			id, ingestedAt, refDate, payload string
			capture                          storage.RawCapture
		)
		if err := rows.Scan(&id, &ingestedAt, &refDate, &capture.Key.EntityCode, &capture.Key.Page, &capture.Endpoint, &payload); err != nil {
			return nil, storage.Wrap("scan raw", p.String(), err)
		}

		if capture.ID, err = uuid.Parse(id); err != nil {
			return nil, storage.Wrap("scan raw", p.String(), err)
		}
		if capture.CapturedAt, err = parseSQLiteTime(ingestedAt); err != nil {
			return nil, storage.Wrap("scan raw", p.String(), err)
		}
		ref, err := time.Parse(dateLayout, refDate)
		if err != nil {
			return nil, storage.Wrap("scan raw", p.String(), err)
		}
		capture.Key.Period = period.FromTime(ref)
		capture.Payload = []byte(payload)
		out = append(out, capture)
	}
	return out, rows.Err()
}

// LoadRecords upserts each loadable record in its own transaction.
func (r *Repo) LoadRecords(ctx context.Context, fallback period.Period, records []portal.Record) (storage.LoadSummary, error) {
	var summary storage.LoadSummary

	for _, rec := range records {
		loc, prog, fact, ok := storage.Split(rec, fallback)
		if !ok {
			summary.Skipped++
			r.logger.Warn().
				Int64("record_id", rec.ID).
				Str("period", fallback.String()).
				Msg("Skipping record without location code or program id")
			continue
		}

		if err := r.loadOne(ctx, loc, prog, fact); err != nil {
			key := fmt.Sprintf("%s/%s/%d", fact.Period, fact.LocationCode, fact.ProgramID)
			return summary, storage.Wrap("load record", key, err)
		}
		summary.Processed++
	}
	return summary, nil
}

func (r *Repo) loadOne(ctx context.Context, loc storage.Location, prog storage.Program, fact storage.PaymentFact) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsertLocationSQL,
		loc.Code, loc.Name, loc.Region, loc.SubdivisionCode, loc.Country,
	); err != nil {
		return fmt.Errorf("upsert location: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertProgramSQL,
		prog.ID, prog.ShortDescription, prog.LongDescription,
	); err != nil {
		return fmt.Errorf("upsert program: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertFactSQL,
		fact.Period.Date().Format(dateLayout),
		fact.LocationCode,
		fact.ProgramID,
		fact.TotalAmount.StringFixed(2),
		fact.BeneficiaryCount,
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("upsert fact: %w", err)
	}

	return tx.Commit()
}

// Fact reads one fact row; ok is false when it does not exist.
func (r *Repo) Fact(ctx context.Context, p period.Period, locationCode string, programID int64) (fact storage.PaymentFact, ok bool, err error) {
	var amount string
	row := r.db.QueryRowContext(ctx,
		`SELECT valor_total, quantidade_beneficiados FROM fact_pagamentos_municipio
		 WHERE data_referencia = ? AND codigo_ibge = ? AND programa_id = ?`,
		p.Date().Format(dateLayout), locationCode, programID,
	)
	if err := row.Scan(&amount, &fact.BeneficiaryCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PaymentFact{}, false, nil
		}
		return storage.PaymentFact{}, false, err
	}
	if fact.TotalAmount, err = decimal.NewFromString(amount); err != nil {
		return storage.PaymentFact{}, false, err
	}
	fact.Period = p
	fact.LocationCode = locationCode
	fact.ProgramID = programID
	return fact, true, nil
}

// Query runs a read-only SELECT inside a transaction that is always rolled
// back.
func (r *Repo) Query(ctx context.Context, query string) ([]storage.Row, error) {
	if err := storage.CheckReadOnly(query); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []storage.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		row := make(storage.Row, len(cols))
		for i, col := range cols {
			row[col] = storage.NormalizeValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// parseSQLiteTime accepts the timestamp layouts SQLite itself produces as
// well as RFC3339.
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05Z07:00"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
