// Package postgres is the production storage backend on pgx/v5.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/transparencia-etl/pkg/period"
	"github.com/Sternrassler/transparencia-etl/pkg/portal"
	"github.com/Sternrassler/transparencia-etl/pkg/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Driver is the registered backend name.
const Driver = "postgres"

func init() {
	storage.Register(Driver, New)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS raw_bolsa_familia (
		id UUID PRIMARY KEY,
		ingested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		reference_date DATE NOT NULL,
		municipality_code VARCHAR(20) NOT NULL,
		page INTEGER NOT NULL,
		endpoint TEXT NOT NULL,
		api_response JSONB NOT NULL,
		UNIQUE (reference_date, municipality_code, page)
	)`,
	`CREATE TABLE IF NOT EXISTS dim_municipio (
		codigo_ibge VARCHAR(20) PRIMARY KEY,
		nome_ibge TEXT,
		nome_regiao TEXT,
		uf_sigla VARCHAR(2),
		pais TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS dim_programa (
		id BIGINT PRIMARY KEY,
		descricao TEXT,
		descricao_detalhada TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS fact_pagamentos_municipio (
		data_referencia DATE NOT NULL,
		codigo_ibge VARCHAR(20) NOT NULL REFERENCES dim_municipio (codigo_ibge),
		programa_id BIGINT NOT NULL REFERENCES dim_programa (id),
		valor_total NUMERIC(18,2) NOT NULL,
		quantidade_beneficiados BIGINT NOT NULL,
		atualizado_em TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (data_referencia, codigo_ibge, programa_id)
	)`,
}

const (
	insertRawSQL = `INSERT INTO raw_bolsa_familia
		(id, ingested_at, reference_date, municipality_code, page, endpoint, api_response)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reference_date, municipality_code, page) DO NOTHING`

	selectRawSQL = `SELECT id::text, ingested_at, reference_date, municipality_code, page, endpoint, api_response
		FROM raw_bolsa_familia
		WHERE reference_date = $1 AND municipality_code = $2
		ORDER BY page`

	upsertLocationSQL = `INSERT INTO dim_municipio (codigo_ibge, nome_ibge, nome_regiao, uf_sigla, pais)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (codigo_ibge) DO UPDATE SET
			nome_ibge = EXCLUDED.nome_ibge,
			nome_regiao = EXCLUDED.nome_regiao,
			uf_sigla = EXCLUDED.uf_sigla,
			pais = EXCLUDED.pais`

	upsertProgramSQL = `INSERT INTO dim_programa (id, descricao, descricao_detalhada)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			descricao = EXCLUDED.descricao,
			descricao_detalhada = EXCLUDED.descricao_detalhada`

	upsertFactSQL = `INSERT INTO fact_pagamentos_municipio
		(data_referencia, codigo_ibge, programa_id, valor_total, quantidade_beneficiados, atualizado_em)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (data_referencia, codigo_ibge, programa_id) DO UPDATE SET
			valor_total = EXCLUDED.valor_total,
			quantidade_beneficiados = EXCLUDED.quantidade_beneficiados,
			atualizado_em = now()`

	selectFactSQL = `SELECT valor_total, quantidade_beneficiados FROM fact_pagamentos_municipio
		WHERE data_referencia = $1 AND codigo_ibge = $2 AND programa_id = $3`
)

// Repo implements storage.Repository for Postgres.
type Repo struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New creates a pool for cfg.DSN and verifies the database is reachable.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: unreachable: %w", err)
	}
	return &Repo{
		pool:   pool,
		logger: log.With().Str("component", "storage").Str("driver", Driver).Logger(),
	}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureSchema creates the tables if they do not exist.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return storage.Wrap("ensure schema", "", err)
		}
	}
	return nil
}

// AppendRaw inserts capture; a FetchKey conflict affects zero rows and is
// reported as AlreadyPresent.
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

	cmd, err := r.pool.Exec(ctx, insertRawSQL,
		capture.ID.String(),
		capture.CapturedAt,
		capture.Key.Period.Date(),
		capture.Key.EntityCode,
		capture.Key.Page,
		capture.Endpoint,
		capture.Payload,
	)
	if err != nil {
		return 0, storage.Wrap("append raw", capture.Key.String(), err)
	}
	if cmd.RowsAffected() == 0 {
		return storage.AlreadyPresent, nil
	}
	return storage.Inserted, nil
}

// RawCaptures lists the captures of p and entityCode ordered by page.
func (r *Repo) RawCaptures(ctx context.Context, p period.Period, entityCode string) ([]storage.RawCapture, error) {
	rows, err := r.pool.Query(ctx, selectRawSQL, p.Date(), entityCode)
	if err != nil {
		return nil, storage.Wrap("list raw", p.String()+"/"+entityCode, err)
	}
	defer rows.Close()

	var out []storage.RawCapture
	for rows.Next() {
		var (
			id      string
			refDate time.Time
			payload []byte
			capture storage.RawCapture
		)
		if err := rows.Scan(&id, &capture.CapturedAt, &refDate, &capture.Key.EntityCode, &capture.Key.Page, &capture.Endpoint, &payload); err != nil {
			return nil, storage.Wrap("scan raw", p.String(), err)
		}
		if capture.ID, err = uuid.Parse(id); err != nil {
			return nil, storage.Wrap("scan raw", p.String(), err)
		}
		capture.Key.Period = period.FromTime(refDate)
		capture.Payload = payload
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

		err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, upsertLocationSQL,
				loc.Code, loc.Name, loc.Region, loc.SubdivisionCode, loc.Country,
			); err != nil {
				return fmt.Errorf("upsert location: %w", err)
			}
			if _, err := tx.Exec(ctx, upsertProgramSQL,
				prog.ID, prog.ShortDescription, prog.LongDescription,
			); err != nil {
				return fmt.Errorf("upsert program: %w", err)
			}
			if _, err := tx.Exec(ctx, upsertFactSQL,
				fact.Period.Date(), fact.LocationCode, fact.ProgramID, fact.TotalAmount, fact.BeneficiaryCount,
			); err != nil {
				return fmt.Errorf("upsert fact: %w", err)
			}
			return nil
		})
		if err != nil {
			key := fmt.Sprintf("%s/%s/%d", fact.Period, fact.LocationCode, fact.ProgramID)
			return summary, storage.Wrap("load record", key, err)
		}
		summary.Processed++
	}
	return summary, nil
}

// Fact reads one fact row.
func (r *Repo) Fact(ctx context.Context, p period.Period, locationCode string, programID int64) (storage.PaymentFact, bool, error) {
	fact := storage.PaymentFact{Period: p, LocationCode: locationCode, ProgramID: programID}

	err := r.pool.QueryRow(ctx, selectFactSQL, p.Date(), locationCode, programID).
		Scan(&fact.TotalAmount, &fact.BeneficiaryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.PaymentFact{}, false, nil
	}
	if err != nil {
		return storage.PaymentFact{}, false, err
	}
	return fact, true, nil
}

// Query runs a SELECT in a read-only transaction.
func (r *Repo) Query(ctx context.Context, query string) ([]storage.Row, error) {
	if err := storage.CheckReadOnly(query); err != nil {
		return nil, err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []storage.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(storage.Row, len(fields))
		for i, f := range fields {
			row[f.Name] = storage.NormalizeValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
