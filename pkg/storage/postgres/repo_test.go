package postgres

import (
	"context"
	"strings"
	"testing"

	"github.com/Sternrassler/transparencia-etl/pkg/storage"
)

func TestSchema_Tables(t *testing.T) {
	t.Parallel()

	want := []string{storage.TableRaw, storage.TableLocation, storage.TableProgram, storage.TableFact}
	if len(schema) != len(want) {
		t.Fatalf("schema has %d statements, want %d", len(schema), len(want))
	}
	for i, table := range want {
		if !strings.Contains(schema[i], "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("schema[%d] does not create %s", i, table)
		}
	}
	if !strings.Contains(schema[0], "UNIQUE (reference_date, municipality_code, page)") {
		t.Error("raw table is missing the fetch key constraint")
	}
	if !strings.Contains(schema[3], "PRIMARY KEY (data_referencia, codigo_ibge, programa_id)") {
		t.Error("fact table is missing its composite key")
	}
}

func TestStatements_Conflicts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sql  string
		want string
	}{
		{"raw dedup", insertRawSQL, "ON CONFLICT (reference_date, municipality_code, page) DO NOTHING"},
		{"location upsert", upsertLocationSQL, "ON CONFLICT (codigo_ibge) DO UPDATE"},
		{"program upsert", upsertProgramSQL, "ON CONFLICT (id) DO UPDATE"},
		{"fact upsert", upsertFactSQL, "ON CONFLICT (data_referencia, codigo_ibge, programa_id) DO UPDATE"},
	}
	for _, tt := range tests {
		if !strings.Contains(tt.sql, tt.want) {
			t.Errorf("%s: missing %q", tt.name, tt.want)
		}
	}
}

func TestNew_InvalidDSN(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), storage.Config{Driver: Driver, DSN: "postgres://%zz"}); err == nil {
		t.Error("Expected error for malformed DSN")
	}
}

func TestRegistered(t *testing.T) {
	t.Parallel()

	for _, d := range storage.Drivers() {
		if d == Driver {
			return
		}
	}
	t.Errorf("driver %q not registered: %v", Driver, storage.Drivers())
}
