// Package portal holds the wire model of the Portal da Transparência
// municipal benefit-payment endpoints.
package portal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sternrassler/transparencia-etl/pkg/period"
	"github.com/shopspring/decimal"
)

// Record is one payment aggregate for a municipality, program and month.
type Record struct {
	ID                     int64           `json:"id"`
	DataReferencia         string          `json:"dataReferencia"`
	Municipio              Municipio       `json:"municipio"`
	Tipo                   Tipo            `json:"tipo"`
	Valor                  decimal.Decimal `json:"valor"`
	QuantidadeBeneficiados int64           `json:"quantidadeBeneficiados"`
}

// Municipio is the location block of a record.
type Municipio struct {
	CodigoIBGE   string `json:"codigoIBGE"`
	NomeIBGE     string `json:"nomeIBGE"`
	CodigoRegiao string `json:"codigoRegiao"`
	NomeRegiao   string `json:"nomeRegiao"`
	Pais         string `json:"pais"`
	UF           UF     `json:"uf"`
}

// UF is the federative unit (state) of a municipality.
type UF struct {
	Sigla string `json:"sigla"`
	Nome  string `json:"nome"`
}

// Tipo is the program block of a record.
type Tipo struct {
	ID                 int64  `json:"id"`
	Descricao          string `json:"descricao"`
	DescricaoDetalhada string `json:"descricaoDetalhada"`
}

// Period returns the record's reference period. dataReferencia is reported as
// "YYYY-MM-DD" by the current API and as "DD/MM/YYYY" or "YYYYMM" by older
// endpoints; when it cannot be read, fallback is returned.
func (r Record) Period(fallback period.Period) period.Period {
	if r.DataReferencia == "" {
		return fallback
	}
	for _, layout := range []string{"2006-01-02", "02/01/2006", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, r.DataReferencia); err == nil {
			return period.FromTime(t)
		}
	}
	if p, err := period.Parse(r.DataReferencia); err == nil {
		return p
	}
	return fallback
}

// Page is one decoded API response page.
type Page struct {
	Records []Record
	// Raw is the unmodified response body.
	Raw json.RawMessage
}

// Len returns the number of records on the page.
func (p *Page) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Records)
}

// IsEmpty reports whether the page carries no records.
func (p *Page) IsEmpty() bool {
	return p.Len() == 0
}

// DecodePage decodes a response body that is either a JSON array of records or
// a single record object. An empty array or null decodes to an empty page.
func DecodePage(body []byte) (*Page, error) {
	trimmed := bytes.TrimSpace(body)
	page := &Page{Raw: json.RawMessage(append([]byte(nil), trimmed...))}

	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return page, nil
	}

	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &page.Records); err != nil {
			return nil, fmt.Errorf("decode record list: %w", err)
		}
	case '{':
		var rec Record
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		page.Records = []Record{rec}
	default:
		return nil, fmt.Errorf("decode page: unexpected JSON token %q", trimmed[0])
	}

	return page, nil
}
