// Package endpoint maps a reference period to the versioned Portal da
// Transparência path for the municipal benefit-payment dataset.
//
// The program was renamed twice, and each name has its own endpoint:
//
//	[      -, 2021-11)  /bolsa-familia-por-municipio
//	[2021-11, 2023-03)  /auxilio-brasil-por-municipio
//	[2023-03,       -)  /novo-bolsa-familia-por-municipio
package endpoint

import (
	"time"

	"github.com/Sternrassler/transparencia-etl/pkg/period"
	"github.com/rs/zerolog/log"
)

// Versioned endpoint paths.
const (
	PathBolsaFamilia     = "/bolsa-familia-por-municipio"
	PathAuxilioBrasil    = "/auxilio-brasil-por-municipio"
	PathNovoBolsaFamilia = "/novo-bolsa-familia-por-municipio"
)

// Program era names.
const (
	ProgramBolsaFamilia     = "bolsa-familia"
	ProgramAuxilioBrasil    = "auxilio-brasil"
	ProgramNovoBolsaFamilia = "novo-bolsa-familia"
)

var (
	auxilioBrasilStart    = period.New(2021, time.November)
	novoBolsaFamiliaStart = period.New(2023, time.March)
)

// Resolve returns the endpoint path serving p.
func Resolve(p period.Period) string {
	switch {
	case p.Before(auxilioBrasilStart):
		return PathBolsaFamilia
	case p.Before(novoBolsaFamiliaStart):
		return PathAuxilioBrasil
	default:
		return PathNovoBolsaFamilia
	}
}

// Program returns the program era name for p, used as a log and metric label.
func Program(p period.Period) string {
	switch Resolve(p) {
	case PathBolsaFamilia:
		return ProgramBolsaFamilia
	case PathAuxilioBrasil:
		return ProgramAuxilioBrasil
	default:
		return ProgramNovoBolsaFamilia
	}
}

// ResolveString resolves a YYYYMM string. Unparsable input falls back to the
// current scheme (PathNovoBolsaFamilia) so a corrupt value does not stop a run;
// the fallback is logged.
func ResolveString(s string) string {
	p, err := period.Parse(s)
	if err != nil {
		log.Warn().
			Str("period", s).
			Err(err).
			Str("endpoint", PathNovoBolsaFamilia).
			Msg("Unparsable period, assuming current endpoint")
		return PathNovoBolsaFamilia
	}
	return Resolve(p)
}

// ResolveStrict resolves a YYYYMM string and reports parse errors instead of
// guessing.
func ResolveStrict(s string) (string, error) {
	p, err := period.Parse(s)
	if err != nil {
		return "", err
	}
	return Resolve(p), nil
}
