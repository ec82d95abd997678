package endpoint

import (
	"errors"
	"testing"

	"github.com/Sternrassler/transparencia-etl/pkg/period"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		period string
		want   string
	}{
		{"200401", PathBolsaFamilia},
		{"202101", PathBolsaFamilia},
		{"202110", PathBolsaFamilia},
		{"202111", PathAuxilioBrasil},
		{"202206", PathAuxilioBrasil},
		{"202302", PathAuxilioBrasil},
		{"202303", PathNovoBolsaFamilia},
		{"202401", PathNovoBolsaFamilia},
		{"203012", PathNovoBolsaFamilia},
	}

	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			if got := Resolve(period.MustParse(tt.period)); got != tt.want {
				t.Errorf("Resolve(%s) = %q, want %q", tt.period, got, tt.want)
			}
		})
	}
}

func TestResolveString_FallsBackToCurrent(t *testing.T) {
	for _, input := range []string{"", "garbage", "2024-01", "202413"} {
		if got := ResolveString(input); got != PathNovoBolsaFamilia {
			t.Errorf("ResolveString(%q) = %q, want %q", input, got, PathNovoBolsaFamilia)
		}
	}
	if got := ResolveString("202101"); got != PathBolsaFamilia {
		t.Errorf("ResolveString(202101) = %q, want %q", got, PathBolsaFamilia)
	}
}

func TestResolveStrict(t *testing.T) {
	got, err := ResolveStrict("202206")
	if err != nil {
		t.Fatalf("ResolveStrict(202206) error: %v", err)
	}
	if got != PathAuxilioBrasil {
		t.Errorf("ResolveStrict(202206) = %q, want %q", got, PathAuxilioBrasil)
	}

	if _, err := ResolveStrict("bad"); !errors.Is(err, period.ErrInvalidPeriod) {
		t.Errorf("ResolveStrict(bad) error = %v, want ErrInvalidPeriod", err)
	}
}

func TestProgram(t *testing.T) {
	if got := Program(period.MustParse("202012")); got != ProgramBolsaFamilia {
		t.Errorf("Program(202012) = %q", got)
	}
	if got := Program(period.MustParse("202201")); got != ProgramAuxilioBrasil {
		t.Errorf("Program(202201) = %q", got)
	}
	if got := Program(period.MustParse("202303")); got != ProgramNovoBolsaFamilia {
		t.Errorf("Program(202303) = %q", got)
	}
}
