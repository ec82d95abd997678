package cache

import (
	"net/url"
	"testing"
)

func TestCacheKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  CacheKey
		want string
	}{
		{
			name: "simple endpoint no params",
			key: CacheKey{
				Endpoint: "/novo-bolsa-familia-por-municipio",
			},
			want: "portal:novo-bolsa-familia-por-municipio",
		},
		{
			name: "endpoint with trailing slash",
			key: CacheKey{
				Endpoint: "/auxilio-brasil-por-municipio/",
			},
			want: "portal:auxilio-brasil-por-municipio",
		},
		{
			name: "endpoint with query params (sorted)",
			key: CacheKey{
				Endpoint: "/novo-bolsa-familia-por-municipio",
				QueryParams: url.Values{
					"pagina":     []string{"2"},
					"mesAno":     []string{"202401"},
					"codigoIbge": []string{"3550308"},
				},
			},
			want: "portal:novo-bolsa-familia-por-municipio:codigoIbge=3550308:mesAno=202401:pagina=2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.key.String()
			if got != tt.want {
				t.Errorf("CacheKey.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCacheKey_Determinism ensures same input always produces same key
func TestCacheKey_Determinism(t *testing.T) {
	key := CacheKey{
		Endpoint: "/bolsa-familia-por-municipio",
		QueryParams: url.Values{
			"mesAno":     []string{"202101"},
			"codigoIbge": []string{"3304557"},
			"pagina":     []string{"1"},
		},
	}

	first := key.String()
	for i := 0; i < 10; i++ {
		if result := key.String(); result != first {
			t.Errorf("result[%d] = %v, want %v (not deterministic)", i, result, first)
		}
	}
}

func TestCacheKey_PageDistinguishes(t *testing.T) {
	a := CacheKey{Endpoint: "/x", QueryParams: url.Values{"pagina": {"1"}}}
	b := CacheKey{Endpoint: "/x", QueryParams: url.Values{"pagina": {"2"}}}
	if a.String() == b.String() {
		t.Errorf("keys for different pages collide: %s", a)
	}
}
