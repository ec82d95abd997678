package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CacheKey identifies one API response: the endpoint path plus every query
// parameter.
type CacheKey struct {
	// Endpoint is the API path (e.g., "/novo-bolsa-familia-por-municipio")
	Endpoint string

	// QueryParams are the query parameters (mesAno, codigoIbge, pagina)
	QueryParams url.Values
}

// String generates a deterministic cache key string.
// Format: portal:endpoint:param1=val1:param2=val2
//
// Example:
//
//	portal:novo-bolsa-familia-por-municipio:codigoIbge=3550308:mesAno=202401:pagina=1
func (k CacheKey) String() string {
	parts := []string{"portal"}

	// Add endpoint (normalize path)
	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	// Add query params (sorted for determinism)
	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.QueryParams.Get(key)))
		}
	}

	return strings.Join(parts, ":")
}
