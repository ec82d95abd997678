// Package cache keeps successful Portal API responses so a run never asks the
// API twice for the same page.
//
// Two Store backends are provided:
//
//   - MemoryStore: bounded LRU with a TTL. It is run-scoped; the pipeline
//     creates a fresh one per reference period so long batches stay
//     memory-safe.
//   - RedisStore: shared across processes, entries expire through Redis TTLs.
//
// # Basic Usage
//
//	store := cache.NewMemoryStore(512, 30*time.Minute)
//
//	key := cache.CacheKey{
//		Endpoint:    "/novo-bolsa-familia-por-municipio",
//		QueryParams: url.Values{"mesAno": {"202401"}, "codigoIbge": {"3550308"}, "pagina": {"1"}},
//	}
//
//	entry, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the API, then
//		_ = store.Set(ctx, key, cache.NewEntry(body, store.TTL()))
//	}
//
// # Metrics
//
//   - portal_cache_hits_total{layer} - Cache hits
//   - portal_cache_misses_total{layer} - Cache misses
//   - portal_cache_evictions_total{layer} - Entries dropped by capacity
//   - portal_cache_errors_total{operation} - Cache operation errors
package cache
