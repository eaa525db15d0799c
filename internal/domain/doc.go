// Package domain models seismic catalog data and the pure policies of the
// day-granular event cache.
//
// # Data Source
//
// Event records come from an FDSN event web service (the USGS ComCat endpoint
// by default) queried in GeoJSON format. Each feature carries a catalog-wide
// unique id, an origin time in Unix milliseconds, a nullable magnitude and a
// [lon, lat, depth] coordinate triple. The full properties object is kept
// verbatim so consumers can display catalog fields this package never reads.
//
// # Upstream Limits
//
// The catalog refuses any request that would return more than 20,000 events.
// Event density grows roughly tenfold per unit of magnitude, so the span of a
// single request has to shrink as the magnitude floor drops. [ChunkSpanDays]
// encodes that table.
//
// # Cache Granularity
//
// The unit of caching is a [DayKey]: one UTC calendar day inside one region
// scope. Calendar days are always derived in UTC so a consumer toggling a
// local-time display never changes which day a record belongs to.
//
// A cached day records the magnitude range it was fetched with. A later query
// can reuse the day only when its own range is inside that coverage:
//
//	cached min=2 max=10, query min=4 max=10  ->  reusable
//	cached min=4 max=10, query min=2 max=10  ->  refetch whole day
//
// # Staleness
//
// Catalogs revise recent events (magnitude updates, late arrivals) for about a
// day, and leave history alone. Days more than 28 days old are therefore final
// once fetched; newer days expire 24 hours after their fetch. See [IsStale].
//
// # Identity
//
// Two records with the same id are the same event regardless of field
// differences. When both a cached and a freshly fetched copy exist the fresh
// copy wins. See [Merge].
package domain
