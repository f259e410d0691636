// Package export provides backup and restore of kept metrics.
//
// # Formats
//
// JSON keeps every field of a metric, including its identifier, and can be
// re-imported; importing a backup twice stores nothing new because every
// backend skips ids it already holds. CSV is a flattened, export-only form
// with tags joined by "|".
//
// # HTTP API
//
// Export endpoint: GET /v1/{class}/export
// Query parameters:
//   - format: "json" or "csv" (default: json)
//   - type: metric type, repeatable (default: every type of the class)
//   - start, stop: anything timex.ParseTime accepts (default: unbounded)
//
// Example:
//
//	curl "http://localhost:8080/v1/period/export?type=shift&start=2024-03-01T00:00:00Z" \
//	  -o shifts.json
//
// Import endpoint: POST /v1/import with a JSON backup as the body.
package export
