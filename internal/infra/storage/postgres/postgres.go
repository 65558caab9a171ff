// Package postgres implements the storage repositories on PostgreSQL.
//
// Coordination state that queries filter on (ids, states, timestamps) lives
// in columns; the full domain documents travel as jsonb payloads, so schema
// migrations are only needed when the query surface changes. Runtime action
// bindings are never persisted and must be rebound after a restart.
package postgres
