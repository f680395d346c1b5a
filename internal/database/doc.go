// Package database manages the Postgres connection pool backing the
// event journal.
package database
