// Package storage provides the persistence layer for clip jobs.
//
// This package includes:
//   - GormStorage: a GORM implementation of core.Store for SQLite and PostgreSQL
//   - Open: driver selection, pool configuration, and schema migration
//   - Aggregate queries used by metrics and the CLI
//
// Claims use a conditional update per candidate row, so concurrent workers on
// any backend never receive the same job.
package storage
