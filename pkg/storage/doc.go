// Package storage provides the database-backed JobStore implementation.
//
// This package includes:
//   - GormStore: a GORM-based implementation supporting SQLite and
//     PostgreSQL
//
// The JobStore interface is defined in pkg/core and must be implemented
// by any custom storage backend.
//
// Most users should import the root package
// github.com/repoharvest/scmsync which re-exports the store
// constructors.
package storage
