// Package store defines the persistence contracts for conversion runs.
// Implementations live in internal/storage; this package must not import
// database drivers or concrete clients.
package store
