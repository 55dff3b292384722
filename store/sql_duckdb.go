//go:build cgo

package store

// database/sql driver for duckdb: URLs; go-duckdb only compiles with
// cgo enabled, so it is registered here behind a cgo build constraint.
import _ "github.com/marcboeker/go-duckdb"
