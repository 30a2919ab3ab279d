//go:build sqlite_vec && cgo

package skills

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver so
	// deployments built with -tags sqlite_vec can move similarity scans into
	// SQL. The default build keeps the pure-Go scan.
	vec.Auto()
}
