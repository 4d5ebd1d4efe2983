// Package backendopen selects and opens a storage.Backend from the
// connection-string schemes of spec.md 6: "sqlite://path/to/file" for the
// embedded single-file store, "postgresql://…" for the networked SQL
// store. It exists so the entrypoints that open a backend directly
// (cmd/worker, cmd/api-server) share one dispatch instead of repeating it.
package backendopen

import (
	"fmt"
	"strings"

	"github.com/maumercado/senpuki/internal/storage"
	"github.com/maumercado/senpuki/internal/storage/sqlitestore"
	"github.com/maumercado/senpuki/internal/storage/sqlstore"
)

// Open dispatches dsn to the matching storage.Backend implementation based
// on its scheme.
func Open(dsn string) (storage.Backend, error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlitestore.Open(dsn)
	case strings.HasPrefix(dsn, "postgresql://"), strings.HasPrefix(dsn, "postgres://"):
		return sqlstore.Open(dsn)
	default:
		return nil, fmt.Errorf("backendopen: unrecognised backend dsn %q (expected sqlite:// or postgresql://)", dsn)
	}
}
