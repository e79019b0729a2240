// Package vectoropen dispatches to a vectorstore.Store backend by URL
// scheme, mirroring store/storeopen for the same reason: the backend
// packages import vectorstore for its interface and types, so the
// dispatcher cannot live inside vectorstore itself without a cycle.
package vectoropen

import (
	"context"
	"fmt"
	"strings"

	"github.com/ghiac/emperor/vectorstore"
	"github.com/ghiac/emperor/vectorstore/pgvec"
	"github.com/ghiac/emperor/vectorstore/sqlitevec"
)

// Open selects a Store backend by the URL's scheme: postgres:// or
// postgresql:// goes to pgvec; sqlite://, file://, or a bare filesystem
// path goes to sqlitevec. embedder may be nil to use the local
// deterministic fallback.
func Open(ctx context.Context, url string, embedder vectorstore.Embedder) (vectorstore.Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return pgvec.Open(ctx, url, embedder)
	case strings.HasPrefix(url, "sqlite:///"):
		return sqlitevec.Open(strings.TrimPrefix(url, "sqlite:///"), embedder)
	case strings.HasPrefix(url, "sqlite://"):
		return sqlitevec.Open(strings.TrimPrefix(url, "sqlite://"), embedder)
	case strings.HasPrefix(url, "file://"):
		return sqlitevec.Open(strings.TrimPrefix(url, "file://"), embedder)
	case url == "":
		return nil, fmt.Errorf("vectoropen: empty database url")
	default:
		return sqlitevec.Open(url, embedder)
	}
}
