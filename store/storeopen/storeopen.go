// Package storeopen dispatches to a store.Store backend by URL scheme, so
// that cmd/emperor/main.go is the only place that knows both backends
// exist. Kept separate from package store itself to avoid a backend
// package (pgstore, sqlitestore) importing back into store's own
// package path.
package storeopen

import (
	"context"
	"fmt"
	"strings"

	"github.com/ghiac/emperor/store"
	"github.com/ghiac/emperor/store/pgstore"
	"github.com/ghiac/emperor/store/sqlitestore"
)

// Open selects a Store backend by the URL's scheme: postgres:// or
// postgresql:// goes to pgstore; sqlite://, file://, or a bare filesystem
// path (including :memory:) goes to sqlitestore.
func Open(ctx context.Context, url string) (store.Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return pgstore.Open(ctx, url)
	case strings.HasPrefix(url, "sqlite:///"):
		return sqlitestore.Open(strings.TrimPrefix(url, "sqlite:///"))
	case strings.HasPrefix(url, "sqlite://"):
		return sqlitestore.Open(strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file://"):
		return sqlitestore.Open(strings.TrimPrefix(url, "file://"))
	case url == "":
		return nil, fmt.Errorf("storeopen: empty database url")
	default:
		return sqlitestore.Open(url)
	}
}
