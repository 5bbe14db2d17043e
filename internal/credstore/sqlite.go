package credstore

import (
	"context"
	"fmt"

	"github.com/Dicklesworthstone/tenantctl/internal/db"
)

// SQLiteBackend stores entries in the kv table of the local database.
type SQLiteBackend struct {
	db    *db.DB
	owned bool
}

// OpenSQLiteBackend opens the database at path (DefaultPath when empty) and
// closes it together with the backend.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		path = db.DefaultPath()
	}
	d, err := db.OpenAt(path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	return &SQLiteBackend{db: d, owned: true}, nil
}

// NewSQLiteBackend uses an already open database; Close leaves it open.
func NewSQLiteBackend(d *db.DB) *SQLiteBackend {
	return &SQLiteBackend{db: d}
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string {
	return b.db.Path()
}

// DB returns the underlying database.
func (b *SQLiteBackend) DB() *db.DB {
	return b.db
}

// Get implements Backend.
func (b *SQLiteBackend) Get(ctx context.Context, keys ...string) (map[string]string, error) {
	return b.db.GetKeys(ctx, keys...)
}

// Set implements Backend.
func (b *SQLiteBackend) Set(ctx context.Context, values map[string]string) error {
	return b.db.SetKeys(ctx, values)
}

// Delete implements Backend.
func (b *SQLiteBackend) Delete(ctx context.Context, keys ...string) error {
	return b.db.DeleteKeys(ctx, keys...)
}

// Close implements Backend.
func (b *SQLiteBackend) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}
