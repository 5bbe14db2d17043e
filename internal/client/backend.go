package client

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Dicklesworthstone/tenantctl/internal/config"
	"github.com/Dicklesworthstone/tenantctl/internal/credstore"
	"github.com/Dicklesworthstone/tenantctl/internal/db"
)

// backend is an opened session backend plus what the rest of the client
// needs to know about it.
type backend struct {
	credstore.Backend

	// files are the on-disk paths another process writes to. Empty for
	// Redis.
	files []string

	// db is set for the SQLite backend so the activity log can share it.
	db *db.DB
}

// openBackend opens the backend named by cfg, sealed when passphrase is set.
func openBackend(ctx context.Context, cfg config.StoreConfig, passphrase string) (*backend, error) {
	var b backend
	switch cfg.Backend {
	case config.BackendFile, "":
		fb := credstore.NewFileBackend(cfg.Path, nil)
		b.Backend = fb
		b.files = []string{fb.Path()}

	case config.BackendSQLite:
		sb, err := credstore.OpenSQLiteBackend(cfg.Path)
		if err != nil {
			return nil, err
		}
		b.Backend = sb
		b.db = sb.DB()
		b.files = []string{sb.Path(), sb.Path() + "-wal"}

	case config.BackendRedis:
		rb, err := credstore.DialRedisBackend(ctx, cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		b.Backend = rb

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	if passphrase != "" {
		sealed, err := credstore.NewSealedBackend(b.Backend, passphrase, credstore.DefaultArgon2Params())
		if err != nil {
			_ = b.Backend.Close()
			return nil, fmt.Errorf("seal store: %w", err)
		}
		b.Backend = sealed
	}
	return &b, nil
}

// historyPath places the activity log next to the session file, or at the
// default database path when the store has no file.
func historyPath(b *backend) string {
	if len(b.files) > 0 {
		return filepath.Join(filepath.Dir(b.files[0]), "tenantctl.db")
	}
	return db.DefaultPath()
}
