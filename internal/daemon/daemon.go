// Package daemon keeps a stored session alive by renewing the access token
// before it expires.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Dicklesworthstone/tenantctl/internal/credstore"
	"github.com/Dicklesworthstone/tenantctl/internal/refresh"
	"github.com/Dicklesworthstone/tenantctl/internal/tokeninfo"
)

// DefaultCheckInterval is the default time between expiry checks.
const DefaultCheckInterval = time.Minute

// Config holds daemon configuration.
type Config struct {
	// CheckInterval is how often the access token's expiry is checked.
	CheckInterval time.Duration

	// RefreshThreshold is how long before expiry to renew.
	RefreshThreshold time.Duration

	// Logger receives progress; defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    DefaultCheckInterval,
		RefreshThreshold: refresh.DefaultRefreshThreshold,
	}
}

// Credentials reads the stored token pair.
type Credentials interface {
	LoadCredentials(ctx context.Context) (credstore.Credentials, error)
}

// Renewer renews the session unconditionally.
type Renewer interface {
	ForceRenew(ctx context.Context) (credstore.Credentials, error)
}

// Stats tracks daemon activity.
type Stats struct {
	StartTime     time.Time
	LastCheck     time.Time
	CheckCount    int64
	RefreshCount  int64
	RefreshErrors int64
}

// Daemon renews the session ahead of expiry.
type Daemon struct {
	config  Config
	creds   Credentials
	renewer Renewer
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	stats   Stats
}

// New creates a daemon. Zero config fields take their defaults.
func New(creds Credentials, renewer Renewer, cfg Config) *Daemon {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = def.RefreshThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		config:  cfg,
		creds:   creds,
		renewer: renewer,
		logger:  logger.With("component", "daemon"),
	}
}

// Run checks immediately and then every CheckInterval until ctx is done.
// It returns nil on cancellation.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.stats.StartTime = time.Now()
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	d.logger.Info("keeping session alive",
		"check_interval", d.config.CheckInterval, "refresh_threshold", d.config.RefreshThreshold)

	d.Check(ctx)

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Check(ctx)
		}
	}
}

// IsRunning returns whether Run is active.
func (d *Daemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// GetStats returns a copy of the daemon statistics.
func (d *Daemon) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Check renews the session when the access token is inside the refresh
// window. It reports whether a renewal happened.
func (d *Daemon) Check(ctx context.Context) bool {
	d.mu.Lock()
	d.stats.LastCheck = time.Now()
	d.stats.CheckCount++
	d.mu.Unlock()

	creds, err := d.creds.LoadCredentials(ctx)
	if err != nil {
		d.logger.Warn("could not read credentials", "error", err)
		return false
	}
	if creds.IsZero() {
		d.logger.Debug("no session stored")
		return false
	}

	info, err := tokeninfo.Parse(creds.AccessToken)
	if err != nil {
		// Opaque tokens carry no expiry; the response pipeline renews them
		// on demand.
		d.logger.Debug("access token expiry unknown", "error", err)
		return false
	}
	if !refresh.ShouldRefresh(info.ExpiresAt, d.config.RefreshThreshold) {
		if !info.ExpiresAt.IsZero() {
			d.logger.Debug("token OK", "expires_in", info.TTL(time.Now()).Round(time.Second))
		}
		return false
	}

	d.logger.Info("renewing session", "expires_in", info.TTL(time.Now()).Round(time.Second))
	_, err = d.renewer.ForceRenew(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.stats.RefreshErrors++
		if errors.Is(err, refresh.ErrNotAuthenticated) {
			d.logger.Debug("session ended before renewal")
		} else {
			d.logger.Warn("renewal failed", "error", err)
		}
		return false
	}
	d.stats.RefreshCount++
	d.logger.Info("session renewed")
	return true
}
