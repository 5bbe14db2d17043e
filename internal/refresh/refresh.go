// Package refresh renews the session when the server rejects an access
// token. At most one exchange runs at a time; every request that failed
// while it was running waits for it and shares its outcome.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Dicklesworthstone/tenantctl/internal/api"
	"github.com/Dicklesworthstone/tenantctl/internal/credstore"
)

// DefaultRefreshThreshold is the time before expiry to trigger a refresh.
const DefaultRefreshThreshold = 10 * time.Minute

// flightKey names the only flight; there is one session per coordinator.
const flightKey = "session"

// ErrNotAuthenticated is returned by ForceRenew when no session is stored.
var ErrNotAuthenticated = errors.New("not logged in")

// ShouldRefresh reports whether a token expiring at expiresAt is inside the
// refresh window. An unknown expiry never triggers a refresh.
func ShouldRefresh(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	if threshold == 0 {
		threshold = DefaultRefreshThreshold
	}
	return time.Until(expiresAt) < threshold
}

// Store is the part of the credential store the coordinator needs.
type Store interface {
	LoadCredentials(ctx context.Context) (credstore.Credentials, error)
	SaveCredentials(ctx context.Context, creds credstore.Credentials) error
	ClearAll(ctx context.Context) error
}

// Observer is told about renewals. Calls are made outside the coordinator's
// locks, from the goroutine running the exchange.
type Observer interface {
	RenewStarted()
	RenewSucceeded()
	RenewFailed(err error)
}

// Config configures a Coordinator.
type Config struct {
	// Exchange performs the token exchange. Required.
	Exchange ExchangeFunc

	// Timeout bounds one exchange. Defaults to 30s.
	Timeout time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// Coordinator serializes token renewal.
type Coordinator struct {
	store    Store
	exchange ExchangeFunc
	timeout  time.Duration
	logger   *slog.Logger

	group singleflight.Group

	// mu guards epoch and orders commits against Invalidate.
	mu        sync.Mutex
	epoch     uint64
	observers []Observer

	exchanges atomic.Int64
}

// New creates a coordinator over store.
func New(store Store, config Config) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Exchange == nil {
		return nil, fmt.Errorf("exchange function is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		exchange: config.Exchange,
		timeout:  config.Timeout,
		logger:   config.Logger,
	}, nil
}

// AddObserver registers o for renewal notifications.
func (c *Coordinator) AddObserver(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// Invalidate marks the current session as ended. A renewal that resolves
// afterwards writes nothing. Call it before tearing down or replacing the
// stored session.
func (c *Coordinator) Invalidate() {
	c.mu.Lock()
	c.epoch++
	c.mu.Unlock()
}

// Exchanges returns how many token exchanges have been issued.
func (c *Coordinator) Exchanges() int64 {
	return c.exchanges.Load()
}

// Renew returns a fresh token pair. staleAccess is the access token the
// rejected request carried; when the store already holds a different one,
// that pair is returned without contacting the server.
//
// A failed exchange ends the session: the store is cleared and the error
// wraps api.ErrSessionExpired. Cancelling ctx stops this caller from waiting
// but never cancels the shared exchange.
func (c *Coordinator) Renew(ctx context.Context, staleAccess string) (credstore.Credentials, error) {
	if fresh, ok, err := c.alreadyRenewed(ctx, staleAccess); err != nil {
		return credstore.Credentials{}, err
	} else if ok {
		return fresh, nil
	}

	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.flight(context.WithoutCancel(ctx), staleAccess)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return credstore.Credentials{}, res.Err
		}
		return res.Val.(credstore.Credentials), nil
	case <-ctx.Done():
		return credstore.Credentials{}, ctx.Err()
	}
}

// ForceRenew renews the stored session whether or not its access token has
// been rejected.
func (c *Coordinator) ForceRenew(ctx context.Context) (credstore.Credentials, error) {
	creds, err := c.store.LoadCredentials(ctx)
	if err != nil {
		return credstore.Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	if creds.IsZero() {
		return credstore.Credentials{}, ErrNotAuthenticated
	}
	return c.Renew(ctx, creds.AccessToken)
}

// alreadyRenewed reports whether the stored access token moved past
// staleAccess.
func (c *Coordinator) alreadyRenewed(ctx context.Context, staleAccess string) (credstore.Credentials, bool, error) {
	creds, err := c.store.LoadCredentials(ctx)
	if err != nil {
		return credstore.Credentials{}, false, fmt.Errorf("load credentials: %w", err)
	}
	if !creds.IsZero() && creds.AccessToken != staleAccess {
		return creds, true, nil
	}
	return creds, false, nil
}

// flight runs inside the singleflight group.
func (c *Coordinator) flight(ctx context.Context, staleAccess string) (credstore.Credentials, error) {
	// Recheck: a flight may have committed between Renew's check and ours.
	creds, done, err := c.alreadyRenewed(ctx, staleAccess)
	if err != nil {
		return credstore.Credentials{}, err
	}
	if done {
		return creds, nil
	}

	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	if creds.IsZero() {
		// The session this request belonged to has already been torn down.
		if staleAccess != "" {
			return credstore.Credentials{}, fmt.Errorf("%w: no session stored", api.ErrSessionExpired)
		}
		return credstore.Credentials{}, c.fail(ctx, epoch, errors.New("no refresh token stored"))
	}

	c.notify(func(o Observer) { o.RenewStarted() })
	c.logger.Info("renewing session")

	exCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.exchanges.Add(1)
	start := time.Now()
	resp, err := c.exchange(exCtx, creds.RefreshToken)
	if err != nil {
		return credstore.Credentials{}, c.fail(ctx, epoch, err)
	}

	next := credstore.Credentials{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	// Servers that do not rotate omit the refresh token.
	if next.RefreshToken == "" {
		next.RefreshToken = creds.RefreshToken
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.logger.Info("session ended during renewal, discarding new tokens")
		return credstore.Credentials{}, fmt.Errorf("%w: session ended during renewal", api.ErrSessionExpired)
	}
	err = c.store.SaveCredentials(ctx, next)
	c.mu.Unlock()
	if err != nil {
		return credstore.Credentials{}, c.fail(ctx, epoch, fmt.Errorf("save credentials: %w", err))
	}

	c.logger.Info("session renewed", "duration", time.Since(start))
	c.notify(func(o Observer) { o.RenewSucceeded() })
	return next, nil
}

// fail tears the session down unless it already ended, and returns the
// error every waiter receives.
func (c *Coordinator) fail(ctx context.Context, epoch uint64, cause error) error {
	expired := fmt.Errorf("%w: %w", api.ErrSessionExpired, cause)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return expired
	}
	c.epoch++
	clearErr := c.store.ClearAll(ctx)
	c.mu.Unlock()

	c.logger.Warn("session renewal failed, signing out", "error", cause)
	if clearErr != nil {
		c.logger.Error("failed to clear session", "error", clearErr)
	}
	c.notify(func(o Observer) { o.RenewFailed(expired) })
	return expired
}

func (c *Coordinator) notify(fn func(Observer)) {
	c.mu.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range observers {
		fn(o)
	}
}
