// Package client owns the session components for one process: it opens the
// configured store, builds the request pipeline and the refresh coordinator,
// wires the session and tenant managers to each other, and tears everything
// down on Close.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Dicklesworthstone/tenantctl/internal/api"
	"github.com/Dicklesworthstone/tenantctl/internal/config"
	"github.com/Dicklesworthstone/tenantctl/internal/credstore"
	"github.com/Dicklesworthstone/tenantctl/internal/db"
	"github.com/Dicklesworthstone/tenantctl/internal/refresh"
	"github.com/Dicklesworthstone/tenantctl/internal/session"
	"github.com/Dicklesworthstone/tenantctl/internal/tenant"
	"github.com/Dicklesworthstone/tenantctl/internal/watch"
)

// Options configures New.
type Options struct {
	// Config defaults to config.Default().
	Config *config.Config

	// Backend replaces the backend named by Config.Store. The client closes
	// it on Close.
	Backend credstore.Backend

	// HTTPClient overrides the transport used for API calls and renewal.
	HTTPClient *http.Client

	// HistoryPath is where the activity log is kept. Defaults to a database
	// next to the session store.
	HistoryPath string

	// DisableHistory turns the activity log off.
	DisableHistory bool

	// Navigator is told when the session ends on its own.
	Navigator session.Navigator

	// UserAgent is sent on every request.
	UserAgent string

	// Logger for structured logging.
	Logger *slog.Logger
}

// Client is the explicitly owned session context.
type Client struct {
	config *config.Config
	logger *slog.Logger

	store    *credstore.Store
	api      *api.Client
	renewals *refresh.Coordinator
	session  *session.Manager
	tenants  *tenant.Manager

	files     []string
	history   *db.DB
	ownsDB    bool
	unsubs    []func()
	mu        sync.Mutex
	watcher   *watch.Watcher
	closeOnce sync.Once
	closeErr  error
}

// New builds a client. It does not touch the network; call Start to pick up
// a persisted session.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &backend{Backend: opts.Backend}
	if b.Backend == nil {
		var err error
		if b, err = openBackend(ctx, cfg.Store, cfg.Passphrase()); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	c := &Client{
		config: cfg,
		logger: logger,
		store:  credstore.New(b.Backend, logger),
		files:  b.files,
	}

	if !opts.DisableHistory {
		if err := c.openHistory(b, opts.HistoryPath); err != nil {
			logger.Warn("activity history unavailable", "error", err)
		}
	}

	agent := opts.UserAgent
	if agent == "" {
		agent = api.DefaultConfig().UserAgent
	}
	dispatcher, err := api.New(api.Config{
		BaseURL:    cfg.API.BaseURL,
		Timeout:    cfg.HTTP.Timeout.Duration(),
		HTTPClient: opts.HTTPClient,
		UserAgent:  agent,
		Logger:     logger,
	})
	if err != nil {
		_ = c.closeStores()
		return nil, err
	}
	c.api = dispatcher

	c.renewals, err = refresh.New(c.store, refresh.Config{
		Exchange: refresh.HTTPExchange(dispatcher.BaseURL(), dispatcher.HTTPClient()),
		Timeout:  cfg.HTTP.Timeout.Duration(),
		Logger:   logger,
	})
	if err != nil {
		_ = c.closeStores()
		return nil, err
	}

	c.session = session.New(dispatcher, c.store, c.renewals, session.Config{
		Navigator: opts.Navigator,
		Logger:    logger,
	})

	rec := &recorder{logger: logger, user: c.session.User}
	if c.history != nil {
		rec.log = c.history
	}
	c.tenants = tenant.New(dispatcher, tenantStore{Store: c.store, rec: rec}, logger)

	dispatcher.UseRequest(
		api.RequestIDStage(),
		api.BearerStage(c.store),
		api.TenantStage(c.store, cfg.API.TenantHeader),
	)
	dispatcher.UseResponse(
		api.RenewalStage(c.renewals, logger),
		api.StaleTenantStage(c.tenants, logger),
	)

	c.renewals.AddObserver(c.session)
	c.renewals.AddObserver(rec)
	c.unsubs = append(c.unsubs,
		c.session.Subscribe(c.resetTenantOnSignOut),
		c.session.Subscribe(rec.onSessionChange),
	)
	return c, nil
}

func (c *Client) openHistory(b *backend, path string) error {
	if path == "" && b.db != nil {
		c.history = b.db
		return nil
	}
	if path == "" {
		path = historyPath(b)
	}
	d, err := db.OpenAt(path)
	if err != nil {
		return err
	}
	c.history = d
	c.ownsDB = true
	return nil
}

// resetTenantOnSignOut drops the in-memory organization list whenever the
// session ends, however it ends.
func (c *Client) resetTenantOnSignOut(ch session.Change) {
	if ch.To == session.Anonymous {
		c.tenants.Reset()
	}
}

// Start derives the session state from the store.
func (c *Client) Start(ctx context.Context) error {
	return c.session.Restore(ctx)
}

// Config returns the configuration in use.
func (c *Client) Config() *config.Config { return c.config }

// Store returns the credential store.
func (c *Client) Store() *credstore.Store { return c.store }

// API returns the request dispatcher.
func (c *Client) API() *api.Client { return c.api }

// Renewals returns the refresh coordinator.
func (c *Client) Renewals() *refresh.Coordinator { return c.renewals }

// Session returns the session manager.
func (c *Client) Session() *session.Manager { return c.session }

// Tenants returns the tenant context manager.
func (c *Client) Tenants() *tenant.Manager { return c.tenants }

// History lists recorded activity, newest first. eventType may be empty.
func (c *Client) History(eventType string, since time.Time, limit int) ([]db.Event, error) {
	if c.history == nil {
		return nil, errors.New("activity history is disabled")
	}
	return c.history.GetEvents(eventType, since, limit)
}

// WatchStore re-derives the session whenever another process changes the
// store. onChange, if set, runs after each re-derivation.
func (c *Client) WatchStore(ctx context.Context, onChange func()) error {
	if len(c.files) == 0 {
		return errors.New("store backend has no files to watch")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher != nil {
		return errors.New("store is already watched")
	}

	w, err := watch.New(watch.Config{
		Paths:    c.files,
		Debounce: c.config.Watch.Debounce.Duration(),
		Logger:   c.logger,
		OnChange: func() {
			if err := c.session.Resync(ctx); err != nil {
				c.logger.Warn("failed to re-derive session", "error", err)
				return
			}
			if onChange != nil {
				onChange()
			}
		},
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Stop()
		return err
	}
	c.watcher = w
	return nil
}

// Close stops the watcher and releases the store. It is safe to call more
// than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		for _, unsub := range c.unsubs {
			unsub()
		}
		c.mu.Lock()
		w := c.watcher
		c.watcher = nil
		c.mu.Unlock()

		var errs []error
		if w != nil {
			errs = append(errs, w.Stop())
		}
		errs = append(errs, c.closeStores())
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func (c *Client) closeStores() error {
	var errs []error
	if c.ownsDB && c.history != nil {
		errs = append(errs, c.history.Close())
	}
	errs = append(errs, c.store.Close())
	return errors.Join(errs...)
}
