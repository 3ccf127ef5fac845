package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/sharedstore"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
	"github.com/rzbill/relay/internal/store"
	"github.com/rzbill/relay/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	// ConfigPath enables hot reload when set; Config is the starting snapshot.
	ConfigPath string
	Config     config.Config
	Logger     log.Logger
	// Shared overrides the redis-backed store; used by tests and the
	// single-node dev mode.
	Shared sharedstore.Store
	Fsync  pebblestore.FsyncMode
}

// Runtime wires the long-lived resources every component hangs off: the
// live config manager, the logger, the shared store client, and the
// embedded durable message store.
type Runtime struct {
	manager *config.Manager
	logger  log.Logger
	shared  sharedstore.Store
	db      *pebblestore.DB
	durable *store.PebbleStore

	ownsShared bool
}

// Open initializes storage and the shared store connection.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewTestLogger()
	}
	cfg := opts.Config
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dataDir, Fsync: opts.Fsync})
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}

	rt := &Runtime{
		manager: config.NewManager(opts.ConfigPath, cfg, logger),
		logger:  logger,
		db:      db,
		durable: store.NewPebbleStore(db),
	}
	if opts.Shared != nil {
		rt.shared = opts.Shared
	} else {
		rt.shared = sharedstore.NewClient(sharedstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.ownsShared = true
	}
	return rt, nil
}

// Close releases underlying resources.
func (r *Runtime) Close() error {
	var firstErr error
	if r.ownsShared {
		if c, ok := r.shared.(*sharedstore.Client); ok {
			if err := c.Close(); err != nil {
				firstErr = err
			}
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CheckHealth verifies the durable store is serving. Shared-store outages
// are not fatal here: the delivery path degrades instead of failing.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("durable store not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// Manager is the live configuration manager.
func (r *Runtime) Manager() *config.Manager { return r.manager }

// Config returns the current configuration snapshot.
func (r *Runtime) Config() config.Config { return r.manager.Get() }

// Logger returns the process logger.
func (r *Runtime) Logger() log.Logger { return r.logger }

// Shared is the shared atomic store and broadcast log.
func (r *Runtime) Shared() sharedstore.Store { return r.shared }

// Durable is the embedded message store.
func (r *Runtime) Durable() *store.PebbleStore { return r.durable }
