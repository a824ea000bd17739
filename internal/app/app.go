// Package app wires the store, outbox, token manager, engine and scheduler
// together and exposes the operations the UI layer calls.
package app

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fieldops/spbsync/internal/auth"
	"github.com/fieldops/spbsync/internal/config"
	"github.com/fieldops/spbsync/internal/connectivity"
	"github.com/fieldops/spbsync/internal/crypto"
	"github.com/fieldops/spbsync/internal/db"
	"github.com/fieldops/spbsync/internal/logging"
	"github.com/fieldops/spbsync/internal/metrics"
	"github.com/fieldops/spbsync/internal/remote"
	syncpkg "github.com/fieldops/spbsync/internal/sync"
	"github.com/fieldops/spbsync/internal/sync/queue"
	"github.com/fieldops/spbsync/internal/sync/scheduler"
)

// Deps overrides collaborators that are otherwise built from the config.
type Deps struct {
	HTTPClient   *http.Client
	Secure       crypto.SecureStore
	Connectivity connectivity.Observer
	Now          func() time.Time
	Logger       *logging.Logger
	Metrics      *metrics.Metrics
}

// Service is the composition root.
type Service struct {
	cfg *config.Config
	log *logging.Logger

	conn      *db.DB
	store     *db.Store
	remote    *remote.Client
	outbox    *queue.Outbox
	auth      *auth.Manager
	engine    *syncpkg.Engine
	scheduler *scheduler.Scheduler
	network   connectivity.Observer
	prober    *connectivity.Prober
	metrics   *metrics.Metrics
}

// Open builds the service: the database is opened and migrated, nothing
// touches the network until Start.
func Open(ctx context.Context, cfg *config.Config, deps Deps) (*Service, error) {
	log := deps.Logger
	if log == nil {
		log = logging.Get()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	conn, store, err := db.OpenStore(ctx, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if deps.Now != nil {
		store.SetClock(deps.Now)
	}

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.API.Timeout}
	}
	client := remote.New(cfg.API.BaseURL, httpClient)

	secure := deps.Secure
	if secure == nil {
		path := cfg.SecureStore.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, "credentials.enc")
		}
		fs, err := crypto.NewFileStore(path, cfg.SecureStore.MachineID)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		secure = fs
	}

	s := &Service{
		cfg:     cfg,
		log:     log.With("app"),
		conn:    conn,
		store:   store,
		remote:  client,
		metrics: m,
	}

	s.auth = auth.NewManager(client, secure, store, auth.Options{
		Threshold:     cfg.Auth.RefreshThreshold,
		RefreshWait:   cfg.Auth.RefreshWait,
		MaxAttempts:   cfg.Auth.MaxRefreshAttempts,
		LockoutWindow: cfg.Auth.LockoutWindow,
		Now:           deps.Now,
		Logger:        log,
		Metrics:       m,
	})

	s.outbox = queue.New(store, queue.Config{
		MaxRetries:  cfg.Sync.MaxRetries,
		BackoffBase: cfg.Sync.BackoffBase,
		BackoffMax:  cfg.Sync.BackoffMax,
	}, log)

	s.engine = syncpkg.NewEngine(s.outbox, s.auth, client, syncpkg.Config{
		BatchSize:       cfg.Sync.BatchSize,
		PushTimeout:     cfg.Sync.PushTimeout,
		PushesPerSecond: cfg.Sync.PushesPerSecond,
	}, log, m)

	s.network = deps.Connectivity
	if s.network == nil {
		s.prober = connectivity.NewProber(client, cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout, log)
		s.network = s.prober
	}

	s.scheduler = scheduler.NewScheduler(s.engine, s.outbox, s.network, s.auth, scheduler.Config{
		RetryInterval: cfg.Sync.RetryInterval,
	}, log)
	return s, nil
}

// Start restores the persisted session and starts the background workers.
func (s *Service) Start(ctx context.Context) {
	if sess, err := s.auth.Restore(ctx); err != nil {
		s.log.Error("Failed to restore session", err)
	} else if sess != nil {
		s.log.Info("Session restored", map[string]any{"username": sess.Username, "offline": sess.Offline})
	}
	if s.prober != nil {
		s.prober.Start(ctx)
	}
	s.scheduler.Start(ctx)
	if stats, err := s.outbox.Stats(ctx); err == nil {
		s.metrics.SetQueueDepth(stats.Pending, stats.Failed)
	}
}

// Close stops the workers and closes the database.
func (s *Service) Close() error {
	s.scheduler.Stop()
	if s.prober != nil {
		s.prober.Stop()
	}
	s.engine.Close()
	s.auth.Close()
	return s.conn.Close()
}

// Store returns the local store.
func (s *Service) Store() *db.Store {
	return s.store
}

// Outbox returns the outbox.
func (s *Service) Outbox() *queue.Outbox {
	return s.outbox
}

// Auth returns the token manager.
func (s *Service) Auth() *auth.Manager {
	return s.auth
}

// Engine returns the sync engine.
func (s *Service) Engine() *syncpkg.Engine {
	return s.engine
}

// Scheduler returns the drain scheduler.
func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Metrics returns the metrics registry wrapper.
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Online reports the current connectivity.
func (s *Service) Online() bool {
	return s.network.Online()
}

// SetOnline overrides connectivity when the observer accepts manual
// transitions. It reports whether the value was applied.
func (s *Service) SetOnline(online bool) bool {
	setter, ok := s.network.(interface{ SetOnline(bool) })
	if !ok {
		return false
	}
	setter.SetOnline(online)
	return true
}
