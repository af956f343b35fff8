// Package bridge assembles the control plane: the event bus, the auth gateway with its
// proxy routes, the personal server supervisor, the automation run manager, the export
// archive and the control API. A Service is the one session context the desktop shell
// talks to; it owns every background process and tears them down together.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opendatalabs/databridge/internal/api"
	"github.com/opendatalabs/databridge/internal/authgateway"
	"github.com/opendatalabs/databridge/internal/browser"
	"github.com/opendatalabs/databridge/internal/callbackstate"
	"github.com/opendatalabs/databridge/internal/config"
	"github.com/opendatalabs/databridge/internal/events"
	"github.com/opendatalabs/databridge/internal/logging"
	"github.com/opendatalabs/databridge/internal/runner"
	"github.com/opendatalabs/databridge/internal/sidecar"
	"github.com/opendatalabs/databridge/internal/store"
	"github.com/opendatalabs/databridge/internal/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	backendInitTimeout = 10 * time.Second
	shutdownTimeout    = 10 * time.Second
	tapBuffer          = 128
)

// Service is the running control plane.
type Service struct {
	mu  sync.RWMutex
	cfg *config.Config

	bus        *events.Bus
	issuer     *callbackstate.Issuer
	proxy      *authgateway.ProxyRouter
	gateway    *authgateway.Gateway
	supervisor *sidecar.Supervisor
	runs       *runner.Manager
	archive    *store.Archive
	mirror     *store.ObjectMirror
	history    *store.RunHistory
	server     *api.Server

	opener       authgateway.Opener
	desktop      authgateway.Desktop
	windowCloser runner.WindowCloser
	serverOpts   []api.ServerOption

	tapCancel func()
	log       *log.Entry
}

// Option customizes a Service.
type Option func(*Service)

// WithOpener replaces how auth URLs are shown. The default opens the system browser
// and falls back to the clipboard.
func WithOpener(o authgateway.Opener) Option { return func(s *Service) { s.opener = o } }

// WithWindowCloser lets stop requests for runs without a process close the run window.
func WithWindowCloser(c runner.WindowCloser) Option {
	return func(s *Service) { s.windowCloser = c }
}

// WithServerOptions forwards options to the control API server.
func WithServerOptions(opts ...api.ServerOption) Option {
	return func(s *Service) { s.serverOpts = append(s.serverOpts, opts...) }
}

// New builds every component from cfg. Optional archive backends that are not
// configured are skipped; configured backends that cannot be reached fail construction.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("bridge: configuration is nil")
	}
	s := &Service{
		cfg:     cfg,
		bus:     events.NewBus(),
		opener:  browser.OpenOrCopy,
		desktop: authgateway.Desktop{AppName: cfg.Auth.FocusApp},
		log:     logging.Component("bridge"),
	}
	for _, opt := range opts {
		opt(s)
	}

	sidecarCfg, err := sidecarConfig(cfg)
	if err != nil {
		return nil, err
	}
	s.supervisor = sidecar.New(sidecarCfg, s.bus)

	s.issuer = callbackstate.NewIssuer(cfg.Auth.StateTTL)
	s.proxy = authgateway.NewProxyRouter(authgateway.ProxyConfig{
		GatewayURL:     cfg.Gateway.URL,
		ConnectTimeout: cfg.Gateway.ConnectTimeout,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		ProxyURL:       cfg.ProxyURL,
	}, s.supervisor, s.bus)
	s.gateway = authgateway.New(authgateway.Config{
		ExternalURL:   cfg.Auth.ExternalURL,
		CallbackPorts: cfg.Auth.CallbackPorts,
		MaxBodyBytes:  cfg.Auth.MaxBodyBytes,
	}, s.issuer, s.bus, s.proxy,
		authgateway.WithFocuser(s.desktop),
		authgateway.WithTabCloser(s.desktop),
		authgateway.WithOpener(s.opener),
	)

	if err = s.openArchive(ctx, cfg); err != nil {
		s.closeHistory()
		return nil, err
	}

	runOpts := []runner.Option{runner.WithResultSink(s.archive)}
	if s.windowCloser != nil {
		runOpts = append(runOpts, runner.WithWindowCloser(s.windowCloser))
	}
	s.runs = runner.NewManager(runnerConfig(cfg), s.bus, runOpts...)

	backend := api.Backend{
		Auth:    s.gateway,
		Sidecar: s.supervisor,
		Runs:    s.runs,
		Events:  s.bus,
	}
	if s.history != nil {
		backend.History = s.history
	}
	s.server = api.NewServer(backend, s.serverOpts...)
	return s, nil
}

func (s *Service) openArchive(ctx context.Context, cfg *config.Config) error {
	initCtx, cancel := context.WithTimeout(ctx, backendInitTimeout)
	defer cancel()

	var archiveOpts []store.ArchiveOption
	mirror, err := store.NewObjectMirror(objectStoreConfig(cfg))
	switch {
	case errors.Is(err, store.ErrNotConfigured):
	case err != nil:
		return fmt.Errorf("bridge: %w", err)
	default:
		if err = mirror.EnsureBucket(initCtx); err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		s.mirror = mirror
		archiveOpts = append(archiveOpts, store.WithUploader(mirror))
		s.log.Infof("exports are mirrored to bucket %s", cfg.Archive.ObjectStore.Bucket)
	}

	history, err := store.NewRunHistory(initCtx, store.PostgresConfig{
		DSN:    cfg.Archive.Postgres.DSN,
		Schema: cfg.Archive.Postgres.Schema,
		Table:  cfg.Archive.Postgres.Table,
	})
	switch {
	case errors.Is(err, store.ErrNotConfigured):
	case err != nil:
		return fmt.Errorf("bridge: %w", err)
	default:
		s.history = history
		if err = history.EnsureSchema(initCtx); err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		archiveOpts = append(archiveOpts, store.WithRunRecorder(history))
		s.log.Info("run history enabled")
	}

	spool, err := util.ResolvePath(cfg.Archive.SpoolDir)
	if err != nil {
		return fmt.Errorf("bridge: spool directory: %w", err)
	}
	archive, err := store.NewArchive(spool, archiveOpts...)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	s.archive = archive
	s.log.Debugf("exports are spooled to %s", archive.SpoolDir())
	return nil
}

// Start binds the control API. With debug logging every event is also logged.
func (s *Service) Start() error {
	cfg := s.Config()
	if err := s.server.Start(cfg.Host, cfg.Port); err != nil {
		return err
	}
	if cfg.Debug {
		s.startEventTap()
	}
	return nil
}

// Addr returns the control API address once started.
func (s *Service) Addr() string { return s.server.Addr() }

// Events returns the event bus.
func (s *Service) Events() *events.Bus { return s.bus }

// Gateway returns the auth gateway.
func (s *Service) Gateway() *authgateway.Gateway { return s.gateway }

// Supervisor returns the personal server supervisor.
func (s *Service) Supervisor() *sidecar.Supervisor { return s.supervisor }

// Runs returns the automation run manager.
func (s *Service) Runs() *runner.Manager { return s.runs }

// Archive returns the export archive.
func (s *Service) Archive() *store.Archive { return s.archive }

// Config returns the active configuration.
func (s *Service) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ApplyConfig pushes a reloaded configuration into the running components. Listener
// addresses and archive backends are fixed for the life of the service; changes to
// them are logged and take effect on restart.
func (s *Service) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	util.SetLogLevel(cfg)
	s.gateway.SetGatewayURL(cfg.Gateway.URL)
	s.gateway.SetExternalURL(cfg.Auth.ExternalURL)

	if sidecarCfg, err := sidecarConfig(cfg); err != nil {
		s.log.WithError(err).Warn("personal server settings not applied")
	} else {
		s.supervisor.SetConfig(sidecarCfg)
	}
	s.runs.SetConfig(runnerConfig(cfg))

	if prev != nil {
		if prev.Host != cfg.Host || prev.Port != cfg.Port {
			s.log.Warn("control API address changed; restart to apply")
		}
		if prev.Archive.SpoolDir != cfg.Archive.SpoolDir ||
			prev.Archive.ObjectStore != cfg.Archive.ObjectStore ||
			prev.Archive.Postgres != cfg.Archive.Postgres {
			s.log.Warn("archive settings changed; restart to apply")
		}
		if !prev.Debug && cfg.Debug {
			s.startEventTap()
		} else if prev.Debug && !cfg.Debug {
			s.stopEventTap()
		}
	}
	s.log.Info("configuration applied")
}

// Shutdown stops every child process and listener. It is safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	s.stopEventTap()
	var g errgroup.Group
	g.Go(func() error {
		s.gateway.Stop()
		return nil
	})
	g.Go(func() error {
		s.supervisor.Shutdown()
		return nil
	})
	g.Go(func() error {
		return s.runs.StopAll(ctx)
	})
	g.Go(func() error {
		return s.server.Stop(ctx)
	})
	err := g.Wait()
	s.closeHistory()
	if err != nil {
		s.log.WithError(err).Warn("shutdown finished with errors")
		return err
	}
	s.log.Info("shutdown complete")
	return nil
}

func (s *Service) closeHistory() {
	if s.history == nil {
		return
	}
	if err := s.history.Close(); err != nil {
		s.log.WithError(err).Warn("close run history")
	}
}

func (s *Service) startEventTap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tapCancel != nil {
		return
	}
	ch, cancel := s.bus.Subscribe(tapBuffer)
	s.tapCancel = cancel
	entry := logging.Component("events")
	go func() {
		for ev := range ch {
			entry.Debugf("%s %v", ev.Name, ev.Payload)
		}
	}()
}

func (s *Service) stopEventTap() {
	s.mu.Lock()
	cancel := s.tapCancel
	s.tapCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func sidecarConfig(cfg *config.Config) (sidecar.Config, error) {
	configDir, err := util.ResolvePath(cfg.Sidecar.ConfigDir)
	if err != nil {
		return sidecar.Config{}, fmt.Errorf("bridge: sidecar config directory: %w", err)
	}
	return sidecar.Config{
		ResourceDir:    cfg.Sidecar.ResourceDir,
		DevDir:         cfg.Sidecar.DevDir,
		ConfigDir:      configDir,
		NodeBinary:     cfg.Sidecar.NodeBinary,
		PreferredPorts: cfg.Sidecar.PreferredPorts,
	}, nil
}

func runnerConfig(cfg *config.Config) runner.Config {
	return runner.Config{
		ResourceDir: cfg.Runner.ResourceDir,
		DevDir:      cfg.Runner.DevDir,
		NodeBinary:  cfg.Runner.NodeBinary,
		Headless:    cfg.Runner.HeadlessDefault(),
	}
}

func objectStoreConfig(cfg *config.Config) store.ObjectStoreConfig {
	o := cfg.Archive.ObjectStore
	return store.ObjectStoreConfig{
		Endpoint:  o.Endpoint,
		Bucket:    o.Bucket,
		AccessKey: o.AccessKey,
		SecretKey: o.SecretKey,
		Region:    o.Region,
		Prefix:    o.Prefix,
		UseSSL:    o.UseSSL,
		PathStyle: o.PathStyle,
	}
}
