package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ypcloud/uptimed/pkg/config"
	"github.com/ypcloud/uptimed/pkg/consolidation"
	"github.com/ypcloud/uptimed/pkg/log"
	"github.com/ypcloud/uptimed/pkg/metrics"
	"github.com/ypcloud/uptimed/pkg/monitor"
	"github.com/ypcloud/uptimed/pkg/provider"
	"github.com/ypcloud/uptimed/pkg/service"
	"github.com/ypcloud/uptimed/pkg/storage"
)

// shutdownTimeout bounds the HTTP server drain on Stop
const shutdownTimeout = 5 * time.Second

// Server assembles one environment: store, monitor, consolidators,
// providers and the HTTP endpoints. New builds everything and fails
// fast; Start and Stop are idempotent and mirror each other.
type Server struct {
	env           *config.Environment
	store         storage.Store
	monitor       *monitor.Monitor
	collector     *metrics.Collector
	consolidators []consolidation.Consolidator
	providers     []provider.Provider
	statics       []service.Service

	httpServer *http.Server
	listener   net.Listener

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	logger    zerolog.Logger
}

// New builds a server from one environment. The storage backend must be
// reachable, the static fleet must build and every ingress provider
// must resolve its kubeconfig context.
func New(env *config.Environment) (*Server, error) {
	s := &Server{
		env:    env,
		logger: log.WithComponent("server"),
	}

	store, err := OpenStore(env.Storage)
	if err != nil {
		return nil, err
	}
	s.store = store

	s.monitor = monitor.New(monitor.Config{
		MaxServices: env.Monitoring.MaxServices,
		CheckEvery:  env.Monitoring.CheckEvery(),
		FastRetry:   env.Monitoring.FastRetry(),
	}, store.UpdateStatus)
	s.collector = metrics.NewCollector(s.monitor)

	if env.Server.WithConsolidation {
		s.consolidators = []consolidation.Consolidator{
			consolidation.NewSLA(store, consolidation.SLAConfig{
				BatchWait: env.Consolidations.SLA.BatchWait(),
			}),
			consolidation.NewStatus(store, consolidation.StatusConfig{
				Every:   env.Consolidations.Status.Every(),
				DownFor: env.Consolidations.Status.DownFor(),
				Filter:  env.Consolidations.Status.Filter.Query(),
			}),
		}
	}

	for i, def := range env.Services {
		svc, err := def.Build()
		if err != nil {
			s.close()
			return nil, fmt.Errorf("service %d: %w", i, err)
		}
		s.statics = append(s.statics, svc)
	}

	for i := range env.Providers {
		p, err := s.buildProvider(&env.Providers[i])
		if err != nil {
			s.close()
			return nil, err
		}
		s.providers = append(s.providers, p)
	}

	if env.Server.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", metrics.HealthHandler())
		mux.HandleFunc("/readyz", metrics.ReadyHandler())
		mux.HandleFunc("/livez", metrics.LivenessHandler())
		s.httpServer = &http.Server{Addr: env.Server.Listen, Handler: mux}
	}

	return s, nil
}

// Start brings every component up: HTTP endpoints, consolidators, the
// monitor loaded with the static fleet, then the providers
func (s *Server) Start() error {
	var startErr error
	s.startOnce.Do(func() {
		metrics.RegisterComponent("storage", true, "connected")

		if s.httpServer != nil {
			lis, err := net.Listen("tcp", s.httpServer.Addr)
			if err != nil {
				startErr = fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
				return
			}
			s.listener = lis
			go s.serve(lis)
			s.logger.Info().Str("addr", lis.Addr().String()).Msg("http endpoints listening")
		}

		s.collector.Start()
		for _, c := range s.consolidators {
			c.Start()
		}

		for _, svc := range s.statics {
			s.monitor.Add(svc, monitor.DefaultProvider)
		}
		s.monitor.Start()
		metrics.RegisterComponent("monitoring", true, "running")

		for _, p := range s.providers {
			p.Start()
		}
		s.started.Store(true)

		s.logger.Info().
			Int("static_services", len(s.statics)).
			Int("providers", len(s.providers)).
			Bool("consolidation", len(s.consolidators) > 0).
			Msg("server started")
	})
	return startErr
}

// Stop tears the components down in reverse order and closes the store.
// A server that never started only releases the store.
func (s *Server) Stop() error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("server stopping")

		if s.started.Load() {
			for _, p := range s.providers {
				p.Stop()
			}
			for _, c := range s.consolidators {
				c.Stop()
			}

			s.monitor.Stop()
			metrics.UpdateComponent("monitoring", false, "stopped")

			for _, c := range s.consolidators {
				c.Wait()
			}
			s.collector.Stop()
		}

		if s.httpServer != nil && s.listener != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("http shutdown failed")
			}
		}

		stopErr = s.close()
		s.logger.Info().Msg("server stopped")
	})
	return stopErr
}

// Store exposes the store for operator queries
func (s *Server) Store() storage.Store { return s.store }

// Addr returns the bound HTTP address, empty when the endpoint is
// disabled or not started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) serve(lis net.Listener) {
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error().Err(err).Msg("http server failed")
		metrics.UpdateComponent("http", false, err.Error())
	}
}

func (s *Server) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.env.Storage.Timeout())
	defer cancel()
	if err := s.store.Close(ctx); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

func (s *Server) buildProvider(cfg *config.ProviderConfig) (provider.Provider, error) {
	switch cfg.Type {
	case config.ProviderIngress:
		client, err := clientsetFor(cfg.Context)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", cfg.Name, err)
		}
		return provider.NewIngress(cfg, s.monitor, client), nil
	case config.ProviderFile:
		return provider.NewFile(cfg.Name, cfg.Path, s.monitor), nil
	default:
		return nil, fmt.Errorf("provider %q has unknown type %q", cfg.Name, cfg.Type)
	}
}

// OpenStore builds the configured backend and verifies it is reachable.
// Also used by the operator query commands.
func OpenStore(cfg config.StorageConfig) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout())
	defer cancel()

	switch cfg.Backend {
	case storage.BackendBolt:
		store, err = storage.NewBoltStorage(cfg.Path)
	default:
		store, err = storage.NewMongoStorage(ctx, storage.MongoConfig{
			URI:     cfg.URI,
			DB:      cfg.DB,
			Timeout: cfg.Timeout(),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Backend, err)
	}

	if !store.Ready(ctx) {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("%s: %w", cfg.Backend, storage.ErrNotReady)
	}
	return store, nil
}

// clientsetFor resolves one kubeconfig context
func clientsetFor(kubeContext string) (kubernetes.Interface, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig context %s: %w", kubeContext, err)
	}
	return kubernetes.NewForConfig(cfg)
}
