// Package runtime wires configuration, telemetry, storage, the event bus and
// the speech relay into a running HTTP service.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/speech-relay/internal/bus"
	"github.com/loqalabs/speech-relay/internal/chat"
	"github.com/loqalabs/speech-relay/internal/config"
	"github.com/loqalabs/speech-relay/internal/history"
	"github.com/loqalabs/speech-relay/internal/natsserver"
	"github.com/loqalabs/speech-relay/internal/relay"
	"github.com/loqalabs/speech-relay/internal/tts"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the service until ctx is cancelled or a listener fails.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	var checkers []Checker

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS server: %w", err)
	}
	defer embedded.Shutdown()

	var relayOpts []relay.Option
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		busClient, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer busClient.Close()
		relayOpts = append(relayOpts, relay.WithNotifier(busClient))
		checkers = append(checkers, Checker{Name: "bus", Check: busClient.Check})
	}

	relayMetrics, err := relay.NewMetrics(tel.meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create relay metrics: %w", err)
	}
	relayOpts = append(relayOpts, relay.WithMetrics(relayMetrics))

	synth, err := tts.FromConfig(r.cfg.TTS, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create synthesizer: %w", err)
	}
	rl := relay.New(synth, r.cfg.TTS, r.logger, relayOpts...)
	defer rl.Close()

	var chatSvc *chat.Service
	if r.cfg.LLM.Enabled {
		store, err := history.Open(ctx, r.cfg.History, r.logger)
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				r.logger.Error("history close error", slog.String("error", err.Error()))
			}
		}()
		checkers = append(checkers, Checker{Name: "history", Check: store.Ping})

		gen, err := chat.GeneratorFromConfig(r.cfg.LLM)
		if err != nil {
			return fmt.Errorf("failed to create chat generator: %w", err)
		}
		chatSvc = chat.NewService(r.cfg.LLM, r.cfg.History, store, gen, r.logger)
	}

	srv, err := NewServer(r.cfg.HTTP, Deps{
		Relay:    rl,
		Chat:     chatSvc,
		Format:   r.cfg.TTS.Format,
		Checkers: checkers,
		Meter:    tel.meterProvider,
		Ready:    &r.ready,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if tel.metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", tel.metricsHandler)
		servers = append(servers, &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			r.logger.Info("http listener started", slog.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen on %s: %w", s.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")

		// live streams end before listeners drain
		rl.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", s.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("tts_mode", r.cfg.TTS.Mode),
		slog.Bool("bus", r.cfg.Bus.Enabled),
		slog.Bool("chat", chatSvc != nil))

	return g.Wait()
}
