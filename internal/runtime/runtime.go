package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/loqalabs/loqa-readaloud/internal/bus"
	"github.com/loqalabs/loqa-readaloud/internal/client"
	"github.com/loqalabs/loqa-readaloud/internal/config"
	"github.com/loqalabs/loqa-readaloud/internal/engine"
	"github.com/loqalabs/loqa-readaloud/internal/eventstore"
	"github.com/loqalabs/loqa-readaloud/internal/natsserver"
	"github.com/loqalabs/loqa-readaloud/internal/playback"
	"github.com/loqalabs/loqa-readaloud/internal/producer"
	"github.com/loqalabs/loqa-readaloud/internal/registry"
	"github.com/loqalabs/loqa-readaloud/internal/statushub"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  *telemetry
	ready      atomic.Bool

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	store   *eventstore.Store
	engines *engine.Cache
	service *producer.Service
	client  *client.Client
	hub     *statushub.Hub
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.setup(ctx); err != nil {
		r.teardown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if r.client != nil {
		g.Go(func() error { return r.client.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return r.httpServer.Shutdown(shutdownCtx)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.Bool("producer", r.service != nil),
		slog.Bool("playback", r.client != nil))

	runErr := g.Wait()
	r.teardown()
	return runErr
}

// setup connects the bus and builds every enabled component.
func (r *Runtime) setup(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	if srv != nil {
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	r.hub = statushub.New(r.logger)

	if r.cfg.Producer.Enabled {
		if err := r.setupProducer(ctx); err != nil {
			return err
		}
	}
	if r.cfg.Playback.Enabled {
		if err := r.setupClient(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) setupProducer(ctx context.Context) error {
	factory, err := engine.NewFactory(r.cfg.Engine)
	if err != nil {
		return err
	}
	r.engines = engine.NewCache(factory, r.logger)

	reg, err := registry.New(r.cfg.Producer.HistorySize)
	if err != nil {
		return err
	}
	emitter := producer.NewBusEmitter(r.bus)
	prod, err := producer.New(ctx, reg, r.engines, emitter, r.store, producer.Options{
		MaxLength:    r.cfg.Segmenter.MaxLength,
		Key:          engine.Key{Quality: r.cfg.Engine.Quality, Device: r.cfg.Engine.Device},
		Voice:        r.cfg.Engine.Voice,
		Speed:        r.cfg.Engine.Speed,
		SynthTimeout: time.Duration(r.cfg.Engine.SynthTimeoutMS) * time.Millisecond,
		OnProgress:   emitter.PublishProgress,
		OnFailure:    reportStreamFailure,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	r.service = producer.NewService(r.bus, prod, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("start producer service: %w", err)
	}
	return nil
}

func (r *Runtime) setupClient() error {
	player, err := playback.New(r.cfg.Playback, r.logger)
	if err != nil {
		return fmt.Errorf("create player: %w", err)
	}
	r.client, err = client.New(r.bus, player, r.store, client.Options{
		Timeout:      time.Duration(r.cfg.Client.RequestTimeoutMS) * time.Millisecond,
		StallTimeout: time.Duration(r.cfg.Playback.StallTimeoutMS) * time.Millisecond,
		Defaults:     eventstore.Preferences{Voice: r.cfg.Engine.Voice, Speed: r.cfg.Engine.Speed},
		Hub:          r.hub,
	}, r.logger)
	if err != nil {
		return err
	}
	return r.client.Start()
}

// teardown releases components in reverse start order. Safe after a partial setup.
func (r *Runtime) teardown() {
	if r.client != nil {
		r.client.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	if r.engines != nil {
		if err := r.engines.Close(); err != nil {
			r.logger.Warn("engine shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.hub != nil {
		r.hub.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetry.shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

// reportStreamFailure forwards stream-ending errors to Sentry. Without a
// configured DSN the SDK drops the event.
func reportStreamFailure(requestID string, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("request_id", requestID)
		scope.SetTag("component", "producer")
		sentry.CaptureException(err)
	})
}
