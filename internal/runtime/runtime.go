package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-captions/internal/admin"
	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/httpapi"
	"github.com/loqalabs/loqa-captions/internal/hub"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/presence"
	"github.com/loqalabs/loqa-captions/internal/session"
	"github.com/loqalabs/loqa-captions/internal/translate"
)

// Runtime runs captiond: the caption relay API plus its optional bus,
// history and presence services.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	events   *eventstore.Store
	bridge   *hub.Bridge
	presence *presence.Registry
	sessions *session.Store

	listening chan net.Addr
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		listening: make(chan net.Addr, 1),
	}
}

// Addr blocks until the HTTP listener is bound or ctx ends.
func (r *Runtime) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case addr := <-r.listening:
		r.listening <- addr
		return addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sessions exposes the caption store once Start has wired it.
func (r *Runtime) Sessions() *session.Store {
	return r.sessions
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	handler, err := r.wire(ctx, metricsHandler)
	if err != nil {
		_ = r.teardown(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = r.teardown(context.Background())
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// open event streams end with the runtime context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.listening <- ln.Addr()
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	timeout := time.Duration(r.cfg.HTTP.ShutdownTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		_ = r.httpServer.Close()
	}
	r.wg.Wait()

	return r.teardown(shutdownCtx)
}

// wire builds the caption services in dependency order and returns the API
// handler.
func (r *Runtime) wire(ctx context.Context, metricsHandler http.Handler) (http.Handler, error) {
	busCfg := r.cfg.Bus
	if busCfg.Enabled {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.nats = ns
		if ns != nil {
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		r.bus = client
	}

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	r.events = events

	h := hub.New(r.cfg.Store, r.logger)
	r.bridge = hub.NewBridge(h, r.bus, r.logger)

	var recorder session.Recorder
	if events.Enabled() {
		recorder = events
	}
	r.sessions = session.NewStore(r.cfg.Store, r.bridge, recorder, r.logger)
	if err := r.bridge.Start(r.sessions); err != nil {
		return nil, fmt.Errorf("failed to start hub bridge: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sessions.RunSweeper(ctx)
	}()

	r.presence = presence.NewRegistry(r.cfg.Presence, r.bus, r.logger)
	if err := r.presence.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start presence registry: %w", err)
	}

	translator, err := translate.New(r.cfg.Translate, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build translator: %w", err)
	}

	api := httpapi.New(httpapi.Deps{
		Sessions:   r.sessions,
		Hub:        h,
		Admin:      admin.NewStore(r.cfg.Admin),
		Presence:   r.presence,
		History:    events,
		Translator: translator,
		Metrics:    metricsHandler,
		Ready:      r.ready.Load,
		Stream:     r.cfg.Stream,
		HTTP:       r.cfg.HTTP,
		Log:        r.logger,
	})
	return api.Handler(), nil
}

// teardown releases whatever wire managed to start, newest first.
func (r *Runtime) teardown(ctx context.Context) error {
	var errs []error
	if r.presence != nil {
		r.presence.Close()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return errors.Join(errs...)
}
