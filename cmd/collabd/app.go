package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/AltairaLabs/CollabKit/pkg/config"
	"github.com/AltairaLabs/CollabKit/pkg/httputil"
	"github.com/AltairaLabs/CollabKit/runtime/agentrpc"
	"github.com/AltairaLabs/CollabKit/runtime/coordinator"
	"github.com/AltairaLabs/CollabKit/runtime/delegation"
	"github.com/AltairaLabs/CollabKit/runtime/events"
	"github.com/AltairaLabs/CollabKit/runtime/ledger"
	"github.com/AltairaLabs/CollabKit/runtime/logger"
	"github.com/AltairaLabs/CollabKit/runtime/metrics/prometheus"
	"github.com/AltairaLabs/CollabKit/runtime/telemetry"
	"github.com/AltairaLabs/CollabKit/runtime/transport"
	"github.com/AltairaLabs/CollabKit/runtime/version"
	collabserver "github.com/AltairaLabs/CollabKit/server/collab"
)

// app is a fully wired server process.
type app struct {
	cfg *config.CollabServerConfig

	events   *events.EventBus
	coord    *coordinator.Coordinator
	server   *collabserver.Server
	tracer   *sdktrace.TracerProvider
	spans    *telemetry.OTelEventListener
	closers  []func() error
	exporter *prometheus.Exporter
}

// newApp builds every component described by cfg. On error, the event bus
// and any opened ledger backend are closed.
func newApp(ctx context.Context, cfg *config.CollabServerConfig) (a *app, err error) {
	a = &app{cfg: cfg, events: events.NewEventBus()}
	defer func() {
		if err != nil {
			a.events.Close()
			_ = a.close()
		}
	}()
	spec := &cfg.Spec

	if err := logger.Configure(spec.Logging.LoggerSpec()); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	if spec.Metrics.Enabled {
		a.events.SubscribeAll(prometheus.NewMetricsListener().Listener())
		a.exporter = prometheus.NewExporter(spec.Metrics.Path)
	}
	if spec.Tracing.Enabled {
		tp, err := telemetry.NewTracerProvider(ctx, spec.Tracing.Endpoint, spec.Tracing.ServiceName, spec.Tracing.SampleRatio)
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		a.tracer = tp
		otel.SetTracerProvider(tp)
		telemetry.SetupPropagation()
		a.spans = telemetry.NewOTelEventListener(telemetry.Tracer(tp))
		a.events.SubscribeAll(a.spans.OnEvent)
	}

	broadcast, direct, err := a.openLedgers(ctx, spec.Ledger)
	if err != nil {
		return nil, err
	}

	emitter := events.NewEmitter(a.events, "")
	invoker := newAgentClient(spec.Agents, emitter)

	opts := []coordinator.Option{
		coordinator.WithEmitter(emitter),
		coordinator.WithIdleTimeout(spec.Session.IdleTimeout.Duration),
		coordinator.WithTaskRetention(spec.Session.TaskRetention.Duration),
		coordinator.WithQueueSize(spec.Session.QueueSize),
		coordinator.WithDelegation(
			delegation.WithInvoker(invoker),
			delegation.WithTimeout(spec.Delegation.SubtaskTimeout.Duration),
			delegation.WithMaxConcurrentInvocations(int(spec.Delegation.MaxConcurrentInvocations)),
		),
	}
	if spec.Session.InboundRate > 0 {
		opts = append(opts, coordinator.WithInboundRate(rate.Limit(spec.Session.InboundRate), spec.Session.InboundBurst))
	}
	a.coord = coordinator.New(broadcast, direct, opts...)

	serverOpts := []collabserver.Option{
		collabserver.WithAddr(spec.Server.Addr),
		collabserver.WithProtocolConstraint(spec.Server.ProtocolConstraint),
		collabserver.WithAllowedOrigins(spec.Server.AllowedOrigins...),
		collabserver.WithTransportConfig(transport.Config{
			WriteWait:      spec.Server.WriteWait.Duration,
			PongWait:       spec.Server.PongWait.Duration,
			MaxMessageSize: spec.Server.MaxMessageSize,
		}),
	}
	if a.exporter != nil && spec.Metrics.Addr == "" {
		serverOpts = append(serverOpts, collabserver.WithMetricsHandler(spec.Metrics.Path, a.exporter.Handler()))
	}
	a.server, err = collabserver.NewServer(a.coord, serverOpts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// openLedgers opens the broadcast and direct streams on the configured backend.
func (a *app) openLedgers(ctx context.Context, spec config.LedgerSpec) (broadcast, direct ledger.Ledger, err error) {
	switch spec.Backend {
	case config.LedgerRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     spec.Redis.Addr,
			Password: spec.Redis.Password,
			DB:       spec.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis %s: %w", spec.Redis.Addr, err)
		}
		open := func(stream string) *ledger.Redis {
			return ledger.NewRedis(client,
				ledger.WithPrefix(spec.Redis.Prefix),
				ledger.WithStream(stream),
				ledger.WithTTL(spec.Redis.TTL.Duration),
			)
		}
		return open("broadcast"), open("direct"), nil

	case config.LedgerSQLite:
		b, err := ledger.OpenSQLite(ctx, spec.SQLite.Path, "broadcast")
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, b.Close)
		d, err := ledger.NewSQLite(ctx, b.DB(), "direct")
		if err != nil {
			return nil, nil, err
		}
		return b, d, nil

	default:
		return ledger.NewMemory(), ledger.NewMemory(), nil
	}
}

// newAgentClient builds the JSON-RPC invoker. Outbound requests carry the
// caller's trace context.
func newAgentClient(spec config.AgentsSpec, em *events.Emitter) *agentrpc.Client {
	hc := httputil.NewHTTPClientWithTransport(spec.RequestTimeout.Duration, otelhttp.NewTransport(http.DefaultTransport))
	opts := []agentrpc.Option{agentrpc.WithHTTPClient(hc), agentrpc.WithEmitter(em)}

	auth := spec.Auth
	switch {
	case auth.UsesClientCredentials():
		opts = append(opts, agentrpc.WithClientCredentials(&clientcredentials.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			TokenURL:     auth.TokenURL,
			Scopes:       auth.Scopes,
		}))
	case auth.Token != "":
		opts = append(opts, agentrpc.WithAuth(auth.Scheme, auth.Token))
	}
	return agentrpc.NewClient(opts...)
}

// serve runs the HTTP server on ln until ctx is done, then shuts down. A
// configured metrics address gets its own listener.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 2)
	if addr := a.cfg.Spec.Metrics.Addr; a.exporter != nil && addr != "" {
		mln, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Join(fmt.Errorf("metrics listener: %w", err), ln.Close(), a.shutdown())
		}
		go func() {
			logger.Info("metrics listening", "addr", mln.Addr().String(), "path", a.cfg.Spec.Metrics.Path)
			errCh <- a.exporter.Serve(mln)
		}()
	}
	a.coord.Start(ctx)

	go func() {
		attrs := append([]any{"addr", ln.Addr().String(), "ledger", a.cfg.Spec.Ledger.Backend}, version.LogAttrs()...)
		logger.Info("collabd listening", attrs...)
		errCh <- a.server.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}
	return errors.Join(serveErr, a.shutdown())
}

func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Spec.Server.ShutdownTimeout.Duration)
	defer cancel()

	logger.Info("collabd shutting down")
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if a.exporter != nil {
		if err := a.exporter.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	if err := a.coord.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("coordinator shutdown: %w", err))
	}
	a.events.Close()
	if a.spans != nil {
		a.spans.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

// close releases ledger backends.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
