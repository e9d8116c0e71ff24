package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/exp/slog"

	"github.com/grainkit/grainkit/cmdutils"
	"github.com/grainkit/grainkit/examples/semaphore"
	"github.com/grainkit/grainkit/examples/testgrains"
	"github.com/grainkit/grainkit/inner"
	"github.com/grainkit/grainkit/virtual"
	"github.com/grainkit/grainkit/virtual/registry"
	"github.com/grainkit/grainkit/virtual/registry/dnsregistry"
	"github.com/grainkit/grainkit/virtual/registry/localregistry"
	"github.com/grainkit/grainkit/virtual/registry/sqlregistry"
)

func main() {
	cfg, err := cmdutils.LoadConfig(os.Getenv(cmdutils.ConfigPathEnv))
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// Flags take precedence over the config file and the environment.
	flag.IntVar(&cfg.Server.Port, "port", cfg.Server.Port, "TCP port for HTTP server to bind")
	flag.StringVar(&cfg.Server.ID, "serverID", cfg.Server.ID, "ID to identify the server. Must be globally unique within the cluster")
	flag.StringVar(&cfg.Server.DiscoveryType, "discoveryType", cfg.Server.DiscoveryType, "how the server should register itself with the registry. Valid options: localhost|remote|static. Use localhost for local testing, use remote for multi-node setups")
	flag.StringVar(&cfg.Server.Address, "address", cfg.Server.Address, "address to advertise when discoveryType is static")
	flag.DurationVar(&cfg.Server.ShutdownTimeout, "shutdownTimeout", cfg.Server.ShutdownTimeout, "timeout until the server is forced to shutdown, without waiting for grains to deactivate gracefully. 0 waits until every grain has deactivated")
	flag.StringVar(&cfg.Registry.Backend, "registryBackend", cfg.Registry.Backend, "backend to use for the Registry. Valid options: memory|sqlite|dns")
	flag.StringVar(&cfg.Registry.SQLitePath, "sqlitePath", cfg.Registry.SQLitePath, "path of the SQLite database used by the sqlite registry")
	flag.StringVar(&cfg.Registry.DNSHost, "dnsHost", cfg.Registry.DNSHost, "hostname to perform DNS lookups against for the dns registry")
	flag.DurationVar(&cfg.Environment.ActivationIdleTimeout, "activationIdleTimeout", cfg.Environment.ActivationIdleTimeout, "deactivate grains that have not been invoked for this long. 0 disables idle deactivation")
	flag.StringVar(&cfg.Environment.DeactivationPolicy, "deactivationPolicy", cfg.Environment.DeactivationPolicy, "what happens to queued invocations when a grain deactivates. Valid options: reject|drain")
	flag.IntVar(&cfg.Environment.MaxConcurrentTurns, "maxConcurrentTurns", cfg.Environment.MaxConcurrentTurns, "maximum number of turns executing at the same time. 0 uses the default")
	flag.BoolVar(&cfg.Environment.PropagateLegacyCorrelationID, "propagateLegacyCorrelationID", cfg.Environment.PropagateLegacyCorrelationID, "accept and propagate the legacy correlation ID")
	flag.StringVar(&cfg.Log.Format, "logFormat", cfg.Log.Format, "format to use for the logger. The formats it accepts are: 'text', 'json'")
	flag.StringVar(&cfg.Log.Level, "logLevel", cfg.Log.Level, "level to use for the logger. The levels it accepts are: 'info', 'debug', 'error', 'warn'")
	flag.BoolVar(&cfg.Internal.PProf, "pprof", cfg.Internal.PProf, "enable pprof endpoint under '/debug/pprof/'")
	flag.StringVar(&cfg.Internal.Addr, "internalAddr", cfg.Internal.Addr, "internal server address, e.g. metrics and pprof")
	flag.Parse()

	flag.VisitAll(func(f *flag.Flag) {
		fmt.Printf(" --%s=%s\n", f.Name, f.Value.String())
	})

	log, err := cmdutils.ParseLog(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		slog.Error("failed to parse log", slog.Any("error", err))
		os.Exit(1)
	}
	log = log.With(slog.String("service", "grainkit"))

	m, err := inner.NewMetrics(log)
	if err != nil {
		log.Error("failed to initialize metrics", slog.Any("error", err))
		os.Exit(1)
	}

	reg, err := newRegistry(cfg, log)
	if err != nil {
		log.Error("error creating registry", slog.Any("error", err))
		os.Exit(1)
	}

	opts, err := cfg.EnvironmentOptions(log, m.Registerer())
	if err != nil {
		log.Error("invalid environment options", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cc := context.WithTimeout(context.Background(), 10*time.Second)
	environment, err := virtual.NewEnvironment(ctx, cfg.Server.ID, reg, virtual.NewHTTPClient(), opts)
	cc()
	if err != nil {
		log.Error("error creating environment", slog.Any("error", err))
		os.Exit(1)
	}

	if err := testgrains.Register(environment); err != nil {
		log.Error("error registering grain types", slog.Any("error", err))
		os.Exit(1)
	}
	err = environment.RegisterGrainType(semaphore.GrainType, semaphore.NewFactory(semaphore.Options{
		PerKeyLimits: map[string]int{"user": 5, "requestType": 100},
	}))
	if err != nil {
		log.Error("error registering grain types", slog.Any("error", err))
		os.Exit(1)
	}

	server := virtual.NewServer(environment, log)
	stop := func() {
		shutdown(log, server, reg, cfg.Server.ShutdownTimeout)
	}

	go func() {
		sig := waitForSignal()
		log.Info("received signal", slog.Any("signal", sig))
		stop()
	}()

	internalSrvr := http.Server{
		Addr:    cfg.Internal.Addr,
		Handler: m.NewServeMux(cfg.Internal.PProf),
	}
	if cfg.Internal.PProf {
		log.Info("pprof enabled", slog.String("addr", cfg.Internal.Addr+"/debug/pprof"))
	}
	go func() {
		log.Info("internal server listening", slog.String("addr", cfg.Internal.Addr))
		if err := internalSrvr.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("received error", slog.Any("error", err), slog.String("subService", "httpInternalServer"))
			stop()
		}
	}()

	log.Info("server listening", slog.Int("port", cfg.Server.Port))
	if err := server.Start(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("received error", slog.Any("error", err), slog.String("subService", "httpServer"))
		stop()
		os.Exit(1)
	}
}

func newRegistry(cfg cmdutils.Config, log *slog.Logger) (registry.Registry, error) {
	switch cfg.Registry.Backend {
	case "memory":
		return localregistry.NewLocalRegistry(), nil
	case "sqlite":
		ctx, cc := context.WithTimeout(context.Background(), 10*time.Second)
		defer cc()
		return sqlregistry.NewSQLiteRegistry(ctx, cfg.Registry.SQLitePath, registry.KVRegistryOptions{
			Logger: log,
		})
	case "dns":
		return dnsregistry.NewDNSRegistry(cfg.Registry.DNSHost, cfg.Server.Port, dnsregistry.DNSRegistryOptions{
			Logger: log,
		})
	default:
		return nil, fmt.Errorf("unknown registry type: %s", cfg.Registry.Backend)
	}
}

func waitForSignal() os.Signal {
	osSig := make(chan os.Signal, 1)
	signal.Notify(osSig, syscall.SIGTERM)
	signal.Notify(osSig, syscall.SIGINT)

	// wait for a signal to be received
	return <-osSig
}

func shutdown(
	log *slog.Logger,
	server *virtual.Server,
	reg registry.Registry,
	timeout time.Duration,
) {
	tStart := time.Now()
	log.Info("shutting down server with timeout...", slog.Duration("timeout", timeout))
	var (
		ctx = context.Background()
		cc  context.CancelFunc
	)
	if timeout > 0 { // by default there is no timeout for shutting down
		ctx, cc = context.WithTimeout(context.Background(), timeout)
		defer cc()
	}

	// Stops accepting requests and then deactivates every grain.
	if err := server.Stop(ctx); err != nil {
		log.Error("failed to shut down server", slog.Any("error", err))
	}
	if err := reg.Close(ctx); err != nil {
		log.Error("failed to close registry", slog.Any("error", err))
		return
	}
	log.Info("successfully shut down server", slog.Duration("duration", time.Since(tStart)))
}
