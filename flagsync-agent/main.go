// SPDX-License-Identifier:Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promversion "github.com/prometheus/common/version"
	"github.com/prometheus/exporter-toolkit/web"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/flagsync/flagsync/internal/config"
	"github.com/flagsync/flagsync/internal/env"
	"github.com/flagsync/flagsync/internal/logging"
	"github.com/flagsync/flagsync/internal/version"
	"github.com/flagsync/flagsync/pkg/client"
)

const shutdownTimeout = 5 * time.Second

func metricsHandler(logger log.Logger, c *client.Client) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(c.Collector())
	registry.MustRegister(promversion.NewCollector("flagsync_agent"))

	gatherers := prometheus.Gatherers{
		prometheus.DefaultGatherer,
		registry,
	}

	handlerOpts := promhttp.HandlerOpts{
		ErrorLog:      stdlog.New(log.NewStdlibAdapter(level.Error(logger)), "", 0),
		ErrorHandling: promhttp.ContinueOnError,
		Registry:      registry,
	}

	return promhttp.HandlerFor(gatherers, handlerOpts)
}

func main() {
	defaultLevel := env.LogLevel()
	if defaultLevel == "" {
		defaultLevel = string(logging.LevelInfo)
	}
	var (
		configPath    = flag.String("config", os.Getenv("FLAGSYNC_CONFIG"), "path to the flagsync config file")
		host          = flag.String("host", os.Getenv("FLAGSYNC_HOST"), "HTTP host address")
		port          = flag.Int("port", 7474, "HTTP listening port")
		logLevel      = flag.String("log-level", defaultLevel, fmt.Sprintf("log level. must be one of: [%s]", logging.Levels.String()))
		tlsConfigPath = flag.String("tls-config-path", "", "Path to config yaml file that can enable TLS or authentication.")
		traceStdout   = flag.Bool("trace-stdout", false, "Print data application spans to stdout")
	)
	flag.Parse()

	logger, err := logging.Init(*logLevel)
	if err != nil {
		fmt.Printf("failed to initialize logging: %s\n", err)
		os.Exit(1)
	}

	level.Info(logger).Log("version", version.Version(), "commit", version.CommitHash(), "branch", version.Branch(), "goversion", version.GoString(), "msg", "flagsync agent starting "+version.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		level.Error(logger).Log("op", "startup", "error", err, "msg", "failed to load configuration")
		os.Exit(1)
	}
	redacted := *cfg
	redacted.Streaming.EnvSecret = "<redacted>"
	level.Debug(logger).Log("op", "startup", "config", spew.Sdump(redacted))

	if *traceStdout {
		tp, err := stdoutTracing()
		if err != nil {
			level.Error(logger).Log("op", "startup", "error", err, "msg", "failed to set up tracing")
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				level.Warn(logger).Log("op", "shutdown", "error", err, "msg", "flushing spans")
			}
		}()
	}

	c, err := client.New(client.Options{
		Streaming: cfg.Streaming.Synchronizer(),
		Logger:    logger,
		Workers:   cfg.Listeners.Workers,
	})
	if err != nil {
		level.Error(logger).Log("op", "startup", "error", err, "msg", "failed to create client")
		os.Exit(1)
	}
	c.AddStateListener(func(s client.ConnectionState) {
		level.Info(logger).Log("event", "stateChanged", "state", s.State, "error", s.Error)
	})
	c.AddChangeListener(func(e client.ChangeEvent) {
		level.Debug(logger).Log("event", "flagChanged", "key", e.Key)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler(logger, c))
	mux.Handle("/status", statusHandler(logger, c))
	srv := &http.Server{
		Addr:              net.JoinHostPort(*host, strconv.Itoa(*port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		level.Info(logger).Log("op", "startup", "msg", fmt.Sprintf("starting http endpoint at %s", srv.Addr))
		if err := web.ListenAndServe(srv, *tlsConfigPath, logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listening for http requests")
		}
		return nil
	})

	g.Go(func() error {
		if c.Start(cfg.StartWait.Duration) {
			level.Info(logger).Log("op", "startup", "version", c.Version(), "msg", "initial flag data received")
		}
		if c.WaitForState(ctx, client.Off, 0) && ctx.Err() == nil {
			return errors.Errorf("synchronization stopped: %v", c.LastError())
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		level.Info(logger).Log("op", "shutdown", "msg", "starting shutdown")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			level.Warn(logger).Log("op", "shutdown", "error", err, "msg", "http endpoint shutdown")
		}
		return c.Close()
	})

	if err := g.Wait(); err != nil {
		level.Error(logger).Log("op", "shutdown", "error", err)
		os.Exit(1)
	}
	level.Info(logger).Log("op", "shutdown", "msg", "done")
}

func stdoutTracing() (*sdktrace.TracerProvider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, errors.Wrap(err, "creating stdout exporter")
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp, nil
}
