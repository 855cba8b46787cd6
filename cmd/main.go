// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/lwm2m"
	"github.com/absmach/lwm2m/examples/simple"
	"github.com/absmach/lwm2m/pkg/breaker"
	"github.com/absmach/lwm2m/pkg/engine"
	"github.com/absmach/lwm2m/pkg/events"
	"github.com/absmach/lwm2m/pkg/handler"
	"github.com/absmach/lwm2m/pkg/health"
	"github.com/absmach/lwm2m/pkg/metrics"
	"github.com/absmach/lwm2m/pkg/ratelimit"
	"github.com/absmach/lwm2m/pkg/registration"
	"github.com/absmach/lwm2m/pkg/transport/udp"
	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	svcName         = "lwm2m"
	shutdownTimeout = 5 * time.Second
	natsReconnect   = 2 * time.Second
	natsMaxRetries  = 60
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := lwm2m.NewConfig(env.Options{Prefix: lwm2m.EnvPrefix})
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	if err := run(ctx, g, cfg, logger); err != nil {
		logger.Error("Failed to start", slog.String("error", err.Error()))
		cancel()
		os.Exit(1)
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s service terminated with error: %s", svcName, err))
		os.Exit(1)
	}
	logger.Info(fmt.Sprintf("%s service stopped", svcName))
}

func run(ctx context.Context, g *errgroup.Group, cfg lwm2m.Config, logger *slog.Logger) error {
	mode, err := engine.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	version, err := registration.ParseVersion(cfg.Version)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.New(svcName, reg)

	var h handler.Handler = simple.New(logger)
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.Name(svcName),
			nats.ReconnectWait(natsReconnect),
			nats.MaxReconnects(natsMaxRetries))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		b := breaker.New(breaker.Config{
			OnStateChange: func(from, to breaker.State) {
				logger.Warn("Event publisher circuit changed", slog.String("from", from.String()), slog.String("to", to.String()))
			},
		})
		h = events.NewForwarder(nc, cfg.NATSSubject, h, logger).WithBreaker(b)
		logger.Info("Publishing events", slog.String("url", cfg.NATSURL), slog.String("prefix", cfg.NATSSubject))
	}

	var limiter *ratelimit.Limiter
	if cfg.RateCapacity > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateCapacity, cfg.RateRefill, cfg.MaxSessions)
	}

	tr, err := udp.Listen(udp.Config{
		Address:        cfg.Address,
		SessionTimeout: cfg.SessionTimeout,
		MaxSessions:    cfg.MaxSessions,
		Limiter:        limiter,
		Metrics:        m,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	ecfg := engine.Config{
		Mode:         mode,
		Version:      version,
		BlockSize:    cfg.BlockSize,
		MaxBlockSize: cfg.MaxBlockSize,
		Handler:      h,
		Metrics:      m,
		Logger:       logger,
	}
	if mode == engine.ModeBootstrapServer && cfg.BootstrapFile != "" {
		f, err := lwm2m.LoadFile(cfg.BootstrapFile)
		if err != nil {
			return err
		}
		if ecfg.Bootstrap, err = f.BootstrapProvider(); err != nil {
			return err
		}
	}

	eng := engine.New(ecfg, tr)
	eng.WithContext(ctx)
	if mode == engine.ModeClient {
		if err := configureClient(eng, cfg, logger); err != nil {
			return err
		}
	}

	checker := health.NewChecker(time.Second)
	checker.Register("transport", func(ctx context.Context) error {
		return tr.Do(ctx, func() {})
	})
	if mode == engine.ModeClient {
		checker.Register("registration", func(ctx context.Context) error {
			var state registration.ClientState
			if err := tr.Do(ctx, func() { state = eng.State() }); err != nil {
				return err
			}
			if state != registration.StateReady {
				return fmt.Errorf("client state %s", state)
			}
			return nil
		})
	}
	if nc != nil {
		checker.RegisterOptional("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})
	}

	srv := &http.Server{
		Addr:              cfg.AdminAddress,
		Handler:           adminRouter(checker, reg, tr, eng),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		defer func() {
			if nc != nil {
				nc.Close()
			}
		}()
		return tr.Serve(ctx, eng)
	})
	g.Go(func() error {
		logger.Info("Admin server started", slog.String("address", cfg.AdminAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info(fmt.Sprintf("%s service started", svcName),
		slog.String("mode", mode.String()),
		slog.String("address", tr.LocalAddr().String()),
		slog.String("version", version.String()))
	return nil
}

// configureClient provisions the Security, Server and Device objects and
// hands them to the engine.
func configureClient(eng *engine.Engine, cfg lwm2m.Config, logger *slog.Logger) error {
	servers, err := cfg.Servers()
	if err != nil {
		return err
	}
	security, server := engine.NewServerObjects(servers)
	device := simple.NewDevice(simple.DeviceInfo{
		Manufacturer: "Abstract Machines",
		Model:        svcName,
		Serial:       cfg.Endpoint,
		Firmware:     "1.0.0",
	}, nil, logger)
	return eng.Configure(cfg.Endpoint, cfg.Binding, cfg.AltPath, []engine.Object{security, server, device})
}

type clientView struct {
	ID         uint16    `json:"id"`
	Endpoint   string    `json:"endpoint"`
	Location   string    `json:"location"`
	Version    string    `json:"version"`
	Binding    string    `json:"binding"`
	Lifetime   int64     `json:"lifetime"`
	Remote     string    `json:"remote"`
	Objects    []string  `json:"objects"`
	Registered time.Time `json:"registered_at"`
	Expires    time.Time `json:"expires_at"`
}

func adminRouter(checker *health.Checker, reg *prometheus.Registry, tr *udp.Transport, eng *engine.Engine) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	checker.Mount(r)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, tr.Sessions())
	})
	r.Get("/clients", func(w http.ResponseWriter, r *http.Request) {
		var clients []clientView
		err := tr.Do(r.Context(), func() {
			for _, c := range eng.Clients() {
				objects := make([]string, len(c.Objects))
				for i, o := range c.Objects {
					objects[i] = o.String()
				}
				clients = append(clients, clientView{
					ID:         c.ID,
					Endpoint:   c.Endpoint,
					Location:   c.Location(),
					Version:    c.Version,
					Binding:    c.Binding,
					Lifetime:   int64(c.Lifetime / time.Second),
					Remote:     c.Peer.String(),
					Objects:    objects,
					Registered: c.RegisteredAt,
					Expires:    c.Expires(),
				})
			}
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, clients)
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// setupLogger creates a structured logger with the specified level and
// format. Logs go to file, rotated, when file is set.
func setupLogger(level, format, file string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var out io.Writer = os.Stdout
	if file != "" {
		out = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
