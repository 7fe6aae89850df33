package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/ghodss/yaml"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mobilerelay/relay/internal/identity"
	"github.com/mobilerelay/relay/internal/ratelimit"
	"github.com/mobilerelay/relay/server"
	"github.com/mobilerelay/relay/storage"
)

type serveOptions struct {
	config string

	webHTTPAddr   string
	webHTTPSAddr  string
	telemetryAddr string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch the relay",
		Example: "relay serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true

			options.config = args[0]

			return runServe(options)
		},
	}

	flags := cmd.Flags()

	flags.StringVar(&options.webHTTPAddr, "web-http-addr", "", "Web HTTP address")
	flags.StringVar(&options.webHTTPSAddr, "web-https-addr", "", "Web HTTPS address")
	flags.StringVar(&options.telemetryAddr, "telemetry-addr", "", "Telemetry address")

	return cmd
}

// serverRunner pairs an *http.Server with the teacher's run.Group wiring, so
// each listener (web, telemetry) shuts down gracefully in parallel when any
// one of them, or a signal, triggers the group's interrupt.
type serverRunner struct {
	name string
	srv  *http.Server

	tlsCrt string
	tlsKey string

	logger *slog.Logger
}

func newServerRunner(name string, srv *http.Server, logger *slog.Logger) *serverRunner {
	return &serverRunner{name: name, srv: srv, logger: logger}
}

func (s *serverRunner) WithTLS(crt, key string) *serverRunner {
	s.tlsCrt = crt
	s.tlsKey = key
	return s
}

func (s *serverRunner) run(listener net.Listener) error {
	if s.tlsCrt != "" && s.tlsKey != "" {
		return s.srv.ServeTLS(listener, s.tlsCrt, s.tlsKey)
	}
	return s.srv.Serve(listener)
}

func (s *serverRunner) RunAndShutdownGracefully(gr *run.Group) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %v", s.name, s.srv.Addr, err)
	}

	gr.Add(func() error {
		s.logger.Info("listening", "server", s.name, "addr", s.srv.Addr)
		return s.run(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		s.logger.Debug("starting graceful shutdown", "server", s.name)
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Error("graceful shutdown failed", "server", s.name, "error", err)
		}
	})
	return nil
}

func runServe(options serveOptions) error {
	configFile := options.config
	configData, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %v", configFile, err)
	}

	var c Config
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return fmt.Errorf("error parse config file %s: %v", configFile, err)
	}
	if err := replaceEnvKeys(&c, os.Getenv); err != nil {
		return fmt.Errorf("error expanding config env vars: %v", err)
	}

	applyConfigOverrides(options, &c)

	logLevel, err := parseLogLevel(c.Logger.Level)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	logger, err := newLogger(logLevel, c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	if c.Logger.Level != "" {
		logger.Info("config using log level", "level", c.Logger.Level)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	prometheusRegistry := prometheus.NewRegistry()
	if err := prometheusRegistry.Register(prometheus.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register Go runtime metrics: %v", err)
	}
	if err := prometheusRegistry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("failed to register process metrics: %v", err)
	}

	allowedTLSCiphers := []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	}

	store, err := c.Storage.Config.Open(logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %v", err)
	}
	defer store.Close()

	logger.Info("config storage", "type", c.Storage.Type)

	tokens, err := identity.NewHMACTokens([]byte(c.JWTSecret))
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var external identity.ExternalVerifier
	if c.ExternalIdentity.IssuerURL != "" {
		external, err = identity.NewOIDCExternalVerifier(ctx, identity.ExternalConfig{
			IssuerURL: c.ExternalIdentity.IssuerURL,
			Audience:  c.ExternalIdentity.Audience,
		})
		if err != nil {
			return fmt.Errorf("failed to configure external identity issuer: %v", err)
		}
		logger.Info("config external identity issuer", "issuer", c.ExternalIdentity.IssuerURL)
	}

	if len(c.Web.AllowedOrigins) > 0 {
		logger.Info("config allowed origins", "origins", c.Web.AllowedOrigins)
	}

	now := func() time.Time { return time.Now().UTC() }

	serverConfig := server.Config{
		Storage:            store,
		Tokens:             tokens,
		External:           external,
		LoginLimiter:       ratelimit.NewDefault(),
		PairLimiter:        ratelimit.NewDefault(),
		AllowedOrigins:     c.Web.AllowedOrigins,
		AllowedHeaders:     c.Web.AllowedHeaders,
		Headers:            c.Web.Headers.ToHTTPHeader(),
		Logger:             logger,
		Now:                now,
		PrometheusRegistry: prometheusRegistry,
	}

	serv, err := server.NewServer(ctx, serverConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %v", err)
	}

	telemetryRouter := http.NewServeMux()
	telemetryRouter.Handle("/metrics", promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}))

	healthChecker := gosundheit.New()
	{
		handler := gosundheithttp.HandleHealthJSON(healthChecker)
		telemetryRouter.Handle("/healthz", handler)
		telemetryRouter.HandleFunc("/healthz/live", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		})
		telemetryRouter.Handle("/healthz/ready", handler)
	}

	healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "storage",
			CheckFunc: storageHealthCheck(store),
		},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	})

	var gr run.Group
	if c.Telemetry.HTTP != "" {
		telemetrySrv := &http.Server{Addr: c.Telemetry.HTTP, Handler: telemetryRouter}
		defer telemetrySrv.Close()

		telemetryRunner := newServerRunner("http/telemetry", telemetrySrv, logger)
		if err := telemetryRunner.RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	if c.Web.HTTP != "" {
		httpSrv := &http.Server{Addr: c.Web.HTTP, Handler: serv}
		defer httpSrv.Close()

		httpRunner := newServerRunner("http", httpSrv, logger)
		if err := httpRunner.RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	if c.Web.HTTPS != "" {
		httpsSrv := &http.Server{
			Addr:    c.Web.HTTPS,
			Handler: serv,
			TLSConfig: &tls.Config{
				CipherSuites:             allowedTLSCiphers,
				PreferServerCipherSuites: true,
				MinVersion:               tls.VersionTLS12,
			},
		}
		defer httpsSrv.Close()

		httpsRunner := newServerRunner("https", httpsSrv, logger).WithTLS(c.Web.TLSCert, c.Web.TLSKey)
		if err := httpsRunner.RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	// Cancelling ctx stops the replay loop and the presence bridge
	// (server.NewServer started both against it) as soon as any other actor
	// in the group exits, same as the teacher's grpc actor stopping the grpc
	// server on interrupt.
	gr.Add(func() error {
		<-ctx.Done()
		return nil
	}, func(error) {
		cancel()
	})

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Info("shutdown signal received", "error", err)
	}
	return nil
}

// storageHealthCheck reports failure only for a genuine storage error, not
// for ErrNotFound, since a sentinel row is never seeded for this purpose.
func storageHealthCheck(store storage.Storage) func() (interface{}, error) {
	return func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := store.GetAccountByID(ctx, -1)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, nil
	}
}

var logLevels = []string{"debug", "info", "error"}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log level is not one of the supported values (%s): %s", strings.Join(logLevels, ", "), level)
	}
}

func applyConfigOverrides(options serveOptions, config *Config) {
	if options.webHTTPAddr != "" {
		config.Web.HTTP = options.webHTTPAddr
	}

	if options.webHTTPSAddr != "" {
		config.Web.HTTPS = options.webHTTPSAddr
	}

	if options.telemetryAddr != "" {
		config.Telemetry.HTTP = options.telemetryAddr
	}
}
