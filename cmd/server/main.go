package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/kenneth/s3-credential-proxy/internal/audit"
	"github.com/kenneth/s3-credential-proxy/internal/config"
	"github.com/kenneth/s3-credential-proxy/internal/creds"
	"github.com/kenneth/s3-credential-proxy/internal/metrics"
	"github.com/kenneth/s3-credential-proxy/internal/middleware"
	"github.com/kenneth/s3-credential-proxy/internal/pool"
	"github.com/kenneth/s3-credential-proxy/internal/relay"
	"github.com/kenneth/s3-credential-proxy/internal/sigv4"
	"github.com/kenneth/s3-credential-proxy/internal/tracing"
	"github.com/sirupsen/logrus"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Set log level from config
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting S3 Credential Proxy")

	// Initialize metrics
	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector()

	// Load the credential directory
	directory, err := creds.LoadFile(cfg.CredentialsFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load credentials")
	}
	logger.WithFields(logrus.Fields{
		"entries":  directory.Len(),
		"backends": len(directory.Endpoints()),
	}).Info("Credentials loaded")

	// Warn on later edits; credentials apply at startup only.
	watcher, err := config.WatchFile(cfg.CredentialsFile, logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to watch credentials file")
	} else {
		defer watcher.Close()
	}

	// Initialize the backend connection pool
	connPool := pool.New(pool.Options{
		MaxPerEndpoint:        cfg.Pool.MaxPerEndpoint,
		AcquireTimeout:        cfg.Pool.AcquireTimeout,
		IdleTTL:               cfg.Pool.IdleTTL,
		SweepInterval:         cfg.Pool.SweepInterval,
		TLSInsecureSkipVerify: cfg.Pool.TLSInsecureSkipVerify,
	}, logger)
	defer connPool.Stop()

	// Publish pool gauges
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			for endpoint, stats := range connPool.Stats() {
				m.SetPoolGauges(endpoint, stats.InUse, stats.Idle)
			}
		}
	}()

	// Initialize audit logger if enabled
	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, nil)
		logger.WithFields(logrus.Fields{
			"max_events": cfg.Audit.MaxEvents,
		}).Info("Audit logging enabled")
	} else {
		auditLogger = audit.NewLogger(1, discardWriter{})
	}

	// Initialize the relay engine
	codec := sigv4.New(cfg.Auth.SkewWindow)
	engine := relay.New(directory, codec, connPool, m, auditLogger, logger, relay.Options{
		VHostSuffixes:  cfg.VHostSuffixes,
		MaxAttempts:    cfg.Relay.MaxAttempts,
		RetryBaseDelay: cfg.Relay.RetryBaseDelay,
	})

	// Start the backend prober
	prober := relay.NewProber(directory.Endpoints(), cfg.Health.ProbeInterval, logger)
	prober.Start()
	defer prober.Stop()

	// Setup router
	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods("GET")
	router.Handle("/healthz", prober.Handler()).Methods("GET")
	router.PathPrefix("/").Handler(engine)

	// Apply middleware
	httpHandler := middleware.RecoveryMiddleware(logger)(router)
	httpHandler = middleware.BucketValidationMiddleware(cfg.VHostSuffixes, logger)(httpHandler)
	httpHandler = middleware.LoggingMiddleware(logger)(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)
	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(context.Background(), cfg.Tracing, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize tracing")
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.WithError(err).Warn("Failed to flush traces")
			}
		}()
		httpHandler = middleware.TracingMiddleware()(httpHandler)
	}

	// Add rate limiting if enabled
	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			cfg.RateLimit.Limit,
			cfg.RateLimit.Window,
			logger,
		)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}

	// Create HTTP server
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
}

// discardWriter drops audit events when auditing is disabled; relay code can
// always log without nil checks.
type discardWriter struct{}

func (discardWriter) WriteEvent(*audit.Event) error { return nil }
