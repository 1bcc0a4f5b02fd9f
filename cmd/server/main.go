// Package main initializes and starts the GophChat relay server, setting up
// configuration, logging, the identity directory, the relay hub, handlers
// and optional TLS.
package main

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"github.com/atinyakov/GophChat/internal/certgen"
	"github.com/atinyakov/GophChat/internal/config"
	"github.com/atinyakov/GophChat/internal/db"
	"github.com/atinyakov/GophChat/internal/logger"
	"github.com/atinyakov/GophChat/internal/middleware"
	"github.com/atinyakov/GophChat/internal/presence"
	"github.com/atinyakov/GophChat/internal/relay"
	"github.com/atinyakov/GophChat/internal/repository"
	"github.com/atinyakov/GophChat/internal/server/handler/http"
	"github.com/atinyakov/GophChat/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Parse command-line, config file and environment configuration.
	options := config.Parse()

	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	zapLogger := log.Log

	// The directory lives in Postgres when a DSN is given, in memory otherwise.
	var repo service.DirectoryRepository
	if options.DatabaseDSN != "" {
		postgresDB, err := db.InitPostgres(options.DatabaseDSN)
		if err != nil {
			zapLogger.Fatal("cannot init database", zap.Error(err))
		}
		defer postgresDB.Close()
		repo = repository.NewPostgresDirectoryRepository(postgresDB)
	} else {
		zapLogger.Info("no database configured, directory kept in memory")
		repo = repository.NewMemoryDirectoryRepository()
	}
	directory := service.NewDirectory(repo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	var hubOpts []relay.Option
	if options.RedisURL != "" {
		rdb, err := presence.NewRedisClient(ctx, options.RedisURL)
		if err != nil {
			zapLogger.Fatal("cannot connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		mirror := presence.NewRedisMirror(rdb, presence.DefaultTTL, zapLogger)
		hubOpts = append(hubOpts, relay.WithPresenceObserver(mirror))
		g.Go(func() error { return mirror.Run(gctx) })
	}
	hub := relay.NewHub(zapLogger, hubOpts...)

	authHandler := &http.AuthHandler{Directory: directory, Log: zapLogger}
	if options.JWTSecret != "" {
		authHandler.Tickets = middleware.NewTickets(options.JWTSecret, middleware.DefaultTicketTTL)
	}
	var authority *certgen.Authority
	if options.CACert != "" {
		var err error
		if options.CAKey != "" {
			authority, err = certgen.LoadAuthority(options.CACert, options.CAKey)
		} else {
			authority, err = loadCAOnly(options.CACert)
		}
		if err != nil {
			zapLogger.Fatal("failed to load certificate authority", zap.Error(err))
		}
		if authority.Key != nil {
			authHandler.Issuer = authority
		}
	}

	wsHandler := http.NewWSHandler(hub, directory, zapLogger)
	wsHandler.RequireRegistered = options.RequireRegistered
	wsHandler.MaxFrameBytes = options.MaxFrameBytes

	router := http.NewRouter(authHandler, &http.UsersHandler{Directory: directory}, wsHandler, zapLogger)

	server := &nethttp.Server{
		Addr:              options.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if options.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(options.TLSCert, options.TLSKey)
		if err != nil {
			zapLogger.Fatal("failed to load server TLS cert/key", zap.Error(err))
		}
		// Client certificates are optional; when given they pin the join id.
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		if authority != nil {
			tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
			tlsConfig.ClientCAs = authority.Pool()
		}
		server.TLSConfig = tlsConfig
	}

	g.Go(func() error {
		var err error
		if server.TLSConfig != nil {
			zapLogger.Info("starting HTTPS relay", zap.String("addr", options.Port))
			err = server.ListenAndServeTLS("", "")
		} else {
			zapLogger.Info("starting HTTP relay", zap.String("addr", options.Port))
			err = server.ListenAndServe()
		}
		if errors.Is(err, nethttp.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		zapLogger.Info("shutting down relay", zap.Int("online", len(hub.Online())))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zapLogger.Error("relay server stopped", zap.Error(err))
		os.Exit(1)
	}
}

// loadCAOnly reads a CA certificate without its key: client certificates can
// be verified but not issued.
func loadCAOnly(certPath string) (*certgen.Authority, error) {
	pemBytes, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	return certgen.ParseCertificate(pemBytes)
}
