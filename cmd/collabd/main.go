package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/access"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/history"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/persistence"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/realtime"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/server"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/store"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/telemetry"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/users"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collabd",
		Short: "Real-time collaborative document sync server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newMintTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newMintTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		ttl         time.Duration
		roles       []string
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Issue a signed session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueToken(cmd.Context(), auth.Identity{
				UserID:      userID,
				DisplayName: displayName,
				Roles:       roles,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier placed in the token subject")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name shown to other participants")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Roles granted to the user (repeatable)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database connection string or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("quiet-period", defaults.GetDuration("sync.quiet_period"), "Idle time before a document is saved")
	cmd.PersistentFlags().String("jaeger-endpoint", defaults.GetString("tracing.jaeger_endpoint"), "Jaeger collector endpoint; empty disables tracing")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.quiet_period", "quiet-period")
	bindFlag(cmd, "tracing.jaeger_endpoint", "jaeger-endpoint")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		return err
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat, appConfig.ServiceName)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	shutdownTracing, err := telemetry.InitJaeger(appConfig.ServiceName, version, appConfig.JaegerEndpoint, logger)
	if err != nil {
		return err
	}

	db, err := database.Open(database.Config{Driver: appConfig.DatabaseDriver, DSN: appConfig.DatabaseDSN}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	registerer := prometheus.NewRegistry()
	registerer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registerer)

	documentStore, err := store.New(store.Config{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	scheduler, err := persistence.NewScheduler(persistence.Config{
		Saver:       documentStore,
		QuietPeriod: appConfig.QuietPeriod,
		SaveTimeout: appConfig.SaveTimeout,
		Logger:      logger,
		Metrics:     recorder,
	})
	if err != nil {
		return err
	}

	replicaID := appConfig.ReplicaID
	if replicaID == "" {
		replicaID = "server-" + uuid.NewString()
	}
	registry, err := documents.NewRegistry(documents.RegistryConfig{
		Loader:        documentStore,
		Persister:     scheduler,
		ReplicaID:     replicaID,
		IdleTTL:       appConfig.IdleTTL,
		SweepInterval: appConfig.SweepInterval,
		Logger:        logger,
		Metrics:       recorder,
	})
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
	})
	if err != nil {
		return err
	}

	directory, err := users.NewDirectory(users.DirectoryConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	identities := users.NewResolvingVerifier(verifier, directory)

	accessService, err := access.NewService(access.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	historyService, err := history.NewService(history.ServiceConfig{
		Store:     documentStore,
		Documents: registry,
		Access:    accessService,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		return err
	}

	hub, err := realtime.NewHub(realtime.HubConfig{
		Documents:         registry,
		Verifier:          identities,
		Access:            accessService,
		Logger:            logger,
		Metrics:           recorder,
		MessagesPerSecond: appConfig.MessagesPerSecond,
		Burst:             appConfig.Burst,
		MaxMessageBytes:   appConfig.MaxMessageBytes,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:       identities,
		History:        historyService,
		Grants:         accessService,
		Realtime:       hub,
		Metrics:        recorder,
		Gatherer:       registerer,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweepCtx, cancelSweep := context.WithCancel(signalCtx)
	defer cancelSweep()
	go registry.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("replica_id", replicaID),
			zap.String("version", version))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, shutdown(shutdownCtx, logger, httpServer, hub, registry, scheduler, shutdownTracing))
}

// shutdown stops accepting work, disconnects clients and writes every dirty document.
func shutdown(ctx context.Context, logger *zap.Logger, httpServer *http.Server, hub *realtime.Hub, registry *documents.Registry, scheduler *persistence.Scheduler, shutdownTracing telemetry.ShutdownFunc) error {
	logger.Info("server shutting down")
	var errs []error
	if err := httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	hub.Close()
	if err := registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("registry close: %w", err))
	}
	if err := scheduler.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler close: %w", err))
	}
	if err := shutdownTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	return errors.Join(errs...)
}
