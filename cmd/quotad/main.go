// Command quotad serves the quota HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xraph/grove/drivers/mongodriver"

	quota "github.com/xraph/quota"
	"github.com/xraph/quota/api"
	"github.com/xraph/quota/assistant"
	audithook "github.com/xraph/quota/audit_hook"
	"github.com/xraph/quota/internal/config"
	"github.com/xraph/quota/store"
	"github.com/xraph/quota/store/memory"
	mongostore "github.com/xraph/quota/store/mongo"
	pgstore "github.com/xraph/quota/store/postgres"
	redisstore "github.com/xraph/quota/store/redis"
	sqlitestore "github.com/xraph/quota/store/sqlite"
)

func main() {
	configFile := flag.String("config", os.Getenv("QUOTA_CONFIG_FILE"), "path to a YAML config file")
	serviceToken := flag.String("service-token", "", "print a service token for the named transport and exit")
	tokenTTL := flag.Duration("token-ttl", 0, "lifetime of the printed service token; 0 never expires")
	flag.Parse()

	var err error
	if *serviceToken != "" {
		err = printServiceToken(*configFile, *serviceToken, *tokenTTL)
	} else {
		err = run(*configFile)
	}
	if err != nil {
		slog.Error("quotad: exiting", "error", err)
		os.Exit(1)
	}
}

func printServiceToken(configFile, name string, ttl time.Duration) error {
	cfg, err := config.NewLoader(configFile, slog.Default()).Load()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("quotad: jwt_secret is not set")
	}
	tok, err := api.IssueServiceToken([]byte(cfg.JWTSecret), name, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func run(configFile string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(configFile, slog.Default())
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	settings, err := cfg.Settings()
	if err != nil {
		return err
	}

	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck // best-effort

	engine := quota.New(s,
		quota.WithLogger(logger),
		quota.WithSettings(settings),
		quota.WithMeterConfig(cfg.Meter.BatchSize, cfg.Meter.FlushInterval),
		quota.WithPlugin(audithook.New(slogRecorder(logger), audithook.WithLogger(logger))),
	)
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop() //nolint:errcheck // best-effort

	loader.Watch(func(next *config.Config) {
		settings, err := next.Settings()
		if err == nil {
			err = engine.Reconfigure(settings)
		}
		if err != nil {
			logger.Warn("quotad: settings rejected", "error", err)
		}
	})

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithSecret([]byte(cfg.JWTSecret)),
	}
	if cfg.Assistant.APIKey != "" {
		opts = append(opts, api.WithAssistant(assistant.New(cfg.Assistant, assistant.WithLogger(logger))))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(engine, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("quotad: listening", "addr", cfg.HTTPAddr, "store", cfg.Store.Driver)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite:
		return sqlitestore.Open(ctx, cfg.DSN)
	case config.DriverPostgres:
		return pgstore.Open(ctx, cfg.DSN)
	case config.DriverMongo:
		var opts []mongodriver.MongoOption
		if cfg.Database != "" {
			opts = append(opts, mongodriver.WithDatabase(cfg.Database))
		}
		return mongostore.Open(ctx, cfg.DSN, opts...)
	case config.DriverRedis:
		var opts []redisstore.Option
		if cfg.Prefix != "" {
			opts = append(opts, redisstore.WithPrefix(cfg.Prefix))
		}
		return redisstore.Open(ctx, cfg.DSN, opts...)
	default:
		return nil, fmt.Errorf("quotad: unknown store driver %q", cfg.Driver)
	}
}

// slogRecorder writes audit events as structured log lines.
func slogRecorder(logger *slog.Logger) audithook.Recorder {
	return audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
		logger.LogAttrs(ctx, slog.LevelInfo, "audit",
			slog.String("action", evt.Action),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
			slog.String("severity", evt.Severity),
			slog.Any("metadata", evt.Metadata),
		)
		return nil
	})
}
