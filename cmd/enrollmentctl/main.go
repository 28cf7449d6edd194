package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/coursehive/enrollment-service/internal/clock"
	"github.com/coursehive/enrollment-service/internal/enrollment/application"
	enrollmongo "github.com/coursehive/enrollment-service/internal/enrollment/infrastructure/mongo"
	"github.com/coursehive/enrollment-service/pkg/cache"
	"github.com/coursehive/enrollment-service/pkg/config"
	"github.com/coursehive/enrollment-service/pkg/logging"
	"github.com/coursehive/enrollment-service/pkg/txn"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "enrollmentctl",
		Short:         "Operational commands for the enrollment service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("ENROLLMENT_CONFIG"), "YAML config file")

	e := &env{configPath: &configPath}
	rootCmd.AddCommand(indexesCmd(e))
	rootCmd.AddCommand(couponCmd(e))
	rootCmd.AddCommand(sweepCouponsCmd(e))
	rootCmd.AddCommand(invalidateCmd(e))
	rootCmd.AddCommand(heldCmd(e))
	rootCmd.AddCommand(reconcileCmd(e))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env lazily opens the connections a command needs.
type env struct {
	configPath *string
	cfg        *config.Config
	log        *slog.Logger
	mongo      *mongo.Client
	redis      *redis.Client
}

func (e *env) config() (*config.Config, error) {
	if e.cfg != nil {
		return e.cfg, nil
	}
	cfg, err := config.Load(*e.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	e.cfg = cfg
	e.log = logging.NewWithWriter(os.Stderr, "enrollmentctl", cfg.LogLevel)
	return cfg, nil
}

func (e *env) database(ctx context.Context) (*mongo.Database, error) {
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	if e.mongo == nil {
		mc, err := enrollmongo.Connect(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, err
		}
		e.mongo = mc
	}
	return e.mongo.Database(cfg.Mongo.Database), nil
}

func (e *env) cache() (*cache.Store, error) {
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	if e.redis == nil {
		e.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	return cache.NewStore(e.log, e.redis, cache.Options{
		Namespace:         cfg.Env,
		InvalidateTimeout: cfg.Cache.InvalidateTimeout,
		OpTimeout:         cfg.Cache.OpTimeout,
	}), nil
}

func (e *env) reconciler(ctx context.Context) (*application.Reconciler, error) {
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	db, err := e.database(ctx)
	if err != nil {
		return nil, err
	}
	store, err := e.cache()
	if err != nil {
		return nil, err
	}
	exec := txn.NewExecutor(e.log, txn.NewMongoSessions(e.mongo), txn.WithDefaults(txn.Options{
		MaxDuration: cfg.Tx.MaxDuration,
		Retries:     cfg.Tx.Retries,
		RetryDelay:  cfg.Tx.RetryDelay,
	}))
	return application.NewReconciler(e.log,
		enrollmongo.NewEnrollmentRepository(e.log, db),
		exec,
		enrollmongo.NewOutboxStore(e.log, db),
		store,
		clock.NewSystem(),
	), nil
}

func (e *env) close() {
	if e.mongo != nil {
		_ = e.mongo.Disconnect(context.Background())
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
}
