package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/charlesng35/adminaccess/internal/app"
	"github.com/charlesng35/adminaccess/internal/auditctx"
	"github.com/charlesng35/adminaccess/internal/database"
	"github.com/charlesng35/adminaccess/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("rolesync", flag.ContinueOnError)
	fs.SetOutput(stdout)

	var (
		configPath string
		rolesPath  string
		force      bool
		migrate    bool
	)
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")
	fs.StringVar(&rolesPath, "roles", "", "Canonical roles YAML file (overrides rbac.roles_file)")
	fs.BoolVar(&force, "force", false, "Overwrite existing system roles with their canonical definitions")
	fs.BoolVar(&migrate, "migrate", false, "Create or update the role tables before synchronizing")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(rolesPath) != "" {
		cfg.RBAC.RolesFile = rolesPath
	}

	if err := app.ConfigureLogging(cfg.Logging); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort
	log := logger.WithModule("rolesync")

	db, err := database.Open(cfg.Database.DatabaseOpenConfig())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := database.Close(db); err != nil {
			log.Warn("failed to close database", zap.Error(err))
		}
	}()

	if migrate {
		if err := database.AutoMigrate(db); err != nil {
			return fmt.Errorf("auto-migrate database: %w", err)
		}
	}

	engine, err := app.NewEngine(*cfg, db)
	if err != nil {
		return fmt.Errorf("initialise engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Warn("failed to close engine", zap.Error(err))
		}
	}()

	ctx = auditctx.WithActor(ctx, auditctx.Actor{Source: "rolesync"})
	report, err := engine.Synchronize(ctx, force || cfg.RBAC.ForceUpdate)
	if err != nil {
		return fmt.Errorf("synchronize roles: %w", err)
	}

	// other instances share the redis backend; purge it even when this run changed nothing
	if cfg.Cache.Backend == app.CacheBackendRedis && !report.Changed() {
		if err := engine.InvalidateAll(ctx); err != nil {
			log.Warn("failed to purge shared grant cache", zap.Error(err))
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func loadApplicationConfig(path string) (*app.Config, error) {
	if strings.TrimSpace(path) == "" {
		return app.LoadConfig()
	}

	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		return app.LoadConfig(path)
	case err == nil:
		return app.LoadConfigFile(path)
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("config path %q does not exist", path)
	default:
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}
