// Package main provides the entry point for the sql-gateway server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/txn2/sql-gateway/internal/server"
	"github.com/txn2/sql-gateway/pkg/access"
	"github.com/txn2/sql-gateway/pkg/gateway"
	"github.com/txn2/sql-gateway/pkg/health"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "gateway.yaml", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Observability server address (overrides config)")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("sql-gateway version %s\n", Version)
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := gateway.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}

	var gwOpts []gateway.Option
	if cfg.History.DSN != "" {
		histDB, err := sql.Open("postgres", cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("opening history database: %w", err)
		}
		defer histDB.Close()
		gwOpts = append(gwOpts, gateway.WithHistoryDB(histDB))
	}

	gw, err := gateway.New(cfg, staticPolicyResolver{}, logger, gwOpts...)
	if err != nil {
		return err
	}
	defer gw.Close()

	if err := gw.Start(); err != nil {
		return err
	}

	checker := health.NewChecker()
	srv := server.New(cfg.Server.Address, gw, checker, logger)

	ctx := setupSignalHandler()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	checker.SetReady()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		return srv.Shutdown(context.Background())
	}
}

// staticPolicyResolver admits every caller with conservative limits. The
// production deployment replaces it with the RBAC resolver.
type staticPolicyResolver struct{}

func (staticPolicyResolver) ResolvePolicy(_ context.Context, _ access.Principal, _ string) (access.Policy, error) {
	return access.Policy{
		CredentialProfile: "default",
		MaxRowsPerQuery:   10000,
		MaxRuntimeSeconds: 300,
		ConcurrencyLimit:  5,
		CanQuery:          true,
		CanExport:         false,
	}, nil
}
