package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hilderonny/fm-sub000/internal/api"
	"github.com/hilderonny/fm-sub000/internal/config"
	"github.com/hilderonny/fm-sub000/internal/engine"
	"github.com/hilderonny/fm-sub000/internal/files"
	"github.com/hilderonny/fm-sub000/internal/schema"
	"github.com/hilderonny/fm-sub000/internal/sqldb"
	"github.com/hilderonny/fm-sub000/internal/tenant"
)

// app is everything a command needs, wired from one Config.
type app struct {
	cfg         config.Config
	logger      *zap.SugaredLogger
	tenants     *sqldb.Registry
	catalog     *schema.Catalog
	files       *files.Store
	engine      *engine.Engine
	provisioner *tenant.Provisioner
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		z := zap.NewDevelopmentConfig()
		z.OutputPaths = []string{"stdout"}
		return z.Build()
	}
	return zap.NewProduction()
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar := logger.Sugar()

	backend, err := sqldb.NewBackend(ctx, cfg.DatabaseURL, cfg.QueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	a := &app{cfg: cfg, logger: sugar}
	a.tenants = sqldb.NewRegistry(backend, cfg.DBPrefix, sugar)
	a.catalog = schema.NewCatalog(a.tenants, sugar)
	a.files = files.New(cfg.DocumentsDir, sugar)
	a.engine = engine.New(a.tenants, a.catalog, a.files, sugar)
	a.provisioner = tenant.NewProvisioner(a.tenants, a.catalog, a.engine, a.files, cfg.AdminPassword, sugar)
	return a, nil
}

func (a *app) close() {
	if err := a.tenants.Close(); err != nil {
		a.logger.Warnw("failed to close databases", "error", err)
	}
	_ = a.logger.Sync()
}

// withApp runs fn with a bootstrapped app and releases it afterwards.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(ctx, a, args)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fm",
		Short:         "Multi-tenant facility management data engine",
		Long:          `fm serves the dynamic datatype engine: per-client databases whose datatypes, fields, relations and formula fields are defined at runtime.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newPortalCmd(), newClientCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var initPortal bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			if initPortal {
				if err := a.provisioner.InitPortal(ctx); err != nil {
					return err
				}
			}
			return serve(ctx, a)
		}),
	}
	cmd.Flags().BoolVar(&initPortal, "init-portal", true, "create the portal database and datatypes if missing")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	handler := api.NewHandler(a.catalog, a.engine, a.provisioner, a.files, a.cfg, a.logger)
	defer handler.Stop()

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:           ":" + a.cfg.Port,
		Handler:        mux,
		ReadTimeout:    a.cfg.ReadTimeout,
		WriteTimeout:   a.cfg.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infow("listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	a.logger.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newPortalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "portal",
		Short: "Manage the portal database",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the portal database and its datatypes",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			return a.provisioner.InitPortal(ctx)
		}),
	})
	return cmd
}

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Create and drop client databases",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <label>",
		Short: "Create a client with its database and administrator",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			if err := a.provisioner.InitPortal(ctx); err != nil {
				return err
			}
			client, err := a.provisioner.Create(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, client.Name())
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "drop <name>",
		Short: "Drop a client, its database and its files",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			return a.provisioner.Drop(ctx, args[0])
		}),
	})
	return cmd
}
