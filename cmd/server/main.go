package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/clinic-core/internal/adapter/handler"
	"github.com/rl1809/clinic-core/internal/config"
	"github.com/rl1809/clinic-core/internal/core/domain"
	"github.com/rl1809/clinic-core/internal/core/service"
)

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "clinic-core",
		Short:         "Clinic identifier and inventory service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the sequence and inventory tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.stores.Close()

			if len(app.stores.migrators) == 0 {
				app.logger.Info().Msg("nothing to migrate for in-memory stores")
				return nil
			}
			for name, m := range app.stores.migrators {
				if err := m.Migrate(cmd.Context()); err != nil {
					return fmt.Errorf("migrate %s: %w", name, err)
				}
				app.logger.Info().Str("store", name).Msg("migrations applied")
			}
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Mark depleted and expired batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.stores.Close()

			result, err := app.inventory.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			app.logger.Info().
				Int("planned", result.Planned).
				Int("applied", result.Applied).
				Int("conflicts", result.Conflicts).
				Msg("reconciliation finished")
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Raise an identifier counter past a legacy identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("scheme")
			last, _ := cmd.Flags().GetString("last")

			scheme, ok := domain.LookupScheme(name)
			if !ok {
				return fmt.Errorf("unknown scheme %q", name)
			}

			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.stores.Close()

			if last == "" {
				return app.inventory.SeedCounters(cmd.Context())
			}
			if err := app.ids.Seed(cmd.Context(), scheme, last); err != nil {
				return err
			}
			app.logger.Info().Str("prefix", scheme.Prefix).Str("last", last).Msg("counter seeded")
			return nil
		},
	}
	cmd.Flags().String("scheme", "", "Scheme name or prefix (appointment, PAT, ITM, ...)")
	cmd.Flags().String("last", "", "Last identifier already issued; empty seeds ITM/BATCH/WD from stored rows")
	cmd.MarkFlagRequired("scheme")
	return cmd
}

type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	stores    *stores
	ids       *service.IdentifierService
	inventory *service.InventoryService
}

func newApp(ctx context.Context) (*app, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	ids := service.NewIdentifierService(st.sequences, st.cache, service.IssuanceConfig{
		MaxAttempts: cfg.IssuanceMaxAttempts,
		Backoff:     cfg.IssuanceRetryBackoff,
	}, logger)
	inventory := service.NewInventoryService(st.inventory, ids, service.InventoryConfig{
		HorizonDays:      cfg.NearlyExpiredHorizonDays,
		ReconcileWorkers: cfg.ReconcileWorkers,
	}, logger)

	return &app{cfg: cfg, logger: logger, stores: st, ids: ids, inventory: inventory}, nil
}

// newLogger writes JSON lines, or console output in development.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(cfg.Level()).With().Timestamp().Logger()
}

func runServer(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.stores.Close()
	logger := app.logger

	// Counters may lag rows written before this store took over issuance.
	if err := app.inventory.SeedCounters(ctx); err != nil {
		return fmt.Errorf("seed counters: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(handler.RequestID())
	e.Use(handler.Logger(logger))
	e.Use(handler.Recovery(logger))
	handler.NewHTTPHandler(app.ids, app.inventory, app.stores.checks).RegisterRoutes(e)

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryLogger(logger)))
	handler.RegisterClinicCoreServer(grpcServer, handler.NewGRPCHandler(app.ids, app.inventory))

	lis, err := net.Listen("tcp", ":"+app.cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("port", app.cfg.GRPCPort).Msg("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("port", app.cfg.HTTPPort).Msg("HTTP server listening")
		if err := e.Start(":" + app.cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownTimeout)
		defer cancel()

		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP shutdown")
		}
		logger.Info().Msg("HTTP server stopped")

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
		logger.Info().Msg("gRPC server stopped")
		return nil
	})

	return g.Wait()
}
