package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "0.0.1"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cartship",
	Short:   "Cartship - multi-carrier shipping quotes and fulfillment",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server, event consumer and tracking worker",
	RunE:  runServe,
}

var syncTrackingCmd = &cobra.Command{
	Use:   "sync-tracking",
	Short: "Refresh tracking status of shipped orders once",
	RunE:  runSyncTracking,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile a merchant's shipping providers with its carrier accounts",
	RunE:  runReconcile,
}

func init() {
	syncTrackingCmd.Flags().StringSlice("merchant", nil, "merchant ids (defaults to TRACKING_MERCHANTS)")
	syncTrackingCmd.Flags().String("order", "", "only sync this order")

	reconcileCmd.Flags().String("merchant", "", "merchant id")
	reconcileCmd.Flags().String("integration", "freightcom", "integration name")
	_ = reconcileCmd.MarkFlagRequired("merchant")

	rootCmd.AddCommand(serveCmd, syncTrackingCmd, reconcileCmd)
}

// setup loads configuration and wires the application.
func setup(ctx context.Context) (*app, *otelzap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := initLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return nil, nil, err
	}
	return a, logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, logger, err := setup(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer a.Close(context.WithoutCancel(ctx))

	logger.Info("Starting Cartship",
		zap.Int("port", a.cfg.Port),
		zap.String("version", a.cfg.Version),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server().Run(gctx); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if a.cfg.KafkaEnabled() {
		c := a.consumer()
		g.Go(func() error {
			defer c.Close()
			return c.Run(gctx)
		})
	}
	if len(a.cfg.TrackingMerchants) > 0 {
		g.Go(func() error {
			return a.tracking.Run(gctx, a.cfg.TrackingInterval, a.cfg.TrackingMerchants)
		})
	}
	return g.Wait()
}

func runSyncTracking(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, logger, err := setup(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer a.Close(context.WithoutCancel(ctx))

	merchants, _ := cmd.Flags().GetStringSlice("merchant")
	if len(merchants) == 0 {
		merchants = a.cfg.TrackingMerchants
	}
	orderID, _ := cmd.Flags().GetString("order")
	if len(merchants) == 0 && orderID == "" {
		return fmt.Errorf("no merchants to sync: pass --merchant or set TRACKING_MERCHANTS")
	}
	if len(merchants) == 0 {
		merchants = []string{""}
	}

	failed := 0
	for _, m := range merchants {
		ok, err := a.tracking.Sync(ctx, m, orderID)
		if !ok {
			failed++
			logger.Warn("Tracking sync failed", zap.String("merchant_id", m), zap.Error(err))
			continue
		}
		logger.Info("Tracking synced", zap.String("merchant_id", m))
	}
	if failed > 0 {
		return fmt.Errorf("tracking sync failed for %d merchant(s)", failed)
	}
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, logger, err := setup(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer a.Close(context.WithoutCancel(ctx))

	merchantID, _ := cmd.Flags().GetString("merchant")
	integration, _ := cmd.Flags().GetString("integration")

	ok, err := a.reconciler.Sync(ctx, a.cfg.ServiceActor, merchantID, integration)
	if err != nil {
		logger.Error("Reconciliation failed",
			zap.String("merchant_id", merchantID),
			zap.String("integration", integration),
			zap.Error(err),
		)
		return err
	}
	logger.Info("Reconciliation finished",
		zap.String("merchant_id", merchantID),
		zap.String("integration", integration),
		zap.Bool("ok", ok),
	)
	return nil
}
