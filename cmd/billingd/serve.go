package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// eventPurger is implemented by stores whose delivery markers do not expire
// on their own.
type eventPurger interface {
	PurgeEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

func serveCmd() *cobra.Command {
	var purgeInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the billing HTTP server.

Routes:
  POST /webhooks/stripe                         Stripe webhooks
  POST /webhooks/paystack                       Paystack webhooks
  POST /subscriptions/create/stripe             start Stripe checkout
  POST /subscriptions/create/paystack           start Paystack checkout
  GET  /subscriptions/verify/paystack/{ref}     verify a Paystack payment
  GET  /subscriptions, /subscriptions/{userId}  admin (bearer token)
  GET  /metrics, /healthz`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := a.router()
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.logger.Info("billingd listening",
					billing.Field{Key: "addr", Value: cfg.Listen},
					billing.Field{Key: "storage", Value: cfg.Storage.Backend},
					billing.Field{Key: "stripe", Value: a.stripe != nil},
					billing.Field{Key: "paystack", Value: a.paystack != nil},
				)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				a.logger.Info("shutting down")
				return srv.Shutdown(shutdownCtx)
			})
			if p, ok := a.store.Storage.(eventPurger); ok && purgeInterval > 0 {
				g.Go(func() error {
					purgeLoop(gctx, a.logger, p, purgeInterval, cfg.Storage.EventTTL)
					return nil
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().DurationVar(&purgeInterval, "purge-interval", time.Hour,
		"how often expired delivery markers are purged (gorm storage); 0 disables")
	return cmd
}

func purgeLoop(ctx context.Context, logger billing.Logger, p eventPurger, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeEvents(ctx, time.Now().Add(-ttl))
			if err != nil {
				logger.Warn("failed to purge delivery markers", billing.Err(err))
				continue
			}
			if n > 0 {
				logger.Debug("purged delivery markers", billing.Field{Key: "count", Value: n})
			}
		}
	}
}
