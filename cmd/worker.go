package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/donations/internal/messaging"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long: `Start the background worker to apply payment events from Azure Service Bus,
reconcile donor totals and drain the receipt outbox`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	deps, err := setup(cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	g, ctx := errgroup.WithContext(ctx)

	if deps.busClient != nil {
		consumer, err := messaging.NewPaymentConsumer(deps.busClient, cfg.Azure.PaymentsQueueName, deps.service, deps.metrics)
		if err != nil {
			return err
		}
		defer consumer.Close(context.Background())

		g.Go(func() error {
			return consumer.Run(ctx)
		})
	} else {
		log.Warn().Msg("Service Bus unavailable, payment events will only arrive through the webhook endpoint")
	}

	// Donor totals are maintained incrementally; reconciliation only repairs drift
	jobs := []scheduledJob{{
		name:     "reconcile-donor-totals",
		interval: cfg.Donations.ReconcileInterval,
		run: func(ctx context.Context) {
			report, err := deps.service.ReconcileDonorTotals(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to reconcile donor totals")
				return
			}
			log.Info().
				Int("checked", report.Checked).
				Int("repaired", len(report.Repaired)).
				Msg("Reconciled donor totals")
		},
	}}
	if job, ok := deps.outboxJob(); ok {
		jobs = append(jobs, job)
	}

	g.Go(func() error {
		return runScheduler(ctx, jobs)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return errors.Wrap(err, "worker stopped")
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
