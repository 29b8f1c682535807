package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/donations/internal/api"
	"example.com/backstage/services/donations/internal/database"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server to accept donations and payment webhooks`,
	RunE:  runAPI,
}

var migrateOnStart bool

func init() {
	apiCmd.Flags().BoolVar(&migrateOnStart, "migrate", true, "run database migrations before serving")
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
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

	if migrateOnStart {
		if err := database.Migrate(deps.db); err != nil {
			return errors.Wrap(err, "failed to run migrations")
		}
	}

	server := api.NewServer(cfg, deps.service, deps.metrics, deps.tracer, deps.checks)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start()
	})

	if job, ok := deps.outboxJob(); ok {
		g.Go(func() error {
			return runScheduler(ctx, []scheduledJob{job})
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("API server error")
		return err
	}

	log.Info().Msg("API server stopped")
	return nil
}
