package cmd

import (
	"context"
	"os"
	"strings"
	"time"

	"example.com/backstage/services/donations/config"
	"example.com/backstage/services/donations/internal/api/handlers"
	"example.com/backstage/services/donations/internal/cache"
	"example.com/backstage/services/donations/internal/database"
	"example.com/backstage/services/donations/internal/messaging"
	"example.com/backstage/services/donations/internal/metrics"
	"example.com/backstage/services/donations/internal/outbox"
	"example.com/backstage/services/donations/internal/search"
	"example.com/backstage/services/donations/internal/services"
	"example.com/backstage/services/donations/internal/tracing"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const startupTimeout = 10 * time.Second

// dependencies is everything a command needs to run the donation core
type dependencies struct {
	cfg        config.Config
	db         *gorm.DB
	readOnlyDB *gorm.DB
	metrics    *metrics.Metrics
	tracer     tracing.Tracer
	service    *services.DonationService
	busClient  *azservicebus.Client
	receipts   *outbox.Notifier
	checks     map[string]handlers.HealthCheck
	closers    []func()
}

// loadConfig reads the configuration and applies its logging settings
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return config.Config{}, err
	}
	configureLogging(cfg)
	return cfg, nil
}

func configureLogging(cfg config.Config) {
	if cfg.Environment == "development" || strings.EqualFold(cfg.Logging.Format, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if os.Getenv("LOG_LEVEL") != "" {
		return
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil && cfg.Logging.Level != "" {
		zerolog.SetGlobalLevel(level)
	}
}

// setup connects every configured backend and builds the donation service.
// Optional backends that fail to come up are logged and left out.
func setup(cfg config.Config) (*dependencies, error) {
	deps := &dependencies{
		cfg:     cfg,
		metrics: metrics.NewMetrics(),
		checks:  make(map[string]handlers.HealthCheck),
	}

	db, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}
	deps.db = db
	deps.onClose(func() { database.Close(db) })

	readOnlyDB, err := database.ConnectReadOnly(cfg.DB)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.readOnlyDB = readOnlyDB
	deps.onClose(func() { database.Close(readOnlyDB) })

	deps.checks[metrics.ComponentDatabase] = func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.Disabled()
	}
	deps.tracer = tracer
	deps.onClose(tracer.Close)

	var donationCache services.DonationCache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	} else if redisCache.Enabled() {
		donationCache = redisCache
		deps.checks[metrics.ComponentRedis] = redisCache.Ping
		deps.onClose(func() { redisCache.Close() })
	}

	var indexer services.DonationIndexer
	if cfg.Elastic.Enabled {
		if elasticClient, err := connectElastic(cfg.Elastic); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
		} else {
			indexer = elasticClient
			deps.checks[metrics.ComponentElasticsearch] = elasticClient.Ping
		}
	}

	notifier := deps.setupReceipts(cfg)

	deps.service = services.NewDonationService(
		db, readOnlyDB, donationCache, indexer, notifier, deps.metrics, tracer,
		services.Options{
			TransactionTimeout:   cfg.Donations.TransactionTimeout,
			AllowOrphanDonations: cfg.Donations.AllowOrphanDonations,
		},
	)

	return deps, nil
}

func connectElastic(cfg config.ElasticConfig) (*search.ElasticClient, error) {
	client, err := search.NewElasticClient(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if err := client.EnsureIndex(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// setupReceipts wires the receipt publisher behind the local outbox. It
// returns nil when Service Bus is not configured.
func (d *dependencies) setupReceipts(cfg config.Config) services.ReceiptNotifier {
	if cfg.Azure.QueueConnStr == "" {
		log.Warn().Msg("Azure Service Bus not configured, receipts will not be sent")
		return nil
	}

	client, err := messaging.NewClient(cfg.Azure)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Service Bus client, receipts will not be sent")
		return nil
	}
	d.busClient = client
	d.onClose(func() { client.Close(context.Background()) })

	publisher, err := messaging.NewReceiptPublisher(client, cfg.Azure.ReceiptsQueueName)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create receipt publisher, receipts will not be sent")
		return nil
	}
	d.onClose(func() { publisher.Close(context.Background()) })

	box, err := outbox.Open(cfg.Donations.OutboxPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.Donations.OutboxPath).Msg("Receipt outbox unavailable, failed receipts will be dropped")
		return publisher
	}
	d.onClose(func() { box.Close() })

	d.receipts = outbox.NewNotifier(publisher, box, d.metrics)
	return d.receipts
}

func (d *dependencies) onClose(fn func()) {
	d.closers = append(d.closers, fn)
}

// Close releases resources in reverse order of acquisition
func (d *dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// scheduledJob is a task run on a fixed interval
type scheduledJob struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
}

// outboxJob drains deferred receipts, or returns false when there is no outbox
func (d *dependencies) outboxJob() (scheduledJob, bool) {
	if d.receipts == nil {
		return scheduledJob{}, false
	}
	return scheduledJob{
		name:     "receipt-outbox-drain",
		interval: d.cfg.Donations.OutboxDrainInterval,
		run: func(ctx context.Context) {
			sent, err := d.receipts.Flush(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to drain receipt outbox")
				return
			}
			if sent > 0 {
				log.Info().Int("sent", sent).Msg("Drained deferred receipts")
			}
		},
	}, true
}

// runScheduler runs jobs until ctx is cancelled
func runScheduler(ctx context.Context, jobs []scheduledJob) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if job.interval <= 0 {
			log.Warn().Str("job", job.name).Msg("Job interval not set, skipping")
			continue
		}
		run := job.run
		_, err = scheduler.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(func() { run(ctx) }),
			gocron.WithName(job.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return err
		}
		log.Info().Str("job", job.name).Dur("interval", job.interval).Msg("Scheduled job")
	}

	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}
