package services

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/services/donations/internal/metrics"
	"example.com/backstage/services/donations/internal/models"
	"example.com/backstage/services/donations/internal/money"
	"example.com/backstage/services/donations/internal/repositories"
	"example.com/backstage/services/donations/internal/tracing"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DefaultTransactionTimeout bounds a single donation transaction
const DefaultTransactionTimeout = 30 * time.Second

// Options tunes the donation service
type Options struct {
	TransactionTimeout time.Duration
	// AllowOrphanDonations records donations whose campaign no longer exists
	// instead of failing them with CAMPAIGN_NOT_FOUND.
	AllowOrphanDonations bool
}

// DonationService keeps donations, campaign progress and donor ledgers
// consistent with each other
type DonationService struct {
	db           *gorm.DB // Write database
	readOnlyDB   *gorm.DB // Read-only database
	donationRepo *repositories.DonationRepository
	campaignRepo *repositories.CampaignRepository
	donorRepo    *repositories.DonorRepository
	userRepo     *repositories.UserRepository
	eventRepo    *repositories.PaymentEventRepository
	cache        DonationCache
	indexer      DonationIndexer
	notifier     ReceiptNotifier
	metrics      *metrics.Metrics
	tracer       tracing.Tracer
	opts         Options
}

// NewDonationService creates a new donation service. cache, indexer and
// notifier are optional.
func NewDonationService(
	db *gorm.DB,
	readOnlyDB *gorm.DB,
	cache DonationCache,
	indexer DonationIndexer,
	notifier ReceiptNotifier,
	m *metrics.Metrics,
	tracer tracing.Tracer,
	opts Options,
) *DonationService {
	if readOnlyDB == nil {
		readOnlyDB = db
	}
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	if opts.TransactionTimeout <= 0 {
		opts.TransactionTimeout = DefaultTransactionTimeout
	}

	return &DonationService{
		db:           db,
		readOnlyDB:   readOnlyDB,
		donationRepo: repositories.NewDonationRepository(db, readOnlyDB),
		campaignRepo: repositories.NewCampaignRepository(db),
		donorRepo:    repositories.NewDonorRepository(db),
		userRepo:     repositories.NewUserRepository(db),
		eventRepo:    repositories.NewPaymentEventRepository(db),
		cache:        cache,
		indexer:      indexer,
		notifier:     notifier,
		metrics:      m,
		tracer:       tracer,
		opts:         opts,
	}
}

// CreateDonation records a direct donation and applies it to the campaign and
// the donor ledger in one transaction
func (s *DonationService) CreateDonation(ctx context.Context, input models.DonationInput, caller *models.Caller) (*models.Donation, error) {
	start := time.Now()
	txn := s.tracer.StartTransaction("create-donation")
	defer s.tracer.EndTransaction(txn)

	donation, progress, err := s.createDonation(ctx, input, caller, txn)
	s.metrics.ObserveOperation(metrics.OperationCreate, start, err)
	if err != nil {
		s.tracer.RecordError(txn, err)
		log.Error().
			Err(err).
			Uint("campaign_id", input.CampaignID).
			Str("code", string(CodeOf(err))).
			Msg("Failed to create donation")
		return nil, err
	}

	s.metrics.IncrementCounter(metrics.DonationsCreated)
	s.recordProgress(donation, progress)

	log.Info().
		Uint("donation_id", donation.ID).
		Uint("campaign_id", donation.CampaignID).
		Str("donor_id", donation.DonorID.String()).
		Str("amount", money.String(donation.Amount)).
		Str("currency", donation.Currency).
		Msg("Donation created")

	email := ""
	if caller != nil {
		email = caller.Email
	}
	if email == "" {
		email = s.lookupEmail(ctx, donation.DonorID)
	}
	s.publish(ctx, donation, email, txn)

	return donation, nil
}

func (s *DonationService) createDonation(ctx context.Context, input models.DonationInput, caller *models.Caller, txn *newrelic.Transaction) (*models.Donation, *repositories.Progress, error) {
	currency, err := validateDonationInput(&input)
	if err != nil {
		return nil, nil, err
	}

	donorID := models.AnonymousDonorID
	if caller != nil && caller.ID != uuid.Nil {
		donorID = caller.ID
	}

	status := input.PaymentStatus
	if status == "" {
		status = models.PaymentStatusPending
	}
	donatedAt := time.Now().UTC()
	if input.DonatedAt != nil && !input.DonatedAt.IsZero() {
		donatedAt = input.DonatedAt.UTC()
	}
	taxDeductible := true
	if input.IsTaxDeductible != nil {
		taxDeductible = *input.IsTaxDeductible
	}

	donation := &models.Donation{
		DonorID:         donorID,
		CampaignID:      input.CampaignID,
		Amount:          input.Amount,
		Currency:        currency,
		DonationType:    input.DonationType,
		PaymentMethod:   input.PaymentMethod,
		PaymentStatus:   status,
		TransactionID:   input.TransactionID,
		IsTaxDeductible: taxDeductible,
		Notes:           input.Notes,
		DonatedAt:       donatedAt,
	}

	var progress *repositories.Progress
	err = s.inTransaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		span := s.tracer.StartSpan("provision-donor", txn)
		err := s.provisionDonor(ctx, tx, donorID)
		span.End()
		if err != nil {
			return err
		}

		span = s.tracer.StartSpan("insert-donation", txn)
		err = s.donationRepo.WithTx(tx).Create(ctx, donation)
		span.End()
		if err != nil {
			return err
		}

		span = s.tracer.StartSpan("apply-aggregates", txn)
		progress, err = s.applyAggregates(ctx, tx, donation)
		span.End()
		return err
	})
	if err != nil {
		return nil, nil, classify(err, CodeDonationCreate, "failed to create donation")
	}

	return donation, progress, nil
}

type webhookOutcome struct {
	progress  *repositories.Progress
	created   bool
	duplicate bool
	// details were saved on an already completed donation
	refreshed bool
}

// HandlePaymentSucceeded applies a payment processor success event. Repeated
// or concurrent deliveries of the same transaction id settle on one completed
// donation whose amount is counted exactly once.
func (s *DonationService) HandlePaymentSucceeded(ctx context.Context, event models.PaymentSucceededEvent) (*models.Donation, error) {
	start := time.Now()
	txn := s.tracer.StartTransaction("payment-webhook")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "transaction_id", event.TransactionID)

	donation, outcome, err := s.handlePaymentSucceeded(ctx, &event, txn)
	s.metrics.ObserveOperation(metrics.OperationWebhook, start, err)
	if err != nil {
		s.tracer.RecordError(txn, err)
		log.Error().
			Err(err).
			Str("transaction_id", event.TransactionID).
			Uint("campaign_id", event.CampaignID).
			Str("code", string(CodeOf(err))).
			Msg("Failed to process payment event")
		return nil, err
	}

	s.metrics.IncrementCounter(metrics.WebhooksProcessed)
	if outcome.duplicate {
		s.metrics.IncrementCounter(metrics.WebhookDuplicates)
		log.Info().
			Uint("donation_id", donation.ID).
			Str("transaction_id", event.TransactionID).
			Msg("Payment event already applied")
		if outcome.refreshed && s.cache != nil {
			if err := s.cache.SetDonation(ctx, donation); err != nil {
				log.Warn().Err(err).Uint("donation_id", donation.ID).Msg("Failed to cache donation")
			}
		}
		return donation, nil
	}

	s.recordProgress(donation, outcome.progress)
	log.Info().
		Uint("donation_id", donation.ID).
		Str("transaction_id", event.TransactionID).
		Uint("campaign_id", donation.CampaignID).
		Str("amount", money.String(donation.Amount)).
		Bool("created", outcome.created).
		Msg("Payment event applied")

	s.publish(ctx, donation, s.lookupEmail(ctx, donation.DonorID), txn)
	return donation, nil
}

func (s *DonationService) handlePaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent, txn *newrelic.Transaction) (*models.Donation, webhookOutcome, error) {
	var out webhookOutcome

	currency, err := validatePaymentEvent(event)
	if err != nil {
		return nil, out, err
	}
	donorID, _ := event.ResolveDonorID()
	amount := money.FromMinorUnits(event.Amount, currency)
	txnID := event.TransactionID

	var receiptURL *string
	if event.ReceiptURL != "" {
		url := event.ReceiptURL
		receiptURL = &url
	}
	donationType := event.DonationType
	if donationType == "" {
		donationType = models.DonationTypeOneTime
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, out, validationError("payment event is not serialisable", err)
	}

	var donation *models.Donation
	err = s.inTransaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		donations := s.donationRepo.WithTx(tx)

		span := s.tracer.StartSpan("find-donation", txn)
		existing, err := donations.FindByTransactionID(ctx, txnID)
		span.End()

		switch {
		case errors.Is(err, repositories.ErrNotFound):
			if err := s.provisionDonor(ctx, tx, donorID); err != nil {
				return err
			}

			candidate := &models.Donation{
				DonorID:         donorID,
				CampaignID:      event.CampaignID,
				Amount:          amount,
				Currency:        currency,
				DonationType:    donationType,
				PaymentMethod:   event.PaymentMethod,
				PaymentStatus:   models.PaymentStatusCompleted,
				TransactionID:   &txnID,
				ReceiptURL:      receiptURL,
				IsTaxDeductible: true,
				DonatedAt:       event.DonatedAt(),
			}
			created, err := donations.CreateIfAbsent(ctx, candidate)
			if err != nil {
				return err
			}
			if created {
				existing = candidate
				out.created = true
			} else {
				// A concurrent delivery inserted the row first
				existing, err = donations.FindByTransactionID(ctx, txnID)
				if err != nil {
					return errors.Wrap(err, "failed to re-read donation after concurrent insert")
				}
			}
		case err != nil:
			return err
		}

		if !out.created && !existing.Amount.Equal(amount) {
			log.Warn().
				Uint("donation_id", existing.ID).
				Str("transaction_id", txnID).
				Str("recorded", money.String(existing.Amount)).
				Str("event", money.String(amount)).
				Msg("Payment amount differs from recorded donation, keeping recorded amount")
		}

		// A completed donation still takes the event's payment details.
		statusChanged := !existing.IsCompleted()
		if statusChanged || paymentDetailsDiffer(existing, event.PaymentMethod, receiptURL) {
			err := donations.MarkCompleted(ctx, existing, repositories.CompletionUpdates{
				TransactionID: &txnID,
				PaymentMethod: event.PaymentMethod,
				ReceiptURL:    receiptURL,
			})
			if err != nil {
				return err
			}
			out.refreshed = !statusChanged
		}

		if existing.AggregatesApplied {
			out.duplicate = !statusChanged
		} else {
			if !out.created {
				if err := s.provisionDonor(ctx, tx, existing.DonorID); err != nil {
					return err
				}
			}
			span := s.tracer.StartSpan("apply-aggregates", txn)
			out.progress, err = s.applyAggregates(ctx, tx, existing)
			span.End()
			if err != nil {
				return err
			}
		}

		err = s.eventRepo.WithTx(tx).Record(ctx, &models.PaymentEvent{
			TransactionID: txnID,
			DonationID:    existing.ID,
			Duplicate:     out.duplicate,
			Payload:       datatypes.JSON(payload),
		})
		if err != nil {
			return err
		}

		donation = existing
		return nil
	})
	if err != nil {
		return nil, webhookOutcome{}, classify(err, CodePaymentDonation, "failed to process payment event")
	}

	return donation, out, nil
}

// inTransaction runs fn in one database transaction bounded by the
// configured timeout. Any error rolls everything back.
func (s *DonationService) inTransaction(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.TransactionTimeout)
	defer cancel()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, tx)
	})
}

// provisionDonor makes sure the donor ledger exists and flags real users as
// donors
func (s *DonationService) provisionDonor(ctx context.Context, tx *gorm.DB, donorID uuid.UUID) error {
	if err := s.donorRepo.WithTx(tx).EnsureDonor(ctx, donorID); err != nil {
		return err
	}
	if donorID == models.AnonymousDonorID {
		return nil
	}
	return s.userRepo.WithTx(tx).MarkAsDonor(ctx, donorID)
}

// applyAggregates adds the donation to its campaign and donor ledger and
// flags it so no later path applies it again
func (s *DonationService) applyAggregates(ctx context.Context, tx *gorm.DB, donation *models.Donation) (*repositories.Progress, error) {
	progress, err := s.campaignRepo.WithTx(tx).ApplyDonation(ctx, donation.CampaignID, donation.Amount)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		if !s.opts.AllowOrphanDonations {
			return nil, newError(CodeCampaignNotFound, "campaign not found", err)
		}
		log.Warn().
			Uint("campaign_id", donation.CampaignID).
			Uint("donation_id", donation.ID).
			Msg("Campaign not found, donation recorded without campaign progress")
		progress = nil
	case err != nil:
		return nil, err
	}

	recurring := donation.DonationType == models.DonationTypeRecurring
	err = s.donorRepo.WithTx(tx).ApplyDonation(ctx, donation.DonorID, donation.Amount, donation.DonatedAt, recurring)
	if err != nil {
		return nil, errors.Wrap(err, "failed to apply donation to donor ledger")
	}

	if err := s.donationRepo.WithTx(tx).MarkAggregatesApplied(ctx, donation.ID); err != nil {
		return nil, err
	}
	donation.AggregatesApplied = true

	return progress, nil
}

func paymentDetailsDiffer(d *models.Donation, method string, receiptURL *string) bool {
	if method != "" && method != d.PaymentMethod {
		return true
	}
	return receiptURL != nil && (d.ReceiptURL == nil || *d.ReceiptURL != *receiptURL)
}

func (s *DonationService) recordProgress(donation *models.Donation, progress *repositories.Progress) {
	if progress == nil || !progress.DidComplete {
		return
	}
	s.metrics.IncrementCounter(metrics.CampaignsCompleted)
	log.Info().
		Uint("campaign_id", donation.CampaignID).
		Uint("donation_id", donation.ID).
		Str("current_amount", money.String(progress.NewCurrentAmount)).
		Msg("Campaign reached its goal")
}

// publish runs the post-commit side effects. None of them can undo the
// committed donation; failures are logged.
func (s *DonationService) publish(ctx context.Context, donation *models.Donation, email string, txn *newrelic.Transaction) {
	if s.cache != nil && donation.IsCompleted() {
		if err := s.cache.SetDonation(ctx, donation); err != nil {
			log.Warn().Err(err).Uint("donation_id", donation.ID).Msg("Failed to cache donation")
		}
	}

	if s.indexer != nil {
		span := s.tracer.StartSpan("index-donation", txn)
		err := s.indexer.IndexDonation(ctx, donation)
		span.End()
		if err != nil {
			log.Warn().Err(err).Uint("donation_id", donation.ID).Msg("Failed to index donation")
		}
	}

	if s.notifier != nil {
		span := s.tracer.StartSpan("send-receipt", txn)
		err := s.notifier.SendReceipt(ctx, models.NewReceipt(donation, email))
		span.End()
		if err != nil {
			log.Warn().Err(err).Uint("donation_id", donation.ID).Msg("Failed to dispatch donation receipt")
			return
		}
		s.metrics.IncrementCounter(metrics.ReceiptsDispatched)
	}
}

func (s *DonationService) lookupEmail(ctx context.Context, donorID uuid.UUID) string {
	if donorID == models.AnonymousDonorID {
		return ""
	}
	user, err := s.userRepo.GetByID(ctx, donorID)
	if err != nil {
		return ""
	}
	return user.Email
}

// classify maps an internal failure onto the error taxonomy
func classify(err error, fallback Code, message string) error {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr
	}
	if errors.Is(err, repositories.ErrInvalidAmount) || errors.Is(err, repositories.ErrInvalidReference) {
		return validationError(err.Error(), err)
	}
	return newError(fallback, message, err)
}
