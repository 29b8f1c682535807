package messaging

import (
	"context"
	"time"

	"example.com/backstage/services/donations/internal/metrics"
	"example.com/backstage/services/donations/internal/models"
	"example.com/backstage/services/donations/internal/services"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultBatchSize = 10
	settleTimeout    = 10 * time.Second
	receiveBackoff   = 2 * time.Second
)

// PaymentHandler applies a payment success event
type PaymentHandler interface {
	HandlePaymentSucceeded(ctx context.Context, event models.PaymentSucceededEvent) (*models.Donation, error)
}

type messageReceiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
	Close(ctx context.Context) error
}

// Disposition is what happens to a received message after processing
type Disposition int

const (
	// Complete removes the message from the queue
	Complete Disposition = iota
	// Abandon returns the message for redelivery
	Abandon
	// DeadLetter parks a message that can never succeed
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Complete:
		return "complete"
	case Abandon:
		return "abandon"
	case DeadLetter:
		return "dead-letter"
	}
	return "unknown"
}

// PaymentConsumer feeds payment events from a Service Bus queue into the
// donation service
type PaymentConsumer struct {
	receiver  messageReceiver
	handler   PaymentHandler
	metrics   *metrics.Metrics
	queueName string
	batchSize int
}

// NewPaymentConsumer creates a receiver for the payments queue
func NewPaymentConsumer(client *azservicebus.Client, queueName string, handler PaymentHandler, m *metrics.Metrics) (*PaymentConsumer, error) {
	receiver, err := client.NewReceiverForQueue(queueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus receiver")
	}
	return newPaymentConsumer(receiver, queueName, handler, m), nil
}

func newPaymentConsumer(receiver messageReceiver, queueName string, handler PaymentHandler, m *metrics.Metrics) *PaymentConsumer {
	return &PaymentConsumer{
		receiver:  receiver,
		handler:   handler,
		metrics:   m,
		queueName: queueName,
		batchSize: defaultBatchSize,
	}
}

// Run receives and settles messages until ctx is cancelled
func (c *PaymentConsumer) Run(ctx context.Context) error {
	log.Info().Str("queue", c.queueName).Msg("Starting payment event consumer")

	for {
		messages, err := c.receiver.ReceiveMessages(ctx, c.batchSize, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.metrics.SetHealth(metrics.ComponentServiceBus, false)
			log.Error().Err(err).Str("queue", c.queueName).Msg("Error receiving payment events")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveBackoff):
			}
			continue
		}
		c.metrics.SetHealth(metrics.ComponentServiceBus, true)

		for _, message := range messages {
			c.settle(message, c.Process(ctx, message))
		}
	}
}

// Process applies one message and decides how it must be settled
func (c *PaymentConsumer) Process(ctx context.Context, message *azservicebus.ReceivedMessage) Disposition {
	event, err := models.ParsePaymentSucceeded(message.Body)
	if err != nil {
		if errors.Is(err, models.ErrIgnoredEvent) {
			log.Debug().Str("message_id", message.MessageID).Msg("Ignoring non-success payment event")
			return Complete
		}
		log.Error().Err(err).Str("message_id", message.MessageID).Msg("Malformed payment event")
		return DeadLetter
	}

	if _, err := c.handler.HandlePaymentSucceeded(ctx, *event); err != nil {
		if services.CodeOf(err) == services.CodeValidation {
			return DeadLetter
		}
		log.Warn().
			Err(err).
			Str("message_id", message.MessageID).
			Str("transaction_id", event.TransactionID).
			Uint32("delivery_count", message.DeliveryCount).
			Msg("Payment event failed, returning it to the queue")
		return Abandon
	}
	return Complete
}

func (c *PaymentConsumer) settle(message *azservicebus.ReceivedMessage, disposition Disposition) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	var err error
	switch disposition {
	case Complete:
		err = c.receiver.CompleteMessage(ctx, message, nil)
	case Abandon:
		err = c.receiver.AbandonMessage(ctx, message, nil)
	case DeadLetter:
		reason := "InvalidPaymentEvent"
		err = c.receiver.DeadLetterMessage(ctx, message, &azservicebus.DeadLetterOptions{Reason: &reason})
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("message_id", message.MessageID).
			Str("disposition", disposition.String()).
			Msg("Failed to settle payment event")
	}
}

// Close closes the receiver
func (c *PaymentConsumer) Close(ctx context.Context) error {
	return c.receiver.Close(ctx)
}
