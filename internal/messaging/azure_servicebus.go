package messaging

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/services/donations/config"
	"example.com/backstage/services/donations/internal/models"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
)

const receiptSource = "donations"

// NewClient creates an Azure Service Bus client from the configured
// connection string
func NewClient(cfg config.AzureConfig) (*azservicebus.Client, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}
	return client, nil
}

type messageSender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// ReceiptPublisher publishes donation receipts for the mailer
type ReceiptPublisher struct {
	sender    messageSender
	queueName string
}

// NewReceiptPublisher creates a sender for the receipts queue
func NewReceiptPublisher(client *azservicebus.Client, queueName string) (*ReceiptPublisher, error) {
	sender, err := client.NewSender(queueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}
	return &ReceiptPublisher{sender: sender, queueName: queueName}, nil
}

// SendReceipt sends a receipt to the Service Bus queue
func (p *ReceiptPublisher) SendReceipt(ctx context.Context, receipt *models.Receipt) error {
	msg, err := NewReceiptMessage(receipt)
	if err != nil {
		return err
	}
	if err := p.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrapf(err, "failed to send receipt to %s", p.queueName)
	}
	return nil
}

// NewReceiptMessage builds the Service Bus message for a receipt. The message
// id is derived from the donation so duplicate detection drops resends.
func NewReceiptMessage(receipt *models.Receipt) (*azservicebus.Message, error) {
	data, err := json.Marshal(receipt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal receipt")
	}

	messageID := "receipt-" + receipt.DonationID
	contentType := "application/json"
	subject := "donation.receipt"

	return &azservicebus.Message{
		Body:        data,
		MessageID:   &messageID,
		ContentType: &contentType,
		Subject:     &subject,
		ApplicationProperties: map[string]interface{}{
			"source": receiptSource,
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// Close closes the sender
func (p *ReceiptPublisher) Close(ctx context.Context) error {
	if p.sender == nil {
		return nil
	}
	return p.sender.Close(ctx)
}
