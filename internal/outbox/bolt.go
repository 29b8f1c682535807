// Package outbox keeps receipts whose dispatch failed in a local BoltDB file
// until the worker can deliver them.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/services/donations/internal/metrics"
	"example.com/backstage/services/donations/internal/models"

	bolt "github.com/boltdb/bolt"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const bucketName = "receipts"

// ReceiptSender delivers a receipt
type ReceiptSender interface {
	SendReceipt(ctx context.Context, receipt *models.Receipt) error
}

// Outbox is a BoltDB-backed queue of undelivered receipts keyed by donation id
type Outbox struct {
	db *bolt.DB
}

// Open opens (or creates) the outbox file at path
func Open(path string) (*Outbox, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open receipt outbox")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create receipt bucket")
	}

	return &Outbox{db: db}, nil
}

// Close releases the file lock
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Put stores a receipt unless one for the same donation is already waiting.
// It reports whether the receipt was stored.
func (o *Outbox) Put(receipt *models.Receipt) (bool, error) {
	stored := false
	err := o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b.Get([]byte(receipt.DonationID)) != nil {
			return nil
		}

		data, err := json.Marshal(receipt)
		if err != nil {
			return err
		}
		stored = true
		return b.Put([]byte(receipt.DonationID), data)
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to store receipt")
	}
	return stored, nil
}

// Pending returns every waiting receipt
func (o *Outbox) Pending() ([]models.Receipt, error) {
	receipts := []models.Receipt{}
	err := o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(k, v []byte) error {
			var r models.Receipt
			if err := json.Unmarshal(v, &r); err != nil {
				return errors.Wrapf(err, "corrupt receipt %s", k)
			}
			receipts = append(receipts, r)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to read receipt outbox")
	}
	return receipts, nil
}

func (o *Outbox) remove(donationID string) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(donationID))
	})
}

// Drain tries to deliver every waiting receipt through sender. Delivered
// receipts are removed; failed ones stay for the next run.
func (o *Outbox) Drain(ctx context.Context, sender ReceiptSender) (int, error) {
	receipts, err := o.Pending()
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range receipts {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}

		receipt := &receipts[i]
		if err := sender.SendReceipt(ctx, receipt); err != nil {
			log.Warn().Err(err).Str("donation_id", receipt.DonationID).Msg("Receipt still undeliverable")
			continue
		}
		if err := o.remove(receipt.DonationID); err != nil {
			return sent, errors.Wrap(err, "failed to remove delivered receipt")
		}
		sent++
	}
	return sent, nil
}

// Notifier sends receipts through next and parks failures in the outbox
type Notifier struct {
	next    ReceiptSender
	outbox  *Outbox
	metrics *metrics.Metrics
}

// NewNotifier wraps next with the outbox
func NewNotifier(next ReceiptSender, outbox *Outbox, m *metrics.Metrics) *Notifier {
	return &Notifier{next: next, outbox: outbox, metrics: m}
}

// SendReceipt delivers the receipt or stores it for later. It only fails when
// the receipt could be neither sent nor stored.
func (n *Notifier) SendReceipt(ctx context.Context, receipt *models.Receipt) error {
	sendErr := n.next.SendReceipt(ctx, receipt)
	if sendErr == nil {
		return nil
	}

	if _, err := n.outbox.Put(receipt); err != nil {
		return errors.Wrapf(err, "receipt dispatch failed (%v) and could not be stored", sendErr)
	}

	n.metrics.IncrementCounter(metrics.ReceiptsDeferred)
	log.Warn().Err(sendErr).Str("donation_id", receipt.DonationID).Msg("Receipt deferred to outbox")
	return nil
}

// Flush drains the outbox through the wrapped sender
func (n *Notifier) Flush(ctx context.Context) (int, error) {
	return n.outbox.Drain(ctx, n.next)
}
