package services

import (
	"context"

	"example.com/backstage/services/donations/internal/models"
)

// ReceiptNotifier hands a committed donation's receipt to the mailer
type ReceiptNotifier interface {
	SendReceipt(ctx context.Context, receipt *models.Receipt) error
}

// DonationIndexer keeps the donation search index
type DonationIndexer interface {
	IndexDonation(ctx context.Context, donation *models.Donation) error
	SearchDonations(ctx context.Context, query models.DonationSearch) ([]models.DonationResponse, error)
}

// DonationCache stores completed donation records. A miss returns nil, nil.
type DonationCache interface {
	GetDonation(ctx context.Context, id uint) (*models.Donation, error)
	SetDonation(ctx context.Context, donation *models.Donation) error
}
