package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, provider, provider_event_id, event_type, invoice_id,
			customer_id, amount, currency, occurred_at, created_at
		 FROM payment_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			id, org_id, provider, provider_event_id, event_type, invoice_id,
			customer_id, amount, currency, occurred_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.ID,
		event.OrgID,
		event.Provider,
		event.ProviderEventID,
		event.EventType,
		event.InvoiceID,
		event.CustomerID,
		event.Amount,
		event.Currency,
		event.OccurredAt,
		event.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindCustomerEmail(ctx context.Context, db *gorm.DB, customerID snowflake.ID) (string, error) {
	var row struct {
		Email *string
	}
	err := db.WithContext(ctx).Raw(
		`SELECT email FROM customers WHERE id = ? LIMIT 1`,
		customerID,
	).Scan(&row).Error
	if err != nil || row.Email == nil {
		return "", err
	}
	return *row.Email, nil
}
