package domain

import "errors"

var (
	ErrWebhookNotConfigured = errors.New("webhook_not_configured")
	ErrProviderNotFound     = errors.New("webhook_provider_not_found")
	ErrInvalidSignature     = errors.New("invalid_signature")
	ErrInvalidPayload       = errors.New("invalid_payload")
	ErrTenantUnresolved     = errors.New("tenant_unresolved")
	ErrPayloadConflict      = errors.New("payload_conflict")
	ErrTenantConflict       = errors.New("tenant_conflict")
	ErrProcessingFailed     = errors.New("processing_failed")
	ErrLedgerNotFound       = errors.New("ledger_entry_not_found")
	ErrAlreadyProcessed     = errors.New("already_processed")
	ErrClaimLost            = errors.New("ledger_claim_lost")
)
