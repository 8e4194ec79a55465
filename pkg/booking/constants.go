package booking

import "time"

const (
	operationReserve      = "reserve"
	operationCancel       = "cancel"
	operationGrantCredits = "grant_credits"
	operationCreateClass  = "create_class"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// FallbackBatchCredits is the size of the batch created when a cancelled
	// booking has no batch to return its credit to.
	FallbackBatchCredits = 1

	// CreditValidityMonths is how long purchased and fallback credits stay usable.
	CreditValidityMonths = 6

	defaultEntryListLimit = 50
	maxEntryListLimit     = 500
)

// creditExpiry returns the expiry assigned to batches created at now.
func creditExpiry(now time.Time) time.Time {
	return now.AddDate(0, CreditValidityMonths, 0).UTC()
}
