package models

// ReconciliationReport lists money-moving work that exhausted retries or
// never heard back from a rail. Rows here are never retried automatically;
// an operator decides.
type ReconciliationReport struct {
	FailedActivations []Escrow             `json:"failed_activations"`
	FailedPayments    []PaymentRequest     `json:"failed_payments"`
	FailedOfframps    []OfframpTransaction `json:"failed_offramps"`
	StuckIntents      []FundingIntent      `json:"stuck_intents"`
}
