package models

import "time"

// DayFormat is the calendar-day key layout, always UTC.
const DayFormat = "2006-01-02"

// Day returns the calendar-day key for t.
func Day(t time.Time) string { return t.UTC().Format(DayFormat) }

// DailySpend is the per-recipient, per-calendar-day spend counter.
// Exists at most once per (recipient, day); lazily created with the
// configured default limit on first non-exempt reservation.
// LimitMinor == SpentMinor + RemainingMinor always.
type DailySpend struct {
	RecipientUserID string    `json:"recipient_user_id"`
	Day             string    `json:"day"`
	LimitMinor      int64     `json:"limit_minor"`
	SpentMinor      int64     `json:"spent_minor"`
	RemainingMinor  int64     `json:"remaining_minor"`
	TxCount         int       `json:"tx_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}
