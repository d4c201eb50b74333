package models

import "time"

// AuditLog records every state-changing action: who did it, what it touched,
// and the outcome. Append-only.
type AuditLog struct {
	ID         string         `json:"id"`
	ActorID    *string        `json:"actor_id,omitempty"`
	EntityType string         `json:"entity_type"`
	EntityID   *string        `json:"entity_id,omitempty"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details,omitempty"`
	Outcome    string         `json:"outcome"`
	CreatedAt  time.Time      `json:"created_at"`
}
