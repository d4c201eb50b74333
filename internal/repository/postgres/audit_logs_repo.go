package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesabridge/escrow-backend/internal/models"
)

type auditLogsRepo struct{ pool *pgxpool.Pool }

func (r *auditLogsRepo) Create(ctx context.Context, l models.AuditLog) error {
	var det []byte
	if l.Details != nil {
		var err error
		if det, err = json.Marshal(l.Details); err != nil {
			return err
		}
	}
	if l.Outcome == "" {
		l.Outcome = "ok"
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_logs (actor_id, entity_type, entity_id, action, details, outcome)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		l.ActorID, l.EntityType, l.EntityID, l.Action, det, l.Outcome)
	return err
}
