package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	repo "github.com/pesabridge/escrow-backend/internal/repository"
)

type Repositories struct {
	Store     repo.Store
	Users     repo.Users
	AuditLogs repo.AuditLogs
}

func NewRepositories(pool *pgxpool.Pool) Repositories {
	return Repositories{
		Store:     &store{pool},
		Users:     &usersRepo{pool},
		AuditLogs: &auditLogsRepo{pool},
	}
}
