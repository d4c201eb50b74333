package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesabridge/escrow-backend/internal/models"
)

type usersRepo struct{ pool *pgxpool.Pool }

const userCols = `id, name, phone_cipher, phone_index, role, created_at, updated_at`

func (r *usersRepo) Create(ctx context.Context, u models.User) (models.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (id, name, phone_cipher, phone_index, role)
		 VALUES ($1,$2,$3,$4,$5)
		 RETURNING `+userCols,
		u.ID, u.Name, u.PhoneCipher, u.PhoneIndex, u.Role).
		Scan(&u.ID, &u.Name, &u.PhoneCipher, &u.PhoneIndex, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (r *usersRepo) GetByID(ctx context.Context, id string) (models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Name, &u.PhoneCipher, &u.PhoneIndex, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	return u, notFound(err)
}

func (r *usersRepo) GetByPhoneIndex(ctx context.Context, phoneIndex string) (models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE phone_index=$1`, phoneIndex).
		Scan(&u.ID, &u.Name, &u.PhoneCipher, &u.PhoneIndex, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	return u, notFound(err)
}
