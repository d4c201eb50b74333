package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesabridge/escrow-backend/internal/apperr"
	"github.com/pesabridge/escrow-backend/internal/auth"
	"github.com/pesabridge/escrow-backend/internal/crypto"
	"github.com/pesabridge/escrow-backend/internal/models"
	repo "github.com/pesabridge/escrow-backend/internal/repository"
)

// UserService registers users and issues tokens. Phone numbers never hit the
// database in the clear: the column is ciphertext and lookups use the
// deterministic blind index.
type UserService struct {
	users  repo.Users
	audits repo.AuditLogs
	cipher *crypto.Cipher
	tokens *auth.TokenManager
	log    *slog.Logger
}

func NewUserService(users repo.Users, audits repo.AuditLogs, cipher *crypto.Cipher, tokens *auth.TokenManager, log *slog.Logger) *UserService {
	return &UserService{users: users, audits: audits, cipher: cipher, tokens: tokens, log: log}
}

type RegisterInput struct {
	Name  string          `json:"name"`
	Phone string          `json:"phone"`
	Role  models.UserRole `json:"role"`
}

func normalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(phone))
}

func (s *UserService) Register(ctx context.Context, in RegisterInput) (models.User, error) {
	phone := normalizePhone(in.Phone)
	if len(phone) < 7 {
		return models.User{}, fmt.Errorf("%w: phone number too short", apperr.ErrInvalidArgument)
	}
	u := models.User{Name: strings.TrimSpace(in.Name), Role: in.Role}
	if err := u.Validate(); err != nil {
		return models.User{}, fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err)
	}

	idx := s.cipher.BlindIndex(phone)
	if _, err := s.users.GetByPhoneIndex(ctx, idx); err == nil {
		return models.User{}, fmt.Errorf("%w: phone already registered", apperr.ErrInvalidArgument)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return models.User{}, err
	}

	cipherText, err := s.cipher.Encrypt(phone)
	if err != nil {
		return models.User{}, fmt.Errorf("encrypt phone: %w", err)
	}
	now := time.Now()
	u.ID = uuid.NewString()
	u.PhoneCipher = cipherText
	u.PhoneIndex = idx
	u.CreatedAt = now
	u.UpdatedAt = now

	created, err := s.users.Create(ctx, u)
	if err != nil {
		return models.User{}, err
	}
	if err := s.audits.Create(ctx, models.AuditLog{
		ActorID:    &created.ID,
		EntityType: "user",
		EntityID:   &created.ID,
		Action:     "registered",
		Details:    map[string]any{"role": created.Role},
	}); err != nil {
		s.log.Warn("audit write failed", "err", err)
	}
	return created, nil
}

// Login resolves a phone number to a user and issues a token pair. The
// pre-login OTP challenge happens upstream at the gateway.
func (s *UserService) Login(ctx context.Context, phone string) (models.User, auth.TokenPair, error) {
	u, err := s.users.GetByPhoneIndex(ctx, s.cipher.BlindIndex(normalizePhone(phone)))
	if err != nil {
		return models.User{}, auth.TokenPair{}, err
	}
	pair, err := s.tokens.IssuePair(u.ID, string(u.Role))
	if err != nil {
		return models.User{}, auth.TokenPair{}, fmt.Errorf("issue tokens: %w", err)
	}
	return u, pair, nil
}

func (s *UserService) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	return s.tokens.Refresh(refreshToken)
}

func (s *UserService) Get(ctx context.Context, id string) (models.User, error) {
	return s.users.GetByID(ctx, id)
}
