// Package services is the relational data access layer. Every method
// borrows a pool connection for single statements only; what crosses the
// package boundary is detached value types, never SQL handles. That rule
// is what keeps the pool solvent while responses stream for minutes.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mindcanvas/mindcanvas/pkg/config"
	"github.com/mindcanvas/mindcanvas/pkg/database"
	"github.com/mindcanvas/mindcanvas/pkg/models"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// AuthService verifies credentials and produces detached authorization
// records.
type AuthService struct {
	db  *sql.DB
	cfg config.AuthConfig
}

// NewAuthService creates the authenticator.
func NewAuthService(client *database.Client, cfg config.AuthConfig) *AuthService {
	return &AuthService{db: client.DB(), cfg: cfg}
}

type apiKeyRow struct {
	ID         int64      `db:"id"`
	OrgID      *int64     `db:"org_id"`
	QuotaLimit *int64     `db:"quota_limit"`
	UsageCount int64      `db:"usage_count"`
	IsActive   bool       `db:"is_active"`
	ExpiresAt  *time.Time `db:"expires_at"`
	OrgLocked  *bool      `db:"org_locked"`
	OrgExpires *time.Time `db:"org_expires_at"`
}

// AuthenticateAPIKey resolves a machine credential. One joined SELECT,
// then one usage bump; no handle survives the call.
func (s *AuthService) AuthenticateAPIKey(ctx context.Context, secret string) (*models.AuthContext, error) {
	if secret == "" {
		return nil, ErrCredentialInvalid
	}

	query, args, err := psql.
		Select("k.id", "k.org_id", "k.quota_limit", "k.usage_count", "k.is_active", "k.expires_at",
			"o.locked AS org_locked", "o.expires_at AS org_expires_at").
		From("api_keys k").
		LeftJoin("organizations o ON o.id = k.org_id").
		Where(sq.Eq{"k.secret": secret}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build api key query: %w", err)
	}

	var row apiKeyRow
	if err := sqlscan.Get(ctx, s.db, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialInvalid
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	now := time.Now()
	if !row.IsActive || (row.ExpiresAt != nil && row.ExpiresAt.Before(now)) {
		return nil, ErrCredentialInvalid
	}
	if row.OrgID != nil {
		org := models.Organization{Locked: row.OrgLocked != nil && *row.OrgLocked, ExpiresAt: row.OrgExpires}
		if !org.Active(now) {
			return nil, ErrOrgInactive
		}
	}
	key := models.APIKey{QuotaLimit: row.QuotaLimit, UsageCount: row.UsageCount}
	if key.QuotaExhausted() {
		return nil, ErrQuotaExceeded
	}

	if err := s.bumpKeyUsage(ctx, row.ID); err != nil {
		// Accounting only; the request proceeds.
		slog.Warn("Failed to bump api key usage", "key_id", row.ID, "error", err)
	}

	keyID := row.ID
	return &models.AuthContext{OrgID: row.OrgID, APIKeyID: &keyID}, nil
}

func (s *AuthService) bumpKeyUsage(ctx context.Context, keyID int64) error {
	query, args, err := psql.
		Update("api_keys").
		Set("usage_count", sq.Expr("usage_count + 1")).
		Where(sq.Eq{"id": keyID}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// tokenClaims is the JWT payload for interactive users.
type tokenClaims struct {
	UserID   int64  `json:"uid"`
	IsAdmin  bool   `json:"adm"`
	Language string `json:"lang,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken mints a signed token for a user, typically right after SMS
// verification.
func (s *AuthService) IssueToken(user *models.User, language string) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		UserID:   user.ID,
		IsAdmin:  user.IsAdmin,
		Language: language,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenExpiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.cfg.JWTSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

type userRow struct {
	ID         int64      `db:"id"`
	IsAdmin    bool       `db:"is_admin"`
	IsActive   bool       `db:"is_active"`
	OrgID      *int64     `db:"org_id"`
	OrgLocked  *bool      `db:"org_locked"`
	OrgExpires *time.Time `db:"org_expires_at"`
}

// AuthenticateToken verifies a bearer token and re-checks the user's
// standing with a single joined SELECT.
func (s *AuthService) AuthenticateToken(ctx context.Context, tokenString string) (*models.AuthContext, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.cfg.JWTSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialInvalid, err)
	}

	query, args, err := psql.
		Select("u.id", "u.is_admin", "u.is_active", "u.org_id",
			"o.locked AS org_locked", "o.expires_at AS org_expires_at").
		From("users u").
		LeftJoin("organizations o ON o.id = u.org_id").
		Where(sq.Eq{"u.id": claims.UserID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build user query: %w", err)
	}

	var row userRow
	if err := sqlscan.Get(ctx, s.db, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialInvalid
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if !row.IsActive {
		return nil, ErrCredentialInvalid
	}
	if row.OrgID != nil {
		org := models.Organization{Locked: row.OrgLocked != nil && *row.OrgLocked, ExpiresAt: row.OrgExpires}
		if !org.Active(time.Now()) {
			return nil, ErrOrgInactive
		}
	}

	return &models.AuthContext{
		UserID:   row.ID,
		OrgID:    row.OrgID,
		IsAdmin:  row.IsAdmin,
		Language: claims.Language,
	}, nil
}

// EnsureUser returns the user for a verified phone, creating the row on
// first login. One upsert statement.
func (s *AuthService) EnsureUser(ctx context.Context, phone string) (*models.User, error) {
	if phone == "" {
		return nil, NewValidationError("phone", "must not be empty")
	}
	query, args, err := psql.
		Insert("users").
		Columns("phone").
		Values(phone).
		Suffix("ON CONFLICT (phone) DO UPDATE SET phone = EXCLUDED.phone " +
			"RETURNING id, phone, is_admin, is_active, org_id, created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build user upsert: %w", err)
	}

	var user models.User
	if err := sqlscan.Get(ctx, s.db, &user, query, args...); err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return &user, nil
}
