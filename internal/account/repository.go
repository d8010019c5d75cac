package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists account metadata.
type Repository interface {
	Create(ctx context.Context, account Account) error
	Get(ctx context.Context, id string) (Account, error)
	FindByUserAndType(ctx context.Context, userID string, typ Type) (Account, error)
	ListByUser(ctx context.Context, userID string) ([]Account, error)
}

// PostgresRepository stores accounts in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts an account record.
func (r *PostgresRepository) Create(ctx context.Context, account Account) error {
	_, err := r.db.Exec(ctx, `INSERT INTO accounts (id, user_id, type, created_at)
        VALUES ($1, NULLIF($2, ''), $3, $4)`, account.ID, account.UserID, string(account.Type), account.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrAccountExists, account.ID)
	}
	return err
}

// Get fetches an account by identifier.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Account, error) {
	row := r.db.QueryRow(ctx, `SELECT id, COALESCE(user_id, ''), type, created_at FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// FindByUserAndType resolves the single account of a type owned by a user.
func (r *PostgresRepository) FindByUserAndType(ctx context.Context, userID string, typ Type) (Account, error) {
	row := r.db.QueryRow(ctx, `SELECT id, COALESCE(user_id, ''), type, created_at
        FROM accounts WHERE user_id = $1 AND type = $2`, userID, string(typ))
	return scanAccount(row)
}

// ListByUser returns every account owned by a user.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]Account, error) {
	rows, err := r.db.Query(ctx, `SELECT id, COALESCE(user_id, ''), type, created_at
        FROM accounts WHERE user_id = $1 ORDER BY type`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a         Account
		typ       string
		createdAt time.Time
	)
	if err := row.Scan(&a.ID, &a.UserID, &typ, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	a.Type = Type(typ)
	a.CreatedAt = createdAt.UTC()
	return a, nil
}
