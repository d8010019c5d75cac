package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	commitMaxTries         = 5
)

// PostgresStore persists journals, entries and the balance projection in PostgreSQL.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Commit appends the journal and updates the projection in one read-committed transaction.
// Projection rows are locked with FOR UPDATE in sorted key order, so two journals touching the same
// (account, asset) serialise on the row lock and each sees the other's committed balance.
// Serialization failures and deadlocks are retried with exponential backoff.
func (s *PostgresStore) Commit(ctx context.Context, journal Journal, guards []Guard) (Journal, error) {
	var out Journal
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		res, err := s.commitOnce(ctx, journal, guards)
		out = res
		if err != nil && !isRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			s.logger.Warn("journal commit retry", slog.String("reference", journal.Reference), slog.Any("error", err))
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(commitMaxTries))
	return out, err
}

func (s *PostgresStore) commitOnce(ctx context.Context, journal Journal, guards []Guard) (Journal, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Journal{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	metadata, err := json.Marshal(journal.Metadata)
	if err != nil {
		return Journal{}, fmt.Errorf("encode journal metadata: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_journals (id, reference, user_id, description, metadata, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		ON CONFLICT (reference) DO NOTHING`,
		uuid.MustParse(journal.ID), journal.Reference, journal.UserID, journal.Description, metadata, journal.CreatedAt)
	if err != nil {
		return Journal{}, err
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		committed = true
		existing, err := s.JournalByReference(ctx, journal.Reference)
		if err != nil {
			return Journal{}, err
		}
		return existing, ErrDuplicateReference
	}

	deltas := make(map[balanceKey]decimal.Decimal)
	for _, e := range journal.Entries {
		k := balanceKey{account: e.AccountID, asset: e.Asset}
		deltas[k] = deltas[k].Add(e.Signed())
	}
	for _, g := range guards {
		k := balanceKey{account: g.AccountID, asset: g.Asset}
		if _, ok := deltas[k]; !ok {
			deltas[k] = decimal.Zero
		}
	}

	keys := make([]balanceKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	next := make(map[balanceKey]Balance, len(keys))
	for _, k := range keys {
		b, err := lockBalance(ctx, tx, k)
		if err != nil {
			return Journal{}, err
		}
		b.Amount = b.Amount.Add(deltas[k])
		next[k] = b
	}

	for _, g := range guards {
		b := next[balanceKey{account: g.AccountID, asset: g.Asset}]
		if b.Available().IsNegative() {
			return Journal{}, fmt.Errorf("%w: account %s %s available %s", ErrInsufficientBalance, g.AccountID, g.Asset, b.Available().String())
		}
	}

	batch := &pgx.Batch{}
	for _, e := range journal.Entries {
		batch.Queue(`
			INSERT INTO ledger_entries (id, journal_id, account_id, asset, direction, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)`,
			uuid.MustParse(e.ID), uuid.MustParse(journal.ID), e.AccountID, e.Asset, string(e.Direction), e.Amount.String(), e.CreatedAt)
	}
	for _, k := range keys {
		if deltas[k].IsZero() {
			continue
		}
		batch.Queue(`
			UPDATE ledger_balances
			SET balance = $1::numeric, version = version + 1, updated_at = $2
			WHERE account_id = $3 AND asset = $4`,
			next[k].Amount.String(), journal.CreatedAt, k.account, k.asset)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return Journal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Journal{}, err
	}
	committed = true
	return journal, nil
}

// JournalByID loads a journal header and its entries.
func (s *PostgresStore) JournalByID(ctx context.Context, id string) (Journal, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Journal{}, fmt.Errorf("%w: %s", ErrJournalNotFound, id)
	}
	return s.loadJournal(ctx, `WHERE id = $1`, parsed)
}

// JournalByReference loads a journal by its unique reference.
func (s *PostgresStore) JournalByReference(ctx context.Context, reference string) (Journal, error) {
	return s.loadJournal(ctx, `WHERE reference = $1`, reference)
}

func (s *PostgresStore) loadJournal(ctx context.Context, where string, arg any) (Journal, error) {
	var (
		j        Journal
		id       uuid.UUID
		userID   *string
		metadata []byte
	)
	row := s.db.QueryRow(ctx, `
		SELECT id, reference, user_id, description, metadata, created_at
		FROM ledger_journals `+where, arg)
	if err := row.Scan(&id, &j.Reference, &userID, &j.Description, &metadata, &j.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Journal{}, fmt.Errorf("%w: %v", ErrJournalNotFound, arg)
		}
		return Journal{}, err
	}
	j.ID = id.String()
	j.CreatedAt = j.CreatedAt.UTC()
	if userID != nil {
		j.UserID = *userID
	}
	j.Metadata = map[string]string{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &j.Metadata); err != nil {
			return Journal{}, fmt.Errorf("decode journal metadata: %w", err)
		}
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, account_id, asset, direction, amount::text, created_at
		FROM ledger_entries WHERE journal_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return Journal{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e         Entry
			entryID   uuid.UUID
			direction string
			amount    string
		)
		if err := rows.Scan(&entryID, &e.AccountID, &e.Asset, &direction, &amount, &e.CreatedAt); err != nil {
			return Journal{}, err
		}
		e.ID = entryID.String()
		e.JournalID = j.ID
		e.Direction = Direction(direction)
		e.CreatedAt = e.CreatedAt.UTC()
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return Journal{}, fmt.Errorf("parse entry amount: %w", err)
		}
		j.Entries = append(j.Entries, e)
	}
	return j, rows.Err()
}

// Balance returns the projected balance; a missing row is a zero balance.
func (s *PostgresStore) Balance(ctx context.Context, accountID, asset string) (Balance, error) {
	b := Balance{AccountID: accountID, Asset: asset, Amount: decimal.Zero, Reserved: decimal.Zero}
	var amount, reserved string
	err := s.db.QueryRow(ctx, `
		SELECT balance::text, reserved::text, updated_at
		FROM ledger_balances WHERE account_id = $1 AND asset = $2`, accountID, asset).
		Scan(&amount, &reserved, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return b, nil
		}
		return Balance{}, err
	}
	return parseBalance(b, amount, reserved)
}

// Balances lists the whole projection.
func (s *PostgresStore) Balances(ctx context.Context) ([]Balance, error) {
	rows, err := s.db.Query(ctx, `
		SELECT account_id, asset, balance::text, reserved::text, updated_at
		FROM ledger_balances ORDER BY account_id, asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		var (
			b                Balance
			amount, reserved string
		)
		if err := rows.Scan(&b.AccountID, &b.Asset, &amount, &reserved, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if b, err = parseBalance(b, amount, reserved); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// TrialBalance aggregates debits and credits per asset over the full entry log.
func (s *PostgresStore) TrialBalance(ctx context.Context) ([]TrialBalanceRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT asset,
		       COALESCE(SUM(amount) FILTER (WHERE direction = 'DEBIT'), 0)::text,
		       COALESCE(SUM(amount) FILTER (WHERE direction = 'CREDIT'), 0)::text
		FROM ledger_entries
		GROUP BY asset
		ORDER BY asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrialBalanceRow
	for rows.Next() {
		var (
			r               TrialBalanceRow
			debits, credits string
		)
		if err := rows.Scan(&r.Asset, &debits, &credits); err != nil {
			return nil, err
		}
		if r.Debits, err = decimal.NewFromString(debits); err != nil {
			return nil, fmt.Errorf("parse debits: %w", err)
		}
		if r.Credits, err = decimal.NewFromString(credits); err != nil {
			return nil, fmt.Errorf("parse credits: %w", err)
		}
		r.Difference = r.Debits.Sub(r.Credits)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Materialize rebuilds ledger_balances from ledger_entries and ledger_holds inside one transaction.
// The EXCLUSIVE table lock blocks concurrent commits but not readers, who keep seeing the
// pre-rebuild rows until the transaction commits.
func (s *PostgresStore) Materialize(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `LOCK TABLE ledger_balances IN EXCLUSIVE MODE`); err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, `
		WITH agg AS (
			SELECT account_id, asset,
			       SUM(CASE WHEN direction = 'DEBIT' THEN amount ELSE -amount END) AS balance
			FROM ledger_entries
			GROUP BY account_id, asset
		), held AS (
			SELECT account_id, asset, SUM(amount) AS reserved
			FROM ledger_holds
			WHERE status = 'active'
			GROUP BY account_id, asset
		), merged AS (
			SELECT COALESCE(a.account_id, h.account_id) AS account_id,
			       COALESCE(a.asset, h.asset) AS asset,
			       COALESCE(a.balance, 0) AS balance,
			       COALESCE(h.reserved, 0) AS reserved
			FROM agg a
			FULL OUTER JOIN held h ON h.account_id = a.account_id AND h.asset = a.asset
		)
		INSERT INTO ledger_balances (account_id, asset, balance, reserved, version, updated_at)
		SELECT account_id, asset, balance, reserved, 1, now() FROM merged
		ON CONFLICT (account_id, asset) DO UPDATE
		SET balance = EXCLUDED.balance,
		    reserved = EXCLUDED.reserved,
		    version = ledger_balances.version + 1,
		    updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE ledger_balances b
		SET balance = 0, reserved = 0, version = version + 1, updated_at = now()
		WHERE NOT EXISTS (SELECT 1 FROM ledger_entries e WHERE e.account_id = b.account_id AND e.asset = b.asset)
		  AND NOT EXISTS (SELECT 1 FROM ledger_holds h WHERE h.account_id = b.account_id AND h.asset = b.asset AND h.status = 'active')
		  AND (b.balance <> 0 OR b.reserved <> 0)`); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	committed = true
	return int(tag.RowsAffected()), nil
}

// Drift compares the projection with balances recomputed from entries, within one snapshot.
func (s *PostgresStore) Drift(ctx context.Context) ([]DriftIncident, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	rows, err := tx.Query(ctx, `
		WITH agg AS (
			SELECT account_id, asset,
			       SUM(CASE WHEN direction = 'DEBIT' THEN amount ELSE -amount END) AS balance
			FROM ledger_entries
			GROUP BY account_id, asset
		)
		SELECT COALESCE(b.account_id, a.account_id),
		       COALESCE(b.asset, a.asset),
		       COALESCE(b.balance, 0)::text,
		       COALESCE(a.balance, 0)::text
		FROM ledger_balances b
		FULL OUTER JOIN agg a ON a.account_id = b.account_id AND a.asset = b.asset
		WHERE COALESCE(b.balance, 0) <> COALESCE(a.balance, 0)
		ORDER BY 1, 2`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DriftIncident
	for rows.Next() {
		var (
			d                  DriftIncident
			materialized, calc string
		)
		if err := rows.Scan(&d.AccountID, &d.Asset, &materialized, &calc); err != nil {
			return nil, err
		}
		if d.Materialized, err = decimal.NewFromString(materialized); err != nil {
			return nil, err
		}
		if d.Recomputed, err = decimal.NewFromString(calc); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PlaceHold reserves part of a holding. A hold reference is unique; reusing it returns the original hold.
func (s *PostgresStore) PlaceHold(ctx context.Context, hold Hold) (Hold, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Hold{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	k := balanceKey{account: hold.AccountID, asset: hold.Asset}
	b, err := lockBalance(ctx, tx, k)
	if err != nil {
		return Hold{}, err
	}

	existing, err := holdByReference(ctx, tx, hold.Reference)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrHoldNotFound) {
		return Hold{}, err
	}

	if b.Available().LessThan(hold.Amount) {
		return Hold{}, fmt.Errorf("%w: account %s %s available %s", ErrInsufficientBalance, hold.AccountID, hold.Asset, b.Available().String())
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_holds (id, account_id, asset, amount, reference, status, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)`,
		uuid.MustParse(hold.ID), hold.AccountID, hold.Asset, hold.Amount.String(), hold.Reference, HoldActive, hold.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			_ = tx.Rollback(ctx)
			committed = true
			return holdByReference(ctx, s.db, hold.Reference)
		}
		return Hold{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE ledger_balances SET reserved = reserved + $1::numeric, version = version + 1, updated_at = $2
		WHERE account_id = $3 AND asset = $4`,
		hold.Amount.String(), hold.CreatedAt, hold.AccountID, hold.Asset); err != nil {
		return Hold{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Hold{}, err
	}
	committed = true
	return hold, nil
}

// ReleaseHold closes an active hold and returns its amount to the available balance.
func (s *PostgresStore) ReleaseHold(ctx context.Context, id string) (Hold, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Hold{}, fmt.Errorf("%w: %s", ErrHoldNotFound, id)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Hold{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var (
		h      Hold
		holdID uuid.UUID
		amount string
	)
	err = tx.QueryRow(ctx, `
		SELECT id, account_id, asset, amount::text, reference, status, created_at
		FROM ledger_holds WHERE id = $1 FOR UPDATE`, parsed).
		Scan(&holdID, &h.AccountID, &h.Asset, &amount, &h.Reference, &h.Status, &h.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, fmt.Errorf("%w: %s", ErrHoldNotFound, id)
		}
		return Hold{}, err
	}
	h.ID = holdID.String()
	if h.Amount, err = decimal.NewFromString(amount); err != nil {
		return Hold{}, err
	}
	if h.Status != HoldActive {
		return h, ErrHoldClosed
	}

	if _, err := lockBalance(ctx, tx, balanceKey{account: h.AccountID, asset: h.Asset}); err != nil {
		return Hold{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE ledger_holds SET status = $1, released_at = now() WHERE id = $2`, HoldReleased, parsed); err != nil {
		return Hold{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE ledger_balances SET reserved = reserved - $1::numeric, version = version + 1, updated_at = now()
		WHERE account_id = $2 AND asset = $3`, h.Amount.String(), h.AccountID, h.Asset); err != nil {
		return Hold{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Hold{}, err
	}
	committed = true
	h.Status = HoldReleased
	return h, nil
}

// lockBalance ensures the projection row exists and locks it for the rest of the transaction.
func lockBalance(ctx context.Context, tx pgx.Tx, k balanceKey) (Balance, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_balances (account_id, asset, balance, reserved, version, updated_at)
		VALUES ($1, $2, 0, 0, 0, now())
		ON CONFLICT (account_id, asset) DO NOTHING`, k.account, k.asset); err != nil {
		return Balance{}, err
	}
	b := Balance{AccountID: k.account, Asset: k.asset}
	var amount, reserved string
	if err := tx.QueryRow(ctx, `
		SELECT balance::text, reserved::text, updated_at
		FROM ledger_balances WHERE account_id = $1 AND asset = $2 FOR UPDATE`, k.account, k.asset).
		Scan(&amount, &reserved, &b.UpdatedAt); err != nil {
		return Balance{}, err
	}
	return parseBalance(b, amount, reserved)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func holdByReference(ctx context.Context, q queryRower, reference string) (Hold, error) {
	var (
		h      Hold
		id     uuid.UUID
		amount string
	)
	err := q.QueryRow(ctx, `
		SELECT id, account_id, asset, amount::text, reference, status, created_at
		FROM ledger_holds WHERE reference = $1`, reference).
		Scan(&id, &h.AccountID, &h.Asset, &amount, &h.Reference, &h.Status, &h.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, ErrHoldNotFound
		}
		return Hold{}, err
	}
	h.ID = id.String()
	if h.Amount, err = decimal.NewFromString(amount); err != nil {
		return Hold{}, err
	}
	return h, nil
}

func parseBalance(b Balance, amount, reserved string) (Balance, error) {
	var err error
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return Balance{}, fmt.Errorf("parse balance: %w", err)
	}
	if b.Reserved, err = decimal.NewFromString(reserved); err != nil {
		return Balance{}, fmt.Errorf("parse reserved: %w", err)
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}
