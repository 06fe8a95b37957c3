package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"cartkeep/internal/cart/models"
	"cartkeep/internal/cart/store"
	id "cartkeep/pkg/domain"
	"cartkeep/pkg/platform/sentinel"
	txcontext "cartkeep/pkg/platform/tx"
)

// Schema creates the cart tables.
const Schema = `
CREATE TABLE IF NOT EXISTS carts (
	owner_key  TEXT PRIMARY KEY,
	version    BIGINT NOT NULL,
	receipts   JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS cart_lines (
	owner_key   TEXT NOT NULL REFERENCES carts (owner_key) ON DELETE CASCADE,
	position    INTEGER NOT NULL,
	product_ref TEXT NOT NULL,
	quantity    INTEGER NOT NULL CHECK (quantity > 0),
	PRIMARY KEY (owner_key, product_ref)
);
`

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
)

// PostgresStore persists carts in two tables: the versioned cart header with
// its merge receipts, and one row per line.
type PostgresStore struct {
	db *sql.DB
}

func New(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate cart schema: %w", err)
	}
	return nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Load reads the header and lines in one statement so both come from the
// same snapshot; a concurrent Save cannot pair version N with lines of N+1.
func (s *PostgresStore) Load(ctx context.Context, ownerKey string) (*models.Record, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT c.version, c.receipts, c.updated_at, l.product_ref, l.quantity
		FROM carts c
		LEFT JOIN cart_lines l ON l.owner_key = c.owner_key
		WHERE c.owner_key = $1
		ORDER BY l.position`,
		ownerKey,
	)
	if err != nil {
		return nil, fmt.Errorf("load cart %s: %w", ownerKey, classify(err))
	}
	defer rows.Close()

	var (
		rec      *models.Record
		receipts []byte
	)
	for rows.Next() {
		var (
			version   int64
			raw       []byte
			updatedAt time.Time
			ref       sql.NullString
			qty       sql.NullInt64
		)
		if err := rows.Scan(&version, &raw, &updatedAt, &ref, &qty); err != nil {
			return nil, fmt.Errorf("scan cart %s: %w", ownerKey, err)
		}
		if rec == nil {
			rec = &models.Record{OwnerKey: ownerKey, Version: version, UpdatedAt: updatedAt, Lines: []models.Line{}}
			receipts = raw
		}
		if ref.Valid {
			rec.Lines = append(rec.Lines, models.Line{ProductRef: id.ProductRef(ref.String), Quantity: int(qty.Int64)})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cart %s: %w", ownerKey, classify(err))
	}
	if rec == nil {
		return nil, sentinel.ErrNotFound
	}
	if rec.Receipts, err = store.DecodeReceipts(receipts); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec *models.Record, expectedVersion int64) error {
	receipts, err := store.EncodeReceipts(rec.Receipts)
	if err != nil {
		return err
	}
	next := expectedVersion + 1

	err = txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		q := s.execer(ctx)
		var (
			res sql.Result
			err error
		)
		if expectedVersion == 0 {
			res, err = q.ExecContext(ctx,
				`INSERT INTO carts (owner_key, version, receipts, updated_at)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (owner_key) DO NOTHING`,
				rec.OwnerKey, next, receipts, rec.UpdatedAt,
			)
		} else {
			res, err = q.ExecContext(ctx,
				`UPDATE carts SET version = $2, receipts = $3, updated_at = $4
				 WHERE owner_key = $1 AND version = $5`,
				rec.OwnerKey, next, receipts, rec.UpdatedAt, expectedVersion,
			)
		}
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return sentinel.ErrConflict
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM cart_lines WHERE owner_key = $1`, rec.OwnerKey); err != nil {
			return err
		}
		if len(rec.Lines) == 0 {
			return nil
		}
		positions := make([]int64, len(rec.Lines))
		refs := make([]string, len(rec.Lines))
		quantities := make([]int64, len(rec.Lines))
		for i, l := range rec.Lines {
			positions[i] = int64(i)
			refs[i] = l.ProductRef.String()
			quantities[i] = int64(l.Quantity)
		}
		_, err = q.ExecContext(ctx,
			`INSERT INTO cart_lines (owner_key, position, product_ref, quantity)
			 SELECT $1, p, r, qty FROM unnest($2::int[], $3::text[], $4::int[]) AS t(p, r, qty)`,
			rec.OwnerKey, pq.Array(positions), pq.Array(refs), pq.Array(quantities),
		)
		return err
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return sentinel.ErrConflict
		}
		err = classify(err)
		if errors.Is(err, sentinel.ErrConflict) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("save cart %s: %w", rec.OwnerKey, err)
	}
	rec.Version = next
	return nil
}

// classify maps driver errors onto infrastructure sentinels. Concurrent
// first writes and serialization failures are version conflicts; anything
// else means the database is unavailable for this call.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerializationFailure:
			return sentinel.ErrConflict
		}
		return fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
}
