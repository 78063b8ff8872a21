package receipt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the append-only receipt log. Rows are never updated or
// deleted after Append.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed receipt log.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append durably stores a signed receipt. The stored body is the canonical
// serialization including the signature, kept byte-for-byte so content
// hashes and Merkle leaves recomputed from the log match what was signed.
func (r *Repository) Append(ctx context.Context, rec Receipt) error {
	if rec.Sign == nil {
		return fmt.Errorf("receipt: refusing to append unsigned receipt")
	}

	body, err := CanonicalBytes(rec)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO receipts (id, task_id, agent, day, content_hash, body)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.pool.Exec(ctx, query,
		uuid.NewString(),
		rec.TaskID,
		rec.Agent,
		rec.Day(),
		ContentHash(body),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("receipt: append: %w", err)
	}
	return nil
}

// List returns up to limit receipts, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]Receipt, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	const query = `
		SELECT body
		FROM receipts
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("receipt: list: %w", err)
	}
	defer rows.Close()

	out := make([]Receipt, 0, limit)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("receipt: scan body: %w", err)
		}
		var rec Receipt
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("receipt: decode body: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receipt: iterate: %w", err)
	}
	return out, nil
}

// BodiesForDay returns the serialized bodies of every receipt recorded for
// the given YYYYMMDD day, inside the caller's transaction so anchoring sees
// a consistent snapshot.
func (r *Repository) BodiesForDay(ctx context.Context, tx pgx.Tx, day int) ([][]byte, error) {
	const query = `
		SELECT body
		FROM receipts
		WHERE day = $1
	`

	rows, err := tx.Query(ctx, query, day)
	if err != nil {
		return nil, fmt.Errorf("receipt: bodies for day %d: %w", day, err)
	}
	defer rows.Close()

	var bodies [][]byte
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("receipt: scan day body: %w", err)
		}
		bodies = append(bodies, body)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receipt: iterate day bodies: %w", err)
	}
	return bodies, nil
}
