// Package anchor periodically condenses a day's receipts into a Merkle
// root and commits it to the external ledger, recording the batch locally.
package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anushkasomani/agentrunner/receipt"
)

var (
	// ErrNoReceipts signals an anchor attempt for a day with nothing logged.
	ErrNoReceipts = errors.New("anchor: no receipts for day")
	// ErrLedgerUnavailable signals a failed root submission; the local batch
	// row is rolled back so the day is retried on the next cycle.
	ErrLedgerUnavailable = errors.New("anchor: ledger unavailable")
)

// Submitter commits a day's root to the external ledger.
type Submitter interface {
	SubmitRoot(ctx context.Context, agentIdentity string, day int, root string) (txid string, err error)
}

// Service anchors daily receipt batches. One batch per (identity, day);
// the advisory lock serializes concurrent anchor attempts for the same day.
type Service struct {
	pool      *pgxpool.Pool
	receipts  *receipt.Repository
	submitter Submitter
	identity  string
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(pool *pgxpool.Pool, receipts *receipt.Repository, submitter Submitter, identity string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pool:      pool,
		receipts:  receipts,
		submitter: submitter,
		identity:  identity,
		logger:    logger,
		now:       time.Now,
	}
}

// Batch is the recorded outcome of one day's anchoring.
type Batch struct {
	AgentIdentity string `json:"agent_identity"`
	Day           int    `json:"day"`
	Root          string `json:"root"`
	LeafCount     int    `json:"leaf_count"`
	AnchorTxid    string `json:"anchor_txid,omitempty"`
}

// lockKey derives the advisory lock id for this identity and day.
func (s *Service) lockKey(day int) int64 {
	h := fnv.New32a()
	h.Write([]byte(s.identity))
	return int64(h.Sum32())<<32 | int64(uint32(day))
}

// AnchorDaily builds and commits the Merkle root over the given day's
// receipts. The root is computed and submitted inside one transaction so
// a ledger failure leaves no local batch row behind, and re-running after
// success simply refreshes the same (identity, day) row.
func (s *Service) AnchorDaily(ctx context.Context, day int) (Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("anchor: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, s.lockKey(day)); err != nil {
		return Batch{}, fmt.Errorf("anchor: acquire day lock: %w", err)
	}

	bodies, err := s.receipts.BodiesForDay(ctx, tx, day)
	if err != nil {
		return Batch{}, err
	}
	if len(bodies) == 0 {
		return Batch{}, fmt.Errorf("%w: %d", ErrNoReceipts, day)
	}

	root := receipt.BuildDailyMerkle(bodies)

	txid, err := s.submitter.SubmitRoot(ctx, s.identity, day, root)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: submit root for day %d: %w", ErrLedgerUnavailable, day, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO merkle_batches (agent_identity, day, root, leaf_count, anchor_txid, anchored_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (agent_identity, day)
		DO UPDATE SET root = EXCLUDED.root, leaf_count = EXCLUDED.leaf_count,
		              anchor_txid = EXCLUDED.anchor_txid, anchored_at = now()
	`, s.identity, day, root, len(bodies), txid)
	if err != nil {
		return Batch{}, fmt.Errorf("anchor: record batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Batch{}, fmt.Errorf("anchor: commit: %w", err)
	}

	batch := Batch{
		AgentIdentity: s.identity,
		Day:           day,
		Root:          root,
		LeafCount:     len(bodies),
		AnchorTxid:    txid,
	}
	s.logger.Info("anchored daily batch",
		"day", day, "root", root, "leaves", batch.LeafCount, "txid", txid)
	return batch, nil
}

// RunDaily anchors yesterday's batch on every tick until the context ends.
// Failures are logged and retried next tick; an empty day is not an error.
func (s *Service) RunDaily(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			day := yesterday(s.now().UTC())
			if _, err := s.AnchorDaily(ctx, day); err != nil {
				if errors.Is(err, ErrNoReceipts) {
					continue
				}
				s.logger.Warn("daily anchor failed, will retry", "day", day, "err", err)
			}
		}
	}
}

func yesterday(now time.Time) int {
	y := now.AddDate(0, 0, -1)
	return y.Year()*10000 + int(y.Month())*100 + y.Day()
}

// HTTPSubmitter posts roots to a ledger gateway endpoint.
type HTTPSubmitter struct {
	base string
	hc   *http.Client
}

func NewHTTPSubmitter(base string, timeout time.Duration) *HTTPSubmitter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSubmitter{base: base, hc: &http.Client{Timeout: timeout}}
}

func (h *HTTPSubmitter) SubmitRoot(ctx context.Context, agentIdentity string, day int, root string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"agent_identity": agentIdentity,
		"day":            day,
		"root":           root,
	})
	if err != nil {
		return "", fmt.Errorf("anchor: marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+"/anchor", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("anchor: build submission: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("anchor: post root: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anchor: ledger status %d", resp.StatusCode)
	}

	var out struct {
		Txid string `json:"txid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("anchor: decode submission reply: %w", err)
	}
	return out.Txid, nil
}
