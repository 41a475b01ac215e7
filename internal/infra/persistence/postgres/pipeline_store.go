package postgres

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidemill/signalmesh/internal/domain/pipelinestore"
	"github.com/tidemill/signalmesh/internal/domain/schema"
)

// PipelineStore serves the pipeline catalogue. The index refresher only needs
// the keyset read path; Put and Delete exist for provisioning and tests.
type PipelineStore struct {
	pool *pgxpool.Pool
}

// NewPipelineStore constructs a PipelineStore backed by the provided pool.
func NewPipelineStore(pool *pgxpool.Pool) *PipelineStore {
	return &PipelineStore{pool: pool}
}

const (
	pipelineUpsertSQL = `
INSERT INTO pipelines (pipeline_id, user_id, trigger_mode, scanner_id, ticker_set, subscriptions, is_active, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (pipeline_id) DO UPDATE
SET user_id = EXCLUDED.user_id,
    trigger_mode = EXCLUDED.trigger_mode,
    scanner_id = EXCLUDED.scanner_id,
    ticker_set = EXCLUDED.ticker_set,
    subscriptions = EXCLUDED.subscriptions,
    is_active = EXCLUDED.is_active,
    updated_at = NOW();
`

	pipelineDeleteSQL = `
DELETE FROM pipelines WHERE pipeline_id = $1;
`

	pipelineListActiveSQL = `
SELECT p.pipeline_id, p.user_id, p.trigger_mode, p.scanner_id, p.ticker_set, p.subscriptions, p.is_active,
       COALESCE(r.phase, 'IDLE') AS run_state
FROM pipelines p
LEFT JOIN pipeline_runs r ON r.pipeline_id = p.pipeline_id
WHERE p.is_active
  AND p.pipeline_id > $1
ORDER BY p.pipeline_id ASC
LIMIT $2;
`
)

// Put inserts or replaces a pipeline descriptor.
func (s *PipelineStore) Put(ctx context.Context, d schema.PipelineDescriptor) error {
	if s.pool == nil {
		return fmt.Errorf("pipeline store: nil pool")
	}
	d.Normalise()
	if d.PipelineID == "" {
		return fmt.Errorf("pipeline store: empty pipeline id")
	}
	subs, err := json.Marshal(d.Subscriptions)
	if err != nil {
		return fmt.Errorf("pipeline store: encode subscriptions: %w", err)
	}
	_, err = s.pool.Exec(ctx, pipelineUpsertSQL,
		d.PipelineID, d.UserID, string(d.TriggerMode), d.ScannerID,
		d.TickerSet.Slice(), subs, d.Active)
	if err != nil {
		return fmt.Errorf("pipeline store: upsert: %w", err)
	}
	return nil
}

// Delete removes a pipeline descriptor. Deleting an unknown id is a no-op.
func (s *PipelineStore) Delete(ctx context.Context, pipelineID string) error {
	if s.pool == nil {
		return fmt.Errorf("pipeline store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, pipelineDeleteSQL, pipelineID); err != nil {
		return fmt.Errorf("pipeline store: delete: %w", err)
	}
	return nil
}

// ListActive pages active descriptors ordered by pipeline id. The returned
// cursor is the last id of the page; an empty cursor ends the scan.
func (s *PipelineStore) ListActive(ctx context.Context, cursor string, limit int) ([]schema.PipelineDescriptor, string, error) {
	if s.pool == nil {
		return nil, "", fmt.Errorf("pipeline store: nil pool")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, pipelineListActiveSQL, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("pipeline store: list active: %w", err)
	}
	defer rows.Close()

	descriptors := make([]schema.PipelineDescriptor, 0, limit)
	for rows.Next() {
		var (
			d        schema.PipelineDescriptor
			mode     string
			tickers  []string
			subsJSON []byte
			runState pgtype.Text
		)
		if err := rows.Scan(&d.PipelineID, &d.UserID, &mode, &d.ScannerID, &tickers, &subsJSON, &d.Active, &runState); err != nil {
			return nil, "", fmt.Errorf("pipeline store: scan descriptor: %w", err)
		}
		d.TriggerMode = schema.TriggerMode(mode)
		d.TickerSet = schema.NewTickerSet(tickers...)
		if len(subsJSON) > 0 {
			if err := json.Unmarshal(subsJSON, &d.Subscriptions); err != nil {
				return nil, "", fmt.Errorf("pipeline store: decode subscriptions: %w", err)
			}
		}
		if runState.Valid {
			d.LastKnownRunState = runState.String
		}
		descriptors = append(descriptors, d)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("pipeline store: iterate descriptors: %w", err)
	}

	next := ""
	if len(descriptors) == limit {
		next = descriptors[len(descriptors)-1].PipelineID
	}
	return descriptors, next, nil
}

var _ pipelinestore.Reader = (*PipelineStore)(nil)
