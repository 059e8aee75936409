package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petrijr/sagaflow/pkg/api"
)

// PostgresStore implements SnapshotStore, WaitStore and ClaimStore on a
// pgx connection pool. Claiming uses FOR UPDATE SKIP LOCKED so several
// scheduler nodes can poll the same table without contending.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ SnapshotStore = (*PostgresStore)(nil)
	_ WaitStore     = (*PostgresStore)(nil)
	_ ClaimStore    = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the schema and returns a new store.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("init postgres schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sagaflow_flows (
			flow_id TEXT PRIMARY KEY,
			flow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			position TEXT NOT NULL,
			state BYTEA,
			error TEXT NOT NULL DEFAULT '',
			wait_correlation_id TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sagaflow_waits (
			correlation_id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			mode TEXT NOT NULL,
			expected_count INT NOT NULL,
			completed_count INT NOT NULL,
			expires_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS sagaflow_claims (
			flow_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			heartbeat_at TIMESTAMPTZ NOT NULL,
			position TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS sagaflow_flows_name_status_idx
			ON sagaflow_flows (flow_name, status);`)
	return err
}

func (s *PostgresStore) CreateSnapshot(ctx context.Context, snap *api.Snapshot) (bool, error) {
	state, err := EncodeState(snap.State)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sagaflow_flows (flow_id, flow_name, status, position, state, error, wait_correlation_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (flow_id) DO NOTHING`,
		snap.FlowID, snap.FlowName, string(snap.Status), snap.Position.Key(),
		state, errString(snap.Err), waitCorrelation(snap.WaitCondition),
		snap.Version, snap.CreatedAt, snap.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("create snapshot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpdateSnapshot(ctx context.Context, snap *api.Snapshot, expectedVersion int64) (bool, error) {
	state, err := EncodeState(snap.State)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sagaflow_flows
		SET status = $1, position = $2, state = $3, error = $4, wait_correlation_id = $5, version = $6, updated_at = $7
		WHERE flow_id = $8 AND version = $9`,
		string(snap.Status), snap.Position.Key(), state, errString(snap.Err),
		waitCorrelation(snap.WaitCondition), snap.Version, snap.UpdatedAt,
		snap.FlowID, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update snapshot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, flowID string) (*api.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT flow_id, flow_name, status, position, state, error, wait_correlation_id, version, created_at, updated_at
		FROM sagaflow_flows WHERE flow_id = $1`, flowID)

	snap, err := s.scanSnapshot(ctx, row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	return snap, err
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, filter api.SnapshotFilter) ([]*api.Snapshot, error) {
	query := `
		SELECT flow_id, flow_name, status, position, state, error, wait_correlation_id, version, created_at, updated_at
		FROM sagaflow_flows WHERE 1 = 1`
	var args []any
	if filter.FlowName != "" {
		args = append(args, filter.FlowName)
		query += fmt.Sprintf(" AND flow_name = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var result []*api.Snapshot
	for rows.Next() {
		snap, err := s.scanSnapshot(ctx, rows)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

func (s *PostgresStore) scanSnapshot(ctx context.Context, row pgx.Row) (*api.Snapshot, error) {
	var (
		snap            api.Snapshot
		status          string
		positionKey     string
		state           []byte
		errStr          string
		waitCorrelation string
	)
	if err := row.Scan(
		&snap.FlowID, &snap.FlowName, &status, &positionKey, &state,
		&errStr, &waitCorrelation, &snap.Version, &snap.CreatedAt, &snap.UpdatedAt,
	); err != nil {
		return nil, err
	}

	snap.Status = api.Status(status)
	pos, err := api.ParsePosition(positionKey)
	if err != nil {
		return nil, err
	}
	snap.Position = pos

	decoded, err := DecodeState(state)
	if err != nil {
		return nil, err
	}
	snap.State = decoded

	if errStr != "" {
		snap.Err = errors.New(errStr)
	}

	if waitCorrelation != "" {
		entry, err := s.GetWaitCondition(ctx, waitCorrelation)
		if err == nil {
			wc := entry.Condition
			snap.WaitCondition = &wc
		} else if !errors.Is(err, ErrWaitNotFound) {
			return nil, err
		}
	}
	return &snap, nil
}

func (s *PostgresStore) SetWaitCondition(ctx context.Context, flowID string, wc api.WaitCondition) error {
	if wc.CorrelationID == "" {
		return errors.New("wait condition requires a correlation id")
	}
	var expires *time.Time
	if !wc.ExpiresAt.IsZero() {
		expires = &wc.ExpiresAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sagaflow_waits (correlation_id, flow_id, event_type, mode, expected_count, completed_count, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (correlation_id) DO UPDATE SET
			flow_id = EXCLUDED.flow_id,
			event_type = EXCLUDED.event_type,
			mode = EXCLUDED.mode,
			expected_count = EXCLUDED.expected_count,
			completed_count = EXCLUDED.completed_count,
			expires_at = EXCLUDED.expires_at`,
		wc.CorrelationID, flowID, wc.Type, string(wc.Mode),
		wc.ExpectedCount, wc.CompletedCount, expires,
	)
	if err != nil {
		return fmt.Errorf("set wait condition: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWaitCondition(ctx context.Context, correlationID string) (*WaitEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT correlation_id, flow_id, event_type, mode, expected_count, completed_count, expires_at
		FROM sagaflow_waits WHERE correlation_id = $1`, correlationID)

	entry, err := scanPostgresWait(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWaitNotFound
	}
	return entry, err
}

func scanPostgresWait(row pgx.Row) (*WaitEntry, error) {
	var (
		entry   WaitEntry
		mode    string
		expires *time.Time
	)
	if err := row.Scan(
		&entry.Condition.CorrelationID, &entry.FlowID, &entry.Condition.Type,
		&mode, &entry.Condition.ExpectedCount, &entry.Condition.CompletedCount, &expires,
	); err != nil {
		return nil, err
	}
	entry.Condition.Mode = api.WaitMode(mode)
	if expires != nil {
		entry.Condition.ExpiresAt = *expires
	}
	return &entry, nil
}

func (s *PostgresStore) DeleteWaitCondition(ctx context.Context, correlationID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM sagaflow_waits WHERE correlation_id = $1`, correlationID)
	return err
}

func (s *PostgresStore) ListExpiredWaits(ctx context.Context, now time.Time) ([]*WaitEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT correlation_id, flow_id, event_type, mode, expected_count, completed_count, expires_at
		FROM sagaflow_waits WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired waits: %w", err)
	}
	defer rows.Close()

	var result []*WaitEntry
	for rows.Next() {
		entry, err := scanPostgresWait(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func (s *PostgresStore) TryClaim(ctx context.Context, flowName, ownerID string, staleAfter time.Duration) (string, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cutoff := time.Now().Add(-staleAfter)

	var (
		flowID      string
		positionKey string
	)
	err = tx.QueryRow(ctx, `
		SELECT f.flow_id, f.position
		FROM sagaflow_flows f
		LEFT JOIN sagaflow_claims c ON c.flow_id = f.flow_id
		WHERE f.flow_name = $1 AND f.status = $2
		  AND (
			(c.flow_id IS NOT NULL AND (c.owner_id = $3 OR c.heartbeat_at <= $4))
			OR (c.flow_id IS NULL AND f.updated_at <= $4)
		  )
		LIMIT 1
		FOR UPDATE OF f SKIP LOCKED`,
		flowName, string(api.StatusRunning), ownerID, cutoff,
	).Scan(&flowID, &positionKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("try claim: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO sagaflow_claims (flow_id, owner_id, heartbeat_at, position)
		VALUES ($1, $2, now(), $3)
		ON CONFLICT (flow_id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			heartbeat_at = EXCLUDED.heartbeat_at,
			position = EXCLUDED.position`,
		flowID, ownerID, positionKey,
	); err != nil {
		return "", false, fmt.Errorf("record claim: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, err
	}
	return flowID, true, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, flowID, ownerID string, pos api.Position) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sagaflow_claims SET heartbeat_at = now(), position = $1
		WHERE flow_id = $2 AND owner_id = $3`,
		pos.Key(), flowID, ownerID,
	)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Release(ctx context.Context, flowID, ownerID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM sagaflow_claims WHERE flow_id = $1 AND owner_id = $2`, flowID, ownerID)
	return err
}
