package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// SQLiteStore implements SnapshotStore, WaitStore and ClaimStore on a
// SQLite database.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ SnapshotStore = (*SQLiteStore)(nil)
	_ WaitStore     = (*SQLiteStore)(nil)
	_ ClaimStore    = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flows (
			flow_id TEXT PRIMARY KEY,
			flow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			position TEXT NOT NULL,
			state BLOB,
			error TEXT,
			wait_correlation_id TEXT,
			version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS waits (
			correlation_id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			mode TEXT NOT NULL,
			expected_count INTEGER NOT NULL,
			completed_count INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS claims (
			flow_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			heartbeat_at INTEGER NOT NULL,
			position TEXT NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) CreateSnapshot(ctx context.Context, snap *api.Snapshot) (bool, error) {
	state, err := EncodeState(snap.State)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO flows (flow_id, flow_name, status, position, state, error, wait_correlation_id, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (flow_id) DO NOTHING`,
		snap.FlowID,
		snap.FlowName,
		string(snap.Status),
		snap.Position.Key(),
		state,
		errString(snap.Err),
		waitCorrelation(snap.WaitCondition),
		snap.Version,
		snap.CreatedAt.UnixNano(),
		snap.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) UpdateSnapshot(ctx context.Context, snap *api.Snapshot, expectedVersion int64) (bool, error) {
	state, err := EncodeState(snap.State)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE flows
		SET status = ?, position = ?, state = ?, error = ?, wait_correlation_id = ?, version = ?, updated_at = ?
		WHERE flow_id = ? AND version = ?`,
		string(snap.Status),
		snap.Position.Key(),
		state,
		errString(snap.Err),
		waitCorrelation(snap.WaitCondition),
		snap.Version,
		snap.UpdatedAt.UnixNano(),
		snap.FlowID,
		expectedVersion,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, flowID string) (*api.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT flow_id, flow_name, status, position, state, error, wait_correlation_id, version, created_at, updated_at
		FROM flows WHERE flow_id = ?`, flowID)

	snap, err := s.scanSnapshot(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	return snap, err
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, filter api.SnapshotFilter) ([]*api.Snapshot, error) {
	query := `
		SELECT flow_id, flow_name, status, position, state, error, wait_correlation_id, version, created_at, updated_at
		FROM flows WHERE 1 = 1`
	var args []any
	if filter.FlowName != "" {
		query += " AND flow_name = ?"
		args = append(args, filter.FlowName)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
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

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanSnapshot(ctx context.Context, row rowScanner) (*api.Snapshot, error) {
	var (
		snap            api.Snapshot
		status          string
		positionKey     string
		state           []byte
		errStr          string
		waitCorrelation string
		createdAt       int64
		updatedAt       int64
	)
	if err := row.Scan(
		&snap.FlowID, &snap.FlowName, &status, &positionKey, &state,
		&errStr, &waitCorrelation, &snap.Version, &createdAt, &updatedAt,
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
	snap.CreatedAt = time.Unix(0, createdAt)
	snap.UpdatedAt = time.Unix(0, updatedAt)

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

func (s *SQLiteStore) SetWaitCondition(ctx context.Context, flowID string, wc api.WaitCondition) error {
	if wc.CorrelationID == "" {
		return errors.New("wait condition requires a correlation id")
	}
	var expires int64
	if !wc.ExpiresAt.IsZero() {
		expires = wc.ExpiresAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO waits (correlation_id, flow_id, event_type, mode, expected_count, completed_count, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (correlation_id) DO UPDATE SET
			flow_id = excluded.flow_id,
			event_type = excluded.event_type,
			mode = excluded.mode,
			expected_count = excluded.expected_count,
			completed_count = excluded.completed_count,
			expires_at = excluded.expires_at`,
		wc.CorrelationID, flowID, wc.Type, string(wc.Mode),
		wc.ExpectedCount, wc.CompletedCount, expires,
	)
	return err
}

func (s *SQLiteStore) GetWaitCondition(ctx context.Context, correlationID string) (*WaitEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT correlation_id, flow_id, event_type, mode, expected_count, completed_count, expires_at
		FROM waits WHERE correlation_id = ?`, correlationID)

	entry, err := scanWaitEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWaitNotFound
	}
	return entry, err
}

func scanWaitEntry(row rowScanner) (*WaitEntry, error) {
	var (
		entry   WaitEntry
		mode    string
		expires int64
	)
	if err := row.Scan(
		&entry.Condition.CorrelationID, &entry.FlowID, &entry.Condition.Type,
		&mode, &entry.Condition.ExpectedCount, &entry.Condition.CompletedCount, &expires,
	); err != nil {
		return nil, err
	}
	entry.Condition.Mode = api.WaitMode(mode)
	if expires != 0 {
		entry.Condition.ExpiresAt = time.Unix(0, expires)
	}
	return &entry, nil
}

func (s *SQLiteStore) DeleteWaitCondition(ctx context.Context, correlationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM waits WHERE correlation_id = ?`, correlationID)
	return err
}

func (s *SQLiteStore) ListExpiredWaits(ctx context.Context, now time.Time) ([]*WaitEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, flow_id, event_type, mode, expected_count, completed_count, expires_at
		FROM waits WHERE expires_at > 0 AND expires_at <= ?`, now.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*WaitEntry
	for rows.Next() {
		entry, err := scanWaitEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) TryClaim(ctx context.Context, flowName, ownerID string, staleAfter time.Duration) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := time.Now().Add(-staleAfter).UnixNano()

	var flowID string
	err = tx.QueryRowContext(ctx, `
		SELECT f.flow_id
		FROM flows f
		LEFT JOIN claims c ON c.flow_id = f.flow_id
		WHERE f.flow_name = ? AND f.status = ?
		  AND (
			(c.flow_id IS NOT NULL AND (c.owner_id = ? OR c.heartbeat_at <= ?))
			OR (c.flow_id IS NULL AND f.updated_at <= ?)
		  )
		LIMIT 1`,
		flowName, string(api.StatusRunning), ownerID, cutoff, cutoff,
	).Scan(&flowID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var positionKey string
	if err := tx.QueryRowContext(ctx,
		`SELECT position FROM flows WHERE flow_id = ?`, flowID,
	).Scan(&positionKey); err != nil {
		return "", false, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO claims (flow_id, owner_id, heartbeat_at, position)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (flow_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			heartbeat_at = excluded.heartbeat_at,
			position = excluded.position`,
		flowID, ownerID, time.Now().UnixNano(), positionKey,
	); err != nil {
		return "", false, err
	}

	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return flowID, true, nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, flowID, ownerID string, pos api.Position) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE claims SET heartbeat_at = ?, position = ?
		WHERE flow_id = ? AND owner_id = ?`,
		time.Now().UnixNano(), pos.Key(), flowID, ownerID,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) Release(ctx context.Context, flowID, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM claims WHERE flow_id = ? AND owner_id = ?`, flowID, ownerID)
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func waitCorrelation(wc *api.WaitCondition) string {
	if wc == nil {
		return ""
	}
	return wc.CorrelationID
}
