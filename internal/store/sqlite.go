package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// SQLite driver; WAL mode and busy timeout set via DSN pragmas.
	_ "github.com/mattn/go-sqlite3"

	"github.com/neon-ai/neon/internal/types"
)

// SQLiteConfig holds store configuration options.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// DefaultSQLiteConfig returns sensible defaults for the given database path.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		Path:            path,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     5 * time.Second,
	}
}

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS machine_snapshots (
	machine_id TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL,
	state      TEXT NOT NULL,
	checksum   TEXT NOT NULL,
	archived   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_kind_status ON machine_snapshots(kind, status);

CREATE TABLE IF NOT EXISTS activity_journal (
	machine_id TEXT NOT NULL,
	key        TEXT NOT NULL,
	result     TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (machine_id, key)
);

CREATE TABLE IF NOT EXISTS machine_signals (
	id         TEXT PRIMARY KEY,
	machine_id TEXT NOT NULL,
	type       TEXT NOT NULL,
	reason     TEXT,
	delivered  INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_machine ON machine_signals(machine_id, delivered);
`

// OpenSQLite creates a new store with default configuration.
func OpenSQLite(path string) (*SQLiteStore, error) {
	return OpenSQLiteWithConfig(DefaultSQLiteConfig(path))
}

// OpenSQLiteWithConfig creates a new store with custom configuration.
// WAL mode and foreign keys are enabled and verified before use.
func OpenSQLiteWithConfig(cfg SQLiteConfig) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d",
		cfg.Path,
		int(cfg.BusyTimeout.Milliseconds()),
	)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, types.WrapError(types.STORE_OPEN_FAILED, "failed to open store", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, types.WrapError(types.STORE_OPEN_FAILED, "failed to ping store", err)
	}

	var journalMode string
	if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		conn.Close()
		return nil, types.WrapError(types.STORE_OPEN_FAILED, "failed to verify journal mode", err)
	}
	if journalMode != "wal" && journalMode != "memory" {
		conn.Close()
		return nil, types.NewError(types.STORE_OPEN_FAILED, "WAL mode not enabled (got "+journalMode+")")
	}

	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		conn.Close()
		return nil, types.WrapError(types.STORE_OPEN_FAILED, "failed to initialize schema", err)
	}

	return &SQLiteStore{conn: conn, path: cfg.Path}, nil
}

// SaveSnapshot upserts the machine's current state.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.MachineID.IsZero() {
		return types.NewValidationError("snapshot machine ID is required")
	}

	now := time.Now().UTC()
	checksum := ComputeChecksum(snap.State)

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO machine_snapshots (machine_id, kind, status, state, checksum, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(machine_id) DO UPDATE SET
			status = excluded.status,
			state = excluded.state,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at`,
		snap.MachineID.String(), string(snap.Kind), snap.Status, string(snap.State), checksum, now, now,
	)
	if err != nil {
		return types.WrapError(types.STORE_PERSIST_FAILED, "failed to save snapshot", err)
	}
	return nil
}

// LoadSnapshot returns the snapshot for a machine, validating its checksum.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, machineID types.ID) (*Snapshot, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT machine_id, kind, status, state, checksum, archived, created_at, updated_at
		FROM machine_snapshots WHERE machine_id = ?`,
		machineID.String(),
	)

	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.STORE_NOT_FOUND, "no snapshot for machine "+machineID.String())
	}
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to load snapshot", err)
	}

	if err := VerifyChecksum(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// ArchiveSnapshot marks a terminal machine as archived.
func (s *SQLiteStore) ArchiveSnapshot(ctx context.Context, machineID types.ID) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE machine_snapshots SET archived = 1, updated_at = ? WHERE machine_id = ?`,
		time.Now().UTC(), machineID.String(),
	)
	if err != nil {
		return types.WrapError(types.STORE_PERSIST_FAILED, "failed to archive snapshot", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewError(types.STORE_NOT_FOUND, "no snapshot for machine "+machineID.String())
	}
	return nil
}

// ListSnapshots returns snapshots of one kind, newest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, kind Kind, status string) ([]*Snapshot, error) {
	query := `
		SELECT machine_id, kind, status, state, checksum, archived, created_at, updated_at
		FROM machine_snapshots WHERE kind = ?`
	args := []any{string(kind)}

	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to list snapshots", err)
	}
	defer rows.Close()

	var snapshots []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to scan snapshot", err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to iterate snapshots", err)
	}
	return snapshots, nil
}

// JournalResult records a completed activity result. First write wins.
func (s *SQLiteStore) JournalResult(ctx context.Context, machineID types.ID, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return types.WrapError(types.STORE_PERSIST_FAILED, "failed to encode journal result", err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO activity_journal (machine_id, key, result, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(machine_id, key) DO NOTHING`,
		machineID.String(), key, string(data), time.Now().UTC(),
	)
	if err != nil {
		return types.WrapError(types.STORE_PERSIST_FAILED, "failed to journal result", err)
	}
	return nil
}

// LookupResult loads a journaled result into the provided destination.
func (s *SQLiteStore) LookupResult(ctx context.Context, machineID types.ID, key string, into any) (bool, error) {
	var raw string
	err := s.conn.QueryRowContext(ctx,
		`SELECT result FROM activity_journal WHERE machine_id = ? AND key = ?`,
		machineID.String(), key,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, types.WrapError(types.STORE_QUERY_FAILED, "failed to lookup journal result", err)
	}

	if err := json.Unmarshal([]byte(raw), into); err != nil {
		return false, types.WrapError(types.STORE_QUERY_FAILED, "failed to decode journal result", err)
	}
	return true, nil
}

// JournalKeys returns the journaled activity keys for a machine in write
// order.
func (s *SQLiteStore) JournalKeys(ctx context.Context, machineID types.ID) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT key FROM activity_journal WHERE machine_id = ? ORDER BY created_at ASC, key ASC`,
		machineID.String(),
	)
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to query journal keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to scan journal key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to iterate journal keys", err)
	}
	return keys, nil
}

// AppendSignal durably records a signal for a machine.
func (s *SQLiteStore) AppendSignal(ctx context.Context, sig Signal) error {
	if !sig.Type.IsValid() {
		return types.NewValidationError("invalid signal type: " + string(sig.Type))
	}
	if sig.ID.IsZero() {
		sig.ID = types.NewID()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO machine_signals (id, machine_id, type, reason, delivered, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		sig.ID.String(), sig.MachineID.String(), string(sig.Type), sig.Reason, sig.CreatedAt,
	)
	if err != nil {
		return types.WrapError(types.STORE_PERSIST_FAILED, "failed to append signal", err)
	}
	return nil
}

// PendingSignals returns undelivered signals for a machine in arrival order.
func (s *SQLiteStore) PendingSignals(ctx context.Context, machineID types.ID) ([]Signal, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, machine_id, type, reason, created_at
		FROM machine_signals
		WHERE machine_id = ? AND delivered = 0
		ORDER BY created_at ASC`,
		machineID.String(),
	)
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to query signals", err)
	}
	defer rows.Close()

	var signals []Signal
	for rows.Next() {
		var sig Signal
		var id, mid, sigType string
		var reason sql.NullString
		if err := rows.Scan(&id, &mid, &sigType, &reason, &sig.CreatedAt); err != nil {
			return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to scan signal", err)
		}
		sig.ID = types.ID(id)
		sig.MachineID = types.ID(mid)
		sig.Type = SignalType(sigType)
		sig.Reason = reason.String
		signals = append(signals, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to iterate signals", err)
	}
	return signals, nil
}

// MarkSignalDelivered marks a signal as consumed by its machine.
func (s *SQLiteStore) MarkSignalDelivered(ctx context.Context, signalID types.ID) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE machine_signals SET delivered = 1 WHERE id = ?`,
		signalID.String(),
	)
	if err != nil {
		return types.WrapError(types.STORE_PERSIST_FAILED, "failed to mark signal delivered", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var snap Snapshot
	var mid, kind, state string
	var archived int
	if err := row.Scan(&mid, &kind, &snap.Status, &state, &snap.Checksum, &archived, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
		return nil, err
	}
	snap.MachineID = types.ID(mid)
	snap.Kind = Kind(kind)
	snap.State = json.RawMessage(state)
	snap.Archived = archived != 0
	return &snap, nil
}

var _ Store = (*SQLiteStore)(nil)
