package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/ao/workbench/pkg/api"
)

// ErrDuplicateID is returned when saving a record whose id already exists.
var ErrDuplicateID = errors.New("container id already exists")

// ErrNotFound is returned by UpdateLifecycle for an unknown id.
var ErrNotFound = errors.New("container not found")

// ErrTerminalState is returned when a lifecycle patch would stop a container
// that is already in a terminal state.
var ErrTerminalState = errors.New("container already in terminal state")

// Filter narrows and pages ListContainers results.
type Filter struct {
	Status api.ContainerStatus
	Limit  int
	Offset int
}

// LifecyclePatch is a partial lifecycle update. Nil fields are left
// untouched. This is the only sanctioned mutation path for container records.
type LifecyclePatch struct {
	Status         *api.ContainerStatus
	ShutdownReason *api.ShutdownReason
	StartedAt      *time.Time
	StoppedAt      *time.Time
	LastActivity   *time.Time
}

// Store is the durable record of every workspace container, backed by
// sqlite. Safe for concurrent use by the API layer, the health monitor, and
// the cleanup service; writes are serialized behind a mutex because sqlite
// allows a single writer.
type Store struct {
	db      *sql.DB
	logger  *logrus.Logger
	writeMu sync.Mutex
}

// New opens (creating if needed) the metadata database under dataDir.
func New(dataDir string, logger *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "containers.db")
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func initializeSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS containers (
			id TEXT PRIMARY KEY,
			service_name TEXT NOT NULL,
			storage_bucket TEXT NOT NULL DEFAULT '',
			storage_region TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			shutdown_reason TEXT NOT NULL DEFAULT 'none',
			urls TEXT NOT NULL DEFAULT '{}',
			cpu_limit REAL NOT NULL DEFAULT 0,
			memory_limit INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			stopped_at INTEGER,
			last_activity INTEGER
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_containers_status_created
		ON containers (status, created_at DESC)
	`)
	return err
}

// SaveContainer inserts a new record. Inserting an existing id fails with
// ErrDuplicateID.
func (s *Store) SaveContainer(ctx context.Context, record *api.ContainerRecord) error {
	urls, err := json.Marshal(record.URLs)
	if err != nil {
		return fmt.Errorf("failed to encode urls: %w", err)
	}

	reason := record.ShutdownReason
	if reason == "" {
		reason = api.ShutdownNone
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO containers (
			id, service_name, storage_bucket, storage_region, status,
			shutdown_reason, urls, cpu_limit, memory_limit,
			created_at, started_at, stopped_at, last_activity
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.ServiceName, record.StorageBucket, record.StorageRegion,
		string(record.Status), string(reason), string(urls),
		record.Resources.CPUs, record.Resources.MemoryBytes,
		record.CreatedAt.UnixMilli(), unixMilliOrNil(record.StartedAt),
		unixMilliOrNil(record.StoppedAt), unixMilliOrNil(record.LastActivity),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, record.ID)
		}
		return fmt.Errorf("failed to insert container: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"container_id": record.ID,
		"status":       record.Status,
	}).Debug("Container record saved")
	return nil
}

// GetContainer returns the record for id, or nil if it does not exist.
func (s *Store) GetContainer(ctx context.Context, id string) (*api.ContainerRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM containers WHERE id = ?", id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query container: %w", err)
	}
	return record, nil
}

// ListContainers returns records matching the filter, newest first. Ordering
// is by created_at then id so repeated paginated calls remain stable.
func (s *Store) ListContainers(ctx context.Context, filter Filter) ([]api.ContainerRecord, error) {
	query := selectColumns + " FROM containers"
	args := []interface{}{}

	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query containers: %w", err)
	}
	defer rows.Close()

	var records []api.ContainerRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan container: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating containers: %w", err)
	}
	return records, nil
}

// CountContainers returns the number of records, optionally matching status.
func (s *Store) CountContainers(ctx context.Context, status api.ContainerStatus) (int, error) {
	var count int
	var err error
	if status != "" {
		err = s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM containers WHERE status = ?", string(status)).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM containers").Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count containers: %w", err)
	}
	return count, nil
}

// UpdateLifecycle applies a partial lifecycle update to a single record.
// Patches for the same id are applied in the order received (single writer).
// A patch that sets StoppedAt or ShutdownReason against a record already in
// a terminal state fails with ErrTerminalState: stop fields are written
// together, exactly once.
func (s *Store) UpdateLifecycle(ctx context.Context, id string, patch LifecyclePatch) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM containers WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read container status: %w", err)
	}

	stopping := patch.StoppedAt != nil || (patch.ShutdownReason != nil && *patch.ShutdownReason != api.ShutdownNone)
	if stopping && api.ContainerStatus(current).Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, id, current)
	}
	if stopping {
		// Stop timestamp and reason travel together.
		if patch.StoppedAt == nil {
			now := time.Now()
			patch.StoppedAt = &now
		}
		if patch.ShutdownReason == nil {
			reason := api.ShutdownManual
			patch.ShutdownReason = &reason
		}
	}

	set := ""
	args := []interface{}{}
	appendSet := func(col string, val interface{}) {
		if set != "" {
			set += ", "
		}
		set += col + " = ?"
		args = append(args, val)
	}

	if patch.Status != nil {
		appendSet("status", string(*patch.Status))
	}
	if patch.ShutdownReason != nil {
		appendSet("shutdown_reason", string(*patch.ShutdownReason))
	}
	if patch.StartedAt != nil {
		appendSet("started_at", patch.StartedAt.UnixMilli())
	}
	if patch.StoppedAt != nil {
		appendSet("stopped_at", patch.StoppedAt.UnixMilli())
	}
	if patch.LastActivity != nil {
		appendSet("last_activity", patch.LastActivity.UnixMilli())
	}
	if set == "" {
		return nil
	}

	args = append(args, id)
	if _, err := tx.ExecContext(ctx, "UPDATE containers SET "+set+" WHERE id = ?", args...); err != nil {
		return fmt.Errorf("failed to update container: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lifecycle update: %w", err)
	}

	fields := logrus.Fields{"container_id": id}
	if patch.Status != nil {
		fields["status"] = *patch.Status
	}
	if patch.ShutdownReason != nil {
		fields["shutdown_reason"] = *patch.ShutdownReason
	}
	s.logger.WithFields(fields).Info("Container lifecycle updated")
	return nil
}

const selectColumns = `SELECT id, service_name, storage_bucket, storage_region,
	status, shutdown_reason, urls, cpu_limit, memory_limit,
	created_at, started_at, stopped_at, last_activity`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*api.ContainerRecord, error) {
	var (
		record                           api.ContainerRecord
		status, reason, urls             string
		createdAt                        int64
		startedAt, stoppedAt, lastActive sql.NullInt64
	)
	err := row.Scan(
		&record.ID, &record.ServiceName, &record.StorageBucket, &record.StorageRegion,
		&status, &reason, &urls, &record.Resources.CPUs, &record.Resources.MemoryBytes,
		&createdAt, &startedAt, &stoppedAt, &lastActive,
	)
	if err != nil {
		return nil, err
	}

	record.Status = api.ContainerStatus(status)
	record.ShutdownReason = api.ShutdownReason(reason)
	record.CreatedAt = time.UnixMilli(createdAt)
	record.StartedAt = timeOrNil(startedAt)
	record.StoppedAt = timeOrNil(stoppedAt)
	record.LastActivity = timeOrNil(lastActive)

	if err := json.Unmarshal([]byte(urls), &record.URLs); err != nil {
		return nil, fmt.Errorf("failed to decode urls: %w", err)
	}
	return &record, nil
}

func unixMilliOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
