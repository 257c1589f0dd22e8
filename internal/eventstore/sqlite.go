package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/storage"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_request_id ON events(request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
	`CREATE TABLE IF NOT EXISTS package_stats (
		package_id TEXT PRIMARY KEY,
		installs INTEGER NOT NULL DEFAULT 0,
		last_install INTEGER NOT NULL
	)`,
}

// SQLiteStore implements Store and StatsRecorder using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool
	mu     sync.RWMutex
	now    func() time.Time
}

// NewSQLiteStore opens the database at dbPath and initializes the schema.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLiteStoreFromDB initializes the schema on an already open database.
// The caller keeps ownership of db.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	if err := storage.Migrate(context.Background(), db, schema...); err != nil {
		return nil, wrap(err, ErrInitializeSchemaFailed)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Append adds a new event to the store.
func (s *SQLiteStore) Append(ctx context.Context, requestID, eventType string, payload []byte, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metadataJSON []byte
	if metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(metadata)
		if err != nil {
			return wrap(err, ErrMarshalPayloadFailed)
		}
	}
	if payload == nil {
		payload = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (request_id, event_type, timestamp, payload, metadata) VALUES (?, ?, ?, ?, ?)",
		requestID, eventType, s.now().UnixMilli(), payload, metadataJSON,
	)
	if err != nil {
		return wrap(err, ErrEventAppendFailed)
	}
	return nil
}

// GetByRequestID retrieves all events for a specific request.
func (s *SQLiteStore) GetByRequestID(ctx context.Context, requestID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, request_id, event_type, timestamp, payload, metadata FROM events WHERE request_id = ? ORDER BY id",
		requestID,
	)
	if err != nil {
		return nil, wrap(err, ErrEventQueryFailed)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// GetRange retrieves events within a time range.
func (s *SQLiteStore) GetRange(ctx context.Context, start, end time.Time) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, request_id, event_type, timestamp, payload, metadata FROM events WHERE timestamp >= ? AND timestamp <= ? ORDER BY id",
		start.UnixMilli(), end.UnixMilli(),
	)
	if err != nil {
		return nil, wrap(err, ErrEventQueryFailed)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// Prune deletes events recorded before the given time.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", before.UnixMilli())
	if err != nil {
		return 0, wrap(err, ErrPruneFailed)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecordInstall increments the install counter for packageID.
func (s *SQLiteStore) RecordInstall(ctx context.Context, packageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO package_stats (package_id, installs, last_install) VALUES (?, 1, ?)
		ON CONFLICT(package_id) DO UPDATE SET installs = installs + 1, last_install = excluded.last_install`,
		packageID, s.now().UnixMilli(),
	)
	if err != nil {
		return wrap(err, ErrStatsUpdateFailed)
	}
	return nil
}

// Stats returns usage statistics ordered by install count, highest first.
func (s *SQLiteStore) Stats(ctx context.Context) ([]PackageStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT package_id, installs, last_install FROM package_stats ORDER BY installs DESC, package_id")
	if err != nil {
		return nil, wrap(err, ErrEventQueryFailed)
	}
	defer func() { _ = rows.Close() }()

	var stats []PackageStat
	for rows.Next() {
		var st PackageStat
		var last int64
		if err := rows.Scan(&st.PackageID, &st.Installs, &last); err != nil {
			return nil, wrap(err, ErrEventScanFailed)
		}
		st.LastInstall = time.UnixMilli(last)
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, ErrEventScanFailed)
	}
	return stats, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e BaseEvent
		var ts int64
		var metadataJSON []byte

		if err := rows.Scan(&e.EventID, &e.EventRequestID, &e.EventType, &ts, &e.EventPayload, &metadataJSON); err != nil {
			return nil, wrap(err, ErrEventScanFailed)
		}
		e.EventTimestamp = time.UnixMilli(ts)

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.EventMetadata); err != nil {
				return nil, wrap(err, ErrUnmarshalPayloadFailed)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, ErrEventScanFailed)
	}
	return events, nil
}

// Close closes the database connection when the store opened it.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func wrap(cause error, sentinel *ferrors.ClassifiedError) error {
	return ferrors.WrapError(cause, sentinel.Category(), sentinel.Message()).Build()
}
