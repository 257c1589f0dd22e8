// Package whitelist holds the persisted set of caller identities allowed to
// use privd.
package whitelist

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/storage"
)

const schema = `CREATE TABLE IF NOT EXISTS whitelist (
	identity TEXT PRIMARY KEY,
	added_at INTEGER NOT NULL
)`

// Entry is one permitted identity.
type Entry struct {
	Identity string    `json:"identity"`
	AddedAt  time.Time `json:"added_at"`
}

// Whitelist is a SQLite-backed identity set with an in-memory copy for
// lookups. Contains never touches the database.
type Whitelist struct {
	db     *sql.DB
	ownsDB bool

	mu  sync.RWMutex
	set map[string]time.Time
	now func() time.Time
}

// Open opens the whitelist stored in the database at path.
func Open(path string) (*Whitelist, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	w, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	w.ownsDB = true
	return w, nil
}

// New initializes the whitelist table on db and loads it into memory.
// The caller keeps ownership of db.
func New(db *sql.DB) (*Whitelist, error) {
	ctx := context.Background()
	if err := storage.Migrate(ctx, db, schema); err != nil {
		return nil, err
	}
	w := &Whitelist{db: db, set: make(map[string]time.Time), now: time.Now}
	if err := w.Reload(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// Reload replaces the in-memory set with the persisted entries.
func (w *Whitelist) Reload(ctx context.Context) error {
	rows, err := w.db.QueryContext(ctx, "SELECT identity, added_at FROM whitelist")
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryStorage, "query whitelist").Build()
	}
	defer func() { _ = rows.Close() }()

	set := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var added int64
		if err := rows.Scan(&id, &added); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryStorage, "scan whitelist").Build()
		}
		set[id] = time.UnixMilli(added)
	}
	if err := rows.Err(); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryStorage, "scan whitelist").Build()
	}

	w.mu.Lock()
	w.set = set
	w.mu.Unlock()
	return nil
}

// Contains reports whether identity is whitelisted. The match is exact and
// case-sensitive.
func (w *Whitelist) Contains(identity string) bool {
	if identity == "" {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.set[identity]
	return ok
}

// Add persists identity. Adding an existing identity is a no-op and returns false.
func (w *Whitelist) Add(ctx context.Context, identity string) (bool, error) {
	if identity == "" {
		return false, ferrors.ValidationError("identity cannot be empty").Build()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.set[identity]; ok {
		return false, nil
	}
	added := w.now()
	if _, err := w.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO whitelist (identity, added_at) VALUES (?, ?)", identity, added.UnixMilli()); err != nil {
		return false, ferrors.WrapError(err, ferrors.CategoryStorage, "insert whitelist entry").
			WithContext("identity", identity).Build()
	}
	w.set[identity] = time.UnixMilli(added.UnixMilli())
	return true, nil
}

// Remove deletes identity. Removing an unknown identity returns false.
func (w *Whitelist) Remove(ctx context.Context, identity string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.set[identity]; !ok {
		return false, nil
	}
	if _, err := w.db.ExecContext(ctx, "DELETE FROM whitelist WHERE identity = ?", identity); err != nil {
		return false, ferrors.WrapError(err, ferrors.CategoryStorage, "delete whitelist entry").
			WithContext("identity", identity).Build()
	}
	delete(w.set, identity)
	return true, nil
}

// Seed adds every identity in ids that is not already present.
func (w *Whitelist) Seed(ctx context.Context, ids []string) (int, error) {
	added := 0
	for _, id := range ids {
		ok, err := w.Add(ctx, id)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// List returns all entries sorted by identity.
func (w *Whitelist) List() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Entry, 0, len(w.set))
	for id, at := range w.set {
		out = append(out, Entry{Identity: id, AddedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Len returns the number of whitelisted identities.
func (w *Whitelist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.set)
}

// Close releases the database when the whitelist opened it.
func (w *Whitelist) Close() error {
	if !w.ownsDB {
		return nil
	}
	return w.db.Close()
}
