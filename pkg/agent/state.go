package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"deckhand/pkg/model"
)

// DefaultStatePath is where the agent keeps its last-applied hashes.
const DefaultStatePath = "/var/lib/deckhand/state.db"

// Entry is the agent's record of one applied resource.
type Entry struct {
	Key       model.ResourceKey
	Hash      string
	Manifest  []byte
	UpdatedAt time.Time
}

// State persists what the agent last applied, plus its cordon flag.
type State interface {
	Get(ctx context.Context, key model.ResourceKey) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key model.ResourceKey) error
	List(ctx context.Context) ([]Entry, error)
	Cordoned(ctx context.Context) (bool, error)
	SetCordoned(ctx context.Context, cordoned bool) error
	Close() error
}

// SQLiteState is the on-node State backed by a local sqlite file.
type SQLiteState struct {
	db *sql.DB
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS resources(
	kind TEXT NOT NULL,
	namespace TEXT NOT NULL,
	name TEXT NOT NULL,
	hash TEXT NOT NULL,
	manifest BLOB,
	ts INTEGER NOT NULL,
	PRIMARY KEY(kind, namespace, name)
);
CREATE TABLE IF NOT EXISTS settings(key TEXT PRIMARY KEY, value TEXT NOT NULL);`

// OpenSQLiteState opens (creating if needed) the state database at path.
func OpenSQLiteState(ctx context.Context, path string) (*SQLiteState, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite init mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, stateSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite init schema: %w", err)
	}
	return &SQLiteState{db: db}, nil
}

func (s *SQLiteState) Get(ctx context.Context, key model.ResourceKey) (Entry, bool, error) {
	e := Entry{Key: key}
	var ts int64
	err := s.db.QueryRowContext(ctx, `SELECT hash, manifest, ts FROM resources WHERE kind=? AND namespace=? AND name=?`,
		string(key.Kind), key.Namespace, key.Name).Scan(&e.Hash, &e.Manifest, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.UpdatedAt = time.Unix(ts, 0).UTC()
	return e, true, nil
}

func (s *SQLiteState) Put(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO resources(kind, namespace, name, hash, manifest, ts) VALUES(?,?,?,?,?,?)
		ON CONFLICT(kind, namespace, name) DO UPDATE SET hash=excluded.hash, manifest=excluded.manifest, ts=excluded.ts`,
		string(e.Key.Kind), e.Key.Namespace, e.Key.Name, e.Hash, e.Manifest, e.UpdatedAt.Unix())
	return err
}

func (s *SQLiteState) Delete(ctx context.Context, key model.ResourceKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE kind=? AND namespace=? AND name=?`,
		string(key.Kind), key.Namespace, key.Name)
	return err
}

func (s *SQLiteState) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, namespace, name, hash, ts FROM resources ORDER BY kind, namespace, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			kind string
			ts   int64
		)
		if err := rows.Scan(&kind, &e.Key.Namespace, &e.Key.Name, &e.Hash, &ts); err != nil {
			return nil, err
		}
		e.Key.Kind = model.Kind(kind)
		e.UpdatedAt = time.Unix(ts, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteState) Cordoned(ctx context.Context) (bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key='cordoned'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return v == "true", err
}

func (s *SQLiteState) SetCordoned(ctx context.Context, cordoned bool) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings(key, value) VALUES('cordoned', ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, fmt.Sprint(cordoned))
	return err
}

func (s *SQLiteState) Close() error { return s.db.Close() }

// MemoryState is a State that lives only as long as the process.
type MemoryState struct {
	mu       sync.Mutex
	entries  map[model.ResourceKey]Entry
	cordoned bool
}

func NewMemoryState() *MemoryState {
	return &MemoryState{entries: make(map[model.ResourceKey]Entry)}
}

func (m *MemoryState) Get(_ context.Context, key model.ResourceKey) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemoryState) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

func (m *MemoryState) Delete(_ context.Context, key model.ResourceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryState) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

func (m *MemoryState) Cordoned(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cordoned, nil
}

func (m *MemoryState) SetCordoned(_ context.Context, cordoned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cordoned = cordoned
	return nil
}

func (m *MemoryState) Close() error { return nil }
