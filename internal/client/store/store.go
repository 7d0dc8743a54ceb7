// Package store is the device-side durable store: a SQLite database holding
// the working copy of every synced collection, the coalesced dirty queue the
// push phase drains, and an append-only journal of local mutations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is bumped on every incompatible schema change. Migration is
// one-way: opening a database written by a newer build fails instead of
// guessing.
const schemaVersion = 1

// ErrNewerSchema means the database file was created by a newer build.
var ErrNewerSchema = errors.New("local store: database schema is newer than this build")

// ErrStorage marks a failed local database operation. Callers use it to tell
// a sick disk apart from a sick network.
var ErrStorage = errors.New("storage failure")

func storageErr(op string, err error) error {
	return fmt.Errorf("local store: %s: %w: %w", op, ErrStorage, err)
}

// Row is one record of the working copy together with its sync bookkeeping.
type Row struct {
	Collection     string
	LocalID        string
	ServerID       string // empty until first accepted upload
	Dirty          bool
	BaseVersion    uint64 // server syncVersion the local edit is based on
	Payload        json.RawMessage
	Original       json.RawMessage // server copy at the moment the row went dirty
	Deleted        bool
	Invalid        bool // rejected by server validation; excluded from push
	NeedsAttention bool // manual-strategy conflict awaiting an operator
	UpdatedAt      time.Time
}

// Op reports the pending operation the push phase should issue for this row.
func (r *Row) Op() string {
	switch {
	case r.Deleted:
		return "delete"
	case r.ServerID == "":
		return "create"
	default:
		return "update"
	}
}

// JournalEntry is one appended local mutation. The journal survives coalescing:
// three edits to one row leave one dirty row but three journal entries.
type JournalEntry struct {
	Seq        int64
	Collection string
	LocalID    string
	Op         string
	Payload    json.RawMessage
	QueuedAt   time.Time
}

// Store wraps the SQLite database. All methods are safe for concurrent use;
// SQLite serializes writers and WAL keeps readers off the write lock.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the device database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, storageErr("open", err)
	}
	if err := initialize(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func initialize(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return storageErr("enable WAL", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return storageErr("enable foreign keys", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rows (
			collection      TEXT NOT NULL,
			local_id        TEXT NOT NULL,
			server_id       TEXT NOT NULL DEFAULT '',
			dirty           INTEGER NOT NULL DEFAULT 0,
			base_version    INTEGER NOT NULL DEFAULT 0,
			payload         TEXT NOT NULL,
			original        TEXT,
			deleted         INTEGER NOT NULL DEFAULT 0,
			invalid         INTEGER NOT NULL DEFAULT 0,
			needs_attention INTEGER NOT NULL DEFAULT 0,
			updated_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (collection, local_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rows_dirty ON rows (dirty) WHERE dirty = 1`,
		`CREATE INDEX IF NOT EXISTS idx_rows_server ON rows (collection, server_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rows_attention ON rows (needs_attention) WHERE needs_attention = 1`,

		// Key/value bookkeeping: per-collection pull cursors, lastSyncAt,
		// schema_version.
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS journal (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			local_id   TEXT NOT NULL,
			op         TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			payload    TEXT,
			queued_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return storageErr("migrate", err)
		}
	}

	var stored int
	err := db.QueryRow(`SELECT CAST(value AS INTEGER) FROM meta WHERE key = 'schema_version'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion); err != nil {
			return storageErr("migrate", err)
		}
		return nil
	case err != nil:
		return storageErr("read schema version", err)
	case stored > schemaVersion:
		return ErrNewerSchema
	}
	return nil
}

// Put records a local create or edit. The first write after a clean state
// snapshots the current payload as the row's original, so three-way merges
// have a base even after further local edits coalesce on top.
func (s *Store) Put(ctx context.Context, collection, localID string, payload json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("put", err)
	}
	defer tx.Rollback()

	var dirty bool
	var existing []byte
	op := "create"
	err = tx.QueryRowContext(ctx,
		`SELECT dirty, payload FROM rows WHERE collection = ? AND local_id = ?`,
		collection, localID).Scan(&dirty, &existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO rows (collection, local_id, dirty, payload, updated_at)
			 VALUES (?, ?, 1, ?, ?)`,
			collection, localID, string(payload), now())
	case err != nil:
		return storageErr("put", err)
	default:
		op = "update"
		if dirty {
			// Already dirty: coalesce. Original stays pinned at the first
			// transition so the merge base is the last synced state.
			_, err = tx.ExecContext(ctx,
				`UPDATE rows SET payload = ?, updated_at = ?
				 WHERE collection = ? AND local_id = ?`,
				string(payload), now(), collection, localID)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE rows SET payload = ?, original = payload, dirty = 1,
				        invalid = 0, updated_at = ?
				 WHERE collection = ? AND local_id = ?`,
				string(payload), now(), collection, localID)
		}
	}
	if err != nil {
		return storageErr("put", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO journal (collection, local_id, op, payload) VALUES (?, ?, ?, ?)`,
		collection, localID, op, string(payload)); err != nil {
		return storageErr("journal", err)
	}
	return commit(tx)
}

// Delete marks a row deleted locally. The tombstone stays until the server
// accepts the delete; destructive intent is never dropped silently.
func (s *Store) Delete(ctx context.Context, collection, localID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE rows SET deleted = 1, dirty = 1,
		        original = CASE WHEN dirty = 0 THEN payload ELSE original END,
		        updated_at = ?
		 WHERE collection = ? AND local_id = ?`,
		now(), collection, localID)
	if err != nil {
		return storageErr("delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO journal (collection, local_id, op) VALUES (?, ?, 'delete')`,
		collection, localID); err != nil {
		return storageErr("journal", err)
	}
	return commit(tx)
}

// Get returns one row, or sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, collection, localID string) (*Row, error) {
	return s.queryRow(ctx,
		`SELECT `+rowColumns+` FROM rows WHERE collection = ? AND local_id = ?`,
		collection, localID)
}

// FindByServerID locates the local row holding a given server identity.
func (s *Store) FindByServerID(ctx context.Context, collection, serverID string) (*Row, error) {
	return s.queryRow(ctx,
		`SELECT `+rowColumns+` FROM rows WHERE collection = ? AND server_id = ?`,
		collection, serverID)
}

// ListDirty returns the coalesced pending queue in deterministic order:
// the push phase uploads oldest edits first. Invalid rows and rows parked
// for manual attention are excluded.
func (s *Store) ListDirty(ctx context.Context) ([]Row, error) {
	return s.queryRows(ctx,
		`SELECT `+rowColumns+` FROM rows
		 WHERE dirty = 1 AND invalid = 0 AND needs_attention = 0
		 ORDER BY updated_at ASC, collection ASC, local_id ASC`)
}

// ListNeedsAttention returns rows parked for an operator decision.
func (s *Store) ListNeedsAttention(ctx context.Context) ([]Row, error) {
	return s.queryRows(ctx,
		`SELECT `+rowColumns+` FROM rows WHERE needs_attention = 1
		 ORDER BY updated_at ASC`)
}

// List returns the live working copy of one collection, deleted rows excluded.
func (s *Store) List(ctx context.Context, collection string) ([]Row, error) {
	return s.queryRows(ctx,
		`SELECT `+rowColumns+` FROM rows
		 WHERE collection = ? AND deleted = 0
		 ORDER BY local_id ASC`, collection)
}

// MarkSynced records an accepted upload: the row adopts the server identity
// and version, goes clean, and drops its merge base.
func (s *Store) MarkSynced(ctx context.Context, collection, localID, serverID string, serverVersion uint64, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rows SET server_id = ?, base_version = ?, payload = ?,
		        dirty = 0, original = NULL, needs_attention = 0, updated_at = ?
		 WHERE collection = ? AND local_id = ?`,
		serverID, serverVersion, string(payload), now(), collection, localID)
	if err != nil {
		return storageErr("mark synced", err)
	}
	return nil
}

// DropSynced removes a row whose delete the server accepted.
func (s *Store) DropSynced(ctx context.Context, collection, localID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rows WHERE collection = ? AND local_id = ?`, collection, localID)
	if err != nil {
		return storageErr("drop", err)
	}
	return nil
}

// MarkInvalid parks a row the server rejected as invalid. It stays visible
// locally but is skipped by every future push until edited again.
func (s *Store) MarkInvalid(ctx context.Context, collection, localID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rows SET invalid = 1, updated_at = ?
		 WHERE collection = ? AND local_id = ?`,
		now(), collection, localID)
	if err != nil {
		return storageErr("mark invalid", err)
	}
	return nil
}

// MarkNeedsAttention parks a row whose conflict the resolver refused to
// merge automatically.
func (s *Store) MarkNeedsAttention(ctx context.Context, collection, localID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rows SET needs_attention = 1, updated_at = ?
		 WHERE collection = ? AND local_id = ?`,
		now(), collection, localID)
	if err != nil {
		return storageErr("mark attention", err)
	}
	return nil
}

// StoreMerged writes a locally resolved conflict: the merged payload goes
// dirty at the server's version so the next push is a clean compare-and-set,
// and the server copy becomes the new merge base.
func (s *Store) StoreMerged(ctx context.Context, collection, localID, serverID string, serverVersion uint64, merged, serverCopy json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rows SET payload = ?, original = ?, server_id = ?, base_version = ?,
		        dirty = 1, needs_attention = 0, updated_at = ?
		 WHERE collection = ? AND local_id = ?`,
		string(merged), string(serverCopy), serverID, serverVersion, now(), collection, localID)
	if err != nil {
		return storageErr("store merged", err)
	}
	return nil
}

// UpdatePayloadClean refreshes a payload without touching sync bookkeeping.
// Used for locally derived fields (aggregates) that the server recomputes
// authoritatively — they must never be pushed.
func (s *Store) UpdatePayloadClean(ctx context.Context, collection, localID string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rows SET payload = ?, updated_at = ?
		 WHERE collection = ? AND local_id = ? AND dirty = 0`,
		string(payload), now(), collection, localID)
	if err != nil {
		return storageErr("refresh payload", err)
	}
	return nil
}

// ApplyServerRow folds one pulled server record into the working copy.
// Idempotent: replaying the same record converges on the same state. When the
// local row is dirty the server copy is NOT applied — the row is returned with
// conflict=true so the resolve phase can merge instead of clobbering.
func (s *Store) ApplyServerRow(ctx context.Context, collection, serverID string, serverVersion uint64, deleted bool, payload json.RawMessage) (local *Row, conflict bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, storageErr("apply", err)
	}
	defer tx.Rollback()

	row, err := scanRow(tx.QueryRowContext(ctx,
		`SELECT `+rowColumns+` FROM rows WHERE collection = ? AND server_id = ?`,
		collection, serverID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if deleted {
			// Tombstone for a row we never had.
			return nil, false, commit(tx)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO rows (collection, local_id, server_id, base_version, payload, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			collection, serverID, serverID, serverVersion, string(payload), now())
		if err != nil {
			return nil, false, storageErr("apply", err)
		}
		return nil, false, commit(tx)
	case err != nil:
		return nil, false, storageErr("apply", err)
	}

	if row.Dirty {
		// Local edits in flight: hand the collision to the resolver.
		return row, true, commit(tx)
	}
	if row.BaseVersion >= serverVersion {
		// Already at or past this version — replay, nothing to do.
		return row, false, commit(tx)
	}

	if deleted {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM rows WHERE collection = ? AND local_id = ?`,
			collection, row.LocalID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE rows SET payload = ?, base_version = ?, updated_at = ?
			 WHERE collection = ? AND local_id = ?`,
			string(payload), serverVersion, now(), collection, row.LocalID)
	}
	if err != nil {
		return nil, false, storageErr("apply", err)
	}
	return row, false, commit(tx)
}

// Journal returns entries after seq, oldest first.
func (s *Store) Journal(ctx context.Context, afterSeq int64, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, collection, local_id, op, COALESCE(payload, ''), queued_at
		 FROM journal WHERE seq > ? ORDER BY seq ASC LIMIT ?`, afterSeq, limit)
	if err != nil {
		return nil, storageErr("journal", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var payload, queued string
		if err := rows.Scan(&e.Seq, &e.Collection, &e.LocalID, &e.Op, &payload, &queued); err != nil {
			return nil, storageErr("journal", err)
		}
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		e.QueuedAt, _ = time.Parse(time.RFC3339Nano, queued)
		out = append(out, e)
	}
	return out, rows.Err()
}

// JournalCount reports how many mutations are waiting in the journal. The
// engine compares it against its soft cap to warn about offline backlog.
func (s *Store) JournalCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal`).Scan(&n); err != nil {
		return 0, storageErr("journal", err)
	}
	return n, nil
}

// LastJournalSeq returns the highest assigned journal sequence (0 when empty).
func (s *Store) LastJournalSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM journal`).Scan(&seq); err != nil {
		return 0, storageErr("journal", err)
	}
	return seq.Int64, nil
}

// PruneJournal drops entries up to and including seq. Called after a full
// cycle completes; the journal only needs to outlive unsynced work.
func (s *Store) PruneJournal(ctx context.Context, uptoSeq int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM journal WHERE seq <= ?`, uptoSeq)
	if err != nil {
		return storageErr("prune journal", err)
	}
	return nil
}

// Cursor returns the pull cursor for one collection (zero time when unset).
func (s *Store) Cursor(ctx context.Context, collection string) (time.Time, error) {
	return s.metaTime(ctx, "cursor:"+collection)
}

// SetCursor persists the pull cursor for one collection.
func (s *Store) SetCursor(ctx context.Context, collection string, t time.Time) error {
	return s.setMeta(ctx, "cursor:"+collection, t.UTC().Format(time.RFC3339Nano))
}

// LastSyncAt returns the completion time of the last full successful cycle.
func (s *Store) LastSyncAt(ctx context.Context) (time.Time, error) {
	return s.metaTime(ctx, "last_sync_at")
}

func (s *Store) SetLastSyncAt(ctx context.Context, t time.Time) error {
	return s.setMeta(ctx, "last_sync_at", t.UTC().Format(time.RFC3339Nano))
}

func (s *Store) metaTime(ctx context.Context, key string) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, storageErr("meta", err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("local store: meta %q: %w: %w", key, ErrStorage, err)
	}
	return t, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return storageErr("meta", err)
	}
	return nil
}

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

const rowColumns = `collection, local_id, server_id, dirty, base_version,
	payload, original, deleted, invalid, needs_attention, updated_at`

type scannable interface{ Scan(dest ...any) error }

func scanRow(sc scannable) (*Row, error) {
	var r Row
	var payload string
	var original sql.NullString
	var updated string
	if err := sc.Scan(&r.Collection, &r.LocalID, &r.ServerID, &r.Dirty, &r.BaseVersion,
		&payload, &original, &r.Deleted, &r.Invalid, &r.NeedsAttention, &updated); err != nil {
		return nil, err
	}
	r.Payload = json.RawMessage(payload)
	if original.Valid {
		r.Original = json.RawMessage(original.String)
	}
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &r, nil
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) (*Row, error) {
	row, err := scanRow(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("query", err)
	}
	return row, nil
}

func (s *Store) queryRows(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, storageErr("scan", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }
