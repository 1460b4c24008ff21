package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/memgate/memgate/pkg/model"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// sqliteRepo implements Repository on SQLite. Shadow memory rows are cached in
// ristretto; since shadow state mutates only through this repository, cache
// entries are invalidated on every local write and can never go stale against
// the database.
type sqliteRepo struct {
	db    *sql.DB
	cache *ristretto.Cache
}

// NewSQLite opens or creates the gateway database at the given path.
func NewSQLite(dbPath string) (Repository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create database directory", goerr.V("dir", dir))
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("path", dbPath))
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 16,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "failed to create memory cache")
	}

	r := &sqliteRepo{db: db, cache: cache}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "failed to migrate schema")
	}

	return r, nil
}

func (r *sqliteRepo) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		user_key   TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS apps (
		id         TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL REFERENCES users(id),
		name       TEXT NOT NULL,
		is_active  INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		UNIQUE(owner_id, name)
	);

	CREATE TABLE IF NOT EXISTS memories (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL REFERENCES users(id),
		app_id     TEXT NOT NULL REFERENCES apps(id),
		content    TEXT NOT NULL,
		state      TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id);
	CREATE INDEX IF NOT EXISTS idx_memories_state ON memories(user_id, state);

	CREATE TABLE IF NOT EXISTS memory_status_history (
		id         TEXT PRIMARY KEY,
		memory_id  TEXT NOT NULL,
		changed_by TEXT NOT NULL,
		old_state  TEXT,
		new_state  TEXT NOT NULL,
		changed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_memory ON memory_status_history(memory_id);

	CREATE TABLE IF NOT EXISTS access_logs (
		id          TEXT PRIMARY KEY,
		memory_id   TEXT NOT NULL,
		app_id      TEXT NOT NULL,
		access_type TEXT NOT NULL,
		metadata    TEXT,
		accessed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_access_memory ON access_logs(memory_id);
	CREATE INDEX IF NOT EXISTS idx_access_app ON access_logs(app_id, accessed_at DESC);

	CREATE TABLE IF NOT EXISTS access_grants (
		app_id     TEXT NOT NULL,
		memory_id  TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (app_id, memory_id)
	);

	CREATE TABLE IF NOT EXISTS configs (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (r *sqliteRepo) GetOrCreateUserAndApp(ctx context.Context, userKey, appName string) (*model.User, *model.App, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	user, err := getUserTx(ctx, tx, userKey)
	if err != nil {
		return nil, nil, err
	}
	if user == nil {
		user = &model.User{
			ID:        model.NewUserID(),
			UserKey:   userKey,
			CreatedAt: time.Now().UTC(),
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, user_key, created_at) VALUES (?, ?, ?)`,
			string(user.ID), user.UserKey, now()); err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create user", goerr.V("user", userKey))
		}
	}

	app, err := getAppTx(ctx, tx, user.ID, appName)
	if err != nil {
		return nil, nil, err
	}
	if app == nil {
		app = &model.App{
			ID:        model.NewAppID(),
			OwnerID:   user.ID,
			Name:      appName,
			IsActive:  true,
			CreatedAt: time.Now().UTC(),
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO apps (id, owner_id, name, is_active, created_at) VALUES (?, ?, ?, 1, ?)`,
			string(app.ID), string(user.ID), appName, now()); err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create app", goerr.V("app", appName))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, goerr.Wrap(err, "failed to commit identity creation")
	}
	return user, app, nil
}

func getUserTx(ctx context.Context, tx *sql.Tx, userKey string) (*model.User, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, user_key, created_at FROM users WHERE user_key = ?`, userKey)

	var u model.User
	var createdAt string
	if err := row.Scan((*string)(&u.ID), &u.UserKey, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to query user")
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &u, nil
}

func getAppTx(ctx context.Context, tx *sql.Tx, ownerID model.UserID, name string) (*model.App, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, owner_id, name, is_active, created_at FROM apps WHERE owner_id = ? AND name = ?`,
		string(ownerID), name)

	var a model.App
	var active int
	var createdAt string
	if err := row.Scan((*string)(&a.ID), (*string)(&a.OwnerID), &a.Name, &active, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to query app")
	}
	a.IsActive = active != 0
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &a, nil
}

func (r *sqliteRepo) GetApp(ctx context.Context, id model.AppID) (*model.App, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, is_active, created_at FROM apps WHERE id = ?`, string(id))

	var a model.App
	var active int
	var createdAt string
	if err := row.Scan((*string)(&a.ID), (*string)(&a.OwnerID), &a.Name, &active, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to query app", goerr.V("id", id))
	}
	a.IsActive = active != 0
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &a, nil
}

func (r *sqliteRepo) GetMemory(ctx context.Context, id model.MemoryID) (*model.MemoryRecord, error) {
	if cached, ok := r.cache.Get(string(id)); ok {
		return cached.(*model.MemoryRecord), nil
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, app_id, content, state, created_at, updated_at, deleted_at
		 FROM memories WHERE id = ?`, string(id))

	rec, err := scanMemory(row)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		r.cache.Set(string(id), rec, 1)
		r.cache.Wait()
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*model.MemoryRecord, error) {
	var rec model.MemoryRecord
	var createdAt, updatedAt string
	var deletedAt sql.NullString
	err := row.Scan(
		(*string)(&rec.ID), (*string)(&rec.UserID), (*string)(&rec.AppID),
		&rec.Content, (*string)(&rec.State), &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to scan memory row")
	}

	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if deletedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, deletedAt.String)
		rec.DeletedAt = &t
	}
	return &rec, nil
}

func (r *sqliteRepo) ListUserMemories(ctx context.Context, userID model.UserID) ([]*model.MemoryRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, app_id, content, state, created_at, updated_at, deleted_at
		 FROM memories WHERE user_id = ? ORDER BY created_at`, string(userID))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list memories", goerr.V("user_id", userID))
	}
	defer rows.Close()

	var records []*model.MemoryRecord
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *sqliteRepo) UpsertMemoryFromEvent(ctx context.Context, rec *model.MemoryRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var oldState sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM memories WHERE id = ?`, string(rec.ID)).Scan(&oldState)
	if err != nil && err != sql.ErrNoRows {
		return goerr.Wrap(err, "failed to query current state", goerr.V("id", rec.ID))
	}

	ts := now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, app_id, content, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET content = excluded.content,
		                               state = excluded.state,
		                               updated_at = excluded.updated_at`,
		string(rec.ID), string(rec.UserID), string(rec.AppID),
		rec.Content, string(rec.State), ts, ts); err != nil {
		return goerr.Wrap(err, "failed to upsert memory", goerr.V("id", rec.ID))
	}

	var old any
	if oldState.Valid {
		old = oldState.String
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_status_history (id, memory_id, changed_by, old_state, new_state, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), string(rec.ID), string(rec.UserID),
		old, string(rec.State), ts); err != nil {
		return goerr.Wrap(err, "failed to append status history", goerr.V("id", rec.ID))
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit memory event")
	}

	r.cache.Del(string(rec.ID))
	return nil
}

func (r *sqliteRepo) MarkMemoriesDeleted(ctx context.Context, ids []model.MemoryID, changedBy model.UserID) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	ts := now()
	for _, id := range ids {
		var oldState string
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM memories WHERE id = ?`, string(id)).Scan(&oldState)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return goerr.Wrap(err, "failed to query memory state", goerr.V("id", id))
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET state = ?, deleted_at = ?, updated_at = ? WHERE id = ?`,
			string(model.MemoryStateDeleted), ts, ts, string(id)); err != nil {
			return goerr.Wrap(err, "failed to mark memory deleted", goerr.V("id", id))
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_status_history (id, memory_id, changed_by, old_state, new_state, changed_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), string(id), string(changedBy),
			oldState, string(model.MemoryStateDeleted), ts); err != nil {
			return goerr.Wrap(err, "failed to append status history", goerr.V("id", id))
		}
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit deletions")
	}

	for _, id := range ids {
		r.cache.Del(string(id))
	}
	return nil
}

func (r *sqliteRepo) AppendAccessEvents(ctx context.Context, events []*model.AccessEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for _, ev := range events {
		id := ev.ID
		if id == "" {
			id = ulid.Make().String()
		}

		var metadata any
		if ev.Metadata != nil {
			raw, err := json.Marshal(ev.Metadata)
			if err != nil {
				return goerr.Wrap(err, "failed to encode audit metadata")
			}
			metadata = string(raw)
		}

		ts := ev.AccessedAt
		if ts.IsZero() {
			ts = time.Now().UTC()
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO access_logs (id, memory_id, app_id, access_type, metadata, accessed_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, string(ev.MemoryID), string(ev.AppID), string(ev.AccessType),
			metadata, ts.Format(time.RFC3339Nano)); err != nil {
			return goerr.Wrap(err, "failed to append access event",
				goerr.V("memory_id", ev.MemoryID),
				goerr.V("access_type", ev.AccessType))
		}
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit access events")
	}
	return nil
}

func (r *sqliteRepo) HasAccessGrant(ctx context.Context, appID model.AppID, memoryID model.MemoryID) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM access_grants WHERE app_id = ? AND memory_id = ?`,
		string(appID), string(memoryID)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, goerr.Wrap(err, "failed to query access grant")
	}
	return true, nil
}

func (r *sqliteRepo) GrantAccess(ctx context.Context, appID model.AppID, memoryID model.MemoryID) error {
	if _, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO access_grants (app_id, memory_id, created_at) VALUES (?, ?, ?)`,
		string(appID), string(memoryID), now()); err != nil {
		return goerr.Wrap(err, "failed to grant access")
	}
	return nil
}

func (r *sqliteRepo) GetConfig(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM configs WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query config", goerr.V("key", key))
	}
	return []byte(value), nil
}

func (r *sqliteRepo) SetConfig(ctx context.Context, key string, value []byte) error {
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO configs (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), now()); err != nil {
		return goerr.Wrap(err, "failed to set config", goerr.V("key", key))
	}
	return nil
}

func (r *sqliteRepo) Close() error {
	r.cache.Close()
	return r.db.Close()
}
