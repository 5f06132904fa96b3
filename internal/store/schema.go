package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	cerr "github.com/entrolution/causantic/internal/errors"
)

// CurrentSchemaVersion is the schema version written by this build.
const CurrentSchemaVersion = 4

const baseSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS chunks (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	project_slug     TEXT NOT NULL,
	turn_start       INTEGER NOT NULL,
	turn_indices     TEXT NOT NULL,
	start_time       INTEGER NOT NULL,
	end_time         INTEGER NOT NULL,
	content          TEXT NOT NULL,
	approx_tokens    INTEGER NOT NULL,
	code_block_count INTEGER NOT NULL DEFAULT 0,
	tool_use_count   INTEGER NOT NULL DEFAULT 0,
	agent_id         TEXT,
	spawn_depth      INTEGER NOT NULL DEFAULT 0,
	vector_clock     BLOB,
	created_at       INTEGER NOT NULL,
	UNIQUE(session_id, turn_start)
);

CREATE INDEX IF NOT EXISTS idx_chunks_session ON chunks(session_id);
CREATE INDEX IF NOT EXISTS idx_chunks_project_time ON chunks(project_slug, start_time);

CREATE TABLE IF NOT EXISTS embeddings (
	chunk_id TEXT PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
	model    TEXT NOT NULL,
	dims     INTEGER NOT NULL,
	vector   BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS edges (
	source_chunk_id TEXT NOT NULL,
	target_chunk_id TEXT NOT NULL,
	edge_type       TEXT NOT NULL CHECK(edge_type IN ('backward','forward')),
	reference_type  TEXT NOT NULL,
	weight          REAL NOT NULL,
	link_count      INTEGER NOT NULL DEFAULT 1,
	created_at      INTEGER NOT NULL,
	PRIMARY KEY (source_chunk_id, target_chunk_id, edge_type, reference_type)
);

CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_chunk_id, edge_type);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_chunk_id);

CREATE TABLE IF NOT EXISTS clusters (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	centroid        BLOB,
	exemplar_ids    TEXT NOT NULL DEFAULT '[]',
	membership_hash TEXT NOT NULL DEFAULT '',
	labeled_hash    TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	refreshed_at    INTEGER
);

CREATE TABLE IF NOT EXISTS chunk_clusters (
	chunk_id   TEXT PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
	cluster_id TEXT NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
	distance   REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunk_clusters_cluster ON chunk_clusters(cluster_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	session_id      TEXT PRIMARY KEY,
	last_turn_index INTEGER NOT NULL,
	last_chunk_id   TEXT NOT NULL,
	file_mtime      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS embedding_cache (
	content_hash TEXT NOT NULL,
	model        TEXT NOT NULL,
	vector       BLOB NOT NULL,
	hit_count    INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (content_hash, model)
);

CREATE TABLE IF NOT EXISTS task_runs (
	id         TEXT PRIMARY KEY,
	task       TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER,
	success    INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task, started_at);
`

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
	content,
	content='chunks',
	content_rowid='rowid',
	tokenize='unicode61'
);

CREATE TRIGGER IF NOT EXISTS chunks_fts_ai AFTER INSERT ON chunks BEGIN
	INSERT INTO chunks_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TRIGGER IF NOT EXISTS chunks_fts_ad AFTER DELETE ON chunks BEGIN
	INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;

CREATE TRIGGER IF NOT EXISTS chunks_fts_au AFTER UPDATE OF content ON chunks BEGIN
	INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	INSERT INTO chunks_fts(rowid, content) VALUES (new.rowid, new.content);
END;
`

// migrate brings the schema to CurrentSchemaVersion. Each step is
// transactional and check-before-change so re-running is safe.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return cerr.Corruption("create schema_version", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return cerr.Corruption("read schema version", err)
	}
	if version > CurrentSchemaVersion {
		return cerr.Corruption(
			fmt.Sprintf("database schema version %d is newer than this build supports (%d)", version, CurrentSchemaVersion), nil)
	}

	steps := []struct {
		version int
		apply   func(tx *sql.Tx) error
	}{
		{1, s.migrateBase},
		{2, s.migrateProjectPath},
		{3, s.migrateFTS},
		{4, s.migrateBackfillSlugs},
	}

	for _, step := range steps {
		if version >= step.version {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return cerr.Corruption("begin migration", err)
		}
		if err := step.apply(tx); err != nil {
			_ = tx.Rollback()
			return cerr.Corruption(fmt.Sprintf("migration to v%d failed: %v", step.version, err), err)
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, step.version); err != nil {
			_ = tx.Rollback()
			return cerr.Corruption("record schema version", err)
		}
		if err := tx.Commit(); err != nil {
			return cerr.Corruption("commit migration", err)
		}
		slog.Info("schema_migrated", slog.Int("version", step.version))
	}

	// FTS availability is probed once; fts_search degrades to empty (or the
	// fallback index) when the build lacks FTS5.
	s.ftsAvailable = s.probeFTS()
	return nil
}

func (s *Store) migrateBase(tx *sql.Tx) error {
	_, err := tx.Exec(baseSchema)
	return err
}

// migrateProjectPath adds chunks.project_path for disambiguated slugs.
func (s *Store) migrateProjectPath(tx *sql.Tx) error {
	if columnExists(tx, "chunks", "project_path") {
		return nil
	}
	_, err := tx.Exec(`ALTER TABLE chunks ADD COLUMN project_path TEXT NOT NULL DEFAULT ''`)
	return err
}

// migrateFTS adds the full-text virtual table and sync triggers, then
// backfills it from existing chunk rows. Skipped quietly when the SQLite
// build has no FTS5.
func (s *Store) migrateFTS(tx *sql.Tx) error {
	if _, err := tx.Exec(ftsSchema); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "fts5") {
			slog.Warn("fts5_unavailable", slog.String("error", err.Error()))
			return nil
		}
		return err
	}
	_, err := tx.Exec(`
		INSERT INTO chunks_fts(rowid, content)
		SELECT rowid, content FROM chunks
		WHERE rowid NOT IN (SELECT rowid FROM chunks_fts)`)
	return err
}

// migrateBackfillSlugs fills empty project slugs from the project path tail.
func (s *Store) migrateBackfillSlugs(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT id, project_path FROM chunks WHERE project_slug = '' AND project_path != ''`)
	if err != nil {
		return err
	}
	type fix struct{ id, slug string }
	var fixes []fix
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			_ = rows.Close()
			return err
		}
		segs := strings.Split(strings.TrimRight(path, "/"), "/")
		if len(segs) > 0 && segs[len(segs)-1] != "" {
			fixes = append(fixes, fix{id: id, slug: segs[len(segs)-1]})
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, f := range fixes {
		if _, err := tx.Exec(`UPDATE chunks SET project_slug = ? WHERE id = ?`, f.slug, f.id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) probeFTS() bool {
	var n int
	err := s.db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='chunks_fts'`).Scan(&n)
	return err == nil && n > 0
}

func columnExists(tx *sql.Tx, table, column string) bool {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}
