package transcript

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/threadwell/loom/pkg/message"
)

// Store archives terminal-thread transcripts to SQLite. Write-only from
// the orchestration core's point of view: archived history is never
// read back into live thread state.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Config holds store configuration
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// New opens the archive database, enabling WAL mode and creating the
// schema when missing.
func New(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS archives (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id INTEGER NOT NULL,
			parent_id INTEGER,
			state TEXT NOT NULL,
			archived_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_archives_thread ON archives(thread_id);

		CREATE TABLE IF NOT EXISTS archive_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			archive_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			stop_reason TEXT,
			FOREIGN KEY (archive_id) REFERENCES archives(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_messages_archive ON archive_messages(archive_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Archive writes one transcript: an archive row plus one row per
// message, in history order, in a single transaction.
func (s *Store) Archive(threadID int64, parentID *int64, state string, history []message.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var parent sql.NullInt64
	if parentID != nil {
		parent = sql.NullInt64{Int64: *parentID, Valid: true}
	}

	result, err := tx.Exec(
		"INSERT INTO archives (thread_id, parent_id, state, archived_at) VALUES (?, ?, ?, ?)",
		threadID, parent, state, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert archive: %w", err)
	}
	archiveID, err := result.LastInsertId()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(
		"INSERT INTO archive_messages (archive_id, position, message_id, role, content, stop_reason) VALUES (?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range history {
		content, err := json.Marshal(msg.Content)
		if err != nil {
			return fmt.Errorf("failed to marshal message %d: %w", i, err)
		}

		var stopReason sql.NullString
		if msg.Stop != nil {
			stopReason = sql.NullString{String: string(msg.Stop.Reason), Valid: true}
		}

		if _, err := stmt.Exec(archiveID, i, msg.ID, string(msg.Role), string(content), stopReason); err != nil {
			return fmt.Errorf("failed to insert message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}

	s.logger.Debug().
		Int64("thread_id", threadID).
		Str("state", state).
		Int("messages", len(history)).
		Msg("Transcript archived")
	return nil
}

// Record summarizes one archived transcript
type Record struct {
	ArchiveID  int64
	ThreadID   int64
	ParentID   *int64
	State      string
	ArchivedAt time.Time
	Messages   int
}

// Records lists archived transcripts, newest first. Intended for
// inspection tooling, not for rebuilding thread state.
func (s *Store) Records() ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT a.id, a.thread_id, a.parent_id, a.state, a.archived_at, COUNT(m.id)
		FROM archives a
		LEFT JOIN archive_messages m ON m.archive_id = a.id
		GROUP BY a.id
		ORDER BY a.archived_at DESC, a.id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var parent sql.NullInt64
		var archivedAt int64
		if err := rows.Scan(&r.ArchiveID, &r.ThreadID, &parent, &r.State, &archivedAt, &r.Messages); err != nil {
			return nil, err
		}
		if parent.Valid {
			p := parent.Int64
			r.ParentID = &p
		}
		r.ArchivedAt = time.UnixMilli(archivedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
