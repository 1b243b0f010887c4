package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coralpbx/coralpbx/internal/call"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteStore backs the Store with a single-file SQLite database in
// WAL mode.
type sqliteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func openSQLite(path string, logger *slog.Logger) (*sqliteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &sqliteStore{db: db, logger: logger.With("component", "database")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("database opened", "driver", "sqlite", "path", path)
	return s, nil
}

// migrate applies pending SQL migration files in filename order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		s.logger.Info("applied migration", "version", version)
	}
	return nil
}

func (s *sqliteStore) WriteCDR(ctx context.Context, rec call.CDR) error {
	var answered any
	if !rec.AnsweredAt.IsZero() {
		answered = rec.AnsweredAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cdrs (call_id, from_ext, to_ext, dialed, direction, trunk,
		 started_at, answered_at, ended_at, billable_seconds, end_reason, cost)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.From, rec.To, rec.Dialed, string(rec.Direction), rec.Trunk,
		rec.StartedAt, answered, rec.EndedAt, rec.BillableSeconds, rec.EndReason, rec.Cost,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListCDRs(ctx context.Context, limit int) ([]call.CDR, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_id, from_ext, to_ext, dialed, direction, trunk,
		 started_at, answered_at, ended_at, billable_seconds, end_reason, cost
		 FROM cdrs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying cdrs: %w", err)
	}
	defer rows.Close()

	var recs []call.CDR
	for rows.Next() {
		var rec call.CDR
		var direction string
		var answered sql.NullTime
		if err := rows.Scan(&rec.CallID, &rec.From, &rec.To, &rec.Dialed, &direction, &rec.Trunk,
			&rec.StartedAt, &answered, &rec.EndedAt, &rec.BillableSeconds, &rec.EndReason, &rec.Cost); err != nil {
			return nil, fmt.Errorf("scanning cdr: %w", err)
		}
		rec.Direction = call.Direction(direction)
		if answered.Valid {
			rec.AnsweredAt = answered.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *sqliteStore) CountCDRsByDirection(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT direction, COUNT(*) FROM cdrs GROUP BY direction")
	if err != nil {
		return nil, fmt.Errorf("counting cdrs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var direction string
		var n int
		if err := rows.Scan(&direction, &n); err != nil {
			return nil, fmt.Errorf("scanning cdr count: %w", err)
		}
		counts[direction] = n
	}
	return counts, rows.Err()
}

func (s *sqliteStore) SaveVoicemail(ctx context.Context, msg *VoicemailMessage) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO voicemail_messages (mailbox, caller, file_path, duration_seconds, received_at, read)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.Mailbox, msg.Caller, msg.FilePath, msg.DurationSeconds, msg.ReceivedAt, msg.Read,
	)
	if err != nil {
		return fmt.Errorf("inserting voicemail message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	msg.ID = id
	return nil
}

func (s *sqliteStore) ListVoicemail(ctx context.Context, mailbox string) ([]VoicemailMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mailbox, caller, file_path, duration_seconds, received_at, read
		 FROM voicemail_messages WHERE mailbox = ? ORDER BY received_at DESC`, mailbox)
	if err != nil {
		return nil, fmt.Errorf("querying voicemail messages: %w", err)
	}
	defer rows.Close()

	var msgs []VoicemailMessage
	for rows.Next() {
		var msg VoicemailMessage
		if err := rows.Scan(&msg.ID, &msg.Mailbox, &msg.Caller, &msg.FilePath,
			&msg.DurationSeconds, &msg.ReceivedAt, &msg.Read); err != nil {
			return nil, fmt.Errorf("scanning voicemail message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *sqliteStore) MarkVoicemailRead(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE voicemail_messages SET read = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("marking voicemail read: %w", err)
	}
	return nil
}

func (s *sqliteStore) CountVoicemail(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM voicemail_messages").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting voicemail messages: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) UpsertPhoneBookEntry(ctx context.Context, entry PhoneBookEntry) error {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO phone_book (number, name, email, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (number) DO UPDATE SET name = excluded.name, email = excluded.email,
		 updated_at = excluded.updated_at`,
		entry.Number, entry.Name, entry.Email, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting phone book entry: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListPhoneBook(ctx context.Context) ([]PhoneBookEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT number, name, email, updated_at FROM phone_book ORDER BY number")
	if err != nil {
		return nil, fmt.Errorf("querying phone book: %w", err)
	}
	defer rows.Close()

	var entries []PhoneBookEntry
	for rows.Next() {
		var entry PhoneBookEntry
		if err := rows.Scan(&entry.Number, &entry.Name, &entry.Email, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning phone book entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
