package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coralpbx/coralpbx/internal/call"
)

// postgresStore backs the Store with a shared PostgreSQL database,
// for deployments where several systems consume the CDR stream.
type postgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS cdrs (
    id BIGSERIAL PRIMARY KEY,
    call_id TEXT NOT NULL,
    from_ext TEXT NOT NULL,
    to_ext TEXT NOT NULL,
    dialed TEXT NOT NULL DEFAULT '',
    direction TEXT NOT NULL,
    trunk TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL,
    answered_at TIMESTAMPTZ,
    ended_at TIMESTAMPTZ NOT NULL,
    billable_seconds INTEGER NOT NULL DEFAULT 0,
    end_reason TEXT NOT NULL DEFAULT '',
    cost DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cdrs_call_id ON cdrs (call_id);
CREATE INDEX IF NOT EXISTS idx_cdrs_started_at ON cdrs (started_at);

CREATE TABLE IF NOT EXISTS voicemail_messages (
    id BIGSERIAL PRIMARY KEY,
    mailbox TEXT NOT NULL,
    caller TEXT NOT NULL,
    file_path TEXT NOT NULL,
    duration_seconds INTEGER NOT NULL DEFAULT 0,
    received_at TIMESTAMPTZ NOT NULL,
    read BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_voicemail_mailbox ON voicemail_messages (mailbox);

CREATE TABLE IF NOT EXISTS phone_book (
    number TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL
);
`

func openPostgres(dsn string, logger *slog.Logger) (*postgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &postgresStore{pool: pool, logger: logger.With("component", "database")}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating postgres schema: %w", err)
	}

	s.logger.Info("database opened", "driver", "postgres")
	return s, nil
}

func (s *postgresStore) WriteCDR(ctx context.Context, rec call.CDR) error {
	var answered any
	if !rec.AnsweredAt.IsZero() {
		answered = rec.AnsweredAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cdrs (call_id, from_ext, to_ext, dialed, direction, trunk,
		 started_at, answered_at, ended_at, billable_seconds, end_reason, cost)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.CallID, rec.From, rec.To, rec.Dialed, string(rec.Direction), rec.Trunk,
		rec.StartedAt, answered, rec.EndedAt, rec.BillableSeconds, rec.EndReason, rec.Cost,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}
	return nil
}

func (s *postgresStore) ListCDRs(ctx context.Context, limit int) ([]call.CDR, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT call_id, from_ext, to_ext, dialed, direction, trunk,
		 started_at, answered_at, ended_at, billable_seconds, end_reason, cost
		 FROM cdrs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying cdrs: %w", err)
	}
	defer rows.Close()

	var recs []call.CDR
	for rows.Next() {
		var rec call.CDR
		var direction string
		var answered *time.Time
		if err := rows.Scan(&rec.CallID, &rec.From, &rec.To, &rec.Dialed, &direction, &rec.Trunk,
			&rec.StartedAt, &answered, &rec.EndedAt, &rec.BillableSeconds, &rec.EndReason, &rec.Cost); err != nil {
			return nil, fmt.Errorf("scanning cdr: %w", err)
		}
		rec.Direction = call.Direction(direction)
		if answered != nil {
			rec.AnsweredAt = *answered
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *postgresStore) CountCDRsByDirection(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, "SELECT direction, COUNT(*) FROM cdrs GROUP BY direction")
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

func (s *postgresStore) SaveVoicemail(ctx context.Context, msg *VoicemailMessage) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO voicemail_messages (mailbox, caller, file_path, duration_seconds, received_at, read)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		msg.Mailbox, msg.Caller, msg.FilePath, msg.DurationSeconds, msg.ReceivedAt, msg.Read,
	).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("inserting voicemail message: %w", err)
	}
	return nil
}

func (s *postgresStore) ListVoicemail(ctx context.Context, mailbox string) ([]VoicemailMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, mailbox, caller, file_path, duration_seconds, received_at, read
		 FROM voicemail_messages WHERE mailbox = $1 ORDER BY received_at DESC`, mailbox)
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

func (s *postgresStore) MarkVoicemailRead(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, "UPDATE voicemail_messages SET read = TRUE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("marking voicemail read: %w", err)
	}
	return nil
}

func (s *postgresStore) CountVoicemail(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM voicemail_messages").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting voicemail messages: %w", err)
	}
	return n, nil
}

func (s *postgresStore) UpsertPhoneBookEntry(ctx context.Context, entry PhoneBookEntry) error {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO phone_book (number, name, email, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (number) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email,
		 updated_at = EXCLUDED.updated_at`,
		entry.Number, entry.Name, entry.Email, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting phone book entry: %w", err)
	}
	return nil
}

func (s *postgresStore) ListPhoneBook(ctx context.Context) ([]PhoneBookEntry, error) {
	rows, err := s.pool.Query(ctx,
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

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
