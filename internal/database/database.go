// Package database persists what outlives a call: CDRs, voicemail
// message metadata and the phone book. SQLite is the default engine;
// PostgreSQL can be selected for shared deployments.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coralpbx/coralpbx/internal/call"
	"github.com/coralpbx/coralpbx/internal/config"
)

// VoicemailMessage is the metadata row for one recorded message. The
// audio itself lives as a WAV file under the voicemail storage path.
type VoicemailMessage struct {
	ID              int64
	Mailbox         string
	Caller          string
	FilePath        string
	DurationSeconds int
	ReceivedAt      time.Time
	Read            bool
}

// PhoneBookEntry is one directory row, kept in sync with the
// configured extensions and their registration state.
type PhoneBookEntry struct {
	Number    string
	Name      string
	Email     string
	UpdatedAt time.Time
}

// Store is the persistence surface the rest of the system consumes.
// It also satisfies call.CDRSink.
type Store interface {
	WriteCDR(ctx context.Context, rec call.CDR) error
	ListCDRs(ctx context.Context, limit int) ([]call.CDR, error)
	CountCDRsByDirection(ctx context.Context) (map[string]int, error)

	SaveVoicemail(ctx context.Context, msg *VoicemailMessage) error
	ListVoicemail(ctx context.Context, mailbox string) ([]VoicemailMessage, error)
	MarkVoicemailRead(ctx context.Context, id int64) error
	CountVoicemail(ctx context.Context) (int, error)

	UpsertPhoneBookEntry(ctx context.Context, entry PhoneBookEntry) error
	ListPhoneBook(ctx context.Context) ([]PhoneBookEntry, error)

	Close() error
}

// Open creates the store selected by the configuration. Driver "none"
// returns (nil, nil): persistence disabled.
func Open(cfg config.DatabaseConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "none", "":
		return nil, nil
	case "sqlite":
		return openSQLite(cfg.Path, logger)
	case "postgres":
		return openPostgres(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
