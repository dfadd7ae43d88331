package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"

	"buyback/core/events"
	"buyback/core/types"
)

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL"

// ErrPathRequired is returned when the journal path is missing.
var ErrPathRequired = errors.New("journal path must be configured")

// Entry is one persisted event.
type Entry struct {
	ID         string            `json:"id"`
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Owner      string            `json:"owner,omitempty"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Journal appends engine events to a sqlite table. It implements
// events.Emitter so it can sit next to other subscribers.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// FileDSN converts a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve journal path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// Open initialises the journal using a sqlite-compatible DSN.
func Open(dsn string, logger *slog.Logger) (*Journal, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger, now: time.Now}, nil
}

// Close releases database resources.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Emit implements events.Emitter. Failures are logged; the engine has
// already committed the state change the event describes.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	if _, err := j.Append(context.Background(), evt.Event()); err != nil {
		j.logger.Error("journal append failed", "type", evt.EventType(), "error", err)
	}
}

// Append stores the event and returns the assigned entry id.
func (j *Journal) Append(ctx context.Context, evt *types.Event) (string, error) {
	if j == nil || j.db == nil {
		return "", fmt.Errorf("journal not configured")
	}
	if evt == nil || strings.TrimSpace(evt.Type) == "" {
		return "", fmt.Errorf("event type required")
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	id := uuid.NewString()
	_, err = j.db.ExecContext(ctx, `
        INSERT INTO buyback_events(event_id, type, owner, attributes, recorded_at)
        VALUES(?, ?, ?, ?, ?)
    `, id, evt.Type, ownerKey(evt.Attr("owner")), string(attrs), j.now().UTC().Unix())
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

// ListByOwner returns up to limit events for owner, oldest first, starting
// after the given sequence number.
func (j *Journal) ListByOwner(ctx context.Context, owner common.Address, after int64, limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal not configured")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
        SELECT id, event_id, type, owner, attributes, recorded_at
        FROM buyback_events
        WHERE owner = ? AND id > ?
        ORDER BY id ASC
        LIMIT ?
    `, ownerKey(owner.Hex()), after, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			entry    Entry
			attrs    string
			recorded int64
		)
		if err := rows.Scan(&entry.Sequence, &entry.ID, &entry.Type, &entry.Owner, &attrs, &recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
		entry.Owner = common.HexToAddress(entry.Owner).Hex()
		entry.RecordedAt = time.Unix(recorded, 0).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return entries, nil
}

func ownerKey(hex string) string {
	return strings.ToLower(strings.TrimSpace(hex))
}

const schema = `
CREATE TABLE IF NOT EXISTS buyback_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL,
    owner TEXT NOT NULL,
    attributes TEXT NOT NULL,
    recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_buyback_events_owner ON buyback_events(owner, id);
`
