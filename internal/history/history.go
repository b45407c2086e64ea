// Package history keeps an audit log of lifecycle and console events.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Retention is how long events are kept.
const Retention = 7 * 24 * time.Hour

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Kinds recorded outside the supervisor.
const (
	KindSchedule = "schedule"
	KindBackup   = "backup"
)

type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Player    string    `json:"player,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Recorder struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

func NewRecorder(db *sql.DB, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{db: db, log: log, now: time.Now}
}

// Record appends an event and prunes rows older than Retention.
func (r *Recorder) Record(ctx context.Context, kind, player, detail string) error {
	now := r.now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO events (id, kind, player, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), kind, player, detail, now,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, now.Add(-Retention)); err != nil {
		r.log.Warn("prune events", zap.Error(err))
	}
	return nil
}

// List returns the newest events first.
func (r *Recorder) List(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, kind, player, detail, created_at FROM events ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Player, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
