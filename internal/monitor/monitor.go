// Package monitor samples server status on an interval, keeps a short
// history in sqlite, and pushes each sample to live subscribers.
package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reedfamily/mcctl/internal/query"
)

// SampleRetention is how long samples stay in the database.
const SampleRetention = 24 * time.Hour

type Sample struct {
	Online      bool          `json:"online"`
	Version     string        `json:"version,omitempty"`
	Latency     time.Duration `json:"-"`
	OnlineCount int           `json:"online_count"`
	MaxCount    int           `json:"max_count"`
	Reason      string        `json:"reason,omitempty"`
	RecordedAt  time.Time     `json:"recorded_at"`
}

func (s Sample) MarshalJSON() ([]byte, error) {
	type plain Sample
	return json.Marshal(struct {
		plain
		LatencyMS int64 `json:"latency_ms"`
	}{plain(s), s.Latency.Milliseconds()})
}

// Prober reports whether the server answers. *query.Client satisfies it.
type Prober interface {
	Probe(ctx context.Context) query.Outcome
}

type Monitor struct {
	db       *sql.DB
	prober   Prober
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu        sync.RWMutex
	latest    *Sample
	listeners []chan *Sample

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(db *sql.DB, prober Prober, interval time.Duration, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		db:       db,
		prober:   prober,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.collect(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.collect(ctx)
			}
		}
	}()

	m.log.Info("status monitor started", zap.Duration("interval", m.interval))
}

// Stop cancels the polling loop and waits for an in-flight sample.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) collect(ctx context.Context) {
	out := m.prober.Probe(ctx)
	if ctx.Err() != nil {
		return
	}
	s := &Sample{Online: out.Online, Reason: out.Reason, RecordedAt: m.now().UTC()}
	if out.Snapshot != nil {
		s.Version = out.Snapshot.Version
		s.Latency = out.Snapshot.Latency
		s.OnlineCount = out.Snapshot.OnlineCount
		s.MaxCount = out.Snapshot.MaxCount
	}

	if err := m.store(ctx, s); err != nil {
		m.log.Warn("store status sample", zap.Error(err))
	}

	m.mu.Lock()
	m.latest = s
	for _, ch := range m.listeners {
		select {
		case ch <- s:
		default:
			// Drop if listener is slow
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) store(ctx context.Context, s *Sample) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO status_samples (online, version, latency_ms, online_count, max_count, reason, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.Online, s.Version, s.Latency.Milliseconds(), s.OnlineCount, s.MaxCount, s.Reason, s.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `DELETE FROM status_samples WHERE recorded_at < ?`, s.RecordedAt.Add(-SampleRetention))
	if err != nil {
		return fmt.Errorf("prune samples: %w", err)
	}
	return nil
}

// Latest returns the most recent sample, or nil before the first poll.
func (m *Monitor) Latest() *Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// History returns samples recorded after since, oldest first.
func (m *Monitor) History(ctx context.Context, since time.Time) ([]Sample, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT online, version, latency_ms, online_count, max_count, reason, recorded_at
		FROM status_samples WHERE recorded_at >= ? ORDER BY recorded_at ASC`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	samples := []Sample{}
	for rows.Next() {
		var s Sample
		var latencyMS int64
		if err := rows.Scan(&s.Online, &s.Version, &latencyMS, &s.OnlineCount, &s.MaxCount, &s.Reason, &s.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		s.Latency = time.Duration(latencyMS) * time.Millisecond
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

func (m *Monitor) Subscribe() chan *Sample {
	ch := make(chan *Sample, 1)
	m.mu.Lock()
	m.listeners = append(m.listeners, ch)
	m.mu.Unlock()
	return ch
}

func (m *Monitor) Unsubscribe(ch chan *Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l == ch {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}
