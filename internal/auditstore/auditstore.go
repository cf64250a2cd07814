// Package auditstore records every config-space and BAR access a host
// proxy device sends across its link (SET_IRQFD, SYNC_SYSMEM and
// PROXY_PING are not recorded) to PostgreSQL, batched the way
// internal/server/storage.Store batches alert inserts: rows accumulate in
// memory and flush either when the batch fills or a background ticker
// fires, whichever happens first.
package auditstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oracle/deviceproxy/internal/protocol"
)

const (
	// DefaultBatchSize is the maximum number of records held in memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending records even when the batch has not reached DefaultBatchSize.
	DefaultFlushInterval = 200 * time.Millisecond
)

const ddl = `
CREATE TABLE IF NOT EXISTS command_audit (
    device_id TEXT        NOT NULL,
    cmd       TEXT        NOT NULL,
    value     BIGINT      NOT NULL,
    sent_at   TIMESTAMPTZ NOT NULL
);
`

// Record is one logged command.
type Record struct {
	DeviceID string
	Cmd      protocol.Command
	Value    uint64
	SentAt   time.Time
}

// Store is the PostgreSQL-backed audit trail. It is safe for concurrent
// use and implements proxydevice.AuditRecorder.
type Store struct {
	pool          *pgxpool.Pool
	logger        *slog.Logger
	mu            sync.Mutex
	batch         []Record
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger attaches a structured logger, used only to report background
// flush failures (Record itself never returns an error, to match
// proxydevice.AuditRecorder's fire-and-forget contract).
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(s *Store) { s.batchSize = n }
}

// WithFlushInterval overrides DefaultFlushInterval.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Store) { s.flushInterval = d }
}

// New opens a pgxpool connection to connStr, applies the schema, and
// starts the background flush goroutine.
func New(ctx context.Context, connStr string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("auditstore: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auditstore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auditstore: apply schema: %w", err)
	}

	s := &Store{
		pool:          pool,
		logger:        slog.Default(),
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.batch = make([]Record, 0, s.batchSize)

	go s.flushLoop()
	return s, nil
}

// Record buffers one command for deferred batch insertion. It implements
// proxydevice.AuditRecorder; failures are logged, not returned, since the
// caller (a device's command path) must not block or fail on an audit
// write.
func (s *Store) Record(ctx context.Context, deviceID string, cmd protocol.Command, value uint64) {
	s.mu.Lock()
	s.batch = append(s.batch, Record{DeviceID: deviceID, Cmd: cmd, Value: value, SentAt: time.Now().UTC()})
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		if err := s.Flush(ctx); err != nil {
			s.logger.Warn("auditstore: flush failed", "error", err)
		}
	}
}

// Flush drains the current buffer and sends all rows to PostgreSQL in a
// single pgx.Batch round-trip.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Record, 0, s.batchSize)
	s.mu.Unlock()

	const query = `INSERT INTO command_audit (device_id, cmd, value, sent_at) VALUES ($1, $2, $3, $4)`

	b := &pgx.Batch{}
	for _, r := range toInsert {
		b.Queue(query, r.DeviceID, r.Cmd.String(), int64(r.Value), r.SentAt)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("auditstore: batch exec: %w", err)
		}
	}
	return nil
}

// Query returns the most recent audit records for deviceID, newest first.
func (s *Store) Query(ctx context.Context, deviceID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, cmd, value, sent_at
		FROM   command_audit
		WHERE  device_id = $1
		ORDER  BY sent_at DESC
		LIMIT  $2`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("auditstore: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var cmdStr string
		var value int64
		if err := rows.Scan(&r.DeviceID, &cmdStr, &value, &r.SentAt); err != nil {
			return nil, fmt.Errorf("auditstore: scan: %w", err)
		}
		r.Value = uint64(value)
		for c := protocol.Command(0); c.Valid(); c++ {
			if c.String() == cmdStr {
				r.Cmd = c
				break
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close stops the background flush goroutine, flushes any remaining
// buffered records, and closes the connection pool. Safe to call more
// than once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		if err := s.Flush(ctx); err != nil {
			s.logger.Warn("auditstore: final flush failed", "error", err)
		}
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn("auditstore: periodic flush failed", "error", err)
			}
		}
	}
}
