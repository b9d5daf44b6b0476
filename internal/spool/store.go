package spool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/nerrad567/skybridge-edge/internal/infrastructure/config"
	"github.com/nerrad567/skybridge-edge/internal/infrastructure/logging"
)

// Spool configuration constants.
const (
	// dirPermissions is the permission mode for the spool directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the spool file.
	filePermissions = 0600

	// msPerSecond converts seconds to milliseconds for the busy timeout pragma.
	msPerSecond = 1000

	// opTimeout bounds every individual spool operation.
	opTimeout = 5 * time.Second

	// drainBatchSize is how many messages one drain query fetches.
	drainBatchSize = 100
)

// ErrClosed is returned when operating on a closed store.
var ErrClosed = errors.New("spool: store is closed")

// schema creates the message queue. The rowid doubles as arrival order.
const schema = `
	CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		topic       TEXT NOT NULL,
		payload     BLOB NOT NULL,
		qos         INTEGER NOT NULL,
		enqueued_at TEXT NOT NULL
	)
`

// Store is a durable FIFO queue backed by SQLite.
type Store struct {
	db     *sql.DB
	max    int
	logger *logging.Logger
}

// Message is one spooled publish.
type Message struct {
	ID      int64
	Topic   string
	Payload []byte
	QoS     byte
}

// Open creates or reopens the spool file.
//
// It performs the following setup:
//  1. Creates the spool directory if it doesn't exist
//  2. Opens the database with WAL mode and the configured busy timeout
//  3. Creates the messages table if not present
//  4. Sets file permissions (0600)
//
// Parameters:
//   - cfg: Spool configuration from config.yaml
//   - logger: Structured logger
//
// Returns:
//   - *Store: Ready queue
//   - error: If the file cannot be opened or the schema fails
func Open(cfg config.SpoolConfig, logger *logging.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}

	// See: https://github.com/mattn/go-sqlite3#connection-string
	connStr := fmt.Sprintf(
		"file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path,
		cfg.BusyTimeout*msPerSecond,
	)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening spool: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("creating spool schema: %w", err)
	}

	// Ignore error - the file appears on first write on a fresh run.
	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // First run creates file later

	return &Store{
		db:     db,
		max:    cfg.MaxMessages,
		logger: logger.Component("spool"),
	}, nil
}

// Enqueue appends a message to the queue. When the queue is at its
// configured cap the oldest messages are evicted to make room, so the
// spool keeps the most recent traffic.
//
// Parameters:
//   - topic: Fully mapped upstream topic (prefix included)
//   - payload: Message body
//   - qos: MQTT QoS to use on replay
//
// Returns:
//   - error: If the insert or eviction fails
func (s *Store) Enqueue(topic string, payload []byte, qos byte) error {
	if s.db == nil {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting spool transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (topic, payload, qos, enqueued_at) VALUES (?, ?, ?, ?)",
		topic,
		payload,
		qos,
		time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("enqueueing message: %w", err)
	}

	if s.max > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE id IN (
				SELECT id FROM messages ORDER BY id DESC LIMIT -1 OFFSET ?
			)`,
			s.max,
		); err != nil {
			return fmt.Errorf("evicting oldest messages: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing enqueue: %w", err)
	}
	return nil
}

// Drain replays queued messages oldest-first through publish, deleting
// each one after a successful send. A publish failure stops the pass;
// the failed message and everything behind it stay queued.
//
// Parameters:
//   - publish: Delivery callback, typically the upstream client's Publish
//
// Returns:
//   - int: Messages delivered this pass
//   - error: The publish or storage error that stopped the pass, nil
//     when the queue drained completely
func (s *Store) Drain(publish func(topic string, payload []byte, qos byte) error) (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}

	delivered := 0
	for {
		batch, err := s.oldest(drainBatchSize)
		if err != nil {
			return delivered, err
		}
		if len(batch) == 0 {
			return delivered, nil
		}

		for _, msg := range batch {
			if err := publish(msg.Topic, msg.Payload, msg.QoS); err != nil {
				return delivered, fmt.Errorf("replaying %s: %w", msg.Topic, err)
			}
			if err := s.delete(msg.ID); err != nil {
				return delivered, err
			}
			delivered++
		}
	}
}

// Len returns the number of queued messages.
func (s *Store) Len() (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting spooled messages: %w", err)
	}
	return n, nil
}

// HealthCheck verifies the spool file is accessible.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return ErrClosed
	}
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("spool health check failed: %w", err)
	}
	return nil
}

// Close closes the underlying database. Further operations return
// ErrClosed.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	db := s.db
	s.db = nil
	if err := db.Close(); err != nil {
		return fmt.Errorf("closing spool: %w", err)
	}
	return nil
}

// oldest fetches up to limit messages in arrival order.
func (s *Store) oldest(limit int) ([]Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, topic, payload, qos FROM messages ORDER BY id LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying spooled messages: %w", err)
	}
	defer rows.Close()

	var batch []Message
	for rows.Next() {
		var msg Message
		var qos int
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &qos); err != nil {
			return nil, fmt.Errorf("scanning spooled message: %w", err)
		}
		msg.QoS = byte(qos)
		batch = append(batch, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating spooled messages: %w", err)
	}
	return batch, nil
}

// delete removes one message after a successful replay.
func (s *Store) delete(id int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting spooled message: %w", err)
	}
	return nil
}
