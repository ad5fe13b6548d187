package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog"

	"studio.dev/livechat/internal/events"
	"studio.dev/livechat/internal/logging"
	"studio.dev/livechat/internal/models"
)

// SQLiteStore persists visitors, sessions and messages, and announces committed
// changes to an optional publisher.
type SQLiteStore struct {
	db        *sql.DB
	publisher events.Publisher
	log       zerolog.Logger
	// held from commit through publish so events leave in commit order
	commitMu sync.Mutex
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithPublisher makes the store emit change events after each committed write.
func WithPublisher(p events.Publisher) Option {
	return func(s *SQLiteStore) {
		s.publisher = p
	}
}

func NewSQLiteStore(dataSourceName string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withDefaultParams(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, log: logging.Component("store")}
	for _, opt := range opts {
		opt(store)
	}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func withDefaultParams(dsn string) string {
	params := []string{"_txlock=immediate", "_foreign_keys=on", "_busy_timeout=5000"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	var missing []string
	for _, p := range params {
		key := p[:strings.Index(p, "=")+1]
		if !strings.Contains(dsn, key) {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return dsn
	}
	return dsn + sep + strings.Join(missing, "&")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS visitors (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        email TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS chat_sessions (
        id TEXT PRIMARY KEY, -- UUID
        visitor_id TEXT NOT NULL,
        visitor_name TEXT NOT NULL,
        visitor_email TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL CHECK (status IN ('active', 'closed')),
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        last_message_at DATETIME,
        unread_count_for_admin INTEGER NOT NULL DEFAULT 0 CHECK (unread_count_for_admin >= 0),
        unread_count_for_visitor INTEGER NOT NULL DEFAULT 0 CHECK (unread_count_for_visitor >= 0),
        FOREIGN KEY (visitor_id) REFERENCES visitors (id)
    );
    CREATE INDEX IF NOT EXISTS idx_chat_sessions_visitor ON chat_sessions (visitor_id, updated_at);
    CREATE INDEX IF NOT EXISTS idx_chat_sessions_status ON chat_sessions (status, updated_at);

    CREATE TABLE IF NOT EXISTS chat_messages (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT UNIQUE NOT NULL, -- UUID
        session_id TEXT NOT NULL,
        sender_role TEXT NOT NULL CHECK (sender_role IN ('visitor', 'admin')),
        sender_name TEXT NOT NULL,
        body TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        read_at DATETIME,
        FOREIGN KEY (session_id) REFERENCES chat_sessions (id)
    );
    CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages (session_id, seq);
    `
	_, err := s.db.Exec(schema)
	return err
}

// InTx runs fn inside a write transaction. Change events recorded by fn are
// published only once the transaction has committed.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	pending := tx.messages
	for _, id := range tx.touched {
		sess, err := tx.GetSession(ctx, id)
		if err != nil {
			sqlTx.Rollback()
			return err
		}
		if sess != nil {
			pending = append(pending, events.SessionUpdated(*sess))
		}
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.publish(ctx, pending)
	return nil
}

func (s *SQLiteStore) publish(ctx context.Context, pending []events.Event) {
	if s.publisher == nil || len(pending) == 0 {
		return
	}
	// The write is durable at this point; a cancelled request must not swallow its events.
	ctx = context.WithoutCancel(ctx)
	for _, ev := range pending {
		s.publisher.Publish(ctx, ev)
	}
}

// Session methods
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	return getSession(ctx, s.db, id)
}

// ListSessionsByVisitor returns a visitor's sessions, most recently updated first.
func (s *SQLiteStore) ListSessionsByVisitor(ctx context.Context, visitorID string) ([]models.ChatSession, error) {
	query := "SELECT " + sessionColumns + " FROM chat_sessions WHERE visitor_id = ? ORDER BY updated_at DESC, rowid DESC"
	return s.querySessions(ctx, query, visitorID)
}

// ListSessions returns every session, optionally restricted to one status,
// most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, status models.SessionStatus) ([]models.ChatSession, error) {
	if status == "" {
		return s.querySessions(ctx, "SELECT "+sessionColumns+" FROM chat_sessions ORDER BY updated_at DESC, rowid DESC")
	}
	query := "SELECT " + sessionColumns + " FROM chat_sessions WHERE status = ? ORDER BY updated_at DESC, rowid DESC"
	return s.querySessions(ctx, query, status)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]models.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.ChatSession{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// Message methods

// ListMessages returns messages of a session in store order, starting after afterSeq.
// limit <= 0 means no limit.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	query := "SELECT " + messageColumns + " FROM chat_messages WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []models.ChatMessage{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// CountUnreadFrom counts messages by author that have no read marker.
func (s *SQLiteStore) CountUnreadFrom(ctx context.Context, sessionID string, author models.SenderRole) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chat_messages WHERE session_id = ? AND sender_role = ? AND read_at IS NULL",
		sessionID, author).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

const sessionColumns = "id, visitor_id, visitor_name, visitor_email, status, created_at, updated_at, last_message_at, unread_count_for_admin, unread_count_for_visitor"

const messageColumns = "seq, id, session_id, sender_role, sender_name, body, created_at, read_at"

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSession(ctx context.Context, q queryRower, id string) (*models.ChatSession, error) {
	row := q.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM chat_sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func scanSession(row rowScanner) (*models.ChatSession, error) {
	var sess models.ChatSession
	var lastMessageAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.VisitorID, &sess.VisitorName, &sess.VisitorEmail, &sess.Status,
		&sess.CreatedAt, &sess.UpdatedAt, &lastMessageAt, &sess.UnreadCountForAdmin, &sess.UnreadCountForVisitor)
	if err != nil {
		return nil, err
	}
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		sess.LastMessageAt = &t
	}
	return &sess, nil
}

func scanMessage(row rowScanner) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	var readAt sql.NullTime
	err := row.Scan(&msg.Seq, &msg.ID, &msg.SessionID, &msg.SenderRole, &msg.SenderName, &msg.Body, &msg.CreatedAt, &readAt)
	if err != nil {
		return nil, err
	}
	if readAt.Valid {
		t := readAt.Time
		msg.ReadAt = &t
	}
	return &msg, nil
}
