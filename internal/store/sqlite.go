package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/collabsync/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		email TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS friendships (
		id TEXT PRIMARY KEY,
		requester_id TEXT NOT NULL,
		addressee_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(requester_id, addressee_id)
	);
	CREATE INDEX IF NOT EXISTS idx_friendships_addressee ON friendships(addressee_id);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		body TEXT NOT NULL,
		read INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_a TEXT NOT NULL,
		user_b TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(user_a, user_b)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL,
		approvals_json TEXT NOT NULL DEFAULT '{}',
		metadata_json TEXT,
		agent_analysis TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_conversation ON proposals(conversation_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT id, display_name, email, created_at, updated_at FROM users WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var email sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&user.ID, &user.DisplayName, &email, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.Email = email.String
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (id, display_name, email, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		display_name = excluded.display_name,
		email = excluded.email,
		updated_at = excluded.updated_at`

	var email interface{}
	if user.Email != "" {
		email = user.Email
	}

	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.DisplayName, email,
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// SearchUsers finds users whose display name contains the query.
func (s *SQLiteStore) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*domain.User, error) {
	if limit <= 0 {
		limit = 20
	}
	stmt := `
		SELECT id, display_name, email, created_at, updated_at
		FROM users
		WHERE display_name LIKE ? AND id != ?
		ORDER BY display_name LIMIT ?`

	rows, err := s.db.QueryContext(ctx, stmt, "%"+query+"%", excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer closeRows(rows, "search users")

	var users []*domain.User
	for rows.Next() {
		var user domain.User
		var email sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&user.ID, &user.DisplayName, &email, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		user.Email = email.String
		user.CreatedAt = time.Unix(createdAt, 0)
		user.UpdatedAt = time.Unix(updatedAt, 0)
		users = append(users, &user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// CreateFriendship inserts a pending friend request.
func (s *SQLiteStore) CreateFriendship(ctx context.Context, f *domain.Friendship) error {
	query := `
	INSERT INTO friendships (id, requester_id, addressee_id, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		f.ID, f.RequesterID, f.AddresseeID, string(f.Status),
		f.CreatedAt.Unix(), f.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create friendship: %w", err)
	}
	return nil
}

// UpdateFriendshipStatus moves a friendship to a new status.
func (s *SQLiteStore) UpdateFriendshipStatus(ctx context.Context, id string, status domain.FriendshipStatus) error {
	query := `UPDATE friendships SET status = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update friendship status: %w", err)
	}
	return requireRow(result, "friendship", id)
}

// DeleteFriendship removes a friendship row.
func (s *SQLiteStore) DeleteFriendship(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM friendships WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete friendship: %w", err)
	}
	return requireRow(result, "friendship", id)
}

// ListFriendships returns all friendships involving userID.
func (s *SQLiteStore) ListFriendships(ctx context.Context, userID string, status domain.FriendshipStatus) ([]*domain.Friendship, error) {
	stmt := `
		SELECT id, requester_id, addressee_id, status, created_at, updated_at
		FROM friendships
		WHERE (requester_id = ? OR addressee_id = ?)`
	args := []interface{}{userID, userID}
	if status != "" {
		stmt += ` AND status = ?`
		args = append(args, string(status))
	}
	stmt += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list friendships: %w", err)
	}
	defer closeRows(rows, "list friendships")

	var out []*domain.Friendship
	for rows.Next() {
		var f domain.Friendship
		var st string
		var createdAt, updatedAt int64
		if err := rows.Scan(&f.ID, &f.RequesterID, &f.AddresseeID, &st, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan friendship row: %w", err)
		}
		f.Status = domain.FriendshipStatus(st)
		f.CreatedAt = time.Unix(createdAt, 0)
		f.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate friendships: %w", err)
	}
	return out, nil
}

// CreateNotification inserts a notification row.
func (s *SQLiteStore) CreateNotification(ctx context.Context, n *domain.Notification) error {
	query := `
	INSERT INTO notifications (id, user_id, type, body, read, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		n.ID, n.UserID, string(n.Type), n.Body, boolToInt(n.Read), n.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// ListNotifications returns a user's notifications, newest first.
func (s *SQLiteStore) ListNotifications(ctx context.Context, userID string) ([]*domain.Notification, error) {
	stmt := `
		SELECT id, user_id, type, body, read, created_at
		FROM notifications WHERE user_id = ?
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, stmt, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer closeRows(rows, "list notifications")

	var out []*domain.Notification
	for rows.Next() {
		var n domain.Notification
		var typ string
		var read int
		var createdAt int64
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &n.Body, &read, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification row: %w", err)
		}
		n.Type = domain.NotificationType(typ)
		n.Read = read != 0
		n.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

// MarkNotificationsRead flags the given notification IDs as read.
func (s *SQLiteStore) MarkNotificationsRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := `UPDATE notifications SET read = 1 WHERE id IN (` + placeholders + `)`

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	return nil
}

// DeleteNotification removes a notification row.
func (s *SQLiteStore) DeleteNotification(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return requireRow(result, "notification", id)
}

// GetOrCreateConversation returns the unique conversation for the unordered
// participant pair, creating it lazily on first contact.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, userA, userB string) (*domain.Conversation, error) {
	a, b := domain.SortPair(userA, userB)

	// INSERT OR IGNORE first so a concurrent first-contact race resolves to
	// one row; the follow-up SELECT reads whichever insert won.
	insert := `
	INSERT INTO conversations (id, user_a, user_b, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_a, user_b) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, insert, uuid.NewString(), a, b, time.Now().Unix()); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_a, user_b, created_at FROM conversations WHERE user_a = ? AND user_b = ?`, a, b)

	var conv domain.Conversation
	var createdAt int64
	if err := row.Scan(&conv.ID, &conv.UserA, &conv.UserB, &createdAt); err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	conv.CreatedAt = time.Unix(createdAt, 0)
	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_a, user_b, created_at FROM conversations WHERE id = ?`, id)

	var conv domain.Conversation
	var createdAt int64
	err := row.Scan(&conv.ID, &conv.UserA, &conv.UserB, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	conv.CreatedAt = time.Unix(createdAt, 0)
	return &conv, nil
}

// CreateMessage appends a chat message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, m *domain.Message) error {
	query := `
	INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
	VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages in creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	stmt := `
		SELECT id, conversation_id, sender_id, content, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, stmt, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer closeRows(rows, "list messages")

	var out []*domain.Message
	for rows.Next() {
		var m domain.Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// CreateProposal inserts a new proposal row.
func (s *SQLiteStore) CreateProposal(ctx context.Context, p *domain.Proposal) error {
	approvalsJSON, err := json.Marshal(p.Approvals.Clone())
	if err != nil {
		return fmt.Errorf("marshal approvals: %w", err)
	}

	var metadataJSON interface{}
	if p.Metadata != nil {
		data, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	query := `
	INSERT INTO proposals (id, conversation_id, title, content, status, approvals_json, metadata_json, agent_analysis, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.ConversationID, p.Title, p.Content, string(p.Status),
		string(approvalsJSON), metadataJSON, p.AgentAnalysis,
		p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}
	return nil
}

// GetProposal retrieves a proposal by ID.
func (s *SQLiteStore) GetProposal(ctx context.Context, id string) (*domain.Proposal, error) {
	row := s.db.QueryRowContext(ctx, proposalSelect+` WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetLatestProposal returns the newest proposal for a conversation.
func (s *SQLiteStore) GetLatestProposal(ctx context.Context, conversationID string) (*domain.Proposal, error) {
	row := s.db.QueryRowContext(ctx,
		proposalSelect+` WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		conversationID)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateProposalApprovals persists a merged approvals map.
func (s *SQLiteStore) UpdateProposalApprovals(ctx context.Context, id string, approvals domain.Approvals) error {
	data, err := json.Marshal(approvals.Clone())
	if err != nil {
		return fmt.Errorf("marshal approvals: %w", err)
	}

	query := `UPDATE proposals SET approvals_json = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, string(data), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update proposal approvals: %w", err)
	}
	return requireRow(result, "proposal", id)
}

// UpdateProposalStatus moves a proposal to a new status.
func (s *SQLiteStore) UpdateProposalStatus(ctx context.Context, id string, status domain.Status) error {
	query := `UPDATE proposals SET status = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update proposal status: %w", err)
	}
	return requireRow(result, "proposal", id)
}

// SetProposalResult writes the agent analysis together with the final status.
func (s *SQLiteStore) SetProposalResult(ctx context.Context, id string, analysis string, status domain.Status) error {
	query := `UPDATE proposals SET agent_analysis = ?, status = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, analysis, string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set proposal result: %w", err)
	}
	return requireRow(result, "proposal", id)
}

const proposalSelect = `
	SELECT id, conversation_id, title, content, status, approvals_json, metadata_json, agent_analysis, created_at, updated_at
	FROM proposals`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProposal(row rowScanner) (*domain.Proposal, error) {
	var p domain.Proposal
	var status, approvalsJSON string
	var metadataJSON sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&p.ID, &p.ConversationID, &p.Title, &p.Content, &status,
		&approvalsJSON, &metadataJSON, &p.AgentAnalysis,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan proposal row: %w", err)
	}

	p.Status = domain.Status(status)
	p.Approvals = domain.Approvals{}
	if err := json.Unmarshal([]byte(approvalsJSON), &p.Approvals); err != nil {
		return nil, fmt.Errorf("unmarshal approvals: %w", err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		var md domain.Metadata
		if err := json.Unmarshal([]byte(metadataJSON.String), &md); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		p.Metadata = &md
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)

	return &p, nil
}

func requireRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("update affected 0 rows", "kind", kind, "id", id)
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func closeRows(rows *sql.Rows, op string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "op", op, "error", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
