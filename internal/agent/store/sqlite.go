package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/browserdeck/browserdeck/internal/common/errors"
	v1 "github.com/browserdeck/browserdeck/pkg/api/v1"
)

// SQLiteStore provides SQLite-based agent storage
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the agent database. All persisted
// statuses are rewritten to stopped: live runtime state never survives a
// restart.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if _, err := db.Exec(`UPDATE agents SET status = 'stopped', error_message = ''`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reset agent statuses: %w", err)
	}

	return s, nil
}

// initSchema creates the database tables if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		profile_id TEXT NOT NULL,
		personality TEXT NOT NULL DEFAULT '{}',
		control_channel TEXT,
		browser TEXT NOT NULL DEFAULT '{}',
		execution TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'stopped',
		error_message TEXT DEFAULT '',
		last_active DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_codes (
		agent_id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		issued_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		consumed INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS authorized_chats (
		agent_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		added_at DATETIME NOT NULL,
		PRIMARY KEY (agent_id, chat_id),
		FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_auth_codes_code ON auth_codes(code);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create persists a new agent config
func (s *SQLiteStore) Create(ctx context.Context, config *v1.AgentConfig) error {
	now := time.Now().UTC()
	config.CreatedAt = now
	config.UpdatedAt = now

	personality, controlChannel, browser, execution, err := marshalConfigColumns(config)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, description, profile_id, personality, control_channel, browser, execution, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'stopped', ?, ?)
	`, config.ID, config.Name, config.Description, config.ProfileID, personality, controlChannel, browser, execution, config.CreatedAt, config.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return errors.DuplicateID(config.ID)
		}
		return err
	}
	return nil
}

// Get retrieves an agent config by ID
func (s *SQLiteStore) Get(ctx context.Context, id string) (*v1.AgentConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, profile_id, personality, control_channel, browser, execution, created_at, updated_at
		FROM agents WHERE id = ?
	`, id)

	config, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	return config, nil
}

// List returns all agents ordered by creation time
func (s *SQLiteStore) List(ctx context.Context) ([]*v1.AgentConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, profile_id, personality, control_channel, browser, execution, created_at, updated_at
		FROM agents ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.AgentConfig
	for rows.Next() {
		config, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, config)
	}
	return result, rows.Err()
}

// Update merges a partial update into an existing agent config
func (s *SQLiteStore) Update(ctx context.Context, id string, upd *v1.AgentUpdate) (*v1.AgentConfig, error) {
	config, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	applyUpdate(config, upd)

	personality, controlChannel, browser, execution, err := marshalConfigColumns(config)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, description = ?, profile_id = ?, personality = ?, control_channel = ?, browser = ?, execution = ?, updated_at = ?
		WHERE id = ?
	`, config.Name, config.Description, config.ProfileID, personality, controlChannel, browser, execution, config.UpdatedAt, id)
	if err != nil {
		return nil, err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, errors.NotFound("agent", id)
	}
	return config, nil
}

// Delete removes an agent; auth codes and authorized chats cascade
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.NotFound("agent", id)
	}
	return nil
}

// SetStatus records the last-observed status for display
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, rec StatusRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, error_message = ?, last_active = ? WHERE id = ?
	`, string(rec.Status), rec.ErrorMessage, rec.LastActive, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.NotFound("agent", id)
	}
	return nil
}

// GetStatus returns the last-observed status
func (s *SQLiteStore) GetStatus(ctx context.Context, id string) (*StatusRecord, error) {
	rec := &StatusRecord{}
	var status string
	var lastActive sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT status, error_message, last_active FROM agents WHERE id = ?
	`, id).Scan(&status, &rec.ErrorMessage, &lastActive)

	if err == sql.ErrNoRows {
		return nil, errors.NotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}

	rec.Status = v1.AgentStatus(status)
	if lastActive.Valid {
		t := lastActive.Time
		rec.LastActive = &t
	}
	return rec, nil
}

// SaveAuthCode stores the current code for an agent, replacing any previous one
func (s *SQLiteStore) SaveAuthCode(ctx context.Context, agentID string, code *v1.AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_codes (agent_id, code, issued_at, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET code = excluded.code, issued_at = excluded.issued_at, expires_at = excluded.expires_at, consumed = excluded.consumed
	`, agentID, code.Code, code.IssuedAt, code.ExpiresAt, boolToInt(code.Consumed))
	return err
}

// GetAuthCode returns the current code for an agent
func (s *SQLiteStore) GetAuthCode(ctx context.Context, agentID string) (*v1.AuthorizationCode, error) {
	code := &v1.AuthorizationCode{AgentID: agentID}
	var consumed int

	err := s.db.QueryRowContext(ctx, `
		SELECT code, issued_at, expires_at, consumed FROM auth_codes WHERE agent_id = ?
	`, agentID).Scan(&code.Code, &code.IssuedAt, &code.ExpiresAt, &consumed)

	if err == sql.ErrNoRows {
		return nil, errors.NotFound("authorization code for agent", agentID)
	}
	if err != nil {
		return nil, err
	}
	code.Consumed = consumed != 0
	return code, nil
}

// FindAuthCode looks up a code by its value
func (s *SQLiteStore) FindAuthCode(ctx context.Context, codeValue string) (*v1.AuthorizationCode, error) {
	code := &v1.AuthorizationCode{Code: codeValue}
	var consumed int

	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, issued_at, expires_at, consumed FROM auth_codes WHERE code = ?
	`, codeValue).Scan(&code.AgentID, &code.IssuedAt, &code.ExpiresAt, &consumed)

	if err == sql.ErrNoRows {
		return nil, errors.InvalidCode()
	}
	if err != nil {
		return nil, err
	}
	code.Consumed = consumed != 0
	return code, nil
}

// ConsumeAuthCode marks the agent's current code as consumed
func (s *SQLiteStore) ConsumeAuthCode(ctx context.Context, agentID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE auth_codes SET consumed = 1 WHERE agent_id = ?`, agentID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.InvalidCode()
	}
	return nil
}

// AddAuthorizedChatID adds a chat identity to the agent's authorized set
func (s *SQLiteStore) AddAuthorizedChatID(ctx context.Context, agentID string, chatID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorized_chats (agent_id, chat_id, added_at) VALUES (?, ?, ?)
		ON CONFLICT(agent_id, chat_id) DO NOTHING
	`, agentID, chatID, time.Now().UTC())
	return err
}

// ListAuthorizedChatIDs returns the authorized chat identities for an agent
func (s *SQLiteStore) ListAuthorizedChatIDs(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id FROM authorized_chats WHERE agent_id = ? ORDER BY added_at
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var chatID string
		if err := rows.Scan(&chatID); err != nil {
			return nil, err
		}
		result = append(result, chatID)
	}
	return result, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanAgent
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanAgent scans one agent row including its JSON-encoded nested configs
func scanAgent(row scanner) (*v1.AgentConfig, error) {
	config := &v1.AgentConfig{}
	var personality, browser, execution string
	var controlChannel sql.NullString

	err := row.Scan(&config.ID, &config.Name, &config.Description, &config.ProfileID,
		&personality, &controlChannel, &browser, &execution,
		&config.CreatedAt, &config.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(personality), &config.Personality); err != nil {
		return nil, fmt.Errorf("corrupt personality column for agent %s: %w", config.ID, err)
	}
	if err := json.Unmarshal([]byte(browser), &config.Browser); err != nil {
		return nil, fmt.Errorf("corrupt browser column for agent %s: %w", config.ID, err)
	}
	if err := json.Unmarshal([]byte(execution), &config.Execution); err != nil {
		return nil, fmt.Errorf("corrupt execution column for agent %s: %w", config.ID, err)
	}
	if controlChannel.Valid && controlChannel.String != "" {
		cc := &v1.ControlChannelConfig{}
		if err := json.Unmarshal([]byte(controlChannel.String), cc); err != nil {
			return nil, fmt.Errorf("corrupt control_channel column for agent %s: %w", config.ID, err)
		}
		config.ControlChannel = cc
	}
	return config, nil
}

// marshalConfigColumns encodes the nested config structs as JSON columns
func marshalConfigColumns(config *v1.AgentConfig) (personality, controlChannel, browser, execution interface{}, err error) {
	p, err := json.Marshal(config.Personality)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	b, err := json.Marshal(config.Browser)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	e, err := json.Marshal(config.Execution)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	var cc interface{}
	if config.ControlChannel != nil {
		c, err := json.Marshal(config.ControlChannel)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		cc = string(c)
	}
	return string(p), cc, string(b), string(e), nil
}

// isUniqueViolation reports whether the error is a primary-key conflict
func isUniqueViolation(err error) bool {
	// go-sqlite3 returns sqlite3.Error; matching on the message avoids
	// importing its cgo types here
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint"))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
