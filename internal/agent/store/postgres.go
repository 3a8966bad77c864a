package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/browserdeck/browserdeck/internal/common/errors"
	v1 "github.com/browserdeck/browserdeck/pkg/api/v1"
)

// PostgresStore provides Postgres-based agent storage via pgx
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Ensure PostgresStore implements Store interface
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to Postgres and initializes the schema. Persisted
// statuses are rewritten to stopped, same as the SQLite store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if _, err := pool.Exec(ctx, `UPDATE agents SET status = 'stopped', error_message = ''`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reset agent statuses: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		profile_id TEXT NOT NULL,
		personality JSONB NOT NULL DEFAULT '{}',
		control_channel JSONB,
		browser JSONB NOT NULL DEFAULT '{}',
		execution JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'stopped',
		error_message TEXT NOT NULL DEFAULT '',
		last_active TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_codes (
		agent_id TEXT PRIMARY KEY REFERENCES agents(id) ON DELETE CASCADE,
		code TEXT NOT NULL UNIQUE,
		issued_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		consumed BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS authorized_chats (
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		chat_id TEXT NOT NULL,
		added_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (agent_id, chat_id)
	);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Create persists a new agent config
func (s *PostgresStore) Create(ctx context.Context, config *v1.AgentConfig) error {
	now := time.Now().UTC()
	config.CreatedAt = now
	config.UpdatedAt = now

	personality, controlChannel, browser, execution, err := marshalConfigColumns(config)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, description, profile_id, personality, control_channel, browser, execution, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'stopped', $9, $10)
	`, config.ID, config.Name, config.Description, config.ProfileID, personality, controlChannel, browser, execution, config.CreatedAt, config.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errors.DuplicateID(config.ID)
		}
		return err
	}
	return nil
}

// Get retrieves an agent config by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*v1.AgentConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, description, profile_id, personality::text, control_channel::text, browser::text, execution::text, created_at, updated_at
		FROM agents WHERE id = $1
	`, id)

	config, err := scanAgentPg(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	return config, nil
}

// List returns all agents ordered by creation time
func (s *PostgresStore) List(ctx context.Context) ([]*v1.AgentConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, profile_id, personality::text, control_channel::text, browser::text, execution::text, created_at, updated_at
		FROM agents ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.AgentConfig
	for rows.Next() {
		config, err := scanAgentPg(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, config)
	}
	return result, rows.Err()
}

// Update merges a partial update into an existing agent config
func (s *PostgresStore) Update(ctx context.Context, id string, upd *v1.AgentUpdate) (*v1.AgentConfig, error) {
	config, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	applyUpdate(config, upd)

	personality, controlChannel, browser, execution, err := marshalConfigColumns(config)
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET name = $1, description = $2, profile_id = $3, personality = $4, control_channel = $5, browser = $6, execution = $7, updated_at = $8
		WHERE id = $9
	`, config.Name, config.Description, config.ProfileID, personality, controlChannel, browser, execution, config.UpdatedAt, id)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, errors.NotFound("agent", id)
	}
	return config, nil
}

// Delete removes an agent; auth codes and authorized chats cascade
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("agent", id)
	}
	return nil
}

// SetStatus records the last-observed status for display
func (s *PostgresStore) SetStatus(ctx context.Context, id string, rec StatusRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET status = $1, error_message = $2, last_active = $3 WHERE id = $4
	`, string(rec.Status), rec.ErrorMessage, rec.LastActive, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("agent", id)
	}
	return nil
}

// GetStatus returns the last-observed status
func (s *PostgresStore) GetStatus(ctx context.Context, id string) (*StatusRecord, error) {
	rec := &StatusRecord{}
	var status string
	var lastActive *time.Time

	err := s.pool.QueryRow(ctx, `
		SELECT status, error_message, last_active FROM agents WHERE id = $1
	`, id).Scan(&status, &rec.ErrorMessage, &lastActive)

	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}

	rec.Status = v1.AgentStatus(status)
	rec.LastActive = lastActive
	return rec, nil
}

// SaveAuthCode stores the current code for an agent, replacing any previous one
func (s *PostgresStore) SaveAuthCode(ctx context.Context, agentID string, code *v1.AuthorizationCode) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_codes (agent_id, code, issued_at, expires_at, consumed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_id) DO UPDATE SET code = EXCLUDED.code, issued_at = EXCLUDED.issued_at, expires_at = EXCLUDED.expires_at, consumed = EXCLUDED.consumed
	`, agentID, code.Code, code.IssuedAt, code.ExpiresAt, code.Consumed)
	return err
}

// GetAuthCode returns the current code for an agent
func (s *PostgresStore) GetAuthCode(ctx context.Context, agentID string) (*v1.AuthorizationCode, error) {
	code := &v1.AuthorizationCode{AgentID: agentID}

	err := s.pool.QueryRow(ctx, `
		SELECT code, issued_at, expires_at, consumed FROM auth_codes WHERE agent_id = $1
	`, agentID).Scan(&code.Code, &code.IssuedAt, &code.ExpiresAt, &code.Consumed)

	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("authorization code for agent", agentID)
	}
	if err != nil {
		return nil, err
	}
	return code, nil
}

// FindAuthCode looks up a code by its value
func (s *PostgresStore) FindAuthCode(ctx context.Context, codeValue string) (*v1.AuthorizationCode, error) {
	code := &v1.AuthorizationCode{Code: codeValue}

	err := s.pool.QueryRow(ctx, `
		SELECT agent_id, issued_at, expires_at, consumed FROM auth_codes WHERE code = $1
	`, codeValue).Scan(&code.AgentID, &code.IssuedAt, &code.ExpiresAt, &code.Consumed)

	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.InvalidCode()
	}
	if err != nil {
		return nil, err
	}
	return code, nil
}

// ConsumeAuthCode marks the agent's current code as consumed
func (s *PostgresStore) ConsumeAuthCode(ctx context.Context, agentID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE auth_codes SET consumed = TRUE WHERE agent_id = $1`, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.InvalidCode()
	}
	return nil
}

// AddAuthorizedChatID adds a chat identity to the agent's authorized set
func (s *PostgresStore) AddAuthorizedChatID(ctx context.Context, agentID string, chatID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO authorized_chats (agent_id, chat_id, added_at) VALUES ($1, $2, $3)
		ON CONFLICT (agent_id, chat_id) DO NOTHING
	`, agentID, chatID, time.Now().UTC())
	return err
}

// ListAuthorizedChatIDs returns the authorized chat identities for an agent
func (s *PostgresStore) ListAuthorizedChatIDs(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chat_id FROM authorized_chats WHERE agent_id = $1 ORDER BY added_at
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

// scanAgentPg scans one agent row from pgx, decoding the JSONB columns
func scanAgentPg(row pgx.Row) (*v1.AgentConfig, error) {
	config := &v1.AgentConfig{}
	var personality, browser, execution string
	var controlChannel *string

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
	if controlChannel != nil && *controlChannel != "" {
		cc := &v1.ControlChannelConfig{}
		if err := json.Unmarshal([]byte(*controlChannel), cc); err != nil {
			return nil, fmt.Errorf("corrupt control_channel column for agent %s: %w", config.ID, err)
		}
		config.ControlChannel = cc
	}
	return config, nil
}
