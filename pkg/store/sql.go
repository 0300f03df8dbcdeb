// SPDX-License-Identifier: AGPL-3.0
// Copyright 2026 The SAFi Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Schema creation SQL
const createConversationsSchemaSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id VARCHAR(255) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    title TEXT,
    summary TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
)`

const createMessagesSchemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
    message_id VARCHAR(64) NOT NULL,
    conversation_id VARCHAR(255) NOT NULL,
    role VARCHAR(20) NOT NULL,
    content TEXT,
    audit_status VARCHAR(20),
    ledger_json TEXT,
    spirit_score INTEGER,
    spirit_note TEXT,
    suggestions_json TEXT,
    sequence_num INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (conversation_id, message_id, role)
)`

const createMessagesIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sequence_num)`

const createMessagesIDIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id)`

const createUserProfilesSchemaSQL = `
CREATE TABLE IF NOT EXISTS user_profiles (
    user_id VARCHAR(255) NOT NULL,
    profile_json TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id)
)`

const createSpiritMemorySchemaSQL = `
CREATE TABLE IF NOT EXISTS spirit_memory (
    agent_key VARCHAR(255) NOT NULL,
    turn INTEGER NOT NULL DEFAULT 0,
    mu_json TEXT,
    feedback_seed TEXT,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (agent_key)
)`

const createPromptCountsSchemaSQL = `
CREATE TABLE IF NOT EXISTS prompt_counts (
    user_id VARCHAR(255) NOT NULL,
    day VARCHAR(10) NOT NULL,
    amount BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, day)
)`

// SQLStore implements Store on a SQL database.
// Concurrency is handled by database-level locking (transactions).
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore creates a SQL-backed store and initializes the schema.
// Supported dialects: "postgres", "mysql", "sqlite".
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	if dialect == "sqlite" {
		// SQLite allows one writer at a time; a single pooled connection
		// serializes transactions instead of surfacing SQLITE_BUSY. The
		// spirit-memory lock depends on this.
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Open is a convenience that opens the driver for the given dialect and
// builds the store on top of it.
func Open(dialect, dsn string) (*SQLStore, error) {
	driver := dialect
	if dialect == "sqlite" {
		driver = "sqlite3"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	store, err := NewSQLStore(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema creates the required tables if they don't exist.
func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Execute each statement separately for SQLite compatibility
	statements := []string{
		createConversationsSchemaSQL,
		createMessagesSchemaSQL,
		createMessagesIndexSQL,
		createMessagesIDIndexSQL,
		createUserProfilesSchemaSQL,
		createSpiritMemorySchemaSQL,
		createPromptCountsSchemaSQL,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Dialect returns the SQL dialect (for testing).
func (s *SQLStore) Dialect() string {
	return s.dialect
}

// =============================================================================
// Conversations
// =============================================================================

func (s *SQLStore) EnsureConversation(ctx context.Context, conversationID, userID string) error {
	now := time.Now()
	query := s.placeholders(`INSERT INTO conversations (id, user_id, title, summary, created_at, updated_at)
              VALUES (?, ?, '', '', ?, ?)`)
	switch s.dialect {
	case "postgres", "sqlite":
		query += ` ON CONFLICT (id) DO NOTHING`
	case "mysql":
		query += ` ON DUPLICATE KEY UPDATE id = id`
	}

	if _, err := s.db.ExecContext(ctx, query, conversationID, userID, now, now); err != nil {
		return fmt.Errorf("failed to ensure conversation: %w", err)
	}
	return nil
}

func (s *SQLStore) SetTitle(ctx context.Context, conversationID, title string) error {
	query := s.placeholders(`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, title, time.Now(), conversationID); err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTitle(ctx context.Context, conversationID string) (string, error) {
	query := s.placeholders(`SELECT title FROM conversations WHERE id = ?`)

	var title string
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&title)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get title: %w", err)
	}
	return title, nil
}

func (s *SQLStore) GetSummary(ctx context.Context, conversationID string) (string, error) {
	query := s.placeholders(`SELECT summary FROM conversations WHERE id = ?`)

	var summary string
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&summary)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get summary: %w", err)
	}
	return summary, nil
}

func (s *SQLStore) SaveSummary(ctx context.Context, conversationID, summary string) error {
	query := s.placeholders(`UPDATE conversations SET summary = ?, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, summary, time.Now(), conversationID); err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}

// =============================================================================
// Messages
// =============================================================================

func (s *SQLStore) AppendMessage(ctx context.Context, msg Message) error {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seqNum, err := s.nextSequenceNumTx(ctx, tx, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to get sequence number: %w", err)
	}

	query := s.placeholders(`INSERT INTO messages
        (message_id, conversation_id, role, content, audit_status, sequence_num, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, query,
		msg.MessageID, msg.ConversationID, msg.Role, msg.Content,
		string(msg.AuditStatus), seqNum, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	query := s.placeholders(`SELECT message_id, conversation_id, role, content, audit_status, created_at
              FROM messages WHERE message_id = ? AND role = ?`)

	var msg Message
	var status string
	err := s.db.QueryRowContext(ctx, query, messageID, RoleAssistant).Scan(
		&msg.MessageID, &msg.ConversationID, &msg.Role, &msg.Content, &status, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	msg.AuditStatus = AuditStatus(status)
	return &msg, nil
}

// History returns the most recent messages of a conversation in chronological
// order. limit <= 0 returns all of them.
func (s *SQLStore) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	cols := `message_id, conversation_id, role, content, audit_status, created_at`

	var query string
	var args []any

	if limit > 0 {
		// Subquery picks the N most recent, outer query restores order.
		query = `SELECT ` + cols + ` FROM (
            SELECT ` + cols + `, sequence_num FROM messages
            WHERE conversation_id = ?
            ORDER BY sequence_num DESC LIMIT ?
        ) sub ORDER BY sequence_num ASC`
		args = []any{conversationID, limit}
	} else {
		query = `SELECT ` + cols + ` FROM messages
              WHERE conversation_id = ? ORDER BY sequence_num ASC`
		args = []any{conversationID}
	}

	query = s.placeholders(query)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		var status string
		if err := rows.Scan(&msg.MessageID, &msg.ConversationID, &msg.Role, &msg.Content, &status, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.AuditStatus = AuditStatus(status)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *SQLStore) nextSequenceNumTx(ctx context.Context, tx *sql.Tx, conversationID string) (int, error) {
	query := s.placeholders(`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM messages WHERE conversation_id = ?`)

	var seqNum int
	if err := tx.QueryRowContext(ctx, query, conversationID).Scan(&seqNum); err != nil {
		return 0, err
	}
	return seqNum, nil
}

// =============================================================================
// Audit results
// =============================================================================

func (s *SQLStore) UpdateAuditResult(ctx context.Context, messageID string, res AuditResult) error {
	suggestionsJSON := ""
	if len(res.Suggestions) > 0 {
		b, err := json.Marshal(res.Suggestions)
		if err != nil {
			return fmt.Errorf("failed to marshal suggestions: %w", err)
		}
		suggestionsJSON = string(b)
	}

	query := s.placeholders(`UPDATE messages
        SET audit_status = ?, ledger_json = ?, spirit_score = ?, spirit_note = ?, suggestions_json = ?
        WHERE message_id = ? AND role = ?`)
	result, err := s.db.ExecContext(ctx, query,
		string(StatusComplete), string(res.Ledger), res.SpiritScore, res.SpiritNote,
		suggestionsJSON, messageID, RoleAssistant)
	if err != nil {
		return fmt.Errorf("failed to update audit result: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetAuditResult(ctx context.Context, messageID string) (AuditStatus, *AuditResult, error) {
	query := s.placeholders(`SELECT audit_status, ledger_json, spirit_score, spirit_note, suggestions_json
              FROM messages WHERE message_id = ? AND role = ?`)

	var status string
	var ledgerJSON, spiritNote, suggestionsJSON sql.NullString
	var spiritScore sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, messageID, RoleAssistant).Scan(
		&status, &ledgerJSON, &spiritScore, &spiritNote, &suggestionsJSON)
	if err == sql.ErrNoRows {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to get audit result: %w", err)
	}

	if AuditStatus(status) != StatusComplete {
		return StatusPending, nil, nil
	}

	res := &AuditResult{
		SpiritScore: int(spiritScore.Int64),
		SpiritNote:  spiritNote.String,
	}
	if ledgerJSON.String != "" {
		res.Ledger = json.RawMessage(ledgerJSON.String)
	}
	if suggestionsJSON.String != "" {
		if err := json.Unmarshal([]byte(suggestionsJSON.String), &res.Suggestions); err != nil {
			return "", nil, fmt.Errorf("failed to unmarshal suggestions: %w", err)
		}
	}
	return StatusComplete, res, nil
}

// =============================================================================
// User profiles
// =============================================================================

func (s *SQLStore) GetUserProfile(ctx context.Context, userID string) (string, error) {
	query := s.placeholders(`SELECT profile_json FROM user_profiles WHERE user_id = ?`)

	var profile string
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&profile)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get user profile: %w", err)
	}
	return profile, nil
}

func (s *SQLStore) SaveUserProfile(ctx context.Context, userID, profile string) error {
	var query string
	switch s.dialect {
	case "postgres":
		query = `INSERT INTO user_profiles (user_id, profile_json, updated_at)
                VALUES ($1, $2, $3)
                ON CONFLICT (user_id) DO UPDATE SET profile_json = $2, updated_at = $3`
	case "mysql":
		query = `INSERT INTO user_profiles (user_id, profile_json, updated_at)
                VALUES (?, ?, ?)
                ON DUPLICATE KEY UPDATE profile_json = VALUES(profile_json), updated_at = VALUES(updated_at)`
	default: // sqlite
		query = `INSERT INTO user_profiles (user_id, profile_json, updated_at)
                VALUES (?, ?, ?)
                ON CONFLICT (user_id) DO UPDATE SET profile_json = excluded.profile_json, updated_at = excluded.updated_at`
	}

	if _, err := s.db.ExecContext(ctx, query, userID, profile, time.Now()); err != nil {
		return fmt.Errorf("failed to save user profile: %w", err)
	}
	return nil
}

// =============================================================================
// Spirit memory
// =============================================================================

// WithSpiritLock loads the agent's spirit memory under an exclusive row lock,
// runs fn against it, and persists the mutated state on success. Postgres and
// MySQL lock via SELECT ... FOR UPDATE; SQLite serializes writers at the
// connection level, so a plain transactional read is sufficient there.
func (s *SQLStore) WithSpiritLock(ctx context.Context, agentKey string, fn func(mem *SpiritMemory) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	mem, err := s.loadSpiritMemoryTx(ctx, tx, agentKey)
	if err != nil {
		return err
	}

	if err := fn(mem); err != nil {
		return err
	}

	if err := s.saveSpiritMemoryTx(ctx, tx, mem); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) loadSpiritMemoryTx(ctx context.Context, tx *sql.Tx, agentKey string) (*SpiritMemory, error) {
	// FOR UPDATE locks nothing when the row does not exist yet, so two
	// first-ever audits could both read a fresh state. Seed the row first;
	// the insert conflicts (and blocks) once a concurrent tx has seeded it.
	var seedQuery string
	switch s.dialect {
	case "mysql":
		seedQuery = `INSERT IGNORE INTO spirit_memory (agent_key, turn, mu_json, feedback_seed, updated_at)
                VALUES (?, 0, '', '', ?)`
	default: // postgres, sqlite
		seedQuery = `INSERT INTO spirit_memory (agent_key, turn, mu_json, feedback_seed, updated_at)
                VALUES (?, 0, '', '', ?)
                ON CONFLICT (agent_key) DO NOTHING`
	}
	if _, err := tx.ExecContext(ctx, s.placeholders(seedQuery), agentKey, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to seed spirit memory: %w", err)
	}

	query := `SELECT turn, mu_json, feedback_seed FROM spirit_memory WHERE agent_key = ?`
	if s.dialect == "postgres" || s.dialect == "mysql" {
		query += ` FOR UPDATE`
	}
	query = s.placeholders(query)

	var turn int
	var muJSON, seed sql.NullString
	err := tx.QueryRowContext(ctx, query, agentKey).Scan(&turn, &muJSON, &seed)
	if err == sql.ErrNoRows {
		return &SpiritMemory{AgentKey: agentKey}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load spirit memory: %w", err)
	}

	mem := &SpiritMemory{
		AgentKey:         agentKey,
		Turn:             turn,
		LastFeedbackSeed: seed.String,
	}
	if muJSON.String != "" {
		if err := json.Unmarshal([]byte(muJSON.String), &mem.Mu); err != nil {
			return nil, fmt.Errorf("failed to unmarshal spirit mu: %w", err)
		}
	}
	return mem, nil
}

func (s *SQLStore) saveSpiritMemoryTx(ctx context.Context, tx *sql.Tx, mem *SpiritMemory) error {
	muJSON := ""
	if len(mem.Mu) > 0 {
		b, err := json.Marshal(mem.Mu)
		if err != nil {
			return fmt.Errorf("failed to marshal spirit mu: %w", err)
		}
		muJSON = string(b)
	}

	var query string
	switch s.dialect {
	case "postgres":
		query = `INSERT INTO spirit_memory (agent_key, turn, mu_json, feedback_seed, updated_at)
                VALUES ($1, $2, $3, $4, $5)
                ON CONFLICT (agent_key) DO UPDATE SET turn = $2, mu_json = $3, feedback_seed = $4, updated_at = $5`
	case "mysql":
		query = `INSERT INTO spirit_memory (agent_key, turn, mu_json, feedback_seed, updated_at)
                VALUES (?, ?, ?, ?, ?)
                ON DUPLICATE KEY UPDATE turn = VALUES(turn), mu_json = VALUES(mu_json), feedback_seed = VALUES(feedback_seed), updated_at = VALUES(updated_at)`
	default: // sqlite
		query = `INSERT INTO spirit_memory (agent_key, turn, mu_json, feedback_seed, updated_at)
                VALUES (?, ?, ?, ?, ?)
                ON CONFLICT (agent_key) DO UPDATE SET turn = excluded.turn, mu_json = excluded.mu_json, feedback_seed = excluded.feedback_seed, updated_at = excluded.updated_at`
	}

	if _, err := tx.ExecContext(ctx, query, mem.AgentKey, mem.Turn, muJSON, mem.LastFeedbackSeed, time.Now()); err != nil {
		return fmt.Errorf("failed to save spirit memory: %w", err)
	}
	return nil
}

// =============================================================================
// Daily prompt quota
// =============================================================================

func (s *SQLStore) CountPromptsToday(ctx context.Context, userID string) (int, error) {
	query := s.placeholders(`SELECT amount FROM prompt_counts WHERE user_id = ? AND day = ?`)

	var amount int
	err := s.db.QueryRowContext(ctx, query, userID, quotaDay(time.Now())).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count prompts: %w", err)
	}
	return amount, nil
}

func (s *SQLStore) IncrementPromptCount(ctx context.Context, userID string) error {
	now := time.Now()
	day := quotaDay(now)

	var query string
	switch s.dialect {
	case "postgres":
		query = `INSERT INTO prompt_counts (user_id, day, amount, updated_at)
                VALUES ($1, $2, 1, $3)
                ON CONFLICT (user_id, day) DO UPDATE SET amount = prompt_counts.amount + 1, updated_at = $3`
	case "mysql":
		query = `INSERT INTO prompt_counts (user_id, day, amount, updated_at)
                VALUES (?, ?, 1, ?)
                ON DUPLICATE KEY UPDATE amount = amount + 1, updated_at = VALUES(updated_at)`
	default: // sqlite
		query = `INSERT INTO prompt_counts (user_id, day, amount, updated_at)
                VALUES (?, ?, 1, ?)
                ON CONFLICT (user_id, day) DO UPDATE SET amount = amount + 1, updated_at = excluded.updated_at`
	}

	if _, err := s.db.ExecContext(ctx, query, userID, day, now); err != nil {
		return fmt.Errorf("failed to increment prompt count: %w", err)
	}
	return nil
}

// placeholders converts ? placeholders to $1, $2, ... for postgres.
func (s *SQLStore) placeholders(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", paramNum)
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Compile-time interface check
var _ Store = (*SQLStore)(nil)
