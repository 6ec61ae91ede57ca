package consultation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ayurvaid-agent/internal/database"
	"ayurvaid-agent/internal/intake"
)

var (
	// ErrStorage marks a failure of the transcript or intake store.
	ErrStorage = errors.New("storage error")
	// ErrNotFound marks a conversation with no turns for the caller.
	ErrNotFound = errors.New("conversation not found")
)

// TranscriptStore is the append-only log of turns.
type TranscriptStore interface {
	AppendTurn(ctx context.Context, callerID, conversationID string, role Role, content string) (*Turn, error)
	// LastTurns returns up to n turns, newest first.
	LastTurns(ctx context.Context, callerID, conversationID string, n int) ([]Turn, error)
	// Conversations lists the caller's conversations, most recent first.
	Conversations(ctx context.Context, callerID string) ([]ConversationSummary, error)
	// Transcript returns turns oldest first; an empty conversationID means all of the caller's turns.
	Transcript(ctx context.Context, callerID, conversationID string) ([]Turn, error)
	Search(ctx context.Context, callerID, keyword, conversationID string) ([]Turn, error)
	HasConversation(ctx context.Context, callerID, conversationID string) (bool, error)
}

// IntakeStore keeps at most one pending snapshot per conversation.
type IntakeStore interface {
	SaveIntake(ctx context.Context, callerID, conversationID string, s intake.Snapshot) error
	LoadIntake(ctx context.Context, callerID, conversationID string) (intake.Snapshot, error)
	ClearIntake(ctx context.Context, callerID, conversationID string) error
}

// Repository is the SQL-backed implementation of both stores.
type Repository interface {
	TranscriptStore
	IntakeStore
}

type sqlRepo struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

func NewRepository(db *sql.DB, dialect database.Dialect) Repository {
	return &sqlRepo{db: db, dialect: dialect, now: time.Now}
}

const turnColumns = `id, caller_id, conversation_id, role, content, created_at`

func (r *sqlRepo) AppendTurn(ctx context.Context, callerID, conversationID string, role Role, content string) (*Turn, error) {
	t := &Turn{
		CallerID:       callerID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      r.now().UTC(),
	}
	query := r.dialect.Rebind(`INSERT INTO turns (caller_id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id`)
	err := r.db.QueryRowContext(ctx, query, callerID, conversationID, string(role), content, t.CreatedAt.UnixNano()).Scan(&t.ID)
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	return t, nil
}

func (r *sqlRepo) LastTurns(ctx context.Context, callerID, conversationID string, n int) ([]Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	query := r.dialect.Rebind(`SELECT ` + turnColumns + ` FROM turns
		WHERE caller_id = ? AND conversation_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`)
	return r.queryTurns(ctx, query, callerID, conversationID, n)
}

func (r *sqlRepo) Transcript(ctx context.Context, callerID, conversationID string) ([]Turn, error) {
	if conversationID == "" {
		query := r.dialect.Rebind(`SELECT ` + turnColumns + ` FROM turns
			WHERE caller_id = ? ORDER BY created_at ASC, id ASC`)
		return r.queryTurns(ctx, query, callerID)
	}
	query := r.dialect.Rebind(`SELECT ` + turnColumns + ` FROM turns
		WHERE caller_id = ? AND conversation_id = ? ORDER BY created_at ASC, id ASC`)
	return r.queryTurns(ctx, query, callerID, conversationID)
}

func (r *sqlRepo) Search(ctx context.Context, callerID, keyword, conversationID string) ([]Turn, error) {
	pattern := "%" + escapeLike(strings.ToLower(keyword)) + "%"
	if conversationID == "" {
		query := r.dialect.Rebind(`SELECT ` + turnColumns + ` FROM turns
			WHERE caller_id = ? AND LOWER(content) LIKE ? ESCAPE '\' ORDER BY created_at ASC, id ASC`)
		return r.queryTurns(ctx, query, callerID, pattern)
	}
	query := r.dialect.Rebind(`SELECT ` + turnColumns + ` FROM turns
		WHERE caller_id = ? AND conversation_id = ? AND LOWER(content) LIKE ? ESCAPE '\' ORDER BY created_at ASC, id ASC`)
	return r.queryTurns(ctx, query, callerID, conversationID, pattern)
}

func (r *sqlRepo) HasConversation(ctx context.Context, callerID, conversationID string) (bool, error) {
	query := r.dialect.Rebind(`SELECT 1 FROM turns WHERE caller_id = ? AND conversation_id = ? LIMIT 1`)
	var one int
	err := r.db.QueryRowContext(ctx, query, callerID, conversationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check conversation: %w", err)
	}
	return true, nil
}

func (r *sqlRepo) Conversations(ctx context.Context, callerID string) ([]ConversationSummary, error) {
	query := r.dialect.Rebind(`SELECT conversation_id, MAX(created_at) AS latest FROM turns
		WHERE caller_id = ? GROUP BY conversation_id ORDER BY latest DESC`)
	rows, err := r.db.QueryContext(ctx, query, callerID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var c ConversationSummary
		var latest int64
		if err := rows.Scan(&c.ConversationID, &latest); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.LatestAt = time.Unix(0, latest).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *sqlRepo) queryTurns(ctx context.Context, query string, args ...any) ([]Turn, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var role string
		var created int64
		if err := rows.Scan(&t.ID, &t.CallerID, &t.ConversationID, &role, &t.Content, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = Role(role)
		t.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *sqlRepo) SaveIntake(ctx context.Context, callerID, conversationID string, s intake.Snapshot) error {
	symptomsJSON, err := json.Marshal(nonNil(s.Symptoms))
	if err != nil {
		return err
	}
	conditionsJSON, err := json.Marshal(nonNil(s.PreviousConditions))
	if err != nil {
		return err
	}

	query := r.dialect.Rebind(`
		INSERT INTO pending_intakes (caller_id, conversation_id, symptoms, age, gender, previous_conditions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (caller_id, conversation_id) DO UPDATE SET
			symptoms = excluded.symptoms,
			age = excluded.age,
			gender = excluded.gender,
			previous_conditions = excluded.previous_conditions,
			updated_at = excluded.updated_at`)
	_, err = r.db.ExecContext(ctx, query,
		callerID, conversationID, string(symptomsJSON), nullString(s.Age), nullString(s.Gender), string(conditionsJSON), r.now().UnixNano())
	if err != nil {
		return fmt.Errorf("save intake: %w", err)
	}
	return nil
}

func (r *sqlRepo) LoadIntake(ctx context.Context, callerID, conversationID string) (intake.Snapshot, error) {
	query := r.dialect.Rebind(`SELECT symptoms, age, gender, previous_conditions FROM pending_intakes
		WHERE caller_id = ? AND conversation_id = ?`)

	var s intake.Snapshot
	var symptomsJSON, conditionsJSON string
	var age, gender sql.NullString
	err := r.db.QueryRowContext(ctx, query, callerID, conversationID).Scan(&symptomsJSON, &age, &gender, &conditionsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("load intake: %w", err)
	}

	if err := json.Unmarshal([]byte(symptomsJSON), &s.Symptoms); err != nil {
		return s, fmt.Errorf("failed to unmarshal symptoms: %w", err)
	}
	if err := json.Unmarshal([]byte(conditionsJSON), &s.PreviousConditions); err != nil {
		return s, fmt.Errorf("failed to unmarshal previous conditions: %w", err)
	}
	s.Age = intake.Value{Text: age.String, Valid: age.Valid}
	s.Gender = intake.Value{Text: gender.String, Valid: gender.Valid}
	return s, nil
}

func (r *sqlRepo) ClearIntake(ctx context.Context, callerID, conversationID string) error {
	query := r.dialect.Rebind(`DELETE FROM pending_intakes WHERE caller_id = ? AND conversation_id = ?`)
	if _, err := r.db.ExecContext(ctx, query, callerID, conversationID); err != nil {
		return fmt.Errorf("clear intake: %w", err)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes LIKE wildcards in s match literally.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func nullString(v intake.Value) sql.NullString {
	return sql.NullString{String: v.Text, Valid: v.Valid}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
