// Package interaction keeps an HMAC-signed log of proxied chat exchanges.
//
// One Interaction is written per inbound request, however many upstream
// calls it took. Records hold the original request, the final response,
// token usage, every trust decision and any refusal.
package interaction

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/robertof1lho/archestra-sub000/internal/otel"
)

var tracer = otel.Tracer("github.com/robertof1lho/archestra-sub000/internal/interaction")

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("interaction not found")

// Interaction is the full record of one proxied request.
type Interaction struct {
	ID            string             `json:"id"`
	CorrelationID string             `json:"correlation_id"`
	Timestamp     time.Time          `json:"timestamp"`
	AgentID       string             `json:"agent_id"`
	Caller        string             `json:"caller,omitempty"`
	Model         string             `json:"model"`
	Stream        bool               `json:"stream"`
	Request       json.RawMessage    `json:"request"`
	Response      json.RawMessage    `json:"response,omitempty"`
	Usage         TokenUsage         `json:"usage"`
	LLMCalls      int                `json:"llm_calls"`
	Trust         TrustSummary       `json:"trust"`
	ToolCalls     []ToolCall         `json:"tool_calls,omitempty"`
	Refusal       *Refusal           `json:"refusal,omitempty"`
	Quarantine    []QuarantineRecord `json:"quarantine,omitempty"`
	Status        int                `json:"status"`
	Error         string             `json:"error,omitempty"`
	DurationMS    int64              `json:"duration_ms"`
	Signature     string             `json:"signature,omitempty"`
}

// TokenUsage sums prompt and completion tokens over every upstream call.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// TrustSummary is the conversation trust state computed for the request.
type TrustSummary struct {
	ContextTrusted bool              `json:"context_trusted"`
	Results        []TrustEvaluation `json:"results,omitempty"`
}

// TrustEvaluation is the decision for one tool result message.
type TrustEvaluation struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason"`
}

// ToolCall is a call proposed by the model and what happened to it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Executed  bool   `json:"executed"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Refusal records a blocked batch of tool calls.
type Refusal struct {
	ToolName string `json:"tool_name"`
	Reason   string `json:"reason"`
}

// QuarantineRecord summarizes one sanitization session.
type QuarantineRecord struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Rounds     int    `json:"rounds"`
	Discarded  int    `json:"discarded"`
	Error      string `json:"error,omitempty"`
}

// Summary is the compact listing form of an Interaction.
type Summary struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	AgentID        string    `json:"agent_id"`
	Model          string    `json:"model"`
	Stream         bool      `json:"stream"`
	Status         int       `json:"status"`
	ContextTrusted bool      `json:"context_trusted"`
	Blocked        bool      `json:"blocked"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	DurationMS     int64     `json:"duration_ms"`
}

// Summarize returns the listing form of i.
func (i *Interaction) Summarize() Summary {
	return Summary{
		ID:             i.ID,
		Timestamp:      i.Timestamp,
		AgentID:        i.AgentID,
		Model:          i.Model,
		Stream:         i.Stream,
		Status:         i.Status,
		ContextTrusted: i.Trust.ContextTrusted,
		Blocked:        i.Refusal != nil,
		InputTokens:    i.Usage.Input,
		OutputTokens:   i.Usage.Output,
		DurationMS:     i.DurationMS,
	}
}

// Filter narrows List. Zero fields are ignored.
type Filter struct {
	AgentID string
	From    time.Time
	To      time.Time
	Limit   int
}

// Store persists signed interactions in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
}

// NewStore opens (creating if needed) the interaction database at dbPath.
func NewStore(dbPath, signingKey string) (*Store, error) {
	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening interaction database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		correlation_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		agent_id TEXT NOT NULL,
		model TEXT NOT NULL,
		interaction_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_interactions_agent ON interactions(agent_id);
	CREATE INDEX IF NOT EXISTS idx_interactions_timestamp ON interactions(timestamp);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating interaction schema: %w", err)
	}
	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record signs and saves it, filling ID and Timestamp when unset.
func (s *Store) Record(ctx context.Context, it *Interaction) error {
	if it.ID == "" {
		it.ID = "int_" + uuid.New().String()[:12]
	}
	if it.Timestamp.IsZero() {
		it.Timestamp = time.Now().UTC()
	}
	ctx, span := tracer.Start(ctx, "interaction.record",
		trace.WithAttributes(
			attribute.String("interaction.id", it.ID),
			attribute.String("agent_id", it.AgentID),
		))
	defer span.End()

	it.Signature = ""
	unsigned, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshaling interaction: %w", err)
	}
	it.Signature = s.signer.Sign(unsigned)
	signed, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshaling interaction: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interactions (id, correlation_id, timestamp, agent_id, model, interaction_json, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.CorrelationID, it.Timestamp.UTC(), it.AgentID, it.Model, string(signed), it.Signature)
	if err != nil {
		return fmt.Errorf("storing interaction: %w", err)
	}
	return nil
}

// Get returns the interaction with id.
func (s *Store) Get(ctx context.Context, id string) (*Interaction, error) {
	ctx, span := tracer.Start(ctx, "interaction.get",
		trace.WithAttributes(attribute.String("interaction.id", id)))
	defer span.End()

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT interaction_json FROM interactions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying interaction: %w", err)
	}
	var it Interaction
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		return nil, fmt.Errorf("unmarshaling interaction: %w", err)
	}
	return &it, nil
}

// List returns interactions newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Interaction, error) {
	ctx, span := tracer.Start(ctx, "interaction.list",
		trace.WithAttributes(attribute.String("agent_id", f.AgentID)))
	defer span.End()

	query := `SELECT interaction_json FROM interactions WHERE 1=1`
	args := []interface{}{}
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if !f.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, f.To.UTC())
	}
	query += ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning interaction: %w", err)
		}
		var it Interaction
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			continue
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Verify checks the stored signature of the interaction with id.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "interaction.verify",
		trace.WithAttributes(attribute.String("interaction.id", id)))
	defer span.End()

	it, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	signature := it.Signature
	it.Signature = ""
	unsigned, err := json.Marshal(it)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}
	return s.signer.Verify(unsigned, signature), nil
}

// Purge deletes interactions older than before and returns how many went.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "interaction.purge")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM interactions WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging interactions: %w", err)
	}
	n, _ := res.RowsAffected()
	span.SetAttributes(attribute.Int64("interaction.purged", n))
	return n, nil
}
