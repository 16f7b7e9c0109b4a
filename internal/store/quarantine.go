package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ContentHash identifies tool output content for QuarantineSummary lookups.
func ContentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// QuarantineSummary returns the saved sanitization summary for a tool result,
// so a conversation replayed on the next turn is not interrogated again.
func (s *Store) QuarantineSummary(ctx context.Context, agentID, toolCallID, contentHash string) (string, bool, error) {
	var summary string
	err := s.queryRow(ctx, `SELECT summary FROM quarantine_results
		WHERE agent_id = ? AND tool_call_id = ? AND content_hash = ?`, agentID, toolCallID, contentHash).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying quarantine result: %w", err)
	}
	return summary, true, nil
}

// SaveQuarantineSummary stores a successful sanitization summary.
func (s *Store) SaveQuarantineSummary(ctx context.Context, agentID, toolCallID, contentHash, toolName, summary string) error {
	_, err := s.exec(ctx, `INSERT INTO quarantine_results (agent_id, tool_call_id, content_hash, tool_name, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (agent_id, tool_call_id, content_hash) DO NOTHING`,
		agentID, toolCallID, contentHash, toolName, summary, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving quarantine result: %w", err)
	}
	return nil
}
