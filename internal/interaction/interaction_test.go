package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertof1lho/archestra-sub000/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "interactions.db"), testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleInteraction(agentID string, ts time.Time) *Interaction {
	return &Interaction{
		CorrelationID: "gw_abc",
		Timestamp:     ts,
		AgentID:       agentID,
		Model:         "gpt-4o",
		Request:       json.RawMessage(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`),
		Response:      json.RawMessage(`{"role":"assistant","content":"hello"}`),
		Usage:         TokenUsage{Input: 10, Output: 5},
		LLMCalls:      1,
		Trust:         TrustSummary{ContextTrusted: true},
		Status:        200,
	}
}

func TestNewStore_ShortKey(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "x.db"), "short")
	assert.Error(t, err)
}

func TestRecordGetVerify(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	it := sampleInteraction("agent-1", time.Time{})
	it.Refusal = &Refusal{ToolName: "send_email", Reason: "untrusted context"}
	require.NoError(t, store.Record(ctx, it))
	assert.NotEmpty(t, it.ID)
	assert.NotEmpty(t, it.Signature)

	got, err := store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.JSONEq(t, string(it.Request), string(got.Request))
	require.NotNil(t, got.Refusal)
	assert.True(t, got.Summarize().Blocked)

	ok, err := store.Verify(ctx, it.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_DetectsTampering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	it := sampleInteraction("agent-1", time.Time{})
	require.NoError(t, store.Record(ctx, it))

	_, err := store.db.ExecContext(ctx,
		`UPDATE interactions SET interaction_json = replace(interaction_json, '"status":200', '"status":201') WHERE id = ?`, it.ID)
	require.NoError(t, err)

	ok, err := store.Verify(ctx, it.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "int_missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestList_FilterAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, sampleInteraction("a", base)))
	require.NoError(t, store.Record(ctx, sampleInteraction("a", base.Add(time.Hour))))
	require.NoError(t, store.Record(ctx, sampleInteraction("b", base.Add(2*time.Hour))))

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].AgentID)

	onlyA, err := store.List(ctx, Filter{AgentID: "a", Limit: 1})
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.True(t, onlyA[0].Timestamp.Equal(base.Add(time.Hour)))

	since, err := store.List(ctx, Filter{From: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 2)
}

func TestPurgeAndRetention(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, sampleInteraction("a", now.Add(-40*24*time.Hour))))
	require.NoError(t, store.Record(ctx, sampleInteraction("a", now.Add(-time.Hour))))

	sched, err := NewRetentionScheduler(store, 30*24*time.Hour, "")
	require.NoError(t, err)
	sched.now = func() time.Time { return now }
	assert.Equal(t, 1, sched.Entries())

	assert.Equal(t, int64(1), sched.RunOnce(ctx))
	left, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestNewRetentionScheduler_Invalid(t *testing.T) {
	store := newTestStore(t)
	_, err := NewRetentionScheduler(store, 0, "")
	assert.Error(t, err)
	_, err = NewRetentionScheduler(store, time.Hour, "not a cron")
	assert.Error(t, err)
}

func TestSigner(t *testing.T) {
	s, err := NewSigner(testutil.TestSigningKey)
	require.NoError(t, err)
	sig := s.Sign([]byte("payload"))
	assert.True(t, s.Verify([]byte("payload"), sig))
	assert.False(t, s.Verify([]byte("payload2"), sig))

	hexKey := "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	_, err = NewSigner(hexKey)
	assert.NoError(t, err)
}
