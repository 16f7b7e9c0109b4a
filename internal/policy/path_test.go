package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeJSON(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestExtractValues(t *testing.T) {
	data := decodeJSON(t, `{
		"from": "boss@corp.com",
		"meta": {"labels": ["inbox", "work"], "count": 2},
		"emails": [
			{"from": "a@corp.com"},
			{"subject": "no sender"},
			{"from": "b@evil.com", "to": [{"addr": "x"}, {"addr": "y"}]}
		]
	}`)

	tests := []struct {
		name string
		path string
		want []any
	}{
		{"top level key", "from", []any{"boss@corp.com"}},
		{"nested key", "meta.count", []any{float64(2)}},
		{"array index", "meta.labels[1]", []any{"work"}},
		{"wildcard skips missing", "emails[*].from", []any{"a@corp.com", "b@evil.com"}},
		{"nested wildcard", "emails[*].to[*].addr", []any{"x", "y"}},
		{"wildcard whole elements", "meta.labels[*]", []any{"inbox", "work"}},
		{"missing key", "nope", nil},
		{"index out of range", "meta.labels[5]", nil},
		{"wildcard on object", "meta[*]", nil},
		{"unterminated bracket", "emails[*.from", nil},
		{"empty segment", "meta..count", nil},
		{"trailing dot", "meta.", nil},
		{"non numeric index", "emails[x].from", nil},
		{"empty path", "", nil},
		{"text after bracket", "emails[0]from", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractValues(data, tt.path))
		})
	}
}

func TestExtractValues_RootArray(t *testing.T) {
	data := decodeJSON(t, `[{"id": 1}, {"id": 2}]`)
	assert.Equal(t, []any{float64(1), float64(2)}, ExtractValues(data, "[*].id"))
}

func TestExtractValues_ScalarData(t *testing.T) {
	assert.Empty(t, ExtractValues("plain text", "from"))
	assert.Empty(t, ExtractValues(nil, "from"))
}
