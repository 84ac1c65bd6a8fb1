package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Name  string  `json:"name"`
	Count int     `json:"count"`
	Items []int64 `json:"items"`
}

func TestParseJSONDirect(t *testing.T) {
	result := ParseJSON[testPayload](`{"name": "a", "count": 2, "items": [1, 2]}`)
	require.True(t, result.Success)
	assert.False(t, result.Repaired)
	assert.Equal(t, "a", result.Data.Name)
	assert.Equal(t, []int64{1, 2}, result.Data.Items)
}

func TestParseJSONCodeFence(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"json fence", "```json\n{\"name\": \"a\", \"count\": 1}\n```"},
		{"bare fence", "```\n{\"name\": \"a\", \"count\": 1}\n```"},
		{"fence with prose", "Here is the result:\n```json\n{\"name\": \"a\", \"count\": 1}\n```\nDone."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseJSON[testPayload](tt.input)
			require.True(t, result.Success, "error: %s", result.Error)
			assert.Equal(t, "a", result.Data.Name)
		})
	}
}

func TestParseJSONSurroundingProse(t *testing.T) {
	result := ParseJSON[testPayload](`Sure! The answer is {"name": "a", "count": 3} as requested.`)
	require.True(t, result.Success)
	assert.Equal(t, 3, result.Data.Count)
}

func TestParseJSONTruncated(t *testing.T) {
	// Response cut off mid-array, as happens when max_tokens runs out.
	result := ParseJSON[testPayload](`{"name": "a", "count": 2, "items": [1, 2`)
	require.True(t, result.Success)
	assert.True(t, result.Repaired)
	assert.Equal(t, []int64{1, 2}, result.Data.Items)
}

func TestParseJSONTruncatedInsideString(t *testing.T) {
	result := ParseJSON[testPayload](`{"count": 5, "name": "trunc`)
	require.True(t, result.Success)
	assert.True(t, result.Repaired)
	assert.Equal(t, 5, result.Data.Count)
}

func TestParseJSONTrailingComma(t *testing.T) {
	result := ParseJSON[testPayload](`{"name": "a", "items": [1, 2,], "count": 1,}`)
	require.True(t, result.Success)
	assert.Equal(t, []int64{1, 2}, result.Data.Items)
}

func TestParseJSONFailure(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"whitespace", "   \n  "},
		{"no json at all", "I could not classify these items."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseJSON[testPayload](tt.input)
			assert.False(t, result.Success)
			assert.NotEmpty(t, result.Error)
		})
	}
}

func TestExtractBalanced(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		want         string
		wantRepaired bool
	}{
		{"complete object", `x {"a": 1} y`, `{"a": 1}`, false},
		{"nested", `{"a": {"b": [1]}}`, `{"a": {"b": [1]}}`, false},
		{"truncated object", `{"a": [1, 2`, `{"a": [1, 2]}`, true},
		{"truncated string", `{"a": "hi`, `{"a": "hi"}`, true},
		{"braces in string", `{"a": "}{"}`, `{"a": "}{"}`, false},
		{"escaped quote", `{"a": "x\"}"}`, `{"a": "x\"}"}`, false},
		{"no opener", `plain text`, ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, repaired := ExtractBalanced(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantRepaired, repaired)
		})
	}
}
