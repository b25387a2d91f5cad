package llmutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestParseJSONResponsePlain(t *testing.T) {
	got, err := ParseJSONResponse[sample](`{"name": "a", "count": 2}`)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)
	assert.Equal(t, 2, got.Count)
}

func TestParseJSONResponseFenced(t *testing.T) {
	raw := "```json\n{\"name\": \"fenced\", \"count\": 1}\n```"
	got, err := ParseJSONResponse[sample](raw)
	require.NoError(t, err)
	assert.Equal(t, "fenced", got.Name)
}

func TestParseJSONResponseEmbeddedInProse(t *testing.T) {
	raw := "Sure! Here is the result you asked for: {\"name\": \"prose\", \"count\": 3} Hope that helps."
	got, err := ParseJSONResponse[sample](raw)
	require.NoError(t, err)
	assert.Equal(t, "prose", got.Name)
}

func TestParseJSONResponseArray(t *testing.T) {
	raw := "```json\n[\"a\", \"b\"]\n```"
	got, err := ParseJSONResponse[[]string](raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, *got)
}

func TestParseJSONResponseInvalid(t *testing.T) {
	_, err := ParseJSONResponse[sample]("this is not json at all")
	assert.Error(t, err)
}

func TestCleanCodeOutput(t *testing.T) {
	assert.Equal(t, "const x = 1;", CleanCodeOutput("```tsx\nconst x = 1;\n```"))
	assert.Equal(t, "plain", CleanCodeOutput("plain"))
	assert.Equal(t, "a\nb", CleanCodeOutput("```\na\nb\n```"))
}
