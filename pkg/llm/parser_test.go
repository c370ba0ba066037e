package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var triageSchema = map[string]any{
	"type":     "object",
	"required": []any{"category"},
	"properties": map[string]any{
		"category":   map[string]any{"type": "string"},
		"confidence": map[string]any{"type": "number"},
	},
}

func TestParseResponseWithoutSchema(t *testing.T) {
	value, err := ParseResponse("  billing issue \n", nil)
	require.NoError(t, err)
	assert.Equal(t, "billing issue", value)
}

func TestParseResponseDirectJSON(t *testing.T) {
	schema, err := CompileSchema(triageSchema)
	require.NoError(t, err)

	value, err := ParseResponse(`{"category":"billing","confidence":0.9}`, schema)
	require.NoError(t, err)

	obj, ok := value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "billing", obj["category"])
}

func TestParseResponseFencedJSON(t *testing.T) {
	schema, err := CompileSchema(triageSchema)
	require.NoError(t, err)

	text := "Here is the classification:\n```json\n{\"category\": \"billing\"}\n```\nDone."
	value, err := ParseResponse(text, schema)
	require.NoError(t, err)

	obj := value.(map[string]any)
	assert.Equal(t, "billing", obj["category"])
}

func TestParseResponseEmbeddedJSON(t *testing.T) {
	schema, err := CompileSchema(triageSchema)
	require.NoError(t, err)

	text := `Sure! The result is {"category": "billing", "confidence": 0.8} based on the ticket.`
	value, err := ParseResponse(text, schema)
	require.NoError(t, err)

	obj := value.(map[string]any)
	assert.Equal(t, "billing", obj["category"])
}

func TestParseResponseEmbeddedJSONWithBracesInStrings(t *testing.T) {
	schema, err := CompileSchema(map[string]any{"type": "object"})
	require.NoError(t, err)

	text := `prefix {"note": "has a } brace and a \" quote"} suffix`
	value, err := ParseResponse(text, schema)
	require.NoError(t, err)

	obj := value.(map[string]any)
	assert.Equal(t, `has a } brace and a " quote`, obj["note"])
}

func TestParseResponseSchemaViolation(t *testing.T) {
	schema, err := CompileSchema(triageSchema)
	require.NoError(t, err)

	_, err = ParseResponse(`{"confidence": 0.5}`, schema)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation")
}

func TestParseResponseNoJSON(t *testing.T) {
	schema, err := CompileSchema(triageSchema)
	require.NoError(t, err)

	_, err = ParseResponse("I could not classify this ticket.", schema)
	require.Error(t, err)
}

func TestCompileSchemaEmpty(t *testing.T) {
	schema, err := CompileSchema(nil)
	require.NoError(t, err)
	assert.Nil(t, schema)
}

func TestCompileSchemaInvalid(t *testing.T) {
	_, err := CompileSchema(map[string]any{"type": 42})
	require.Error(t, err)
}
