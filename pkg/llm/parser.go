package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a compiled response schema, reusable across invocations of the
// same agent revision.
type Schema struct {
	compiled *jsonschema.Schema
}

// CompileSchema compiles a response_schema document. A schema that fails to
// compile is an agent configuration error, caught at validation time.
func CompileSchema(raw map[string]any) (*Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("response_schema.json", raw); err != nil {
		return nil, fmt.Errorf("failed to add response schema resource: %w", err)
	}
	compiled, err := c.Compile("response_schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile response schema: %w", err)
	}
	return &Schema{compiled: compiled}, nil
}

// ParseResponse turns raw model text into the value to write. Without a
// schema the trimmed text passes through. With a schema the text must yield
// JSON — taken directly, from a fenced code block, or from the first
// top-level object or array — and the value must validate.
func ParseResponse(text string, schema *Schema) (any, error) {
	if schema == nil {
		return strings.TrimSpace(text), nil
	}

	value, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	if err := schema.compiled.Validate(value); err != nil {
		return nil, fmt.Errorf("response failed schema validation: %w", err)
	}
	return value, nil
}

// extractJSON pulls a JSON value out of model text. Models wrap JSON in
// prose and markdown fences often enough that all three forms must be
// accepted.
func extractJSON(text string) (any, error) {
	trimmed := strings.TrimSpace(text)

	// Direct parse first: the well-behaved case.
	var value any
	if err := json.Unmarshal([]byte(trimmed), &value); err == nil {
		return value, nil
	}

	// Fenced code block: ```json ... ``` or bare ``` ... ```.
	if block := fencedBlock(trimmed); block != "" {
		if err := json.Unmarshal([]byte(block), &value); err == nil {
			return value, nil
		}
	}

	// First balanced top-level object or array embedded in prose.
	if candidate := firstBalanced(trimmed); candidate != "" {
		if err := json.Unmarshal([]byte(candidate), &value); err == nil {
			return value, nil
		}
	}

	return nil, fmt.Errorf("no JSON value found in model response")
}

// fencedBlock returns the contents of the first markdown code fence.
func fencedBlock(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return ""
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the info string ("json") on the opening fence line.
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// firstBalanced scans for the first balanced {...} or [...] span, honoring
// string literals and escapes.
func firstBalanced(text string) string {
	start := -1
	var open, closing byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			start = i
			open = text[i]
			if open == '{' {
				closing = '}'
			} else {
				closing = ']'
			}
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
