package config

import (
	"os"
	"strings"
)

// ExpandEnv expands ${VAR} and ${VAR:-default} references in YAML content
// before parsing. Only the braced form is recognized: bare $ stays literal,
// so regex patterns in agent filters and passwords inside connection URIs
// pass through untouched.
//
// Examples:
//   - uri: "mongodb://app:${MONGO_PASSWORD}@${MONGO_HOST}:27017"
//   - addr: "${REDIS_ADDR:-localhost:6379}"
//   - pattern: "^total: \\$[0-9]+$"  (preserved literally)
//
// A missing variable without a default expands to the empty string;
// validation catches required fields left empty.
func ExpandEnv(data []byte) []byte {
	src := string(data)
	var b strings.Builder
	b.Grow(len(src))

	for {
		start := strings.Index(src, "${")
		if start < 0 {
			b.WriteString(src)
			return []byte(b.String())
		}
		end := strings.Index(src[start:], "}")
		if end < 0 {
			b.WriteString(src)
			return []byte(b.String())
		}
		end += start

		b.WriteString(src[:start])
		ref := src[start+2 : end]

		name, fallback, hasFallback := strings.Cut(ref, ":-")
		if value, ok := os.LookupEnv(name); ok && value != "" {
			b.WriteString(value)
		} else if hasFallback {
			b.WriteString(fallback)
		}

		src = src[end+1:]
	}
}
