package agentrpc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmespath/go-jmespath"
)

// ExtractOutput turns a raw agent output into text. A JSON string is
// returned unquoted. With a non-empty path the JMESPath expression selects
// part of the output first; non-string selections are re-encoded as JSON.
func ExtractOutput(raw json.RawMessage, path string) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("decode output: %w", err)
	}
	if path != "" {
		selected, err := jmespath.Search(path, data)
		if err != nil {
			return "", fmt.Errorf("result path %q: %w", path, err)
		}
		if selected == nil {
			return "", fmt.Errorf("result path %q matched nothing", path)
		}
		data = selected
	}
	if s, ok := data.(string); ok {
		return s, nil
	}
	out, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode output: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
