package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// decodeReply accepts a JSON Reply or a plain text body. A JSON object
// without an output or error key is an answer in its own right and is
// returned unchanged.
func decodeReply(data []byte) (string, error) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return trimmed, nil
	}
	rawOut, hasOut := fields["output"]
	rawErr, hasErr := fields["error"]
	if !hasOut && !hasErr {
		return trimmed, nil
	}

	if hasErr {
		var msg string
		if err := json.Unmarshal(rawErr, &msg); err != nil {
			return "", fmt.Errorf("decode reply error: %w", err)
		}
		if msg != "" {
			return "", errors.New(msg)
		}
	}
	if !hasOut {
		return "", nil
	}
	var out string
	if err := json.Unmarshal(rawOut, &out); err != nil {
		return "", fmt.Errorf("decode reply output: %w", err)
	}
	return out, nil
}
