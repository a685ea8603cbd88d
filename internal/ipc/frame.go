package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// unmarshalPayload parses a signed JSON document into a generic map for
// HMAC verification.
func unmarshalPayload(data []byte) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return payload, nil
}

// ExtractOutput scans raw agent stdout for the region between
// ---OUTPUT_START--- and ---OUTPUT_END---, returning it with surrounding
// log noise stripped. ok is false if no complete framed block was found.
func ExtractOutput(raw []byte) (output string, ok bool) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var lines []string
	inFrame := false
	found := false

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == OutputStart:
			inFrame = true
			lines = lines[:0]
		case strings.TrimSpace(line) == OutputEnd:
			if inFrame {
				found = true
			}
			inFrame = false
		case inFrame:
			lines = append(lines, line)
		}
	}

	if !found {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}

// InterimMessage is one numbered progress update the agent wrote mid-turn.
type InterimMessage struct {
	Sequence int                    `json:"sequence"`
	Body     map[string]interface{} `json:"body"`
}

// ParseInterim decodes one numbered JSON interim-message file's contents.
func ParseInterim(data []byte) (InterimMessage, error) {
	var msg InterimMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return InterimMessage{}, fmt.Errorf("failed to unmarshal interim message: %w", err)
	}
	return msg, nil
}
