package dossier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"dossier/pkg/pipeline"
)

// ExtractObject decodes the first JSON object in model output into v.
// A one-element array holding an object is unwrapped.
func ExtractObject(text string, v any) error {
	raw, err := firstJSON(text)
	if err != nil {
		return err
	}
	if raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return malformed(err)
		}
		if len(items) != 1 || !startsWith(items[0], '{') {
			return fmt.Errorf("%w: expected an object, got an array of %d", pipeline.ErrMalformedResponse, len(items))
		}
		raw = items[0]
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return malformed(err)
	}
	return nil
}

// ExtractList decodes the first JSON array in model output into v, which
// must point to a slice. An object with a single key holding an array is
// unwrapped, so {"questions": [...]} and [...] decode the same way.
func ExtractList(text string, v any) error {
	raw, err := firstJSON(text)
	if err != nil {
		return err
	}
	if raw[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return malformed(err)
		}
		var inner json.RawMessage
		for _, val := range obj {
			inner = val
		}
		if len(obj) != 1 || !startsWith(inner, '[') {
			return fmt.Errorf("%w: expected an array, got an object with %d key(s)", pipeline.ErrMalformedResponse, len(obj))
		}
		raw = inner
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return malformed(err)
	}
	return nil
}

// firstJSON strips markdown fences and returns the first complete JSON
// object or array in text. Trailing prose after the value is ignored.
func firstJSON(text string) (json.RawMessage, error) {
	s := stripFences(text)
	i := strings.IndexAny(s, "{[")
	if i < 0 {
		return nil, fmt.Errorf("%w: no JSON value in %q", pipeline.ErrMalformedResponse, snippet(s))
	}
	var raw json.RawMessage
	if err := json.NewDecoder(strings.NewReader(s[i:])).Decode(&raw); err != nil {
		return nil, malformed(err)
	}
	return raw, nil
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func startsWith(raw json.RawMessage, c byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == c
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", pipeline.ErrMalformedResponse, err)
}

func snippet(s string) string {
	const n = 80
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
