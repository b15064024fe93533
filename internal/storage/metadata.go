package storage

import (
	"encoding/json"
	"fmt"
)

// NormalizeEntities converts an Event.Entities value to a validated JSON
// string. Accepts string, []byte, or json.RawMessage and returns a
// validated JSON string; nil and "" yield "". Returns an error if the value
// is not valid JSON or is an unsupported type.
func NormalizeEntities(value interface{}) (string, error) {
	var jsonStr string

	switch v := value.(type) {
	case string:
		jsonStr = v
	case []byte:
		jsonStr = string(v)
	case json.RawMessage:
		jsonStr = string(v)
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("entities must be string, []byte, or json.RawMessage, got %T", value)
	}

	if jsonStr == "" {
		return "", nil
	}
	if !json.Valid([]byte(jsonStr)) {
		return "", fmt.Errorf("entities is not valid JSON")
	}
	return jsonStr, nil
}
