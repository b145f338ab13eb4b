package model

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
)

// normalizeArgs converts a provider tool-call input into a valid JSON
// object document. Providers usually hand back a decoded map, but
// some return the raw text the model produced, which may be truncated
// or mis-quoted; those are repaired before giving up.
func normalizeArgs(input any) (json.RawMessage, error) {
	switch v := input.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return repairRaw(string(v))
	case string:
		if v == "" {
			return json.RawMessage(`{}`), nil
		}
		return repairRaw(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode tool arguments: %w", err)
		}
		return raw, nil
	}
}

func repairRaw(s string) (json.RawMessage, error) {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s), nil
	}
	fixed, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return nil, fmt.Errorf("repair tool arguments: %w", err)
	}
	if !json.Valid([]byte(fixed)) {
		return nil, fmt.Errorf("tool arguments remain invalid after repair")
	}
	return json.RawMessage(fixed), nil
}
