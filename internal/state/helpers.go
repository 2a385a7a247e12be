package state

import "encoding/json"

// EncodeJSON marshals v for a TEXT column, mapping nil to the empty string.
func EncodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeJSONMap is lenient: corrupt metadata never fails a read.
func DecodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func NullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
