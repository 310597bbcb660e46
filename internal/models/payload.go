package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// ExtractID reads the document id, accepting both "id" and "_id".
func ExtractID(payload json.RawMessage) string {
	var doc struct {
		ID      any `json:"id"`
		MongoID any `json:"_id"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}
	for _, candidate := range []any{doc.ID, doc.MongoID} {
		switch v := candidate.(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

// WithID returns payload with "id" set to id. A leftover "_id" is dropped.
func WithID(payload json.RawMessage, id string) (json.RawMessage, error) {
	doc, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	delete(doc, "_id")
	doc["id"] = id
	return json.Marshal(doc)
}

// ReplaceStringValues rewrites every string value equal to oldValue, at any
// depth, to newValue. It reports whether anything changed.
func ReplaceStringValues(payload json.RawMessage, oldValue, newValue string) (json.RawMessage, bool, error) {
	if len(payload) == 0 || oldValue == "" || !bytes.Contains(payload, []byte(oldValue)) {
		return payload, false, nil
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, false, fmt.Errorf("decode payload: %w", err)
	}
	rewritten, changed := replaceValue(doc, oldValue, newValue)
	if !changed {
		return payload, false, nil
	}
	out, err := json.Marshal(rewritten)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func replaceValue(v any, oldValue, newValue string) (any, bool) {
	switch typed := v.(type) {
	case string:
		if typed == oldValue {
			return newValue, true
		}
		return typed, false
	case map[string]any:
		changed := false
		for k, child := range typed {
			next, ok := replaceValue(child, oldValue, newValue)
			if ok {
				typed[k] = next
				changed = true
			}
		}
		return typed, changed
	case []any:
		changed := false
		for i, child := range typed {
			next, ok := replaceValue(child, oldValue, newValue)
			if ok {
				typed[i] = next
				changed = true
			}
		}
		return typed, changed
	default:
		return v, false
	}
}

func decodeObject(payload json.RawMessage) (map[string]any, error) {
	doc := map[string]any{}
	if len(bytes.TrimSpace(payload)) == 0 {
		return doc, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// PayloadEqual compares two JSON documents structurally.
func PayloadEqual(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var left, right any
	if err := json.Unmarshal(a, &left); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &right); err != nil {
		return false
	}
	return reflect.DeepEqual(left, right)
}
