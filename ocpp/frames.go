package ocpp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OCPP-J message type codes.
const (
	CallMessage       = 2
	CallResultMessage = 3
	CallErrorMessage  = 4
)

// Frame is a decoded OCPP-J array message. Payload stays raw until the
// handler knows the action.
type Frame struct {
	MessageType int
	UniqueID    string
	Action      string          // CALL only
	Payload     json.RawMessage // CALL / CALLRESULT
	ErrorCode   string          // CALLERROR only
	ErrorDesc   string          // CALLERROR only
}

func DecodeFrame(data []byte) (*Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("not a JSON array: %w", err)
	}
	if len(parts) < 3 {
		return nil, fmt.Errorf("frame has %d elements, need at least 3", len(parts))
	}

	f := &Frame{}
	if err := json.Unmarshal(parts[0], &f.MessageType); err != nil {
		return nil, fmt.Errorf("bad message type: %w", err)
	}
	if err := json.Unmarshal(parts[1], &f.UniqueID); err != nil {
		return nil, fmt.Errorf("bad message id: %w", err)
	}

	switch f.MessageType {
	case CallMessage:
		if len(parts) < 4 {
			return nil, fmt.Errorf("CALL frame has %d elements, need 4", len(parts))
		}
		if err := json.Unmarshal(parts[2], &f.Action); err != nil {
			return nil, fmt.Errorf("bad action: %w", err)
		}
		f.Payload = parts[3]
	case CallResultMessage:
		f.Payload = parts[2]
	case CallErrorMessage:
		if err := json.Unmarshal(parts[2], &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("bad error code: %w", err)
		}
		if len(parts) > 3 {
			json.Unmarshal(parts[3], &f.ErrorDesc)
		}
	default:
		return nil, fmt.Errorf("unknown message type %d", f.MessageType)
	}
	return f, nil
}

// RecoverMessageID pulls the message id out of a frame that failed full
// decoding, so the sender can still receive a CALLERROR. Reports false
// when the data is not an array or carries no usable id.
func RecoverMessageID(data []byte) (string, bool) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) < 2 {
		return "", false
	}
	var id string
	if err := json.Unmarshal(parts[1], &id); err != nil || id == "" {
		return "", false
	}
	return id, true
}

func EncodeCall(uniqueID, action string, payload any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal([]any{CallMessage, uniqueID, action, payload})
}

func EncodeCallResult(uniqueID string, payload any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal([]any{CallResultMessage, uniqueID, payload})
}

func EncodeCallError(uniqueID, code, description string) ([]byte, error) {
	return json.Marshal([]any{CallErrorMessage, uniqueID, code, description, map[string]any{}})
}

// Payload is an inbound CALL payload. Charge point firmwares send field
// names in both camelCase and snake_case, so every lookup goes through a
// normalized key.
type Payload map[string]any

func ParsePayload(raw json.RawMessage) (Payload, error) {
	p := Payload{}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	return p, nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.ReplaceAll(key, "_", ""))
}

// Pick returns the value for key, matching camelCase and snake_case
// spellings interchangeably.
func (p Payload) Pick(key string) (any, bool) {
	if v, ok := p[key]; ok {
		return v, true
	}
	want := normalizeKey(key)
	for k, v := range p {
		if normalizeKey(k) == want {
			return v, true
		}
	}
	return nil, false
}

func (p Payload) String(key string) string {
	v, ok := p.Pick(key)
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return fmt.Sprintf("%v", s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func (p Payload) Float(key string) (float64, bool) {
	v, ok := p.Pick(key)
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func (p Payload) Int(key string) (int, bool) {
	f, ok := p.Float(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func (p Payload) Int64(key string) (int64, bool) {
	f, ok := p.Float(key)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func (p Payload) Slice(key string) []any {
	v, ok := p.Pick(key)
	if !ok {
		return nil
	}
	if s, ok := v.([]any); ok {
		return s
	}
	return nil
}

// Object returns a nested payload object, applying the same key
// normalization to its fields.
func (p Payload) Object(key string) (Payload, bool) {
	v, ok := p.Pick(key)
	if !ok {
		return nil, false
	}
	if m, ok := v.(map[string]any); ok {
		return Payload(m), true
	}
	return nil, false
}
