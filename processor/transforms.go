package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
)

func compact(payload []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return buf.Bytes(), nil
}

// Raw validates that the payload is JSON and stores it compacted.
func Raw(in Input) ([]byte, error) {
	return compact(in.Payload)
}

// DataEnvelope unwraps the {"data": ...} envelope most REST responses use.
// Payloads without the envelope are stored as-is.
func DataEnvelope(in Input) ([]byte, error) {
	body, err := compact(in.Payload)
	if err != nil {
		return nil, err
	}
	if body[0] != '{' {
		return body, nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	data, ok := envelope["data"]
	if !ok {
		return body, nil
	}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, fmt.Errorf("%w: null data", ErrMalformed)
	}
	return data, nil
}

// StreamEvent stores a streamed message body. Some channels deliver the body
// as a JSON-encoded string, which is decoded one level.
func StreamEvent(in Input) ([]byte, error) {
	body, err := compact(in.Payload)
	if err != nil {
		return nil, err
	}
	if body[0] != '"' {
		return body, nil
	}
	var inner string
	if err := json.Unmarshal(body, &inner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if json.Valid([]byte(inner)) {
		return compact([]byte(inner))
	}
	return body, nil
}
