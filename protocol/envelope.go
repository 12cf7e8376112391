package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type ErrorResponse struct {
	Status  string      `json:"status"`
	Name    ErrorKind   `json:"name"`
	Message string      `json:"message"`
	Fields  FieldErrors `json:"fields,omitempty"`
}

func NewErrorResponse(err error) ErrorResponse {
	pe := AsError(err)
	return ErrorResponse{
		Status:  StatusError,
		Name:    pe.Kind,
		Message: pe.Message,
		Fields:  pe.Fields,
	}
}

// EncodeSuccess renders v flattened into a success envelope:
// {"status":"success", ...fields of v}. v must encode to a JSON object or null.
func EncodeSuccess(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)

	head := []byte(`{"status":"success"`)
	if bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte("{}")) {
		return append(head, '}'), nil
	}
	if len(b) < 2 || b[0] != '{' {
		return nil, fmt.Errorf("success payload must be a JSON object, got %s", b)
	}
	out := append(head, ',')
	return append(out, b[1:]...), nil
}

// DecodeEnvelope decodes a response envelope. An error envelope is returned
// as *Error; a success envelope is decoded into v when v is not nil.
func DecodeEnvelope(data []byte, v any) error {
	var head ErrorResponse
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	switch head.Status {
	case StatusError:
		kind := head.Name
		if kind == "" {
			kind = KindInternal
		}
		return &Error{Kind: kind, Message: head.Message, Fields: head.Fields}
	case StatusSuccess:
	default:
		return fmt.Errorf("unexpected envelope status %q", head.Status)
	}

	if v == nil {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
