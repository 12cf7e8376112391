package route

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pieter-berkel/storageflow/protocol"
)

// InputValidator parses the raw input a client sent with a request. A
// failed parse should return protocol.FieldErrors.
type InputValidator interface {
	Parse(raw json.RawMessage) (any, error)
}

// InputFunc adapts a plain function to InputValidator.
type InputFunc func(raw json.RawMessage) (any, error)

func (f InputFunc) Parse(raw json.RawMessage) (any, error) {
	return f(raw)
}

// Validatable is implemented by input structs with rules beyond presence and
// type.
type Validatable interface {
	Validate() protocol.FieldErrors
}

// JSONInput decodes a JSON object into T using its json tags. Unknown keys
// are rejected, and fields are required unless tagged omitempty or declared
// as pointers.
func JSONInput[T any]() InputValidator {
	return jsonInput[T]{}
}

type jsonInput[T any] struct{}

func (jsonInput[T]) Parse(raw json.RawMessage) (any, error) {
	var out T

	src := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&src); err != nil {
			return nil, protocol.FieldErrors{"": {"input must be a JSON object"}}
		}
	}

	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &out,
		TagName:     "json",
		ErrorUnused: true,
		Metadata:    &md,
		DecodeHook:  rejectNumberAsString,
	})
	if err != nil {
		return nil, err
	}

	fe := protocol.FieldErrors{}
	if err := dec.Decode(src); err != nil {
		var merr *mapstructure.Error
		if !errors.As(err, &merr) {
			return nil, err
		}
		for _, msg := range merr.Errors {
			if _, keys, ok := strings.Cut(msg, "has invalid keys: "); ok {
				for _, k := range strings.Split(keys, ", ") {
					fe.Add(k, "unknown field")
				}
				continue
			}
			if rest, ok := strings.CutPrefix(msg, numberErrorPrefix); ok {
				field, _, _ := strings.Cut(rest, ":")
				fe.Add(field, "must be a number in range of its type")
				continue
			}
			fe.Add(fieldOf(msg), msg)
		}
	} else {
		// metadata is only filled in after a successful decode
		unset := make(map[string]struct{}, len(md.Unset))
		for _, k := range md.Unset {
			unset[k] = struct{}{}
		}
		for _, name := range requiredFields(reflect.TypeOf(out)) {
			if _, missing := unset[name]; missing {
				fe.Add(name, "required")
			}
		}
	}

	if len(fe) == 0 {
		if v, ok := any(&out).(Validatable); ok {
			if vfe := v.Validate(); len(vfe) > 0 {
				fe.Merge(vfe)
			}
		}
	}
	if len(fe) > 0 {
		return nil, fe
	}
	return out, nil
}

// numberErrorPrefix starts the message mapstructure reports for a
// json.Number that does not fit the target, e.g. 1.5 or 1e30 for an int.
const numberErrorPrefix = "error decoding json.Number into "

var numberType = reflect.TypeOf(json.Number(""))

// rejectNumberAsString keeps numbers out of string fields. json.Number is a
// string kind and would otherwise be accepted as its text.
func rejectNumberAsString(from, to reflect.Type, data any) (any, error) {
	if from == numberType && to.Kind() == reflect.String && to != numberType {
		return nil, fmt.Errorf("expected type '%s', got number", to)
	}
	return data, nil
}

// fieldOf extracts the quoted field name mapstructure puts in front of its
// messages.
func fieldOf(msg string) string {
	msg = strings.TrimPrefix(msg, "error decoding ")
	if !strings.HasPrefix(msg, "'") {
		return ""
	}
	end := strings.Index(msg[1:], "'")
	if end < 0 {
		return ""
	}
	return msg[1 : end+1]
}

func requiredFields(t reflect.Type) []string {
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	var names []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Type.Kind() == reflect.Pointer {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		if strings.Contains(opts, "omitempty") {
			continue
		}
		names = append(names, name)
	}
	return names
}

// TypedMiddleware wraps a middleware written against concrete input and
// context types.
func TypedMiddleware[I, C any](fn func(ctx context.Context, input I, r *http.Request) (C, error)) MiddlewareFunc {
	return func(ctx context.Context, input any, r *http.Request) (any, error) {
		in, _ := input.(I)
		return fn(ctx, in, r)
	}
}

// TypedPath wraps a path function written against concrete input and
// context types.
func TypedPath[I, C any](fn func(ctx context.Context, input I, rctx C) ([]any, error)) PathFunc {
	return func(ctx context.Context, input any, rctx any) ([]any, error) {
		in, _ := input.(I)
		c, _ := rctx.(C)
		return fn(ctx, in, c)
	}
}
