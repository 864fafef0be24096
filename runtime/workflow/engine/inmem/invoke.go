package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// invoker runs a registered activity handler against a JSON input and
// returns the JSON output, mirroring how the durable backend moves payloads
// across the worker boundary.
type invoker func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// newInvoker validates fn against the registration contract and wraps it.
// Accepted signatures:
//
//	func(context.Context, *In) (*Out, error)
//	func(context.Context, *In) error
func newInvoker(fn any) (invoker, error) {
	if fn == nil {
		return nil, errors.New("handler is required")
	}
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function, got %T", fn)
	}
	if t.NumIn() != 2 || t.In(0) != ctxType {
		return nil, errors.New("handler must accept (context.Context, *In)")
	}
	if t.In(1).Kind() != reflect.Pointer {
		return nil, errors.New("handler input must be a pointer")
	}
	switch t.NumOut() {
	case 1:
		if t.Out(0) != errType {
			return nil, errors.New("handler must return error as its last result")
		}
	case 2:
		if t.Out(1) != errType {
			return nil, errors.New("handler must return error as its last result")
		}
	default:
		return nil, errors.New("handler must return (*Out, error) or error")
	}

	inType := t.In(1).Elem()
	hasResult := t.NumOut() == 2

	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		inPtr := reflect.New(inType)
		if len(input) > 0 {
			if err := json.Unmarshal(input, inPtr.Interface()); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
		}
		outs := v.Call([]reflect.Value{reflect.ValueOf(ctx), inPtr})
		if errVal := outs[len(outs)-1]; !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
		if !hasResult {
			return json.RawMessage("null"), nil
		}
		raw, err := json.Marshal(outs[0].Interface())
		if err != nil {
			return nil, fmt.Errorf("encode output: %w", err)
		}
		return raw, nil
	}, nil
}
