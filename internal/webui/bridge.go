package webui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Bridge is a native object exposed to a page under Name.
type Bridge interface {
	Name() string
	Methods() []string
	Call(ctx context.Context, method string, args json.RawMessage) (any, error)
}

// Method is one callable of a bridge. args is the raw JSON request body.
type Method func(ctx context.Context, args json.RawMessage) (any, error)

// MethodBridge is a Bridge backed by a method table.
type MethodBridge struct {
	name    string
	methods map[string]Method
}

// NewMethodBridge creates a bridge named name.
func NewMethodBridge(name string, methods map[string]Method) *MethodBridge {
	return &MethodBridge{name: name, methods: methods}
}

func (b *MethodBridge) Name() string { return b.name }

// Methods returns the method names in sorted order.
func (b *MethodBridge) Methods() []string {
	names := make([]string, 0, len(b.methods))
	for n := range b.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (b *MethodBridge) Call(ctx context.Context, method string, args json.RawMessage) (any, error) {
	m, ok := b.methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrMethodNotFound, b.name, method)
	}
	return m(ctx, args)
}

// ArgsError marks a call whose arguments could not be decoded.
type ArgsError struct {
	Err error
}

func (e *ArgsError) Error() string { return "invalid arguments: " + e.Err.Error() }
func (e *ArgsError) Unwrap() error { return e.Err }

// Bind decodes the call arguments into T before invoking fn. Empty args decode as the zero T.
func Bind[T any](fn func(ctx context.Context, args T) (any, error)) Method {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args T
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, &ArgsError{Err: err}
			}
		}
		return fn(ctx, args)
	}
}

// Value returns a method that always answers v.
func Value(fn func() any) Method {
	return func(context.Context, json.RawMessage) (any, error) { return fn(), nil }
}
