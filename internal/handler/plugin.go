package handler

import (
	"context"
	"fmt"
	"plugin"

	"github.com/seantiz/snapguest/internal/transport"
)

// PluginSymbol is the exported function a workload plugin must provide.
const PluginSymbol = "Handle"

// LoadPlugin opens a Go plugin and adapts its Handle symbol.
func LoadPlugin(path string) (Handler, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}
	sym, err := p.Lookup(PluginSymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", path, err)
	}
	h, err := adapt(sym)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", path, err)
	}
	return h, nil
}

// adapt converts a plugin symbol into a Handler. Supported signatures:
//
//	func(map[string]any) (map[string]any, error)
//	func(context.Context, map[string]any) (map[string]any, error)
//	func(map[string]any, func(map[string]any))
//	func(context.Context, map[string]any, func(map[string]any, error))
func adapt(sym any) (Handler, error) {
	switch fn := sym.(type) {
	case func(map[string]any) (map[string]any, error):
		return Func(func(_ context.Context, req transport.Request) (transport.Response, error) {
			resp, err := fn(req)
			return transport.Response(resp), err
		}), nil

	case func(context.Context, map[string]any) (map[string]any, error):
		return Func(func(ctx context.Context, req transport.Request) (transport.Response, error) {
			resp, err := fn(ctx, req)
			return transport.Response(resp), err
		}), nil

	case func(map[string]any, func(map[string]any)):
		return Callback(func(_ context.Context, req transport.Request, done func(transport.Response, error)) {
			fn(req, func(resp map[string]any) { done(transport.Response(resp), nil) })
		}), nil

	case func(context.Context, map[string]any, func(map[string]any, error)):
		return Callback(func(ctx context.Context, req transport.Request, done func(transport.Response, error)) {
			fn(ctx, req, func(resp map[string]any, err error) { done(transport.Response(resp), err) })
		}), nil

	default:
		return nil, fmt.Errorf("symbol %s has unsupported type %T", PluginSymbol, sym)
	}
}
