// Package logctx はコンテキストに紐づくログ属性を提供する。
package logctx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// With は既存の属性に attrs を加えたコンテキストを返す。
func With(ctx context.Context, attrs ...slog.Attr) context.Context {
	current := Attrs(ctx)
	merged := make([]slog.Attr, 0, len(current)+len(attrs))
	merged = append(merged, current...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, ctxKey{}, merged)
}

// Attrs はコンテキストに紐づく属性を返す。
func Attrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	attrs, _ := ctx.Value(ctxKey{}).([]slog.Attr)
	return attrs
}
