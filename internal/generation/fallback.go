package generation

import (
	"context"
	"errors"
	"fmt"
)

// FallbackBackend tries primary first and falls back to secondary on error or an
// unsuccessful result. Caller cancellation is returned as is.
type FallbackBackend struct {
	primary   Backend
	secondary Backend
}

func NewFallbackBackend(primary, secondary Backend) *FallbackBackend {
	return &FallbackBackend{primary: primary, secondary: secondary}
}

func (b *FallbackBackend) Primary() Backend   { return b.primary }
func (b *FallbackBackend) Secondary() Backend { return b.secondary }

func (b *FallbackBackend) Generate(ctx context.Context, req Request) (Result, error) {
	if b.primary == nil {
		if b.secondary != nil {
			return b.secondary.Generate(ctx, req)
		}
		return Result{}, fmt.Errorf("fallback backend misconfigured")
	}

	res, err := b.primary.Generate(ctx, req)
	if err == nil && res.Success {
		return res, nil
	}
	if err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil) {
		return Result{}, err
	}
	if err == nil {
		err = ErrUnsuccessful
	}
	if b.secondary == nil {
		return res, err
	}

	fres, ferr := b.secondary.Generate(ctx, req)
	if ferr != nil {
		return Result{}, fmt.Errorf("primary backend error: %w; fallback backend error: %v", err, ferr)
	}
	if fres.Meta == nil {
		fres.Meta = map[string]any{}
	}
	fres.Meta["fallback"] = true
	fres.Meta["primary_error"] = err.Error()
	return fres, nil
}
