package warden

import (
	"context"
	"encoding/json"
	"fmt"
)

// JSONPayload encodes v for Schedule.
func JSONPayload(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// JSONHandler adapts a typed handler to Handler by decoding the payload as
// JSON. A payload that does not decode fails the run.
func JSONHandler[T any](fn func(ctx context.Context, v T) error) Handler {
	return func(ctx context.Context, payload []byte) error {
		var v T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &v); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
		}
		return fn(ctx, v)
	}
}
