package bus

import (
	"context"
	"fmt"
)

// Validation vetoes events with an empty name or a nil payload, and events
// missing any field listed for their name in required.
func Validation(required map[string][]string) Middleware {
	return func(_ context.Context, ev *Event) (bool, error) {
		if ev.Name == "" || ev.Payload == nil {
			return false, nil
		}
		for _, f := range required[ev.Name] {
			if _, ok := ev.Payload[f]; !ok {
				return false, nil
			}
		}
		return true, nil
	}
}

// Authorize vetoes events the predicate rejects.
func Authorize(allow func(ctx context.Context, ev Event) bool) Middleware {
	return func(ctx context.Context, ev *Event) (bool, error) {
		return allow(ctx, *ev), nil
	}
}

// Audit passes every event to record after stamping it as audited.
func Audit(record func(ev Event)) Middleware {
	return func(_ context.Context, ev *Event) (bool, error) {
		ev.Annotate("audited", true)
		record(*ev)
		return true, nil
	}
}

// SuppressWhen marks events matching pred as suppressed.
func SuppressWhen(pred func(ev Event) bool) Middleware {
	return func(_ context.Context, ev *Event) (bool, error) {
		if pred(*ev) {
			ev.Annotate(MetaSuppress, true)
		}
		return true, nil
	}
}

// Check turns a failing check into a middleware error, which makes the bus
// fall back to direct delivery.
func Check(check func(ev Event) error) Middleware {
	return func(_ context.Context, ev *Event) (bool, error) {
		if err := check(*ev); err != nil {
			return false, fmt.Errorf("check %s: %w", ev.Name, err)
		}
		return true, nil
	}
}
