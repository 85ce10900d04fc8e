package core

import "context"

type contextKey string

const ctxKeyTrigger contextKey = "run_trigger"

// ContextWithTrigger records what started a conversion pass.
func ContextWithTrigger(ctx context.Context, trigger Trigger) context.Context {
	return context.WithValue(ctx, ctxKeyTrigger, trigger)
}

// TriggerFromContext returns the pass trigger, defaulting to TriggerManual.
func TriggerFromContext(ctx context.Context) Trigger {
	if v, ok := ctx.Value(ctxKeyTrigger).(Trigger); ok {
		return v
	}
	return TriggerManual
}
