package container

import (
	"context"
	"fmt"

	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/state"
	"offline-sync-service/internal/syncerr"
)

// Rule checks one property of a state and returns a problem description, or
// "" when the state satisfies it.
type Rule func(st state.State) string

// RequireFields fails when any of fields is missing.
func RequireFields(fields ...string) Rule {
	return func(st state.State) string {
		for _, f := range fields {
			if _, ok := st[f]; !ok {
				return fmt.Sprintf("missing required field %q", f)
			}
		}
		return ""
	}
}

// RequireArray fails when field is present but not an array.
func RequireArray(field string) Rule {
	return func(st state.State) string {
		v, ok := st[field]
		if !ok || v == nil {
			return ""
		}
		if _, ok := state.AsSlice(v); !ok {
			return fmt.Sprintf("field %q must be an array", field)
		}
		return ""
	}
}

// ValidatedContainer rejects remote writes that would break its rules and
// reports rule violations of its local state as integrity issues.
type ValidatedContainer struct {
	Syncable
	rules []Rule
}

func NewValidatedContainer(inner Syncable, rules ...Rule) *ValidatedContainer {
	return &ValidatedContainer{Syncable: inner, rules: rules}
}

func (v *ValidatedContainer) validate(st state.State) error {
	for _, r := range v.rules {
		if reason := r(st); reason != "" {
			return &syncerr.ValidationError{Store: v.Name(), Reason: reason}
		}
	}
	return nil
}

func (v *ValidatedContainer) Push(ctx context.Context, st state.State) error {
	if err := v.validate(st); err != nil {
		return err
	}
	return v.Syncable.Push(ctx, st)
}

// Execute validates the outcome of op against the current local state before
// running it remotely.
func (v *ValidatedContainer) Execute(ctx context.Context, op queue.Operation) (state.State, error) {
	preview, err := ApplyOperation(v.State(), op)
	if err != nil {
		return nil, err
	}
	if err := v.validate(preview); err != nil {
		return nil, syncerr.Permanent("", err)
	}
	return v.Syncable.Execute(ctx, op)
}

func (v *ValidatedContainer) CheckIntegrity(ctx context.Context) []string {
	var issues []string
	if ic, ok := v.Syncable.(IntegrityCheckable); ok {
		issues = append(issues, ic.CheckIntegrity(ctx)...)
	}
	st := v.State()
	for _, r := range v.rules {
		if reason := r(st); reason != "" {
			issues = append(issues, reason)
		}
	}
	return issues
}

// CacheOffline forwards to the wrapped container when it supports caching.
func (v *ValidatedContainer) CacheOffline(ctx context.Context) error {
	if c, ok := v.Syncable.(OfflineCacheable); ok {
		return c.CacheOffline(ctx)
	}
	return nil
}

var (
	_ Syncable           = (*ValidatedContainer)(nil)
	_ IntegrityCheckable = (*ValidatedContainer)(nil)
)
