package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"offline-sync-service/internal/conflict"
	"offline-sync-service/internal/state"
)

// Reviews persists manual-review conflicts in a Store.
type Reviews struct {
	Store Store
}

const reviewPage = 100

func (r Reviews) Submit(ctx context.Context, item conflict.ReviewItem) (string, error) {
	id, _, err := r.SubmitOnce(ctx, item)
	return id, err
}

// SubmitOnce records item unless an open review with the same store, field,
// kind and values exists, in which case that review's id is returned and
// created is false.
func (r Reviews) SubmitOnce(ctx context.Context, item conflict.ReviewItem) (id string, created bool, err error) {
	if id, found, err := r.findOpen(ctx, item); err != nil || found {
		return id, false, err
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	local, err := json.Marshal(item.Local)
	if err != nil {
		return "", false, fmt.Errorf("encode local value: %w", err)
	}
	remote, err := json.Marshal(item.Remote)
	if err != nil {
		return "", false, fmt.Errorf("encode remote value: %w", err)
	}
	c := &Conflict{
		ID:           item.ID,
		StoreName:    item.Store,
		Field:        item.Field,
		LocalData:    local,
		CloudData:    remote,
		ConflictType: string(item.Kind),
		DetectedAt:   item.DetectedAt.UTC(),
	}
	if err := r.Store.CreateConflict(ctx, c); err != nil {
		return "", false, err
	}
	return item.ID, true, nil
}

func (r Reviews) findOpen(ctx context.Context, item conflict.ReviewItem) (string, bool, error) {
	// Values are compared after a JSON round trip, the form they are stored in.
	want, err := roundTrip(item.Local, item.Remote)
	if err != nil {
		return "", false, err
	}
	for offset := 0; ; offset += reviewPage {
		batch, err := r.Store.ListConflicts(ctx, false, reviewPage, offset)
		if err != nil {
			return "", false, err
		}
		for _, c := range batch {
			if c.StoreName != item.Store || c.Field != item.Field || c.ConflictType != string(item.Kind) {
				continue
			}
			local, remote, err := c.Values()
			if err != nil {
				continue
			}
			if state.Equal(local, want[0]) && state.Equal(remote, want[1]) {
				return c.ID, true, nil
			}
		}
		if len(batch) < reviewPage {
			return "", false, nil
		}
	}
}

func roundTrip(values ...any) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Values decodes the local and remote sides of c.
func (c *Conflict) Values() (local, remote any, err error) {
	if len(c.LocalData) > 0 {
		if err := json.Unmarshal(c.LocalData, &local); err != nil {
			return nil, nil, fmt.Errorf("decode local value: %w", err)
		}
	}
	if len(c.CloudData) > 0 {
		if err := json.Unmarshal(c.CloudData, &remote); err != nil {
			return nil, nil, fmt.Errorf("decode remote value: %w", err)
		}
	}
	return local, remote, nil
}

var _ conflict.ReviewQueue = Reviews{}
