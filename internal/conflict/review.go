package conflict

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReviewItem is a conflict handed to a human.
type ReviewItem struct {
	ID         string    `json:"id"`
	Store      string    `json:"store"`
	Field      string    `json:"field,omitempty"`
	Kind       Kind      `json:"kind"`
	Local      any       `json:"local"`
	Remote     any       `json:"remote"`
	DetectedAt time.Time `json:"detectedAt"`
}

// ReviewQueue accepts conflicts for manual review and returns the review id.
type ReviewQueue interface {
	Submit(ctx context.Context, item ReviewItem) (string, error)
}

// MemoryReviewQueue keeps review items in memory.
type MemoryReviewQueue struct {
	mu    sync.Mutex
	items []ReviewItem
}

func (q *MemoryReviewQueue) Submit(_ context.Context, item ReviewItem) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	q.items = append(q.items, item)
	return item.ID, nil
}

// Items returns a copy of the submitted items.
func (q *MemoryReviewQueue) Items() []ReviewItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ReviewItem, len(q.items))
	copy(out, q.items)
	return out
}
