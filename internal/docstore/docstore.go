// Package docstore is the remote source of truth consumed by store
// containers: documents addressed by id, written with optimistic concurrency
// on revision tokens.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"offline-sync-service/internal/state"
)

var (
	// ErrNotFound is returned by Get for unknown ids.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned by Put when the caller's revision is stale.
	ErrConflict = errors.New("document update conflict")
)

// Document is a stored body with its revision token.
type Document struct {
	ID        string      `json:"_id"`
	Rev       string      `json:"_rev,omitempty"`
	Body      state.State `json:"body"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// BulkResult is the per-document outcome of BulkWrite.
type BulkResult struct {
	ID  string `json:"id"`
	Rev string `json:"rev,omitempty"`
	Err error  `json:"-"`
}

// DocumentStore is the document store contract. Put with an empty Rev creates
// the document; otherwise Rev must match the stored revision.
type DocumentStore interface {
	Get(ctx context.Context, id string) (*Document, error)
	Put(ctx context.Context, doc Document) (string, error)
	BulkWrite(ctx context.Context, docs []Document) ([]BulkResult, error)
}

// NextRev derives the revision following prev for body: the generation is
// incremented and suffixed with a digest of the body.
func NextRev(prev string, body state.State) (string, error) {
	gen := 0
	if prev != "" {
		g, _, ok := strings.Cut(prev, "-")
		if !ok {
			return "", fmt.Errorf("malformed revision %q", prev)
		}
		n, err := strconv.Atoi(g)
		if err != nil {
			return "", fmt.Errorf("malformed revision %q: %w", prev, err)
		}
		gen = n
	}
	sum, err := state.Digest(state.DomainRevision, body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s", gen+1, sum[:16]), nil
}

// Generation returns the numeric prefix of rev, or 0.
func Generation(rev string) int {
	g, _, _ := strings.Cut(rev, "-")
	n, _ := strconv.Atoi(g)
	return n
}
