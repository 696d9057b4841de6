package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/state"
)

var epoch = time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)

func TestTake_DeepCopies(t *testing.T) {
	live := state.State{"version": 4, "products": []any{map[string]any{"id": 1}}}
	snap, err := Take(epoch, "version", []Source{{Name: "inventory", State: live, LastSync: &epoch}})
	require.NoError(t, err)

	live["products"].([]any)[0].(map[string]any)["id"] = 99

	e, ok := snap.Get("inventory")
	require.True(t, ok)
	assert.Equal(t, 1, e.State["products"].([]any)[0].(map[string]any)["id"])
	assert.Equal(t, 4, e.Version)
	assert.Equal(t, epoch, *e.LastSync)
	assert.NoError(t, snap.Verify("inventory"))
	assert.Equal(t, epoch, snap.Timestamp)
}

func TestGet_ReturnsCopy(t *testing.T) {
	snap, err := Take(epoch, "version", []Source{{Name: "sales", State: state.State{"total": 1}}})
	require.NoError(t, err)

	e, _ := snap.Get("sales")
	e.State["total"] = 2
	assert.NoError(t, snap.Verify("sales"))

	again, _ := snap.Get("sales")
	assert.Equal(t, 1, again.State["total"])
}

func TestPutAdvancesBaseline(t *testing.T) {
	snap, err := Take(epoch, "version", []Source{{Name: "sales", State: state.State{"total": 1}, NoiseFields: []string{"ui"}}})
	require.NoError(t, err)
	before, _ := snap.Get("sales")

	require.NoError(t, snap.Put("sales", state.State{"total": 1, "ui": "x"}, nil))
	after, _ := snap.Get("sales")
	assert.Equal(t, before.Checksum, after.Checksum, "noise fields do not affect the checksum")

	require.NoError(t, snap.Put("sales", state.State{"total": 2}, nil))
	after, _ = snap.Get("sales")
	assert.NotEqual(t, before.Checksum, after.Checksum)
	assert.Equal(t, []string{"sales"}, snap.Names())
	assert.Error(t, snap.Verify("missing"))
}
