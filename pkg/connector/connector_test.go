package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpNeverOwnsURLs(t *testing.T) {
	tr := NewNoOp()

	assert.False(t, tr.IsEpicURL("https://tracker.example/browse/PROJ-7"))
	_, ok := tr.ParseEpicURL("https://tracker.example/browse/PROJ-7")
	assert.False(t, ok)

	_, err := tr.FetchEpic(context.Background(), "https://tracker.example/browse/PROJ-7")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestNoOpSyncsSucceedSilently(t *testing.T) {
	tr := NewNoOp()
	ctx := context.Background()

	assert.NoError(t, tr.SyncStoryStatus(ctx, "PROJ-7", "merged"))
	assert.NoError(t, tr.SyncEpicStatus(ctx, "PROJ-1", "completed"))
}
