package cooldown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, loaded.IsZero(), "fresh store must report no cooldown")

	resumeAt := time.Now().Add(2 * time.Minute)
	require.NoError(t, store.Save(context.Background(), resumeAt))

	loaded, err = store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, loaded.Equal(resumeAt))
}

func TestMemoryStoreOverwrite(t *testing.T) {
	store := NewMemoryStore()
	first := time.Now().Add(time.Minute)
	second := time.Now().Add(time.Hour)

	require.NoError(t, store.Save(context.Background(), first))
	require.NoError(t, store.Save(context.Background(), second))

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, loaded.Equal(second))
}
