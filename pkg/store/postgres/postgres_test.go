package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/clipsync/pkg/record"
)

// Runs only when CLIP_TEST_POSTGRES_DSN points at a scratch database.
func TestStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("CLIP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CLIP_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	r, err := s.Insert(ctx, record.Draft{Content: "hello", ClientID: "x"})
	require.NoError(t, err)
	assert.NotZero(t, r.ID)
	assert.NotEmpty(t, r.Title)

	updated, err := s.Update(ctx, r.ID, record.Fields{record.FieldContent: "v1"})
	require.NoError(t, err)
	assert.Equal(t, "v1", updated.Content)

	_, err = s.MarkRemoved(ctx, r.ID)
	require.NoError(t, err)

	_, err = s.Update(ctx, r.ID, record.Fields{record.FieldContent: "v2"})
	assert.ErrorIs(t, err, record.ErrNotFound)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	for _, a := range active {
		assert.NotEqual(t, r.ID, a.ID)
	}
}
