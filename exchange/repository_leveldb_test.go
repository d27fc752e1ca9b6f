package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelDBRepository(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	r, err := NewLevelDBRepository(dir)
	require.NoError(t, err)

	seen, err := r.SeenBeforeOrStore(ctx, "1:abc")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = r.SeenBeforeOrStore(ctx, "1:abc")
	require.NoError(t, err)
	assert.True(t, seen)
	require.NoError(t, r.Close())

	// Keys survive a restart.
	r, err = NewLevelDBRepository(dir)
	require.NoError(t, err)
	defer r.Close()
	seen, err = r.SeenBeforeOrStore(ctx, "1:abc")
	require.NoError(t, err)
	assert.True(t, seen)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = r.SeenBeforeOrStore(cctx, "2:abc")
	assert.ErrorIs(t, err, context.Canceled)
}
