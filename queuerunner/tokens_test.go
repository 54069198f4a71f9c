package queuerunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrogen-ci/hydrogen/common/gerror"
)

func TestTokenServerCeiling(t *testing.T) {
	ts := NewTokenServer(100)

	_, err := ts.Get(context.Background(), 100)
	require.NotNil(t, err)
	assert.True(t, gerror.ToError(err, gerror.ErrCodeNoTokens) != nil)

	token, err := ts.Get(context.Background(), 60)
	require.Nil(t, err)
	assert.Equal(t, int64(60), ts.InUse())

	// The remaining 40 are available without blocking.
	token2, err := ts.Get(context.Background(), 40)
	require.Nil(t, err)
	assert.Equal(t, int64(100), ts.InUse())

	token.Release()
	token2.Release()
	assert.Equal(t, int64(0), ts.InUse())
}

func TestTokenServerBlocksUntilAvailable(t *testing.T) {
	ts := NewTokenServer(100)
	token, err := ts.Get(context.Background(), 80)
	require.Nil(t, err)

	acquired := make(chan *Token)
	go func() {
		tk, err := ts.Get(context.Background(), 50)
		if err != nil {
			close(acquired)
			return
		}
		acquired <- tk
	}()

	select {
	case <-acquired:
		t.Fatal("Get must block while tokens are unavailable")
	case <-time.After(50 * time.Millisecond):
	}

	token.Release()
	select {
	case tk := <-acquired:
		require.NotNil(t, tk)
		tk.Release()
	case <-time.After(time.Second):
		t.Fatal("Get must proceed once tokens are returned")
	}
}

func TestTokenPartialReturn(t *testing.T) {
	ts := NewTokenServer(100)
	token, err := ts.Get(context.Background(), 90)
	require.Nil(t, err)

	// Give back the compression headroom, keep the NAR's share.
	token.GiveBack(40)
	assert.Equal(t, int64(50), ts.InUse())

	// Giving back more than held is clamped.
	token.GiveBack(1000)
	assert.Equal(t, int64(0), ts.InUse())

	token.Release() // no-op
	assert.Equal(t, int64(0), ts.InUse())
}

func TestTokenGetHonoursContext(t *testing.T) {
	ts := NewTokenServer(10)
	token, err := ts.Get(context.Background(), 9)
	require.Nil(t, err)
	defer token.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ts.Get(ctx, 5)
	require.NotNil(t, err)
}
