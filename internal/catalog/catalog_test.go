package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticPublishedList(t *testing.T) {
	c := NewStatic([]string{"go-basics", " k8s-intro ", ""})

	ok, err := c.Published(context.Background(), "k8s-intro")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Published(context.Background(), "rust-101")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"go-basics", "k8s-intro"}, c.Labs())
}

func TestStaticEmptyAcceptsAll(t *testing.T) {
	c := NewStatic(nil)

	ok, err := c.Published(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, c.Labs())
}

func TestStaticHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStatic(nil).Published(ctx, "lab")
	assert.ErrorIs(t, err, context.Canceled)
}
