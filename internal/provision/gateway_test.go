package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProvisionExpandsTemplate(t *testing.T) {
	g := NewStatic("https://labs.local/{labRef}/{instanceId}?u={ownerId}")

	res, err := g.Provision(context.Background(), Request{InstanceID: "i-1", LabRef: "k8s-101", OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "https://labs.local/k8s-101/i-1?u=u1", res.AccessEndpoint)
	assert.NoError(t, g.Release(context.Background(), "i-1"))
}

func TestStaticProvisionIsIdempotent(t *testing.T) {
	g := NewStatic("https://labs.local/{instanceId}")
	req := Request{InstanceID: "i-1", LabRef: "lab"}

	first, err := g.Provision(context.Background(), req)
	require.NoError(t, err)
	second, err := g.Provision(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStaticProvisionErrors(t *testing.T) {
	_, err := NewStatic("").Provision(context.Background(), Request{InstanceID: "i-1"})
	require.ErrorIs(t, err, ErrProvision)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewStatic("x").Provision(ctx, Request{InstanceID: "i-1"})
	require.ErrorIs(t, err, ErrProvision)
	require.ErrorIs(t, err, context.Canceled)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "i-1", perr.InstanceID)
}
