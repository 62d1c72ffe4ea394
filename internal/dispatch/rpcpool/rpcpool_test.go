package rpcpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_ReusesCachedConnection(t *testing.T) {
	p := New()

	first, err := p.Get("render01:8444")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := p.Get("render01:8444")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, p.Len())
}

func TestGet_DistinctHostsDistinctConnections(t *testing.T) {
	p := New()

	a, err := p.Get("render01:8444")
	require.NoError(t, err)
	b, err := p.Get("render02:8444")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, p.Len())
}

func TestInvalidate_ForcesRedial(t *testing.T) {
	p := New()

	first, err := p.Get("render03:8444")
	require.NoError(t, err)

	p.Invalidate("render03:8444")
	assert.Equal(t, 0, p.Len())

	second, err := p.Get("render03:8444")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestInvalidate_UnknownHostIsNoop(t *testing.T) {
	p := New()
	assert.NotPanics(t, func() { p.Invalidate("never-dialed:8444") })
}
