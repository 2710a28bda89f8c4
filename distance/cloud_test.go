package distance

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibois-epfl/diffCheck/geometry"
)

func randomCloud(rng *rand.Rand, n int) *geometry.PointCloud {
	c := &geometry.PointCloud{Points: make([]geometry.Point3, n)}
	for i := range c.Points {
		c.Points[i] = geometry.Point3{X: rng.Float64() * 10, Y: rng.Float64() * 10, Z: rng.Float64() * 10}
	}
	return c
}

func TestCloudToCloud_Self(t *testing.T) {
	c := randomCloud(rand.New(rand.NewSource(1)), 2000)
	d, err := CloudToCloud(context.Background(), c, c, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, d, c.Len())
	for _, v := range d {
		assert.Equal(t, 0.0, v)
	}
}

func TestCloudToCloud_Signed(t *testing.T) {
	up := geometry.Point3{Z: 1}
	target := &geometry.PointCloud{
		Points:  []geometry.Point3{{}, {X: 10}},
		Normals: []geometry.Point3{up, up},
	}
	source := &geometry.PointCloud{Points: []geometry.Point3{{Z: 2}, {X: 10, Z: -3}}}

	opts := DefaultOptions()
	opts.Signed = true
	d, err := CloudToCloud(context.Background(), source, target, opts)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, d[0], 1e-12)
	assert.InDelta(t, -3.0, d[1], 1e-12)

	target.Normals = nil
	_, err = CloudToCloud(context.Background(), source, target, opts)
	assert.ErrorIs(t, err, geometry.ErrInvalidInput)
}

func TestCloudToCloud_EmptyTarget(t *testing.T) {
	source := &geometry.PointCloud{Points: []geometry.Point3{{}}}
	_, err := CloudToCloud(context.Background(), source, &geometry.PointCloud{}, DefaultOptions())
	assert.ErrorIs(t, err, geometry.ErrEmptyIndex)
}

func TestCloudToCloud_Cancelled(t *testing.T) {
	c := randomCloud(rand.New(rand.NewSource(2)), 5000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CloudToCloud(ctx, c, c, DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloudToMesh_OnSurfaceIsZero(t *testing.T) {
	m := wavyGrid(10)
	samples, err := m.SampleUniform(500, rand.New(rand.NewSource(4)))
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Workers = 3
	d, err := CloudToMesh(context.Background(), samples, m, opts)
	require.NoError(t, err)
	for _, v := range d {
		assert.InDelta(t, 0.0, v, 1e-9)
	}
}
