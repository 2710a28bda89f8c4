package registration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibois-epfl/diffCheck/geometry"
)

func testGlobalConfig() GlobalConfig {
	return GlobalConfig{Candidates: 8, RefineIterations: 30, MaxCorrespondenceDistance: 0.05, Seed: 1}
}

func TestGlobal_RecoversLargeMotion(t *testing.T) {
	tests := []struct {
		name      string
		motion    geometry.Transform
		voxelSize float64
		tolerance float64
	}{
		{
			name:      "half turn and offset",
			motion:    geometry.Translation(geometry.Point3{X: 3, Y: -4, Z: 2}).Mul(geometry.RotationAxisAngle(geometry.Point3{X: 1, Y: -0.5, Z: 0.3}, 2.5)),
			tolerance: 1e-6,
		},
		{
			name:      "quarter turn about z",
			motion:    geometry.Translation(geometry.Point3{X: -10}).Mul(geometry.RotationAxisAngle(geometry.Point3{Z: 1}, 1.6)),
			tolerance: 1e-6,
		},
		{
			name:      "downsampled",
			motion:    geometry.Translation(geometry.Point3{Y: 7}).Mul(geometry.RotationAxisAngle(geometry.Point3{X: 1}, -2)),
			voxelSize: 0.02,
			tolerance: 0.02,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := randomCloud(7, 300)
			source := target.Transformed(tt.motion.Inverse())

			cfg := testGlobalConfig()
			cfg.VoxelSize = tt.voxelSize
			res, err := Global(context.Background(), source, target, cfg)
			require.NoError(t, err)
			assert.Positive(t, res.Hypotheses)
			assert.Greater(t, res.Fitness, 0.95)
			for i, p := range source.Points {
				assert.InDelta(t, 0, geometry.Distance(res.Transform.Apply(p), target.Points[i]), tt.tolerance, "point %d", i)
			}
		})
	}
}

func TestGlobal_SeedsICP(t *testing.T) {
	target := randomCloud(8, 300)
	source := target.Transformed(geometry.RotationAxisAngle(geometry.Point3{Y: 1}, 3))

	coarse, err := Global(context.Background(), source, target, testGlobalConfig())
	require.NoError(t, err)
	fine, err := ICP(context.Background(), source.Transformed(coarse.Transform), target, DefaultConfig(0.05))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, fine.Fitness, 1e-12)
	assert.Less(t, fine.RMSE, 1e-6)
}

func TestGlobal_InvalidInput(t *testing.T) {
	cloud := randomCloud(9, 20)
	tests := []struct {
		name   string
		mutate func(*GlobalConfig)
	}{
		{name: "no gate", mutate: func(c *GlobalConfig) { c.MaxCorrespondenceDistance = 0 }},
		{name: "no refinement", mutate: func(c *GlobalConfig) { c.RefineIterations = 0 }},
		{name: "negative candidates", mutate: func(c *GlobalConfig) { c.Candidates = -1 }},
		{name: "negative voxel", mutate: func(c *GlobalConfig) { c.VoxelSize = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testGlobalConfig()
			tt.mutate(&cfg)
			_, err := Global(context.Background(), cloud, cloud, cfg)
			assert.ErrorIs(t, err, geometry.ErrInvalidInput)
		})
	}

	_, err := Global(context.Background(), cloud, &geometry.PointCloud{}, testGlobalConfig())
	assert.ErrorIs(t, err, geometry.ErrEmptyIndex)
}

func TestGlobal_Cancelled(t *testing.T) {
	cloud := randomCloud(10, 50)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Global(ctx, cloud, cloud, testGlobalConfig())
	assert.ErrorIs(t, err, context.Canceled)
}
