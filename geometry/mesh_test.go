package geometry

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unitSquare returns a 1x1 quad in the z=0 plane.
func unitSquare() Mesh {
	return Mesh{
		Vertices: []Point3{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}},
		Faces:    [][]int{{0, 1, 2, 3}},
	}
}

func TestMesh_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mesh    *Mesh
		wantErr error
	}{
		{name: "quad", mesh: &Mesh{Vertices: unitSquare().Vertices, Faces: [][]int{{0, 1, 2, 3}}}},
		{name: "nil", mesh: nil, wantErr: ErrInvalidInput},
		{
			name:    "pentagon",
			mesh:    &Mesh{Vertices: make([]Point3, 5), Faces: [][]int{{0, 1, 2, 3, 4}}},
			wantErr: ErrUnsupportedFaceTopology,
		},
		{
			name:    "index out of range",
			mesh:    &Mesh{Vertices: make([]Point3, 3), Faces: [][]int{{0, 1, 3}}},
			wantErr: ErrInvalidInput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mesh.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMesh_QuadSplit(t *testing.T) {
	m := unitSquare()
	tris, err := m.Triangles()
	require.NoError(t, err)
	require.Len(t, tris, 2)
	assert.Equal(t, Triangle{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}}, tris[0])
	assert.Equal(t, Triangle{{X: 1, Y: 1}, {X: 0, Y: 1}, {X: 0, Y: 0}}, tris[1])
	assert.InDelta(t, 1.0, m.Area(), 1e-12)
	assert.Equal(t, Point3{Z: 1}, m.Normal())
	assert.InDelta(t, 0.5, m.Centroid().X, 1e-12)
	assert.InDelta(t, math.Sqrt2, m.LongestEdge(), 1e-9)
}

func TestMesh_SampleUniform(t *testing.T) {
	m := unitSquare()
	rng := rand.New(rand.NewSource(7))

	cloud, err := m.SampleUniform(1000, rng)
	require.NoError(t, err)
	require.Equal(t, 1000, cloud.Len())
	require.True(t, cloud.HasNormals())

	var left int
	for i, p := range cloud.Points {
		assert.InDelta(t, 0, p.Z, 1e-12)
		assert.True(t, p.X >= -1e-12 && p.X <= 1+1e-12 && p.Y >= -1e-12 && p.Y <= 1+1e-12, "point %d outside square: %v", i, p)
		if p.X < 0.5 {
			left++
		}
	}
	// Uniform sampling splits the square roughly in half.
	assert.InDelta(t, 500, left, 80)
}

func TestMesh_SampleUniformDegenerate(t *testing.T) {
	m := Mesh{Vertices: []Point3{{}, {X: 1}, {X: 2}}, Faces: [][]int{{0, 1, 2}}}
	_, err := m.SampleUniform(10, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, ErrDegenerateGeometry)
}

func TestMergeMeshes(t *testing.T) {
	a := unitSquare()
	b := a.Transformed(Translation(Point3{Z: 1}))
	m := MergeMeshes(&a, b)
	require.NoError(t, m.Validate())
	assert.Len(t, m.Vertices, 8)
	assert.Equal(t, []int{4, 5, 6, 7}, m.Faces[1])
}

func TestMesh_VertexCloud(t *testing.T) {
	m := unitSquare()
	c := m.VertexCloud()
	require.True(t, c.HasNormals())
	for _, n := range c.Normals {
		assert.Equal(t, Point3{Z: 1}, n)
	}
}
