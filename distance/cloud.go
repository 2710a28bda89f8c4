package distance

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ibois-epfl/diffCheck/geometry"
	"github.com/ibois-epfl/diffCheck/spatial"
)

// Options controls cloud-level distance computations.
type Options struct {
	// Signed makes distances negative for points behind the target surface.
	Signed bool
	// Swap measures from the reference geometry to the scan instead.
	Swap bool
	// Workers bounds the goroutines used per scan; zero means GOMAXPROCS.
	Workers int
	// Mesh tunes point-to-mesh queries.
	Mesh MeshOptions
}

// DefaultOptions returns unsigned, unswapped options with default mesh search.
func DefaultOptions() Options {
	return Options{Mesh: DefaultMeshOptions()}
}

// cancelCheckEvery is how many points a worker processes between context checks.
const cancelCheckEvery = 256

// parallelFor runs fn over [0, n) in contiguous chunks, one per worker, and
// stops early when ctx is cancelled or fn fails.
func parallelFor(ctx context.Context, n, workers int, fn func(i int) error) error {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > n {
		workers = n
	}
	if n == 0 {
		return ctx.Err()
	}
	g, gctx := errgroup.WithContext(ctx)
	chunk := (n + workers - 1) / workers
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				if (i-start)%cancelCheckEvery == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				if err := fn(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// CloudToCloud returns, for every source point, the distance to its nearest
// target point. When signed, the distance is negative where the vector from
// the nearest target point to the source point opposes that target point's normal.
func CloudToCloud(ctx context.Context, source, target *geometry.PointCloud, opts Options) ([]float64, error) {
	if err := source.Validate(); err != nil {
		return nil, errors.Wrap(err, "source cloud")
	}
	if err := target.Validate(); err != nil {
		return nil, errors.Wrap(err, "target cloud")
	}
	if opts.Signed && !target.HasNormals() {
		return nil, errors.Wrap(geometry.ErrInvalidInput, "signed distance requires target normals")
	}
	idx := spatial.New(target.Points)
	if idx.Len() == 0 {
		return nil, errors.Wrap(geometry.ErrEmptyIndex, "target cloud")
	}

	out := make([]float64, source.Len())
	err := parallelFor(ctx, source.Len(), opts.Workers, func(i int) error {
		p := source.Points[i]
		n, err := idx.Nearest(p)
		if err != nil {
			return err
		}
		d := n.Distance
		if opts.Signed && r3.Dot(r3.Sub(p, n.Point), target.Normals[n.Index]) < 0 {
			d = -d
		}
		out[i] = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CloudToMesh returns, for every cloud point, the distance to the mesh
// surface, signed by the closest element's normal when requested.
func CloudToMesh(ctx context.Context, cloud *geometry.PointCloud, m *geometry.Mesh, opts Options) ([]float64, error) {
	if err := cloud.Validate(); err != nil {
		return nil, errors.Wrap(err, "cloud")
	}
	q, err := NewMeshQuery(m, opts.Mesh)
	if err != nil {
		return nil, errors.Wrap(err, "mesh")
	}
	out := make([]float64, cloud.Len())
	err = parallelFor(ctx, cloud.Len(), opts.Workers, func(i int) error {
		var d float64
		var err error
		if opts.Signed {
			d, err = q.SignedDistance(cloud.Points[i])
		} else {
			d, err = q.Distance(cloud.Points[i])
		}
		out[i] = d
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MeshToCloud measures every vertex of m against its nearest cloud point and
// returns the vertex cloud with the distances. When signed, a distance is
// negative where the nearest cloud point lies behind the vertex normal, the
// same convention CloudToMesh uses, so a scan inside the design reads
// negative either way. The cloud needs no normals.
func MeshToCloud(ctx context.Context, m *geometry.Mesh, cloud *geometry.PointCloud, opts Options) (*geometry.PointCloud, []float64, error) {
	if err := m.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "mesh")
	}
	if err := cloud.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "cloud")
	}
	idx := spatial.New(cloud.Points)
	if idx.Len() == 0 {
		return nil, nil, errors.Wrap(geometry.ErrEmptyIndex, "cloud")
	}

	vertices := m.VertexCloud()
	out := make([]float64, vertices.Len())
	err := parallelFor(ctx, vertices.Len(), opts.Workers, func(i int) error {
		v := vertices.Points[i]
		n, err := idx.Nearest(v)
		if err != nil {
			return err
		}
		d := n.Distance
		if opts.Signed && r3.Dot(r3.Sub(n.Point, v), vertices.Normals[i]) < 0 {
			d = -d
		}
		out[i] = d
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return vertices, out, nil
}
