package distance

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ibois-epfl/diffCheck/geometry"
)

// CompareClouds pairs sources and targets by index and measures each source
// against its target. With Swap the two lists trade roles, so each result
// records the original target as its source.
func CompareClouds(ctx context.Context, sources, targets []*geometry.PointCloud, opts Options) (*Results, error) {
	if len(sources) != len(targets) {
		return nil, errors.Wrapf(geometry.ErrInvalidInput, "%d sources for %d targets", len(sources), len(targets))
	}
	if opts.Swap {
		sources, targets = targets, sources
	}
	results := &Results{}
	for i := range sources {
		d, err := CloudToCloud(ctx, sources[i], targets[i], opts)
		if err != nil {
			return nil, errors.Wrapf(err, "pair %d", i)
		}
		if _, err := results.Add(CloudGeometry(sources[i]), CloudGeometry(targets[i]), d); err != nil {
			return nil, errors.Wrapf(err, "pair %d", i)
		}
	}
	return results, nil
}

// CompareCloudsToMeshes pairs each cloud with the mesh at the same index.
//
// Without Swap, every cloud point is measured against the mesh surface and the
// cloud is the result's source. With Swap, every mesh vertex is measured
// against the cloud instead; the mesh-derived vertex cloud becomes the
// result's source and the scan its target. Signed distances follow the mesh
// normals in both directions: positive in front of the design surface.
func CompareCloudsToMeshes(ctx context.Context, sources []*geometry.PointCloud, meshes []*geometry.Mesh, opts Options) (*Results, error) {
	if len(sources) != len(meshes) {
		return nil, errors.Wrapf(geometry.ErrInvalidInput, "%d clouds for %d meshes", len(sources), len(meshes))
	}
	results := &Results{}
	for i := range sources {
		var err error
		if opts.Swap {
			vertices, d, merr := MeshToCloud(ctx, meshes[i], sources[i], opts)
			if err = merr; err == nil {
				_, err = results.Add(CloudGeometry(vertices), CloudGeometry(sources[i]), d)
			}
		} else {
			var d []float64
			if d, err = CloudToMesh(ctx, sources[i], meshes[i], opts); err == nil {
				_, err = results.Add(CloudGeometry(sources[i]), MeshGeometry(meshes[i]), d)
			}
		}
		if err != nil {
			return nil, errors.Wrapf(err, "pair %d", i)
		}
	}
	return results, nil
}
