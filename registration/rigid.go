package registration

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ibois-epfl/diffCheck/geometry"
)

// collinearEps is the ratio of the second to the first singular value of the
// cross-covariance below which the pairs are treated as collinear.
const collinearEps = 1e-9

// RigidTransform returns the rotation and translation that best map src onto
// dst in the least-squares sense (Kabsch). Reflections are corrected so the
// result is always a proper rotation.
func RigidTransform(src, dst []geometry.Point3) (geometry.Transform, error) {
	if len(src) != len(dst) {
		return geometry.Transform{}, errors.Wrapf(geometry.ErrInvalidInput, "%d source points for %d targets", len(src), len(dst))
	}
	if len(src) < 3 {
		return geometry.Transform{}, errors.Wrapf(geometry.ErrInsufficientCorrespondences, "%d pairs", len(src))
	}
	cs := geometry.Centroid(src)
	cd := geometry.Centroid(dst)

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		s := r3.Sub(src[i], cs)
		d := r3.Sub(dst[i], cd)
		sv := [3]float64{s.X, s.Y, s.Z}
		dv := [3]float64{d.X, d.Y, d.Z}
		for r := range 3 {
			for c := range 3 {
				h.Set(r, c, h.At(r, c)+sv[r]*dv[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return geometry.Transform{}, errors.Wrap(geometry.ErrDegenerateGeometry, "SVD did not converge")
	}
	sigma := svd.Values(nil)
	if sigma[0] == 0 || sigma[1] <= collinearEps*sigma[0] {
		return geometry.Transform{}, errors.Wrap(geometry.ErrInsufficientCorrespondences, "correspondences are collinear")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var vut mat.Dense
	vut.Mul(&v, u.T())
	sign := 1.0
	if mat.Det(&vut) < 0 {
		sign = -1
	}
	var rot mat.Dense
	rot.Product(&v, mat.NewDiagDense(3, []float64{1, 1, sign}), u.T())

	rotated := geometry.FromRotationTranslation(&rot, geometry.Point3{}).Apply(cs)
	return geometry.FromRotationTranslation(&rot, r3.Sub(cd, rotated)), nil
}
