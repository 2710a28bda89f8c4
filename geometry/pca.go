package geometry

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// PrincipalAxes returns the centroid of points and the eigen-decomposition of
// their covariance: eigenvalues in ascending order with matching unit axes.
func PrincipalAxes(points []Point3) (Point3, [3]float64, [3]Point3, error) {
	var vals [3]float64
	var axes [3]Point3
	if len(points) < 3 {
		return Point3{}, vals, axes, errors.Wrapf(ErrDegenerateGeometry, "%d points", len(points))
	}
	x := mat.NewDense(len(points), 3, nil)
	for i, p := range points {
		x.SetRow(i, []float64{p.X, p.Y, p.Z})
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, x, nil)
	vals, axes, err := eigenAxes(&cov)
	if err != nil {
		return Point3{}, vals, axes, err
	}
	return Centroid(points), vals, axes, nil
}

// OrientationAxes decomposes the scatter Σ v·vᵀ of directions, eigenvalues
// ascending. The first axis is the direction most orthogonal to all of them.
func OrientationAxes(dirs []Point3) ([3]float64, [3]Point3, error) {
	if len(dirs) == 0 {
		return [3]float64{}, [3]Point3{}, errors.Wrap(ErrDegenerateGeometry, "no directions")
	}
	m := mat.NewSymDense(3, nil)
	for _, d := range dirs {
		v := [3]float64{d.X, d.Y, d.Z}
		for i := range 3 {
			for j := i; j < 3; j++ {
				m.SetSym(i, j, m.At(i, j)+v[i]*v[j])
			}
		}
	}
	return eigenAxes(m)
}

func eigenAxes(m mat.Symmetric) ([3]float64, [3]Point3, error) {
	var vals [3]float64
	var axes [3]Point3
	var es mat.EigenSym
	if !es.Factorize(m, true) {
		return vals, axes, errors.Wrap(ErrDegenerateGeometry, "eigen decomposition failed")
	}
	es.Values(vals[:])
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	for j := range 3 {
		axes[j] = r3.Unit(Point3{X: vecs.At(0, j), Y: vecs.At(1, j), Z: vecs.At(2, j)})
	}
	return vals, axes, nil
}
