package geometry

import "github.com/pkg/errors"

// Error taxonomy shared by every stage of the engine. Call sites wrap these
// with context; match with errors.Is.
var (
	// ErrEmptyIndex is returned when a spatial index built from zero points is queried.
	ErrEmptyIndex = errors.New("spatial index is empty")
	// ErrUnsupportedFaceTopology is returned for faces with neither 3 nor 4 vertices.
	ErrUnsupportedFaceTopology = errors.New("unsupported face topology")
	// ErrDegenerateGeometry is returned when geometry has no usable extent.
	ErrDegenerateGeometry = errors.New("degenerate geometry")
	// ErrInvalidReferenceGeometry is returned when reference faces are missing or empty.
	ErrInvalidReferenceGeometry = errors.New("invalid reference geometry")
	// ErrInsufficientCorrespondences is returned when registration cannot find
	// at least 3 non-collinear point pairs.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")
	// ErrInvalidInput is returned for missing or malformed required input.
	ErrInvalidInput = errors.New("invalid input")
)
