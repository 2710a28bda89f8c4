package pipeline

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ibois-epfl/diffCheck/geometry"
)

// JointState is how far a joint got through the pipeline.
type JointState int

const (
	StateInit JointState = iota
	StateReferenceBuilt
	StateSegmented
	StateCenterChecked
	StateRegistered
	StateDone
)

func (s JointState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReferenceBuilt:
		return "reference-built"
	case StateSegmented:
		return "segmented"
	case StateCenterChecked:
		return "center-checked"
	case StateRegistered:
		return "registered"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("JointState(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s JointState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *JointState) UnmarshalText(b []byte) error {
	for st := StateInit; st <= StateDone; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown joint state %q", b)
}

// SanityCode flags how well a joint's scan segment matches its design position.
type SanityCode int

const (
	// SanityOK means the segment centre is within tolerance of the design centre.
	SanityOK SanityCode = 0
	// SanityDisplaced means the segment centre is farther than the tolerance.
	SanityDisplaced SanityCode = 1
	// SanityNoPoints means no scan point was matched to the joint.
	SanityNoPoints SanityCode = 2
)

func (c SanityCode) String() string {
	switch c {
	case SanityOK:
		return "ok"
	case SanityDisplaced:
		return "displaced"
	case SanityNoPoints:
		return "no-points"
	default:
		return fmt.Sprintf("SanityCode(%d)", int(c))
	}
}

// CheckCenter compares the bounding-box centre of the design geometry with
// that of the matched segment. It returns the sanity code and the distance
// between the two centres.
func CheckCenter(design geometry.Box, segment *geometry.PointCloud, tolerance float64) (SanityCode, float64) {
	if segment.Len() == 0 || design.IsEmpty() {
		return SanityNoPoints, 0
	}
	d := r3.Norm(r3.Sub(segment.BoundingBox().Center(), design.Center()))
	if d > tolerance {
		return SanityDisplaced, d
	}
	return SanityOK, d
}

// codeString is the attribute value stored under geometry.SanityAttribute.
func (c SanityCode) codeString() string {
	return fmt.Sprintf("%d", int(c))
}
