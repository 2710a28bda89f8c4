package geometry

import (
	"github.com/samber/lo"
)

// Face is one CAD face of a beam, tessellated into a small mesh. A face with a
// JointID belongs to that joint; faces without one are side faces.
type Face struct {
	Mesh
	JointID   *int `json:"jointId,omitempty"`
	Roundwood bool `json:"roundwood,omitempty"`
}

// NewJointFace returns a face tagged with the given joint id.
func NewJointFace(m Mesh, jointID int) Face {
	id := jointID
	return Face{Mesh: m, JointID: &id}
}

// IsJoint reports whether the face belongs to a joint.
func (f Face) IsJoint() bool {
	return f.JointID != nil
}

// Joint is the set of faces sharing a joint id. It is a view reconstructed
// from faces and is never stored.
type Joint struct {
	ID    int    `json:"id"`
	Faces []Face `json:"faces"`
}

// Meshes returns the face meshes of the joint.
func (j Joint) Meshes() []*Mesh {
	return lo.Map(j.Faces, func(f Face, i int) *Mesh { return &j.Faces[i].Mesh })
}

// BoundingBox returns the bounding box of every joint face vertex.
func (j Joint) BoundingBox() Box {
	b := EmptyBox()
	for _, f := range j.Faces {
		b = b.Union(f.BoundingBox())
	}
	return b
}

// Beam is an ordered set of faces.
type Beam struct {
	Name      string `json:"name"`
	Faces     []Face `json:"faces"`
	Roundwood bool   `json:"roundwood,omitempty"`
}

// JointFaces returns the faces that belong to a joint, in face order.
func (b *Beam) JointFaces() []Face {
	return lo.Filter(b.Faces, func(f Face, _ int) bool { return f.IsJoint() })
}

// SideFaces returns the faces that belong to no joint, in face order.
func (b *Beam) SideFaces() []Face {
	return lo.Filter(b.Faces, func(f Face, _ int) bool { return !f.IsJoint() })
}

// Joints groups the joint faces by id, in order of first appearance.
func (b *Beam) Joints() []Joint {
	return groupJoints(b.JointFaces())
}

func groupJoints(faces []Face) []Joint {
	ids := lo.Uniq(lo.Map(faces, func(f Face, _ int) int { return *f.JointID }))
	groups := lo.GroupBy(faces, func(f Face) int { return *f.JointID })
	return lo.Map(ids, func(id int, _ int) Joint {
		return Joint{ID: id, Faces: groups[id]}
	})
}

// Assembly is an ordered set of beams. Joint ids are shared across beams: the
// two halves of a lap joint carry the same id on different beams.
type Assembly struct {
	Name  string `json:"name"`
	Beams []Beam `json:"beams"`
}

// AddBeam appends a beam.
func (a *Assembly) AddBeam(b Beam) {
	a.Beams = append(a.Beams, b)
}

// Mesh merges every face of every beam into one mesh.
func (a *Assembly) Mesh() *Mesh {
	var meshes []*Mesh
	for i := range a.Beams {
		for j := range a.Beams[i].Faces {
			meshes = append(meshes, &a.Beams[i].Faces[j].Mesh)
		}
	}
	return MergeMeshes(meshes...)
}

// AllJointFaces returns every joint face across beams, in assembly order.
func (a *Assembly) AllJointFaces() []Face {
	return lo.FlatMap(a.Beams, func(b Beam, i int) []Face { return a.Beams[i].JointFaces() })
}

// AllSideFaces returns every side face across beams, in assembly order.
func (a *Assembly) AllSideFaces() []Face {
	return lo.FlatMap(a.Beams, func(b Beam, i int) []Face { return a.Beams[i].SideFaces() })
}

// AllJoints groups joint faces of every beam by id, in order of first
// appearance across the assembly.
func (a *Assembly) AllJoints() []Joint {
	return groupJoints(a.AllJointFaces())
}

// TotalJoints returns the number of distinct joint ids.
func (a *Assembly) TotalJoints() int {
	return len(lo.Uniq(lo.Map(a.AllJointFaces(), func(f Face, _ int) int { return *f.JointID })))
}
