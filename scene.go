package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/ibois-epfl/diffCheck/geometry"
)

// maxDocumentBytes bounds a geometry document read from disk or a request body.
const maxDocumentBytes = 512 << 20

// CloudDoc is the JSON form of a point cloud: points and optional normals as
// [x, y, z] triples.
type CloudDoc struct {
	Points     [][3]float64      `json:"points"`
	Normals    [][3]float64      `json:"normals,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// MeshDoc is the JSON form of a mesh. Each face lists 3 or 4 vertex indices.
type MeshDoc struct {
	Vertices [][3]float64 `json:"vertices"`
	Faces    [][]int      `json:"faces"`
}

// FaceDoc is one CAD face of a beam.
type FaceDoc struct {
	MeshDoc
	JointID   *int `json:"jointId,omitempty"`
	Roundwood bool `json:"roundwood,omitempty"`
}

// BeamDoc is one beam of an assembly.
type BeamDoc struct {
	Name      string    `json:"name"`
	Roundwood bool      `json:"roundwood,omitempty"`
	Faces     []FaceDoc `json:"faces"`
}

// AssemblyDoc is the JSON form of an assembly.
type AssemblyDoc struct {
	Name  string    `json:"name"`
	Beams []BeamDoc `json:"beams"`
}

func toPoints(raw [][3]float64) []geometry.Point3 {
	return lo.Map(raw, func(p [3]float64, _ int) geometry.Point3 {
		return geometry.Point3{X: p[0], Y: p[1], Z: p[2]}
	})
}

func fromPoints(points []geometry.Point3) [][3]float64 {
	return lo.Map(points, func(p geometry.Point3, _ int) [3]float64 { return [3]float64{p.X, p.Y, p.Z} })
}

// Cloud converts the document and validates it.
func (d CloudDoc) Cloud() (*geometry.PointCloud, error) {
	var normals []geometry.Point3
	if len(d.Normals) > 0 {
		normals = toPoints(d.Normals)
	}
	c, err := geometry.NewPointCloud(toPoints(d.Points), normals)
	if err != nil {
		return nil, err
	}
	c.Attributes = d.Attributes
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewCloudDoc converts a cloud back into its document form.
func NewCloudDoc(c *geometry.PointCloud) CloudDoc {
	doc := CloudDoc{Points: fromPoints(c.Points), Attributes: c.Attributes}
	if len(c.Normals) > 0 {
		doc.Normals = fromPoints(c.Normals)
	}
	return doc
}

// Mesh converts the document and validates it.
func (d MeshDoc) Mesh() (*geometry.Mesh, error) {
	m := &geometry.Mesh{Vertices: toPoints(d.Vertices), Faces: d.Faces}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Assembly converts the document and validates every face mesh.
func (d AssemblyDoc) Assembly() (*geometry.Assembly, error) {
	a := &geometry.Assembly{Name: d.Name}
	for bi, bd := range d.Beams {
		b := geometry.Beam{Name: bd.Name, Roundwood: bd.Roundwood}
		for fi, fd := range bd.Faces {
			m, err := fd.Mesh()
			if err != nil {
				return nil, errors.Wrapf(err, "beam %d face %d", bi, fi)
			}
			b.Faces = append(b.Faces, geometry.Face{Mesh: *m, JointID: fd.JointID, Roundwood: fd.Roundwood})
		}
		a.AddBeam(b)
	}
	return a, nil
}

func clouds(docs []CloudDoc) ([]*geometry.PointCloud, error) {
	out := make([]*geometry.PointCloud, len(docs))
	for i, d := range docs {
		c, err := d.Cloud()
		if err != nil {
			return nil, errors.Wrapf(err, "cloud %d", i)
		}
		out[i] = c
	}
	return out, nil
}

func meshes(docs []MeshDoc) ([]*geometry.Mesh, error) {
	out := make([]*geometry.Mesh, len(docs))
	for i, d := range docs {
		m, err := d.Mesh()
		if err != nil {
			return nil, errors.Wrapf(err, "mesh %d", i)
		}
		out[i] = m
	}
	return out, nil
}

// decodeJSON decodes a single document from r, rejecting unknown fields.
func decodeJSON(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r, maxDocumentBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(geometry.ErrInvalidInput, err.Error())
	}
	return nil
}

// readJSON decodes the document stored at path.
func readJSON(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	return errors.Wrapf(decodeJSON(f, v), "reading %s", path)
}

// readClouds reads one cloud per path. A file holding a JSON array yields
// every cloud in it.
func readClouds(paths []string) ([]*geometry.PointCloud, error) {
	var docs []CloudDoc
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s", p)
		}
		var many []CloudDoc
		if err := json.Unmarshal(raw, &many); err == nil {
			docs = append(docs, many...)
			continue
		}
		var one CloudDoc
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, errors.Wrapf(geometry.ErrInvalidInput, "reading %s: %v", p, err)
		}
		docs = append(docs, one)
	}
	return clouds(docs)
}

func readMeshes(paths []string) ([]*geometry.Mesh, error) {
	docs := make([]MeshDoc, len(paths))
	for i, p := range paths {
		if err := readJSON(p, &docs[i]); err != nil {
			return nil, err
		}
	}
	return meshes(docs)
}
