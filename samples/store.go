package samples

import (
	"encoding/json"
	"image"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/camcal/pattern"
)

// ErrNotFound is returned when a sample file does not exist.
var ErrNotFound = errors.New("sample file not found")

type setDocument struct {
	ImageSize    [2]int         `json:"image_size"`
	PatternSize  [2]int         `json:"pattern_size"`
	SquareSize   float64        `json:"square_size"`
	Side         Side           `json:"side"`
	Names        []string       `json:"names,omitempty"`
	ObjectPoints [][][3]float64 `json:"object_points"`
	ImagePoints  [][][2]float64 `json:"image_points"`
}

// Save writes the set as an indented json document.
func Save(path string, set *SampleSet) error {
	doc := setDocument{
		ImageSize:    [2]int{set.ImageSize.X, set.ImageSize.Y},
		PatternSize:  [2]int{set.Pattern.Rows, set.Pattern.Cols},
		SquareSize:   set.SquareSize,
		Side:         set.Side,
		ObjectPoints: make([][][3]float64, len(set.Samples)),
		ImagePoints:  make([][][2]float64, len(set.Samples)),
	}
	named := false
	names := make([]string, len(set.Samples))
	for i, sample := range set.Samples {
		names[i] = sample.Name
		named = named || sample.Name != ""
		objs := make([][3]float64, len(sample.ObjectPoints))
		for j, p := range sample.ObjectPoints {
			objs[j] = [3]float64{p.X, p.Y, p.Z}
		}
		imgs := make([][2]float64, len(sample.ImagePoints))
		for j, p := range sample.ImagePoints {
			imgs[j] = [2]float64{p.X, p.Y}
		}
		doc.ObjectPoints[i] = objs
		doc.ImagePoints[i] = imgs
	}
	if named {
		doc.Names = names
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot encode samples")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "cannot write %s", path)
	}
	return nil
}

// Load reads a set written by Save. Floats round trip exactly.
func Load(path string) (*SampleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNotFound, path)
		}
		return nil, errors.Wrapf(err, "cannot read %s", path)
	}

	var doc setDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "cannot parse %s", path)
	}
	if len(doc.ObjectPoints) != len(doc.ImagePoints) {
		return nil, errors.Errorf("%s has %d object point lists but %d image point lists",
			path, len(doc.ObjectPoints), len(doc.ImagePoints))
	}
	if doc.Names != nil && len(doc.Names) != len(doc.ImagePoints) {
		return nil, errors.Errorf("%s has %d names for %d samples", path, len(doc.Names), len(doc.ImagePoints))
	}

	geometry := pattern.Geometry{Rows: doc.PatternSize[0], Cols: doc.PatternSize[1]}
	set := NewSampleSet(geometry, doc.SquareSize, doc.Side)
	set.ImageSize = image.Pt(doc.ImageSize[0], doc.ImageSize[1])
	for i := range doc.ImagePoints {
		sample := PatternSample{
			ObjectPoints: make([]r3.Vector, len(doc.ObjectPoints[i])),
			ImagePoints:  make([]r2.Point, len(doc.ImagePoints[i])),
			ImageSize:    set.ImageSize,
			Side:         doc.Side,
		}
		if doc.Names != nil {
			sample.Name = doc.Names[i]
		}
		for j, p := range doc.ObjectPoints[i] {
			sample.ObjectPoints[j] = r3.Vector{X: p[0], Y: p[1], Z: p[2]}
		}
		for j, p := range doc.ImagePoints[i] {
			sample.ImagePoints[j] = r2.Point{X: p[0], Y: p[1]}
		}
		if err := set.Add(sample); err != nil {
			return nil, errors.Wrapf(err, "sample %d of %s", i, path)
		}
	}
	return set, nil
}
