package samples

import (
	"context"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/pattern"
)

var smallBoard = pattern.Geometry{Rows: 2, Cols: 3}

// stubFinder reports a board in every image wider than 10 pixels, with corners offset by the
// image width so samples can be told apart.
type stubFinder struct{}

func (stubFinder) Corners(img image.Image, fast bool) ([]r2.Point, bool, error) {
	w := img.Bounds().Dx()
	if w == 7 {
		return nil, false, errors.New("decoder exploded")
	}
	if w <= 10 {
		return nil, false, nil
	}
	pts := make([]r2.Point, smallBoard.Count())
	for i := range pts {
		pts[i] = r2.Point{X: float64(w + i), Y: float64(i) / 3}
	}
	return pts, true, nil
}

func candidate(name string, w, h int) Candidate {
	return Candidate{Name: name, Image: image.NewRGBA(image.Rect(0, 0, w, h))}
}

func TestCollectExcludesMismatchedSizes(t *testing.T) {
	logger, observed := logging.NewObservedTestLogger(t)
	collector := NewCollectorWithFinder(stubFinder{}, logger)

	candidates := []Candidate{
		candidate("a", 20, 10),
		candidate("blank", 5, 10),
		candidate("b", 21, 10), // different size: excluded
		candidate("c", 20, 10),
		candidate("broken", 7, 10),
	}
	set, outcomes, err := collector.Collect(context.Background(), candidates, smallBoard, 0.5, Mono)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, set.Len(), test.ShouldEqual, 2)
	test.That(t, set.ImageSize, test.ShouldResemble, image.Pt(20, 10))
	test.That(t, set.Samples[0].Name, test.ShouldEqual, "a")
	test.That(t, set.Samples[1].Name, test.ShouldEqual, "c")
	test.That(t, set.Samples[1].ObjectPoints, test.ShouldResemble, smallBoard.ObjectPoints(0.5))

	statuses := make([]Status, len(outcomes))
	for i, o := range outcomes {
		statuses[i] = o.Status
		test.That(t, o.Name, test.ShouldEqual, candidates[i].Name)
	}
	test.That(t, statuses, test.ShouldResemble, []Status{Found, NotFound, SizeMismatch, Found, DetectFailed})
	test.That(t, outcomes[2].Sample, test.ShouldBeNil)
	test.That(t, observed.FilterMessage("excluding sample").Len(), test.ShouldEqual, 1)
	test.That(t, observed.FilterMessage("chessboard not found").Len(), test.ShouldEqual, 1)
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	collector := NewCollectorWithFinder(stubFinder{}, logging.NewTestLogger(t))
	_, _, err := collector.Collect(ctx, []Candidate{candidate("a", 20, 10)}, smallBoard, 1, Mono)
	test.That(t, err, test.ShouldBeError, context.Canceled)
}

func TestSampleSetAdd(t *testing.T) {
	set := NewSampleSet(smallBoard, 1, Left)
	sample := PatternSample{
		ObjectPoints: smallBoard.ObjectPoints(1),
		ImagePoints:  make([]r2.Point, smallBoard.Count()),
		ImageSize:    image.Pt(640, 480),
	}
	test.That(t, set.Add(sample), test.ShouldBeNil)

	sample.ImageSize = image.Pt(320, 240)
	err := set.Add(sample)
	test.That(t, errors.Is(err, ErrImageSizeMismatch), test.ShouldBeTrue)

	sample.ImageSize = image.Pt(640, 480)
	sample.ImagePoints = sample.ImagePoints[:2]
	test.That(t, set.Add(sample), test.ShouldNotBeNil)
	test.That(t, set.Len(), test.ShouldEqual, 1)

	clone := set.Clone()
	clone.Samples[0].ImagePoints[0] = r2.Point{X: 9, Y: 9}
	test.That(t, set.Samples[0].ImagePoints[0], test.ShouldResemble, r2.Point{})
}

func TestSaveLoadRoundTrip(t *testing.T) {
	set := NewSampleSet(pattern.Geometry{Rows: 2, Cols: 2}, 0.023, Right)
	for i := 0; i < 3; i++ {
		test.That(t, set.Add(PatternSample{
			Name:         CaptureName("right", i),
			ObjectPoints: set.Pattern.ObjectPoints(set.SquareSize),
			ImagePoints: []r2.Point{
				{X: math.Pi * float64(i), Y: 1.0 / 3},
				{X: 1e-17, Y: math.MaxFloat64},
				{X: -0.1, Y: math.SmallestNonzeroFloat64},
				{X: 1919.99999999, Y: 0},
			},
			ImageSize: image.Pt(1920, 1080),
			Side:      Right,
		}), test.ShouldBeNil)
	}

	path := filepath.Join(t.TempDir(), "samples.json")
	test.That(t, Save(path, set), test.ShouldBeNil)
	loaded, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, set)

	// Unnamed samples round trip too.
	unnamed := NewSampleSet(pattern.Geometry{Rows: 1, Cols: 2}, 1, Mono)
	test.That(t, unnamed.Add(PatternSample{
		ObjectPoints: []r3.Vector{{}, {X: 1}},
		ImagePoints:  []r2.Point{{X: 1, Y: 2}, {X: 3, Y: 4}},
		ImageSize:    image.Pt(4, 4),
	}), test.ShouldBeNil)
	test.That(t, Save(path, unnamed), test.ShouldBeNil)
	loaded, err = Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, unnamed)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.json"))
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)

	corrupt := filepath.Join(dir, "corrupt.json")
	test.That(t, os.WriteFile(corrupt, []byte("{not json"), 0o600), test.ShouldBeNil)
	_, err = Load(corrupt)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeFalse)

	uneven := filepath.Join(dir, "uneven.json")
	test.That(t, os.WriteFile(uneven, []byte(`{"object_points":[[]],"image_points":[]}`), 0o600), test.ShouldBeNil)
	_, err = Load(uneven)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFilterUnusablePairs(t *testing.T) {
	logger := logging.NewTestLogger(t)
	collector := NewCollectorWithFinder(stubFinder{}, logger)
	ctx := context.Background()

	left := []Candidate{candidate("l0", 20, 10), candidate("l1", 20, 10), candidate("l2", 5, 10), candidate("l3", 20, 10)}
	right := []Candidate{candidate("r0", 30, 10), candidate("r1", 5, 10), candidate("r2", 30, 10), candidate("r3", 30, 10)}
	_, lo, err := collector.Collect(ctx, left, smallBoard, 1, Left)
	test.That(t, err, test.ShouldBeNil)
	_, ro, err := collector.Collect(ctx, right, smallBoard, 1, Right)
	test.That(t, err, test.ShouldBeNil)

	ls, rs, err := FilterUnusablePairs(lo, ro, smallBoard, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ls.Len(), test.ShouldEqual, 2)
	test.That(t, rs.Len(), test.ShouldEqual, 2)
	test.That(t, []string{ls.Samples[0].Name, ls.Samples[1].Name}, test.ShouldResemble, []string{"l0", "l3"})
	test.That(t, []string{rs.Samples[0].Name, rs.Samples[1].Name}, test.ShouldResemble, []string{"r0", "r3"})
	test.That(t, ls.Side, test.ShouldEqual, Left)
	test.That(t, rs.ImageSize, test.ShouldResemble, image.Pt(30, 10))

	_, _, err = FilterUnusablePairs(lo, ro[:1], smallBoard, 1)
	test.That(t, err, test.ShouldNotBeNil)

	ls, rs, err = collector.CollectPairs(ctx, left, right, smallBoard, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ls.Len(), test.ShouldEqual, rs.Len())
}

func TestLoadCandidatesFromCaptures(t *testing.T) {
	dir := t.TempDir()
	g := pattern.Geometry{Rows: 4, Cols: 5}
	board := pattern.RenderBoard(g, 30, 40)
	for i := 1; i <= 3; i++ {
		test.That(t, SaveJPEG(filepath.Join(dir, CaptureName("left", i)), board.Image), test.ShouldBeNil)
		if i != 2 {
			test.That(t, SaveJPEG(filepath.Join(dir, CaptureName("right", i)), board.Image), test.ShouldBeNil)
		}
	}
	test.That(t, CaptureName("left", 7), test.ShouldEqual, "left_00007.jpg")

	left, right, err := LoadPairCandidates(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, left, test.ShouldHaveLength, 2)
	test.That(t, right, test.ShouldHaveLength, 2)
	test.That(t, left[1].Name, test.ShouldEqual, "left_00003.jpg")
	test.That(t, right[1].Name, test.ShouldEqual, "right_00003.jpg")

	collector := NewCollector(logging.NewTestLogger(t))
	ls, rs, err := collector.CollectPairs(context.Background(), left, right, g, 0.023)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ls.Len(), test.ShouldEqual, 2)
	test.That(t, rs.Len(), test.ShouldEqual, 2)
	test.That(t, ls.ImageSize, test.ShouldResemble, board.Image.Bounds().Size())

	_, err = LoadImageCandidates(filepath.Join(dir, "nope"), "*.jpg")
	test.That(t, errors.Is(err, ErrFolderNotFound), test.ShouldBeTrue)
}

func TestLoadImageCandidatesDecodeOnDemand(t *testing.T) {
	dir := t.TempDir()
	test.That(t, os.WriteFile(filepath.Join(dir, "a_truncated.jpg"), []byte("not a jpeg"), 0o644), test.ShouldBeNil)
	test.That(t, SaveJPEG(filepath.Join(dir, "b_board.jpg"), image.NewRGBA(image.Rect(0, 0, 20, 10))), test.ShouldBeNil)

	candidates, err := LoadImageCandidates(dir, "*.jpg")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, candidates, test.ShouldHaveLength, 2)
	for _, c := range candidates {
		test.That(t, c.Image, test.ShouldBeNil)
	}
	_, err = candidates[0].Load()
	test.That(t, err, test.ShouldNotBeNil)
	img, err := candidates[1].Load()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Size(), test.ShouldResemble, image.Pt(20, 10))

	logger, observed := logging.NewObservedTestLogger(t)
	set, outcomes, err := NewCollectorWithFinder(stubFinder{}, logger).Collect(context.Background(), candidates, smallBoard, 1, Mono)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, set.Len(), test.ShouldEqual, 1)
	test.That(t, set.ImageSize, test.ShouldResemble, image.Pt(20, 10))
	test.That(t, outcomes[0].Status, test.ShouldEqual, DetectFailed)
	test.That(t, outcomes[1].Status, test.ShouldEqual, Found)
	test.That(t, observed.FilterMessage("detection failed").Len(), test.ShouldEqual, 1)

	_, err = Candidate{Name: "empty"}.Load()
	test.That(t, err, test.ShouldNotBeNil)
}
