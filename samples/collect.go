package samples

import (
	"context"
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/pattern"
	"go.viam.com/camcal/utils"
)

// Candidate is an image that may show the board. Image is used when set. Otherwise Open decodes
// the image when the candidate is examined, so a folder is never held in memory at once.
type Candidate struct {
	Name  string
	Image image.Image
	Open  func() (image.Image, error)
}

// Load returns the candidate's image.
func (c Candidate) Load() (image.Image, error) {
	if c.Image != nil {
		return c.Image, nil
	}
	if c.Open == nil {
		return nil, errors.Errorf("candidate %q has no image", c.Name)
	}
	return c.Open()
}

// Status is what happened to one candidate.
type Status int

// Candidate outcomes.
const (
	Found Status = iota
	NotFound
	SizeMismatch
	DetectFailed
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case NotFound:
		return "not found"
	case SizeMismatch:
		return "size mismatch"
	case DetectFailed:
		return "detect failed"
	}
	return "unknown"
}

// Outcome records one candidate's status and, when found, its sample.
type Outcome struct {
	Name   string
	Status Status
	Sample *PatternSample
}

// Usable reports whether the candidate produced a sample that joined its set.
func (o Outcome) Usable() bool {
	return o.Status == Found
}

// CornerFinder locates board corners in an image.
type CornerFinder interface {
	Corners(img image.Image, fast bool) ([]r2.Point, bool, error)
}

// Collector turns candidate images into sample sets.
type Collector struct {
	logger    logging.Logger
	newFinder func(pattern.Geometry) (CornerFinder, error)
}

// NewCollector returns a collector that detects boards with OpenCV.
func NewCollector(logger logging.Logger) *Collector {
	return &Collector{
		logger: logger,
		newFinder: func(g pattern.Geometry) (CornerFinder, error) {
			return pattern.NewDetector(g, logger)
		},
	}
}

// NewCollectorWithFinder returns a collector that uses the given finder for every geometry.
func NewCollectorWithFinder(finder CornerFinder, logger logging.Logger) *Collector {
	return &Collector{
		logger:    logger,
		newFinder: func(pattern.Geometry) (CornerFinder, error) { return finder, nil },
	}
}

type detection struct {
	corners []r2.Point
	found   bool
	size    image.Point
	err     error
}

// Collect runs thorough detection on every candidate. Detection runs in parallel but samples
// join the set in candidate order. Candidates that fail to decode, show no board, or disagree in
// size with the first usable candidate are skipped and logged. Outcomes align with candidates by
// index. The only error is a cancelled context or an invalid geometry.
func (c *Collector) Collect(
	ctx context.Context,
	candidates []Candidate,
	geometry pattern.Geometry,
	squareSize float64,
	side Side,
) (*SampleSet, []Outcome, error) {
	finder, err := c.newFinder(geometry)
	if err != nil {
		return nil, nil, err
	}

	detections := make([]detection, len(candidates))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(utils.ParallelFactor)
	for i, cand := range candidates {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			img, err := cand.Load()
			if err != nil {
				detections[i] = detection{err: err}
				return nil
			}
			corners, found, err := finder.Corners(img, false)
			detections[i] = detection{corners: corners, found: found, size: img.Bounds().Size(), err: err}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}

	set := NewSampleSet(geometry, squareSize, side)
	objectPoints := geometry.ObjectPoints(squareSize)
	outcomes := make([]Outcome, len(candidates))
	for i, cand := range candidates {
		det := detections[i]
		outcomes[i] = Outcome{Name: cand.Name}
		switch {
		case det.err != nil:
			outcomes[i].Status = DetectFailed
			c.logger.Warnw("detection failed", "name", cand.Name, "error", det.err)
			continue
		case !det.found:
			outcomes[i].Status = NotFound
			c.logger.Infow("chessboard not found", "name", cand.Name)
			continue
		}

		sample := PatternSample{
			Name:         cand.Name,
			ObjectPoints: append(objectPoints[:0:0], objectPoints...),
			ImagePoints:  det.corners,
			ImageSize:    det.size,
			Side:         side,
		}
		if err := set.Add(sample); err != nil {
			if !errors.Is(err, ErrImageSizeMismatch) {
				return nil, nil, err
			}
			outcomes[i].Status = SizeMismatch
			c.logger.Warnw("excluding sample", "name", cand.Name, "error", err)
			continue
		}
		outcomes[i].Status = Found
		outcomes[i].Sample = &sample
	}
	c.logger.Infow("collected samples", "side", side.String(), "candidates", len(candidates), "samples", set.Len())
	return set, outcomes, nil
}

// FilterUnusablePairs keeps index i only when both the left and the right candidate produced a
// sample, so the two returned sets stay aligned by index.
func FilterUnusablePairs(
	left, right []Outcome,
	geometry pattern.Geometry,
	squareSize float64,
) (*SampleSet, *SampleSet, error) {
	if len(left) != len(right) {
		return nil, nil, errors.Errorf("cannot pair %d left outcomes with %d right outcomes", len(left), len(right))
	}
	pairs := lo.Filter(lo.Zip2(left, right), func(p lo.Tuple2[Outcome, Outcome], _ int) bool {
		return p.A.Usable() && p.B.Usable()
	})

	leftSet := NewSampleSet(geometry, squareSize, Left)
	rightSet := NewSampleSet(geometry, squareSize, Right)
	for _, p := range pairs {
		ls, rs := *p.A.Sample, *p.B.Sample
		ls.Side, rs.Side = Left, Right
		if err := leftSet.Add(ls); err != nil {
			return nil, nil, err
		}
		if err := rightSet.Add(rs); err != nil {
			return nil, nil, err
		}
	}
	return leftSet, rightSet, nil
}

// CollectPairs collects both sides and keeps only the pairs detected on both.
func (c *Collector) CollectPairs(
	ctx context.Context,
	left, right []Candidate,
	geometry pattern.Geometry,
	squareSize float64,
) (*SampleSet, *SampleSet, error) {
	if len(left) != len(right) {
		return nil, nil, errors.Errorf("cannot pair %d left images with %d right images", len(left), len(right))
	}
	_, leftOutcomes, err := c.Collect(ctx, left, geometry, squareSize, Left)
	if err != nil {
		return nil, nil, err
	}
	_, rightOutcomes, err := c.Collect(ctx, right, geometry, squareSize, Right)
	if err != nil {
		return nil, nil, err
	}
	leftSet, rightSet, err := FilterUnusablePairs(leftOutcomes, rightOutcomes, geometry, squareSize)
	if err != nil {
		return nil, nil, err
	}
	c.logger.Infow("paired samples", "pairs", leftSet.Len(), "candidates", len(left))
	return leftSet, rightSet, nil
}
