package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/pattern"
	"go.viam.com/camcal/samples"
	"go.viam.com/camcal/utils"
	"go.viam.com/camcal/video"
)

// scanRecording checks every frame of a recording for the board until the first failed grab,
// which ends the file, and saves the frames that show it as frame_NNNNN.jpg by frame number.
// Checks run on a bounded pool while the next frames are decoded.
func scanRecording(
	ctx context.Context,
	grabber video.Grabber,
	finder samples.CornerFinder,
	dir string,
	logger logging.Logger,
) (int, error) {
	var saved atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(utils.ParallelFactor)
	frames := 0
	for gctx.Err() == nil {
		img, ok := grabber.Grab()
		if !ok {
			break
		}
		frames++
		number := frames
		g.Go(func() error {
			_, found, err := finder.Corners(img, true)
			if err != nil {
				logger.Warnw("board check failed", "frame", number, "error", err)
				return nil
			}
			if !found {
				return nil
			}
			saved.Inc()
			return samples.SaveJPEG(filepath.Join(dir, samples.CaptureName("frame", number)), img)
		})
	}
	if err := g.Wait(); err != nil {
		return int(saved.Load()), err
	}
	if err := ctx.Err(); err != nil {
		return int(saved.Load()), err
	}
	logger.Infow("scanned recording", "frames", frames, "saved", saved.Load())
	return int(saved.Load()), nil
}

// scanLive polls a running frame source and saves each new frame that shows the board as
// mono_NNNNN.jpg, at most one per interval, until count frames are saved or ctx is done.
func scanLive(
	ctx context.Context,
	source video.Reader,
	finder samples.CornerFinder,
	dir string,
	count int,
	interval time.Duration,
	logger logging.Logger,
) (int, error) {
	saved := 0
	var lastSeq uint64
	var last time.Time
	for saved < count && goutils.SelectContextOrWait(ctx, capturePollInterval) {
		ok, frame := source.Read()
		if !ok || frame.Seq == lastSeq || time.Since(last) < interval {
			continue
		}
		lastSeq = frame.Seq
		_, found, err := finder.Corners(frame.Image, true)
		if err != nil {
			return saved, err
		}
		if !found {
			continue
		}
		saved++
		if err := samples.SaveJPEG(filepath.Join(dir, samples.CaptureName("mono", saved)), frame.Image); err != nil {
			return saved, err
		}
		last = time.Now()
		logger.Infow("saved frame", "count", saved, "of", count, "seq", frame.Seq)
	}
	return saved, nil
}

// CollectVideoAction saves the frames of a recording or a live camera that show the board, ready
// for collect. Recordings are scanned to the end; live sources stop after --count frames or on
// interrupt.
func CollectVideoAction(c *cli.Context) (err error) {
	job, err := loadJob(c)
	if err != nil {
		return err
	}
	source, err := video.ParseSource(c.String(sourceFlag))
	if err != nil {
		return err
	}
	dir, err := override(c, outputFlag, job.InputFolder, "input_folder")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "cannot create %s", dir)
	}

	logger := loggerFrom(c)
	detector, err := pattern.NewDetector(job.Pattern.Geometry(), logger.Sublogger("pattern"))
	if err != nil {
		return err
	}
	grabber, err := video.OpenCapture(source)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	var saved int
	if source.Kind == video.FilePath {
		defer func() {
			err = multierr.Combine(err, grabber.Close())
		}()
		if saved, err = scanRecording(ctx, grabber, detector, dir, logger.Sublogger("scan")); err != nil {
			return err
		}
	} else {
		fs := video.NewFrameSource(source.String(), grabber, logger.Sublogger("video"))
		defer func() {
			err = multierr.Combine(err, fs.Close())
		}()
		fs.Start()
		if saved, err = scanLive(ctx, fs, detector, dir, c.Int(countFlag), c.Duration(intervalFlag), logger.Sublogger("scan")); err != nil {
			return err
		}
	}
	printf(c.App.Writer, "saved %d frames showing the board from %s to %s", saved, source, dir)
	return nil
}
