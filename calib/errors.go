// Package calib solves camera intrinsics and stereo extrinsics from chessboard samples and
// persists the results.
package calib

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var (
	// ErrSetTooSmall is returned when fewer than MinPickSize samples are requested.
	ErrSetTooSmall = errors.New("sample set too small to calibrate")
	// ErrPickTooLarge is returned when more samples are requested than the set holds.
	ErrPickTooLarge = errors.New("pick size larger than sample set")
	// ErrSampleCountMismatch is returned when stereo sides hold different sample counts.
	ErrSampleCountMismatch = errors.New("left and right sample counts differ")
	// ErrNotConverged is returned when the solver fails to reach a finite minimum.
	ErrNotConverged = errors.New("calibration did not converge")
	// ErrIllConditioned is returned when the samples cannot determine the camera.
	ErrIllConditioned = errors.New("calibration is ill conditioned")
)

// MinPickSize is the smallest number of samples a calibration accepts.
const MinPickSize = 5

// illConditioned marks err as ErrIllConditioned. Both stay matchable with errors.Is.
func illConditioned(err error) error {
	return multierr.Combine(ErrIllConditioned, err)
}
