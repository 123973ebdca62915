package samples

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrFolderNotFound is returned when an input folder does not exist.
var ErrFolderNotFound = errors.New("input folder not found")

// CaptureName is the file name of the count-th saved capture of a side, e.g. left_00007.jpg.
func CaptureName(side string, count int) string {
	return fmt.Sprintf("%s_%05d.jpg", side, count)
}

// SaveJPEG writes img to path at high quality.
func SaveJPEG(path string, img image.Image) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create %s", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return imaging.Encode(f, img, imaging.JPEG, imaging.JPEGQuality(95))
}

func checkFolder(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(ErrFolderNotFound, dir)
		}
		return errors.Wrapf(err, "cannot read %s", dir)
	}
	if !info.IsDir() {
		return errors.Errorf("%s is not a folder", dir)
	}
	return nil
}

func decodeImage(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode %s", path)
	}
	return img, nil
}

// LoadImageCandidates lists the files in dir matching glob, sorted by name. Each is decoded only
// when its candidate is loaded.
func LoadImageCandidates(dir, glob string) ([]Candidate, error) {
	if err := checkFolder(dir); err != nil {
		return nil, err
	}
	paths, err := filepath.Glob(filepath.Join(dir, glob))
	if err != nil {
		return nil, errors.Wrapf(err, "bad pattern %q", glob)
	}
	sort.Strings(paths)

	candidates := make([]Candidate, 0, len(paths))
	for _, path := range paths {
		candidates = append(candidates, Candidate{
			Name: filepath.Base(path),
			Open: func() (image.Image, error) { return decodeImage(path) },
		})
	}
	return candidates, nil
}

// LoadPairCandidates loads left_*.jpg and right_*.jpg captures from dir and pairs them by their
// numeric suffix. Captures without a counterpart are dropped.
func LoadPairCandidates(dir string) ([]Candidate, []Candidate, error) {
	left, err := LoadImageCandidates(dir, "left_*.jpg")
	if err != nil {
		return nil, nil, err
	}
	right, err := LoadImageCandidates(dir, "right_*.jpg")
	if err != nil {
		return nil, nil, err
	}

	rightBySuffix := make(map[string]Candidate, len(right))
	for _, c := range right {
		rightBySuffix[strings.TrimPrefix(c.Name, "right_")] = c
	}
	var pairedLeft, pairedRight []Candidate
	for _, c := range left {
		if r, ok := rightBySuffix[strings.TrimPrefix(c.Name, "left_")]; ok {
			pairedLeft = append(pairedLeft, c)
			pairedRight = append(pairedRight, r)
		}
	}
	return pairedLeft, pairedRight, nil
}
