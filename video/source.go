package video

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SourceKind tags the variant held by a Source.
type SourceKind int

const (
	// DeviceIndex is a local capture device such as /dev/video0.
	DeviceIndex SourceKind = iota
	// URL is a network stream such as rtsp://host/stream.
	URL
	// FilePath is a video file on disk.
	FilePath
)

func (k SourceKind) String() string {
	switch k {
	case DeviceIndex:
		return "device"
	case URL:
		return "url"
	case FilePath:
		return "file"
	}
	return fmt.Sprintf("SourceKind(%d)", int(k))
}

// Source identifies where frames come from. Exactly one of Index or Target is meaningful,
// depending on Kind. Sources are comparable with ==.
type Source struct {
	Kind   SourceKind
	Index  int
	Target string
}

// ErrEmptySource is returned when parsing a blank source string.
var ErrEmptySource = errors.New("video source cannot be empty")

// ParseSource resolves a source string once: a non-negative integer is a device index, anything
// with a scheme is a URL, and everything else is a file path.
func ParseSource(s string) (Source, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Source{}, ErrEmptySource
	}
	if index, err := strconv.Atoi(s); err == nil {
		if index < 0 {
			return Source{}, errors.Errorf("device index must be non-negative, got %d", index)
		}
		return Source{Kind: DeviceIndex, Index: index}, nil
	}
	if strings.Contains(s, "://") {
		return Source{Kind: URL, Target: s}, nil
	}
	return Source{Kind: FilePath, Target: s}, nil
}

func (s Source) String() string {
	if s.Kind == DeviceIndex {
		return fmt.Sprintf("%s:%d", s.Kind, s.Index)
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.Target)
}
