package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var sizePattern = regexp.MustCompile(`^(\d+)\s*[xX×]\s*(\d+)$`)

// CropSize is the geometry directive of a request. A zero width or height is
// computed by the background process from the original aspect ratio.
type CropSize struct {
	Width         int  `json:"width"`
	Height        int  `json:"height"`
	LongEdge      bool `json:"longEdge"`
	IsAspectRatio bool `json:"isAspectRatio"`
}

// ParseCropSize parses "1200x630" (also "1200X630" and "1200×630") or a single
// integer N, which means NxN.
func ParseCropSize(s string) (CropSize, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return CropSize{}, fmt.Errorf("invalid size %q: must not be negative", s)
		}
		return CropSize{Width: n, Height: n}, nil
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return CropSize{}, fmt.Errorf("invalid size %q: expected WIDTHxHEIGHT or a single number", s)
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	if w == 0 && h == 0 {
		return CropSize{}, fmt.Errorf("invalid size %q: width and height cannot both be 0", s)
	}
	return CropSize{Width: w, Height: h}, nil
}

// WithLongEdge returns a copy of c that crops the longer side to the given
// size when width and height are equal.
func (c CropSize) WithLongEdge(longEdge bool) CropSize {
	c.LongEdge = longEdge && c.Width == c.Height
	return c
}

func (c CropSize) String() string {
	return fmt.Sprintf("%dx%d", c.Width, c.Height)
}

// NewRequestID returns a short random token. It is not globally unique; jobs
// are correlated by target, not by request id.
func NewRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
