package types

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/golang/geo/r2"
)

// UnknownLabel is the title shown for faces that matched nobody.
const UnknownLabel = "unknown"

// PlaceholderIdentity is the reserved identity of template gallery entries.
const PlaceholderIdentity = "0"

// Facing is the direction the camera lens points.
type Facing int

const (
	FacingBack Facing = iota
	FacingFront
)

func (f Facing) String() string {
	if f == FacingFront {
		return "front"
	}
	return "back"
}

// ParseFacing accepts "front" or "back" (case-insensitive).
func ParseFacing(s string) (Facing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "back":
		return FacingBack, nil
	case "front":
		return FacingFront, nil
	}
	return FacingBack, fmt.Errorf("unknown camera facing %q", s)
}

// Frame is a single camera image delivered by a frame source.
type Frame struct {
	// Timestamp is monotonically increasing per source.
	Timestamp int64
	Image     *image.RGBA
	// Rotation of the sensor relative to the display, in degrees.
	Rotation int
	Facing   Facing
	// Release hands the pixel buffer back to the source. May be nil.
	Release func()
}

func (f Frame) Width() int  { return f.Image.Bounds().Dx() }
func (f Frame) Height() int { return f.Image.Bounds().Dy() }

// Done releases the frame buffer. Safe to call on frames without a Release func.
func (f Frame) Done() {
	if f.Release != nil {
		f.Release()
	}
}

// FaceRegion is a detector output in crop space.
type FaceRegion struct {
	Box   r2.Rect
	Score float64
}

// Candidate is one ranked answer from the recognizer.
type Candidate struct {
	ID       string
	Label    string
	Distance float64
	// Extra holds the raw embedding when the caller asked for registration data.
	Extra []float32
}

// Match is either Unmatched or Matched.
type Match interface {
	isMatch()
}

type Unmatched struct{}

type Matched struct {
	Identity string
	Label    string
	Distance float64
}

func (Unmatched) isMatch() {}
func (Matched) isMatch()   {}

// Enrollment is the data needed to register a face under a new name.
type Enrollment struct {
	// Input is the fixed-size recognition input the embedding was computed from.
	Input     image.Image
	Embedding []float32
	Crop      image.Image
}

// Recognition is one face of a published batch.
type Recognition struct {
	Title      string
	Confidence float64
	// Location is in display space (mirrored for front cameras).
	Location   r2.Rect
	Color      color.RGBA
	Match      Match
	Crop       image.Image
	Enrollment *Enrollment
}

// IsMatched reports whether r was recognized as a gallery identity.
func (r Recognition) IsMatched() bool {
	_, ok := r.Match.(Matched)
	return ok
}

// Rect builds an r2.Rect from left/top/right/bottom edges.
func Rect(left, top, right, bottom float64) r2.Rect {
	return r2.RectFromPoints(r2.Point{X: left, Y: top}, r2.Point{X: right, Y: bottom})
}
