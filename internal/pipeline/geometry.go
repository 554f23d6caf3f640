package pipeline

import (
	"github.com/andresmejia3/facewatch/internal/geometry"
	"github.com/pkg/errors"
)

// Geometry holds the transforms for one preview configuration. It is built
// once per frame size and rotation and shared read-only by detection cycles.
type Geometry struct {
	FrameW, FrameH       int
	Rotation             int
	PortraitW, PortraitH int
	CropW, CropH         int

	FrameToCrop     geometry.Transform
	CropToFrame     geometry.Transform
	FrameToPortrait geometry.Transform
	// Mirror flips frame-space boxes for front cameras.
	Mirror geometry.Transform
}

// NewGeometry derives the detector crop (half the upright portrait size)
// and the transforms between frame, crop and portrait space.
func NewGeometry(frameW, frameH, rotation int, maintainAspect bool) (*Geometry, error) {
	if frameW < 2 || frameH < 2 {
		return nil, errors.Wrapf(ErrInitialization, "preview size %dx%d", frameW, frameH)
	}

	g := &Geometry{FrameW: frameW, FrameH: frameH, Rotation: rotation}
	g.PortraitW, g.PortraitH = geometry.OrientedSize(frameW, frameH, rotation)
	g.CropW, g.CropH = g.PortraitW/2, g.PortraitH/2

	g.FrameToCrop = geometry.BuildCropTransform(frameW, frameH, g.CropW, g.CropH, rotation, maintainAspect)
	g.CropToFrame = geometry.MustInvert(g.FrameToCrop)
	g.FrameToPortrait = geometry.BuildRotationTransform(frameW, frameH, g.PortraitW, g.PortraitH, rotation)

	g.Mirror = geometry.BuildMirrorTransform(frameW, frameH, geometry.AxesSwapped(rotation))
	return g, nil
}

func (g *Geometry) matches(w, h, rotation int) bool {
	return g != nil && g.FrameW == w && g.FrameH == h && g.Rotation == rotation
}
