package geometry

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrDegenerateRect is returned for rectangles with no area.
var ErrDegenerateRect = errors.New("rectangle has no area")

// BuildCropTransform maps a srcW x srcH frame into a dstW x dstH detector
// input, rotating by rotation degrees about the frame centre. When the
// rotation is a quarter turn the source axes are swapped before scaling.
// maintainAspect applies one uniform scale (the larger of the two) so the
// frame fills the destination and the overflow is cropped.
func BuildCropTransform(srcW, srcH, dstW, dstH, rotation int, maintainAspect bool) Transform {
	t := Identity()

	if rotation != 0 {
		if rotation%90 != 0 {
			log.WithField("rotation", rotation).Warn("rotation is not a multiple of 90 degrees")
		}
		t = t.Then(Translate(-float64(srcW)/2, -float64(srcH)/2)).
			Then(Rotate(float64(rotation)))
	}

	inW, inH := srcW, srcH
	if AxesSwapped(rotation) {
		inW, inH = srcH, srcW
	}

	if inW != dstW || inH != dstH {
		sx := float64(dstW) / float64(inW)
		sy := float64(dstH) / float64(inH)
		if maintainAspect {
			s := max(sx, sy)
			t = t.Then(Scale(s, s))
		} else {
			t = t.Then(Scale(sx, sy))
		}
	}

	if rotation != 0 {
		t = t.Then(Translate(float64(dstW)/2, float64(dstH)/2))
	}
	return t
}

// BuildRotationTransform rotates a srcW x srcH frame into an upright
// dstW x dstH image without scaling. A zero rotation yields the identity.
func BuildRotationTransform(srcW, srcH, dstW, dstH, rotation int) Transform {
	if rotation == 0 {
		return Identity()
	}
	if rotation%90 != 0 {
		log.WithField("rotation", rotation).Warn("rotation is not a multiple of 90 degrees")
	}
	return Translate(-float64(srcW)/2, -float64(srcH)/2).
		Then(Rotate(float64(rotation))).
		Then(Translate(float64(dstW)/2, float64(dstH)/2))
}

// BuildFaceCropTransform maps box onto a size x size square, scaling each
// axis independently.
func BuildFaceCropTransform(box r2.Rect, size int) (Transform, error) {
	w, h := box.X.Length(), box.Y.Length()
	if w <= 0 || h <= 0 {
		return Transform{}, errors.Wrapf(ErrDegenerateRect, "face box %vx%v", w, h)
	}
	return Translate(-box.X.Lo, -box.Y.Lo).
		Then(Scale(float64(size)/w, float64(size)/h)), nil
}

// BuildMirrorTransform flips display coordinates for front cameras. When the
// sensor axes are swapped relative to the display the flip is vertical,
// otherwise horizontal. Both flips are about the frame centre.
func BuildMirrorTransform(frameW, frameH int, axisSwapped bool) Transform {
	cx, cy := float64(frameW)/2, float64(frameH)/2
	if axisSwapped {
		return ScaleAbout(1, -1, cx, cy)
	}
	return ScaleAbout(-1, 1, cx, cy)
}

// OrientedSize returns w, h as seen after rotating by rotation degrees.
func OrientedSize(w, h, rotation int) (int, int) {
	if AxesSwapped(rotation) {
		return h, w
	}
	return w, h
}

// AxesSwapped reports whether rotation is a quarter turn that exchanges
// width and height.
func AxesSwapped(rotation int) bool {
	if rotation < 0 {
		rotation = -rotation
	}
	return (rotation+90)%180 == 0
}
