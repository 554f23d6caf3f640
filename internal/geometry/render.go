package geometry

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// ErrRectOutOfBounds is returned when a crop reaches outside its source.
var ErrRectOutOfBounds = errors.New("rectangle exceeds image bounds")

// Render draws src into dst through t with bilinear filtering. Pixels of dst
// that t does not reach keep their previous value.
func Render(dst draw.Image, src image.Image, t Transform) {
	draw.BiLinear.Transform(dst, t.Aff3(), src, src.Bounds(), draw.Src, nil)
}

// Clear fills dst with transparent black.
func Clear(dst draw.Image) {
	draw.Draw(dst, dst.Bounds(), image.Transparent, image.Point{}, draw.Src)
}

// Crop copies the pixels under r into a new image. The rectangle is
// truncated to whole pixels and must lie inside src.
func Crop(src image.Image, r r2.Rect) (*image.RGBA, error) {
	x, y := int(math.Floor(r.X.Lo)), int(math.Floor(r.Y.Lo))
	w, h := int(r.X.Length()), int(r.Y.Length())
	if w <= 0 || h <= 0 {
		return nil, errors.Wrapf(ErrDegenerateRect, "crop %dx%d", w, h)
	}

	area := image.Rect(x, y, x+w, y+h)
	if !area.In(src.Bounds()) {
		return nil, errors.Wrapf(ErrRectOutOfBounds, "crop %v of %v", area, src.Bounds())
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), src, area.Min, draw.Src)
	return dst, nil
}

// CloneRGBA returns a deep copy of img.
func CloneRGBA(img *image.RGBA) *image.RGBA {
	out := &image.RGBA{
		Pix:    make([]byte, len(img.Pix)),
		Stride: img.Stride,
		Rect:   img.Rect,
	}
	copy(out.Pix, img.Pix)
	return out
}
