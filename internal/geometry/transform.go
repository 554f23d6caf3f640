// Package geometry maps rectangles between the coordinate spaces of the
// pipeline: camera frame, detector crop, upright portrait and display.
package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/mat"
)

// ErrSingularTransform is returned when a transform has no inverse.
var ErrSingularTransform = errors.New("transform is not invertible")

// Transform is a 2D affine map stored row-major as
//
//	| a b c |
//	| d e f |
//
// so that x' = a*x + b*y + c and y' = d*x + e*y + f.
type Transform f64.Aff3

// Identity returns the transform that leaves every point in place.
func Identity() Transform {
	return Transform{1, 0, 0, 0, 1, 0}
}

// Translate moves points by (tx, ty).
func Translate(tx, ty float64) Transform {
	return Transform{1, 0, tx, 0, 1, ty}
}

// Scale stretches points away from the origin.
func Scale(sx, sy float64) Transform {
	return Transform{sx, 0, 0, 0, sy, 0}
}

// ScaleAbout stretches points away from (px, py).
func ScaleAbout(sx, sy, px, py float64) Transform {
	return Translate(-px, -py).Then(Scale(sx, sy)).Then(Translate(px, py))
}

// Rotate turns points by deg degrees about the origin. With y pointing down
// a positive angle is clockwise on screen.
func Rotate(deg float64) Transform {
	sin, cos := sinCos(deg)
	return Transform{cos, -sin, 0, sin, cos, 0}
}

// sinCos is exact for multiples of 90 degrees.
func sinCos(deg float64) (float64, float64) {
	if math.Mod(deg, 90) == 0 {
		switch q := int(math.Mod(deg/90, 4)); (q + 4) % 4 {
		case 0:
			return 0, 1
		case 1:
			return 1, 0
		case 2:
			return 0, -1
		default:
			return -1, 0
		}
	}
	return math.Sincos(deg * math.Pi / 180)
}

// Then returns the transform that applies t first and next second.
func (t Transform) Then(next Transform) Transform {
	n := next
	return Transform{
		n[0]*t[0] + n[1]*t[3], n[0]*t[1] + n[1]*t[4], n[0]*t[2] + n[1]*t[5] + n[2],
		n[3]*t[0] + n[4]*t[3], n[3]*t[1] + n[4]*t[4], n[3]*t[2] + n[4]*t[5] + n[5],
	}
}

// Apply maps a single point.
func (t Transform) Apply(p r2.Point) r2.Point {
	return r2.Point{
		X: t[0]*p.X + t[1]*p.Y + t[2],
		Y: t[3]*p.X + t[4]*p.Y + t[5],
	}
}

// MapRect maps the four corners of r and returns their bounding box.
func (t Transform) MapRect(r r2.Rect) r2.Rect {
	corners := r.Vertices()
	pts := make([]r2.Point, len(corners))
	for i, c := range corners {
		pts[i] = t.Apply(c)
	}
	return r2.RectFromPoints(pts...)
}

// Aff3 exposes t in the layout golang.org/x/image/draw expects.
func (t Transform) Aff3() f64.Aff3 {
	return f64.Aff3(t)
}

// Invert returns the inverse of t.
func Invert(t Transform) (Transform, error) {
	det := t[0]*t[4] - t[1]*t[3]
	if math.Abs(det) < 1e-12 || math.IsNaN(det) {
		return Transform{}, ErrSingularTransform
	}

	m := mat.NewDense(3, 3, []float64{
		t[0], t[1], t[2],
		t[3], t[4], t[5],
		0, 0, 1,
	})
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return Transform{}, errors.Wrap(ErrSingularTransform, err.Error())
		}
	}
	return Transform{
		inv.At(0, 0), inv.At(0, 1), inv.At(0, 2),
		inv.At(1, 0), inv.At(1, 1), inv.At(1, 2),
	}, nil
}

// MustInvert is Invert for transforms built from valid dimensions. It panics
// on a singular transform, which only happens with zero-sized inputs.
func MustInvert(t Transform) Transform {
	inv, err := Invert(t)
	if err != nil {
		panic(err)
	}
	return inv
}
