package reframe

import (
	"fmt"
	"math"

	"golang.org/x/image/math/f64"
)

// Transform places the decoded picture inside the encoder frame.
//
// Coordinates are normalized device coordinates: the encoder frame spans
// [-1, 1] on both axes with y pointing up. The textured quad spans
// [-ScaleX, ScaleX] x [-ScaleY, ScaleY] before rotation, so a scale above 1
// crops that axis.
type Transform struct {
	Angle      float64 // Counter-clockwise rotation in degrees
	ScaleX     float64
	ScaleY     float64
	TranslateX float64
	TranslateY float64
}

// NewTransform computes the aspect correction and rotation that map a
// decWxdecH picture into an encWxencH frame. rotation is the clockwise
// display rotation stored with the input track.
//
// The axis that would be squeezed is stretched by the aspect distortion so
// the picture fills the frame without distortion, cropping the overflow.
func NewTransform(decW, decH, encW, encH, rotation int) Transform {
	t := Transform{Angle: -float64(rotation), ScaleX: 1, ScaleY: 1}
	if decW <= 0 || decH <= 0 || encW <= 0 || encH <= 0 {
		return t
	}

	decAspect := float64(decW) / float64(decH)
	encAspect := float64(encW) / float64(encH)
	distortion := encAspect / decAspect

	corr := distortion
	if distortion < 1 {
		corr = 1 / distortion
	}

	if encAspect < 1 {
		t.ScaleY = corr
	} else {
		t.ScaleX = corr
	}
	return t
}

// Vertices returns the quad as a triangle strip of (x, y, z) positions:
// bottom-left, bottom-right, top-left, top-right.
func (t Transform) Vertices() [12]float32 {
	x1, x2 := -t.ScaleX, t.ScaleX
	y1, y2 := -t.ScaleY, t.ScaleY
	corners := [4][2]float64{{x1, y1}, {x2, y1}, {x1, y2}, {x2, y2}}

	sin, cos := math.Sincos(t.Angle * math.Pi / 180)
	var v [12]float32
	for i, c := range corners {
		x := c[0]*cos - c[1]*sin + t.TranslateX
		y := c[0]*sin + c[1]*cos + t.TranslateY
		v[i*3] = float32(x)
		v[i*3+1] = float32(y)
	}
	return v
}

// TexCoords returns the texture coordinates matching Vertices, y-up.
func (t Transform) TexCoords() [8]float32 {
	return [8]float32{0, 0, 1, 0, 0, 1, 1, 1}
}

// PixelAffine maps source pixel coordinates of a srcW x srcH picture to
// destination pixel coordinates of a dstW x dstH frame, top-left origin.
func (t Transform) PixelAffine(srcW, srcH, dstW, dstH int) f64.Aff3 {
	ws, hs := float64(srcW), float64(srcH)
	wd, hd := float64(dstW), float64(dstH)

	// Source pixels to texture space: u = x/ws, v = 1 - y/hs.
	toTex := f64.Aff3{
		1 / ws, 0, 0,
		0, -1 / hs, 1,
	}
	// Texture space to the unrotated quad.
	toQuad := f64.Aff3{
		2 * t.ScaleX, 0, -t.ScaleX,
		0, 2 * t.ScaleY, -t.ScaleY,
	}
	sin, cos := math.Sincos(t.Angle * math.Pi / 180)
	rotate := f64.Aff3{
		cos, -sin, t.TranslateX,
		sin, cos, t.TranslateY,
	}
	// NDC (y-up) to destination pixels (y-down).
	toPixels := f64.Aff3{
		wd / 2, 0, wd / 2,
		0, -hd / 2, hd / 2,
	}
	return mulAff3(toPixels, mulAff3(rotate, mulAff3(toQuad, toTex)))
}

func (t Transform) String() string {
	return fmt.Sprintf("angle=%g scale=(%g,%g) translate=(%g,%g)",
		t.Angle, t.ScaleX, t.ScaleY, t.TranslateX, t.TranslateY)
}

// mulAff3 returns a∘b, the transform applying b first.
func mulAff3(a, b f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		a[0]*b[0] + a[1]*b[3],
		a[0]*b[1] + a[1]*b[4],
		a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3],
		a[3]*b[1] + a[4]*b[4],
		a[3]*b[2] + a[4]*b[5] + a[5],
	}
}
