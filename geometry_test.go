package reframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/image/math/f64"
)

func applyAff3(m f64.Aff3, x, y float64) (float64, float64) {
	return m[0]*x + m[1]*y + m[2], m[3]*x + m[4]*y + m[5]
}

func TestNewTransform(t *testing.T) {
	tests := []struct {
		name                   string
		decW, decH, encW, encH int
		rotation               int
		want                   Transform
	}{
		{
			name: "same aspect",
			decW: 1280, decH: 720, encW: 640, encH: 360,
			want: Transform{ScaleX: 1, ScaleY: 1},
		},
		{
			name: "landscape into square",
			decW: 1280, decH: 720, encW: 720, encH: 720,
			want: Transform{ScaleX: 16.0 / 9.0, ScaleY: 1},
		},
		{
			name: "square into landscape",
			decW: 720, decH: 720, encW: 1280, encH: 720,
			want: Transform{ScaleX: 16.0 / 9.0, ScaleY: 1},
		},
		{
			name: "landscape into portrait",
			decW: 1280, decH: 720, encW: 720, encH: 1280,
			want: Transform{ScaleX: 1, ScaleY: (16.0 / 9.0) / (9.0 / 16.0)},
		},
		{
			name: "rotated",
			decW: 1280, decH: 720, encW: 1280, encH: 720, rotation: 90,
			want: Transform{Angle: -90, ScaleX: 1, ScaleY: 1},
		},
		{
			name: "unknown size",
			decW: 0, decH: 720, encW: 720, encH: 720, rotation: 180,
			want: Transform{Angle: -180, ScaleX: 1, ScaleY: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewTransform(tt.decW, tt.decH, tt.encW, tt.encH, tt.rotation)
			assert.Equal(t, tt.want.Angle, got.Angle)
			assert.InDelta(t, tt.want.ScaleX, got.ScaleX, 1e-9)
			assert.InDelta(t, tt.want.ScaleY, got.ScaleY, 1e-9)
			assert.Zero(t, got.TranslateX)
			assert.Zero(t, got.TranslateY)
		})
	}
}

func TestNewTransform_Deterministic(t *testing.T) {
	a := NewTransform(1920, 1080, 720, 720, 270)
	b := NewTransform(1920, 1080, 720, 720, 270)
	assert.Equal(t, a, b)
	assert.Equal(t, a.Vertices(), b.Vertices())
}

func TestTransform_Vertices(t *testing.T) {
	identity := Transform{ScaleX: 1, ScaleY: 1}
	assert.Equal(t, [12]float32{-1, -1, 0, 1, -1, 0, -1, 1, 0, 1, 1, 0}, identity.Vertices())

	wide := Transform{ScaleX: 2, ScaleY: 1}
	v := wide.Vertices()
	assert.Equal(t, float32(-2), v[0])
	assert.Equal(t, float32(2), v[3])

	// Rotating -90 degrees moves the bottom-left corner to the top-left.
	rotated := Transform{Angle: -90, ScaleX: 1, ScaleY: 1}.Vertices()
	assert.InDelta(t, -1, rotated[0], 1e-6)
	assert.InDelta(t, 1, rotated[1], 1e-6)
	assert.InDelta(t, 1, rotated[9], 1e-6)
	assert.InDelta(t, -1, rotated[10], 1e-6)
}

func TestTransform_PixelAffine(t *testing.T) {
	t.Run("identity", func(t *testing.T) {
		m := Transform{ScaleX: 1, ScaleY: 1}.PixelAffine(16, 16, 16, 16)
		for _, p := range [][2]float64{{0, 0}, {16, 16}, {4, 12}} {
			x, y := applyAff3(m, p[0], p[1])
			assert.InDelta(t, p[0], x, 1e-9)
			assert.InDelta(t, p[1], y, 1e-9)
		}
	})

	t.Run("scale", func(t *testing.T) {
		m := Transform{ScaleX: 1, ScaleY: 1}.PixelAffine(32, 24, 16, 16)
		x, y := applyAff3(m, 32, 24)
		assert.InDelta(t, 16, x, 1e-9)
		assert.InDelta(t, 16, y, 1e-9)
	})

	t.Run("crop", func(t *testing.T) {
		// Horizontal overflow is split evenly between both sides.
		m := NewTransform(32, 16, 16, 16, 0).PixelAffine(32, 16, 16, 16)
		x, _ := applyAff3(m, 0, 0)
		assert.InDelta(t, -8, x, 1e-9)
		x, _ = applyAff3(m, 32, 0)
		assert.InDelta(t, 24, x, 1e-9)
	})

	t.Run("clockwise rotation", func(t *testing.T) {
		m := NewTransform(16, 16, 16, 16, 90).PixelAffine(16, 16, 16, 16)
		// Top-left lands top-right; bottom-left lands top-left.
		x, y := applyAff3(m, 0, 0)
		assert.InDelta(t, 16, x, 1e-9)
		assert.InDelta(t, 0, y, 1e-9)
		x, y = applyAff3(m, 0, 16)
		assert.InDelta(t, 0, x, 1e-9)
		assert.InDelta(t, 0, y, 1e-9)
	})
}
