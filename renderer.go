package reframe

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/image/draw"
)

// ErrBackendUnavailable is returned when the requested render backend
// cannot be initialised on this host.
var ErrBackendUnavailable = errors.New("render backend unavailable")

// RendererBackend selects how frames are transformed.
type RendererBackend int

const (
	BackendAuto     RendererBackend = iota // GLES when available, else software
	BackendSoftware                        // CPU resampling
	BackendGLES                            // EGL pbuffer + GLES2
)

func (b RendererBackend) String() string {
	switch b {
	case BackendSoftware:
		return "software"
	case BackendGLES:
		return "gles"
	default:
		return "auto"
	}
}

// ParseRendererBackend parses a backend name.
func ParseRendererBackend(s string) (RendererBackend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return BackendAuto, nil
	case "software", "cpu":
		return BackendSoftware, nil
	case "gles", "gl", "gpu":
		return BackendGLES, nil
	default:
		return BackendAuto, fmt.Errorf("unknown render backend %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (b RendererBackend) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *RendererBackend) UnmarshalText(text []byte) error {
	v, err := ParseRendererBackend(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Renderer draws a decoded frame into the encoder frame.
// A Renderer is bound to the goroutine (and OS thread) that created it.
type Renderer interface {
	// SetShader replaces the colour pass.
	SetShader(Shader) error

	// Draw clears the target to black and draws src through t.
	Draw(src *VideoFrame, t Transform) error

	// ReadFrame returns the last drawn target as I420. The frame is owned
	// by the renderer and valid until the next Draw.
	ReadFrame() (*VideoFrame, error)

	Backend() RendererBackend
	Close() error
}

func newRenderer(backend RendererBackend, width, height int, logger hclog.Logger) (Renderer, error) {
	switch backend {
	case BackendSoftware:
		return newSoftwareRenderer(width, height), nil
	case BackendGLES:
		return newGLESRenderer(width, height, logger)
	default:
		r, err := newGLESRenderer(width, height, logger)
		if err == nil {
			return r, nil
		}
		logger.Debug("GLES unavailable, using software renderer", "error", err)
		return newSoftwareRenderer(width, height), nil
	}
}

// softwareRenderer resamples on the CPU with bilinear filtering.
type softwareRenderer struct {
	width  int
	height int
	shader Shader
	target *image.RGBA
	out    *VideoFrame
}

func newSoftwareRenderer(width, height int) *softwareRenderer {
	sh, _ := ParseShader(ShaderIdentity)
	return &softwareRenderer{
		width:  width,
		height: height,
		shader: sh,
		target: image.NewRGBA(image.Rect(0, 0, width, height)),
		out:    NewI420Frame(width, height),
	}
}

func (r *softwareRenderer) SetShader(sh Shader) error {
	if !sh.CPU() {
		return fmt.Errorf("%w: %s renderer cannot run custom GLSL", ErrShaderUnsupported, BackendSoftware)
	}
	r.shader = sh
	return nil
}

func (r *softwareRenderer) Draw(src *VideoFrame, t Transform) error {
	img, err := frameImage(src)
	if err != nil {
		return err
	}
	shaded, err := r.shader.Apply(img)
	if err != nil {
		return err
	}

	draw.Draw(r.target, r.target.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	s2d := t.PixelAffine(src.Width, src.Height, r.width, r.height)
	draw.BiLinear.Transform(r.target, s2d, shaded, shaded.Bounds(), draw.Over, nil)
	return nil
}

func (r *softwareRenderer) ReadFrame() (*VideoFrame, error) {
	rgbaToI420(r.out, r.target.Pix, r.target.Stride)
	return r.out, nil
}

func (r *softwareRenderer) Backend() RendererBackend { return BackendSoftware }

func (r *softwareRenderer) Close() error { return nil }

// frameImage returns an image view of a decoded frame.
func frameImage(f *VideoFrame) (image.Image, error) {
	switch f.Format {
	case PixelFormatI420:
		return f.YCbCr()
	case PixelFormatRGBA32:
		if len(f.Data) < 1 || len(f.Stride) < 1 {
			return nil, fmt.Errorf("%w: empty RGBA frame", ErrInvalidFrame)
		}
		return &image.RGBA{Pix: f.Data[0], Stride: f.Stride[0], Rect: image.Rect(0, 0, f.Width, f.Height)}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported pixel format %s", ErrInvalidFrame, f.Format)
	}
}

// rgbaToI420 converts packed RGBA into dst using full-range BT.601 (JFIF),
// averaging chroma over each 2x2 block.
func rgbaToI420(dst *VideoFrame, pix []byte, stride int) {
	w, h := dst.Width, dst.Height
	yPlane, uPlane, vPlane := dst.Data[0], dst.Data[1], dst.Data[2]
	yStride, cStride := dst.Stride[0], dst.Stride[1]

	for y := 0; y < h; y++ {
		row := pix[y*stride:]
		for x := 0; x < w; x++ {
			p := row[x*4:]
			yy, _, _ := color.RGBToYCbCr(p[0], p[1], p[2])
			yPlane[y*yStride+x] = yy
		}
	}

	cw, ch := chromaSize(w, h)
	for cy := 0; cy < ch; cy++ {
		for cx := 0; cx < cw; cx++ {
			var r, g, b, n int
			for dy := 0; dy < 2; dy++ {
				sy := cy*2 + dy
				if sy >= h {
					continue
				}
				for dx := 0; dx < 2; dx++ {
					sx := cx*2 + dx
					if sx >= w {
						continue
					}
					p := pix[sy*stride+sx*4:]
					r += int(p[0])
					g += int(p[1])
					b += int(p[2])
					n++
				}
			}
			_, cb, cr := color.RGBToYCbCr(uint8(r/n), uint8(g/n), uint8(b/n))
			uPlane[cy*cStride+cx] = cb
			vPlane[cy*cStride+cx] = cr
		}
	}
}
