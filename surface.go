package reframe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
)

// DefaultFrameWaitTimeout bounds OutputSurface.AwaitNewImage.
const DefaultFrameWaitTimeout = 2500 * time.Millisecond

// Surface errors
var (
	ErrFrameTimeout    = errors.New("frame wait timed out")
	ErrNotCurrent      = errors.New("render context not current")
	ErrSurfaceReleased = errors.New("surface released")
	ErrNoFrame         = errors.New("no frame to draw")
)

// RenderOptions configure the render context created by MakeCurrent.
type RenderOptions struct {
	Backend          RendererBackend
	FrameWaitTimeout time.Duration // 0 = DefaultFrameWaitTimeout
	Logger           hclog.Logger
}

// frameSink receives rendered frames, normally an encoder codec.
type frameSink interface {
	submitFrame(ctx context.Context, frame *VideoFrame) error
}

// InputSurface is the encoder side of the transform stage. It owns the
// render context; every surface call must happen on the OS thread that
// called MakeCurrent.
type InputSurface struct {
	width  int
	height int
	sink   frameSink

	ctx      context.Context
	opts     RenderOptions
	renderer Renderer
	ptsNs    int64
	released bool
}

func newInputSurface(width, height int, sink frameSink) *InputSurface {
	return &InputSurface{width: width, height: height, sink: sink}
}

// Width returns the encoder frame width.
func (s *InputSurface) Width() int { return s.width }

// Height returns the encoder frame height.
func (s *InputSurface) Height() int { return s.height }

// MakeCurrent creates the render context on the calling thread. ctx bounds
// later SwapBuffers calls.
func (s *InputSurface) MakeCurrent(ctx context.Context, opts RenderOptions) error {
	if s.released {
		return ErrSurfaceReleased
	}
	if s.renderer != nil {
		return nil
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.FrameWaitTimeout <= 0 {
		opts.FrameWaitTimeout = DefaultFrameWaitTimeout
	}
	r, err := newRenderer(opts.Backend, s.width, s.height, opts.Logger)
	if err != nil {
		return err
	}
	s.ctx = ctx
	s.opts = opts
	s.renderer = r
	opts.Logger.Debug("render context current", "backend", r.Backend(), "width", s.width, "height", s.height)
	return nil
}

// Backend reports the active renderer backend.
func (s *InputSurface) Backend() RendererBackend {
	if s.renderer == nil {
		return s.opts.Backend
	}
	return s.renderer.Backend()
}

// SetPresentationTime sets the timestamp of the next SwapBuffers.
func (s *InputSurface) SetPresentationTime(ns int64) {
	s.ptsNs = ns
}

// SwapBuffers submits the rendered frame to the encoder.
func (s *InputSurface) SwapBuffers() error {
	if s.released {
		return ErrSurfaceReleased
	}
	if s.renderer == nil {
		return ErrNotCurrent
	}
	frame, err := s.renderer.ReadFrame()
	if err != nil {
		return err
	}
	out := frame.Clone()
	out.Timestamp = s.ptsNs
	return s.sink.submitFrame(s.ctx, out)
}

// Release destroys the render context.
func (s *InputSurface) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	if s.renderer == nil {
		return nil
	}
	err := s.renderer.Close()
	s.renderer = nil
	return err
}

// OutputSurface is the decoder side of the transform stage. Decoded frames
// arrive when the decoder releases an output buffer with render set.
type OutputSurface struct {
	in        *InputSurface
	transform Transform
	frames    chan *VideoFrame
	current   *VideoFrame
	released  bool
}

// NewOutputSurface binds a decoder surface to in's render context.
func NewOutputSurface(in *InputSurface, t Transform) (*OutputSurface, error) {
	if in == nil || in.renderer == nil {
		return nil, ErrNotCurrent
	}
	return &OutputSurface{
		in:        in,
		transform: t,
		frames:    make(chan *VideoFrame, 1),
	}, nil
}

// Transform returns the geometry applied by DrawImage.
func (s *OutputSurface) Transform() Transform { return s.transform }

// ChangeFragmentShader replaces the colour pass. src is a built-in shader
// name or GLSL source.
func (s *OutputSurface) ChangeFragmentShader(src string) error {
	if s.released || s.in.renderer == nil {
		return ErrNotCurrent
	}
	sh, err := ParseShader(src)
	if err != nil {
		return err
	}
	return s.in.renderer.SetShader(sh)
}

// post delivers a decoded frame, replacing one not yet consumed.
func (s *OutputSurface) post(frame *VideoFrame) {
	for {
		select {
		case s.frames <- frame:
			return
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}

// AwaitNewImage waits for the next decoded frame.
func (s *OutputSurface) AwaitNewImage(ctx context.Context) error {
	if s.released {
		return ErrSurfaceReleased
	}
	timer := time.NewTimer(s.in.opts.FrameWaitTimeout)
	defer timer.Stop()

	select {
	case frame := <-s.frames:
		s.current = frame
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrFrameTimeout, s.in.opts.FrameWaitTimeout)
	}
}

// DrawImage renders the latest frame into the input surface.
func (s *OutputSurface) DrawImage() error {
	if s.released || s.in.renderer == nil {
		return ErrNotCurrent
	}
	if s.current == nil {
		return ErrNoFrame
	}
	return s.in.renderer.Draw(s.current, s.transform)
}

// Release drops any pending frame.
func (s *OutputSurface) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	s.current = nil
	select {
	case <-s.frames:
	default:
	}
	return nil
}
