package reframe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidI420(width, height int, y, u, v byte) *VideoFrame {
	f := NewI420Frame(width, height)
	for i, val := range []byte{y, u, v} {
		for j := range f.Data[i] {
			f.Data[i][j] = val
		}
	}
	return f
}

type captureSink struct {
	frames []*VideoFrame
	err    error
}

func (s *captureSink) submitFrame(ctx context.Context, frame *VideoFrame) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame)
	return nil
}

func newTestSurfaces(t *testing.T, width, height int, tr Transform) (*InputSurface, *OutputSurface, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	in := newInputSurface(width, height, sink)
	require.NoError(t, in.MakeCurrent(context.Background(), RenderOptions{
		Backend:          BackendSoftware,
		FrameWaitTimeout: 50 * time.Millisecond,
	}))
	out, err := NewOutputSurface(in, tr)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = out.Release()
		_ = in.Release()
	})
	return in, out, sink
}

func TestParseRendererBackend(t *testing.T) {
	tests := []struct {
		in   string
		want RendererBackend
	}{
		{"", BackendAuto},
		{"auto", BackendAuto},
		{"Software", BackendSoftware},
		{"cpu", BackendSoftware},
		{"gles", BackendGLES},
		{"GPU", BackendGLES},
	}
	for _, tt := range tests {
		got, err := ParseRendererBackend(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseRendererBackend("vulkan")
	assert.Error(t, err)

	var b RendererBackend
	require.NoError(t, b.UnmarshalText([]byte("software")))
	assert.Equal(t, BackendSoftware, b)
	text, err := BackendGLES.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "gles", string(text))
}

func TestSoftwareRenderer_Draw(t *testing.T) {
	r := newSoftwareRenderer(16, 16)
	require.NoError(t, r.Draw(solidI420(16, 16, 200, 128, 128), Transform{ScaleX: 1, ScaleY: 1}))

	out, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, 16, out.Width)
	assert.Equal(t, 16, out.Height)
	assert.Equal(t, PixelFormatI420, out.Format)
	for _, y := range out.Data[0] {
		assert.InDelta(t, 200, int(y), 2)
	}
	for _, c := range out.Data[1] {
		assert.InDelta(t, 128, int(c), 2)
	}
}

func TestSoftwareRenderer_Letterbox(t *testing.T) {
	r := newSoftwareRenderer(16, 16)
	require.NoError(t, r.Draw(solidI420(16, 16, 255, 128, 128), Transform{ScaleX: 0.5, ScaleY: 0.5}))

	out, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, byte(0), out.Data[0][0], "outside the quad is black")
	assert.Equal(t, byte(0), out.Data[0][15*16+15])
	assert.InDelta(t, 255, int(out.Data[0][8*16+8]), 2)
}

func TestSoftwareRenderer_Shader(t *testing.T) {
	r := newSoftwareRenderer(8, 8)
	sh, err := ParseShader(ShaderInvert)
	require.NoError(t, err)
	require.NoError(t, r.SetShader(sh))
	require.NoError(t, r.Draw(solidI420(8, 8, 255, 128, 128), Transform{ScaleX: 1, ScaleY: 1}))

	out, err := r.ReadFrame()
	require.NoError(t, err)
	assert.InDelta(t, 0, int(out.Data[0][27]), 2)

	custom, err := ParseShader("void main() { gl_FragColor = vec4(1.0); }")
	require.NoError(t, err)
	assert.ErrorIs(t, r.SetShader(custom), ErrShaderUnsupported)
}

func TestSurface_FrameFlow(t *testing.T) {
	in, out, sink := newTestSurfaces(t, 16, 16, Transform{ScaleX: 1, ScaleY: 1})
	assert.Equal(t, BackendSoftware, in.Backend())

	out.post(solidI420(32, 24, 90, 128, 128))
	require.NoError(t, out.AwaitNewImage(context.Background()))
	require.NoError(t, out.DrawImage())
	in.SetPresentationTime(33_333_000)
	require.NoError(t, in.SwapBuffers())

	require.Len(t, sink.frames, 1)
	assert.Equal(t, int64(33_333_000), sink.frames[0].Timestamp)
	assert.Equal(t, 16, sink.frames[0].Width)
	assert.InDelta(t, 90, int(sink.frames[0].Data[0][0]), 2)

	// Submitted frames are copies, not the renderer's buffer.
	out.post(solidI420(32, 24, 10, 128, 128))
	require.NoError(t, out.AwaitNewImage(context.Background()))
	require.NoError(t, out.DrawImage())
	require.NoError(t, in.SwapBuffers())
	require.Len(t, sink.frames, 2)
	assert.InDelta(t, 90, int(sink.frames[0].Data[0][0]), 2)
	assert.InDelta(t, 10, int(sink.frames[1].Data[0][0]), 2)
}

func TestSurface_AwaitTimeout(t *testing.T) {
	_, out, _ := newTestSurfaces(t, 16, 16, Transform{ScaleX: 1, ScaleY: 1})

	assert.ErrorIs(t, out.DrawImage(), ErrNoFrame)

	start := time.Now()
	err := out.AwaitNewImage(context.Background())
	assert.ErrorIs(t, err, ErrFrameTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSurface_AwaitCanceled(t *testing.T) {
	_, out, _ := newTestSurfaces(t, 16, 16, Transform{ScaleX: 1, ScaleY: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, out.AwaitNewImage(ctx), context.Canceled)
}

func TestSurface_PostReplacesPending(t *testing.T) {
	_, out, _ := newTestSurfaces(t, 16, 16, Transform{ScaleX: 1, ScaleY: 1})

	first := solidI420(16, 16, 1, 128, 128)
	second := solidI420(16, 16, 2, 128, 128)
	out.post(first)
	out.post(second)

	require.NoError(t, out.AwaitNewImage(context.Background()))
	assert.Same(t, second, out.current)
	assert.ErrorIs(t, out.AwaitNewImage(context.Background()), ErrFrameTimeout)
}

func TestSurface_Released(t *testing.T) {
	in, out, _ := newTestSurfaces(t, 16, 16, Transform{ScaleX: 1, ScaleY: 1})

	require.NoError(t, out.Release())
	assert.ErrorIs(t, out.AwaitNewImage(context.Background()), ErrSurfaceReleased)
	assert.ErrorIs(t, out.ChangeFragmentShader(ShaderInvert), ErrNotCurrent)

	require.NoError(t, in.Release())
	require.NoError(t, in.Release())
	assert.ErrorIs(t, in.SwapBuffers(), ErrSurfaceReleased)
	assert.ErrorIs(t, in.MakeCurrent(context.Background(), RenderOptions{}), ErrSurfaceReleased)
}

func TestNewOutputSurface_NotCurrent(t *testing.T) {
	in := newInputSurface(16, 16, &captureSink{})
	_, err := NewOutputSurface(in, Transform{})
	assert.ErrorIs(t, err, ErrNotCurrent)
	assert.ErrorIs(t, in.SwapBuffers(), ErrNotCurrent)
}
