package reframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPixelFormat_String(t *testing.T) {
	tests := []struct {
		format PixelFormat
		want   string
		planes int
	}{
		{PixelFormatI420, "I420", 3},
		{PixelFormatRGBA32, "RGBA32", 1},
		{PixelFormat(99), "Unknown", 0},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.format.String())
			assert.Equal(t, tt.planes, tt.format.PlaneCount())
		})
	}
}

func TestI420Size(t *testing.T) {
	tests := []struct {
		width, height int
		want          int
	}{
		{1920, 1080, 1920*1080 + 2*(960*540)},
		{1280, 720, 1280*720 + 2*(640*360)},
		{720, 720, 720*720 + 2*(360*360)},
		{3, 3, 9 + 2*(2*2)},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, I420Size(tt.width, tt.height), "%dx%d", tt.width, tt.height)
	}
}

func TestNewI420Frame(t *testing.T) {
	f := NewI420Frame(5, 3)
	require.Len(t, f.Data, 3)
	assert.Len(t, f.Data[0], 15)
	assert.Len(t, f.Data[1], 6)
	assert.Len(t, f.Data[2], 6)
	assert.Equal(t, []int{5, 3, 3}, f.Stride)
	assert.Equal(t, PixelFormatI420, f.Format)

	// Planes share one allocation but may not grow into each other.
	f.Data[0] = append(f.Data[0], 0xff)
	assert.Zero(t, f.Data[1][0])
}

func TestVideoFrame_Clone(t *testing.T) {
	f := NewI420Frame(4, 4)
	f.Timestamp = 1234
	f.Data[0][0] = 10

	clone := f.Clone()
	assert.Equal(t, f.Width, clone.Width)
	assert.Equal(t, int64(1234), clone.Timestamp)
	assert.Equal(t, f.Stride, clone.Stride)

	clone.Data[0][0] = 99
	clone.Stride[0] = 0
	assert.Equal(t, byte(10), f.Data[0][0])
	assert.Equal(t, 4, f.Stride[0])
}

func TestVideoFrame_AppendI420(t *testing.T) {
	// Padded rows: stride 8 for a 4-pixel wide frame.
	f := &VideoFrame{
		Data: [][]byte{
			make([]byte, 8*2),
			make([]byte, 4*1),
			make([]byte, 4*1),
		},
		Stride: []int{8, 4, 4},
		Width:  4,
		Height: 2,
		Format: PixelFormatI420,
	}
	for i := range f.Data[0] {
		f.Data[0][i] = byte(i)
	}
	f.Data[1][0], f.Data[1][1] = 100, 101
	f.Data[2][0], f.Data[2][1] = 200, 201

	packed := f.AppendI420([]byte{0xaa})
	require.Len(t, packed, 1+I420Size(4, 2))
	assert.Equal(t, []byte{0xaa, 0, 1, 2, 3, 8, 9, 10, 11, 100, 101, 200, 201}, packed)

	g, err := I420FrameFromBytes(packed[1:], 4, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3, 8, 9, 10, 11}, g.Data[0])
	assert.Equal(t, []byte{100, 101}, g.Data[1])
	assert.Equal(t, []byte{200, 201}, g.Data[2])
	assert.Equal(t, []int{4, 2, 2}, g.Stride)
}

func TestI420FrameFromBytes_TooSmall(t *testing.T) {
	_, err := I420FrameFromBytes(make([]byte, 10), 4, 4)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestVideoFrame_YCbCr(t *testing.T) {
	f := NewI420Frame(4, 2)
	f.Data[0][5] = 77
	f.Data[1][1] = 88

	img, err := f.YCbCr()
	require.NoError(t, err)
	assert.Equal(t, 4, img.Rect.Dx())
	assert.Equal(t, uint8(77), img.YCbCrAt(1, 1).Y)
	assert.Equal(t, uint8(88), img.YCbCrAt(3, 0).Cb)

	rgba := &VideoFrame{Data: [][]byte{make([]byte, 32)}, Stride: []int{16}, Width: 4, Height: 2, Format: PixelFormatRGBA32}
	_, err = rgba.YCbCr()
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestEncodedFrame(t *testing.T) {
	tests := []struct {
		frameType FrameType
		name      string
		key       bool
	}{
		{FrameTypeKey, "Key", true},
		{FrameTypeDelta, "Delta", false},
		{FrameTypeUnknown, "Unknown", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &EncodedFrame{Data: []byte{1, 2, 3}, FrameType: tt.frameType, Timestamp: 42}
			assert.Equal(t, tt.name, tt.frameType.String())
			assert.Equal(t, tt.key, f.IsKeyframe())

			clone := f.Clone()
			clone.Data[0] = 9
			assert.Equal(t, byte(1), f.Data[0])
			assert.Equal(t, f.FrameType, clone.FrameType)
			assert.Equal(t, int64(42), clone.Timestamp)
		})
	}

	assert.Nil(t, (&EncodedFrame{}).Clone().Data)
}

func BenchmarkVideoFrame_Clone(b *testing.B) {
	f := NewI420Frame(1280, 720)
	b.SetBytes(int64(I420Size(1280, 720)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = f.Clone()
	}
}
