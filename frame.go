// Core frame and sample types used across the package.
package reframe

import (
	"fmt"
	"image"
)

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatI420   PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatRGBA32                    // Packed RGBA, 4 bytes per pixel
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatRGBA32:
		return "RGBA32"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3 // Y, U, V
	case PixelFormatRGBA32:
		return 1 // Packed
	default:
		return 0
	}
}

// VideoFrame represents a raw video frame.
// The Data slices may point to external memory (e.g., C memory via FFI).
// Callers must ensure the data remains valid for the lifetime of the frame.
type VideoFrame struct {
	Data      [][]byte    // Plane data (1-3 planes depending on format)
	Stride    []int       // Stride for each plane in bytes
	Width     int         // Frame width in pixels
	Height    int         // Frame height in pixels
	Format    PixelFormat // Pixel format
	Timestamp int64       // Presentation timestamp in nanoseconds
}

// NewI420Frame allocates a tightly packed I420 frame.
func NewI420Frame(width, height int) *VideoFrame {
	cw, ch := chromaSize(width, height)
	buf := make([]byte, I420Size(width, height))
	ySize := width * height
	uvSize := cw * ch
	return &VideoFrame{
		Data: [][]byte{
			buf[:ySize:ySize],
			buf[ySize : ySize+uvSize : ySize+uvSize],
			buf[ySize+uvSize:],
		},
		Stride: []int{width, cw, cw},
		Width:  width,
		Height: height,
		Format: PixelFormatI420,
	}
}

// Clone creates a deep copy of the video frame.
// Use this when you need to keep the frame data beyond its original lifetime.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Data:      make([][]byte, len(f.Data)),
		Stride:    make([]int, len(f.Stride)),
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Timestamp: f.Timestamp,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// YCbCr returns an image.YCbCr view over the frame planes without copying.
func (f *VideoFrame) YCbCr() (*image.YCbCr, error) {
	if f.Format != PixelFormatI420 || len(f.Data) < 3 || len(f.Stride) < 3 {
		return nil, fmt.Errorf("%w: %s frame has no YCbCr view", ErrInvalidFrame, f.Format)
	}
	return &image.YCbCr{
		Y:              f.Data[0],
		Cb:             f.Data[1],
		Cr:             f.Data[2],
		YStride:        f.Stride[0],
		CStride:        f.Stride[1],
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, f.Width, f.Height),
	}, nil
}

// AppendI420 appends the frame as packed I420 (no row padding) to dst.
func (f *VideoFrame) AppendI420(dst []byte) []byte {
	cw, ch := chromaSize(f.Width, f.Height)
	dst = appendPlane(dst, f.Data[0], f.Stride[0], f.Width, f.Height)
	dst = appendPlane(dst, f.Data[1], f.Stride[1], cw, ch)
	return appendPlane(dst, f.Data[2], f.Stride[2], cw, ch)
}

// I420FrameFromBytes wraps packed I420 bytes produced by AppendI420.
func I420FrameFromBytes(buf []byte, width, height int) (*VideoFrame, error) {
	if len(buf) < I420Size(width, height) {
		return nil, fmt.Errorf("%w: need %d bytes for %dx%d, have %d",
			ErrBufferTooSmall, I420Size(width, height), width, height, len(buf))
	}
	cw, ch := chromaSize(width, height)
	ySize := width * height
	uvSize := cw * ch
	return &VideoFrame{
		Data:   [][]byte{buf[:ySize], buf[ySize : ySize+uvSize], buf[ySize+uvSize : ySize+2*uvSize]},
		Stride: []int{width, cw, cw},
		Width:  width,
		Height: height,
		Format: PixelFormatI420,
	}, nil
}

func appendPlane(dst, plane []byte, stride, w, h int) []byte {
	if stride == w {
		return append(dst, plane[:w*h]...)
	}
	for row := 0; row < h; row++ {
		dst = append(dst, plane[row*stride:row*stride+w]...)
	}
	return dst
}

func chromaSize(width, height int) (int, int) {
	return (width + 1) / 2, (height + 1) / 2
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	// Y plane: width * height
	// U, V planes: ceil(width/2) * ceil(height/2) each
	cw, ch := chromaSize(width, height)
	return width*height + cw*ch*2
}

// FrameType indicates whether a frame is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // I-frame, can be decoded independently
	FrameTypeDelta             // P/B-frame, requires previous frames
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	default:
		return "Unknown"
	}
}

// EncodedFrame holds encoded video data.
// The Data slice is owned by the encoder and valid until the next Encode() call.
type EncodedFrame struct {
	Data      []byte    // Encoded bitstream data (Annex-B for H.264)
	FrameType FrameType // Key or delta frame
	Timestamp int64     // Presentation timestamp in microseconds
}

// IsKeyframe returns true if this is a keyframe.
func (f *EncodedFrame) IsKeyframe() bool {
	return f.FrameType == FrameTypeKey
}

// Clone creates a deep copy of the encoded frame.
func (f *EncodedFrame) Clone() *EncodedFrame {
	clone := &EncodedFrame{
		FrameType: f.FrameType,
		Timestamp: f.Timestamp,
	}
	if f.Data != nil {
		clone.Data = make([]byte, len(f.Data))
		copy(clone.Data, f.Data)
	}
	return clone
}
