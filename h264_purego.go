//go:build (darwin || linux) && !noh264

// H.264 codec support via libmedia_h264 using purego.

package reframe

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	mediaH264Once    sync.Once
	mediaH264Handle  uintptr
	mediaH264InitErr error
)

// libmedia_h264 function pointers
var (
	mediaH264EncoderCreate        func(width, height, fps, bitrateKbps, profile, threads int32) uint64
	mediaH264EncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts, outDts uintptr) int32
	mediaH264EncoderMaxOutputSize func(encoder uint64) int32
	mediaH264EncoderGetSPSPPS     func(encoder uint64, spsOut uintptr, spsCapacity int32, spsLen uintptr, ppsOut uintptr, ppsCapacity int32, ppsLen uintptr) int32
	mediaH264EncoderDestroy       func(encoder uint64)

	mediaH264DecoderCreate  func(threads int32) uint64
	mediaH264DecoderDecode  func(decoder uint64, data uintptr, dataLen int32, outY, outU, outV, outYStride, outUVStride, outWidth, outHeight uintptr) int32
	mediaH264DecoderDestroy func(decoder uint64)

	mediaH264GetError         func() uintptr
	mediaH264EncoderAvailable func() int32
	mediaH264DecoderAvailable func() int32
)

// Constants from media_h264.h
const (
	mediaH264ProfileBaseline = 66
	mediaH264ProfileMain     = 77
	mediaH264ProfileHigh     = 100

	mediaH264FrameI   = 0
	mediaH264FrameIDR = 3
)

// mediaH264DecodeResult is a heap-allocated struct for decoder output parameters.
// This struct must be heap-allocated for purego to work correctly on arm64.
// Using local stack variables for output parameters can fail due to GC moving
// the stack during the C call.
type mediaH264DecodeResult struct {
	YPtr     uintptr // Pointer to Y plane
	UPtr     uintptr // Pointer to U plane
	VPtr     uintptr // Pointer to V plane
	YStride  int32   // Y plane stride
	UVStride int32   // UV plane stride
	Width    int32   // Frame width
	Height   int32   // Frame height
}

// mediaH264EncodeResult holds encoder output parameters, heap-allocated for
// the same reason as mediaH264DecodeResult.
type mediaH264EncodeResult struct {
	FrameType int32
	PTS       int64
	DTS       int64
}

func h264ProfileToNative(p H264Profile) int32 {
	switch p {
	case H264ProfileMain:
		return mediaH264ProfileMain
	case H264ProfileHigh:
		return mediaH264ProfileHigh
	default:
		return mediaH264ProfileBaseline
	}
}

func loadMediaH264() error {
	mediaH264Once.Do(func() {
		mediaH264InitErr = loadMediaH264Lib()
	})
	return mediaH264InitErr
}

func loadMediaH264Lib() error {
	libName := sharedLibName("libmedia_h264")
	paths := nativeLibPaths(libName, "MEDIA_H264_LIB_PATH", "MEDIA_SDK_LIB_PATH",
		libName, "/usr/local/lib/"+libName, "/usr/lib/"+libName, "/opt/homebrew/lib/"+libName)

	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		mediaH264Handle = handle
		registerMediaH264Symbols()
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("failed to load libmedia_h264: %w", lastErr)
	}
	return errors.New("libmedia_h264 not found in any standard location")
}

func registerMediaH264Symbols() {
	purego.RegisterLibFunc(&mediaH264EncoderCreate, mediaH264Handle, "media_h264_encoder_create")
	purego.RegisterLibFunc(&mediaH264EncoderEncode, mediaH264Handle, "media_h264_encoder_encode")
	purego.RegisterLibFunc(&mediaH264EncoderMaxOutputSize, mediaH264Handle, "media_h264_encoder_max_output_size")
	purego.RegisterLibFunc(&mediaH264EncoderGetSPSPPS, mediaH264Handle, "media_h264_encoder_get_sps_pps")
	purego.RegisterLibFunc(&mediaH264EncoderDestroy, mediaH264Handle, "media_h264_encoder_destroy")

	purego.RegisterLibFunc(&mediaH264DecoderCreate, mediaH264Handle, "media_h264_decoder_create")
	purego.RegisterLibFunc(&mediaH264DecoderDecode, mediaH264Handle, "media_h264_decoder_decode")
	purego.RegisterLibFunc(&mediaH264DecoderDestroy, mediaH264Handle, "media_h264_decoder_destroy")

	purego.RegisterLibFunc(&mediaH264GetError, mediaH264Handle, "media_h264_get_error")
	purego.RegisterLibFunc(&mediaH264EncoderAvailable, mediaH264Handle, "media_h264_encoder_available")
	purego.RegisterLibFunc(&mediaH264DecoderAvailable, mediaH264Handle, "media_h264_decoder_available")
}

// IsH264EncoderAvailable checks if H.264 encoder is available.
func IsH264EncoderAvailable() bool {
	return loadMediaH264() == nil && mediaH264EncoderAvailable() != 0
}

// IsH264DecoderAvailable checks if H.264 decoder is available.
func IsH264DecoderAvailable() bool {
	return loadMediaH264() == nil && mediaH264DecoderAvailable() != 0
}

func getH264Error() string {
	ptr := mediaH264GetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// H264Encoder implements VideoEncoder for H.264 (x264).
type H264Encoder struct {
	config VideoEncoderConfig

	handle    uint64
	outputBuf []byte
	result    *mediaH264EncodeResult

	// Forced keyframe cadence in frames (0 = never forced)
	gop         int
	sinceKey    int
	keyframeReq atomic.Bool

	stats   EncoderStats
	statsMu sync.Mutex
	mu      sync.Mutex

	// Cached SPS/PPS
	sps []byte
	pps []byte
}

// NewH264Encoder creates a new H.264 encoder.
func NewH264Encoder(config VideoEncoderConfig) (*H264Encoder, error) {
	if err := loadMediaH264(); err != nil {
		return nil, fmt.Errorf("H.264 encoder not available: %w", err)
	}

	if mediaH264EncoderAvailable() == 0 {
		return nil, errors.New("H.264 encoder not available (x264 not compiled)")
	}

	threads := config.Threads
	if threads <= 0 {
		threads = 4
	}

	bitrateKbps := config.BitrateBps / 1000
	if bitrateKbps <= 0 {
		bitrateKbps = 3000
	}

	fps := config.FPS
	if fps <= 0 {
		fps = 30
	}

	handle := mediaH264EncoderCreate(
		int32(config.Width),
		int32(config.Height),
		int32(fps),
		int32(bitrateKbps),
		h264ProfileToNative(config.H264Profile),
		int32(threads),
	)

	if handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 encoder: %s", getH264Error())
	}

	maxOutput := mediaH264EncoderMaxOutputSize(handle)
	if maxOutput <= 0 {
		maxOutput = int32(config.Width * config.Height * 3 / 2)
	}

	enc := &H264Encoder{
		config:    config,
		handle:    handle,
		outputBuf: make([]byte, maxOutput),
		result:    &mediaH264EncodeResult{},
		gop:       fps * config.KeyframeIntervalSec,
	}
	enc.keyframeReq.Store(true)
	enc.extractSPSPPS()

	return enc, nil
}

func (e *H264Encoder) extractSPSPPS() {
	spsOut := make([]byte, 256)
	ppsOut := make([]byte, 256)
	lens := new([2]int32)

	mediaH264EncoderGetSPSPPS(
		e.handle,
		uintptr(unsafe.Pointer(&spsOut[0])), 256, uintptr(unsafe.Pointer(&lens[0])),
		uintptr(unsafe.Pointer(&ppsOut[0])), 256, uintptr(unsafe.Pointer(&lens[1])),
	)
	runtime.KeepAlive(lens)

	if lens[0] > 0 {
		e.sps = append([]byte(nil), spsOut[:lens[0]]...)
	}
	if lens[1] > 0 {
		e.pps = append([]byte(nil), ppsOut[:lens[1]]...)
	}
}

// CodecSpecificData implements VideoEncoder.
func (e *H264Encoder) CodecSpecificData() [][]byte {
	if e.sps == nil || e.pps == nil {
		return nil
	}
	return [][]byte{e.sps, e.pps}
}

// Encode implements VideoEncoder.
func (e *H264Encoder) Encode(frame *VideoFrame) (*EncodedFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return nil, fmt.Errorf("encoder not initialized")
	}
	if frame.Format != PixelFormatI420 || len(frame.Data) < 3 {
		return nil, fmt.Errorf("%w: H.264 encoder needs I420, got %s", ErrInvalidFrame, frame.Format)
	}

	forceKeyframe := int32(0)
	if e.keyframeReq.Swap(false) || (e.gop > 0 && e.sinceKey >= e.gop) {
		forceKeyframe = 1
	}

	out := e.result
	result := mediaH264EncoderEncode(
		e.handle,
		uintptr(unsafe.Pointer(&frame.Data[0][0])),
		uintptr(unsafe.Pointer(&frame.Data[1][0])),
		uintptr(unsafe.Pointer(&frame.Data[2][0])),
		int32(frame.Stride[0]),
		int32(frame.Stride[1]),
		forceKeyframe,
		uintptr(unsafe.Pointer(&e.outputBuf[0])),
		int32(len(e.outputBuf)),
		uintptr(unsafe.Pointer(&out.FrameType)),
		uintptr(unsafe.Pointer(&out.PTS)),
		uintptr(unsafe.Pointer(&out.DTS)),
	)
	runtime.KeepAlive(frame.Data)
	runtime.KeepAlive(out)

	if result < 0 {
		return nil, fmt.Errorf("encode failed: %s", getH264Error())
	}

	if result == 0 {
		return nil, nil
	}

	ft := FrameTypeDelta
	if out.FrameType == mediaH264FrameIDR || out.FrameType == mediaH264FrameI {
		ft = FrameTypeKey
		e.sinceKey = 0
	}
	e.sinceKey++

	e.statsMu.Lock()
	e.stats.FramesEncoded++
	if ft == FrameTypeKey {
		e.stats.KeyframesEncoded++
	}
	e.stats.BytesEncoded += uint64(result)
	e.statsMu.Unlock()

	return &EncodedFrame{
		Data:      e.outputBuf[:result],
		FrameType: ft,
		Timestamp: frame.Timestamp / 1000,
	}, nil
}

// Provider implements VideoEncoder.
func (e *H264Encoder) Provider() Provider {
	return ProviderX264
}

// Config implements VideoEncoder.
func (e *H264Encoder) Config() VideoEncoderConfig {
	return e.config
}

// Codec implements VideoEncoder.
func (e *H264Encoder) Codec() VideoCodec {
	return VideoCodecH264
}

// Stats implements VideoEncoder.
func (e *H264Encoder) Stats() EncoderStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Flush implements VideoEncoder.
// x264 is created in zero-latency mode and holds no frames.
func (e *H264Encoder) Flush() ([]*EncodedFrame, error) {
	return nil, nil
}

// Close implements VideoEncoder.
func (e *H264Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != 0 {
		mediaH264EncoderDestroy(e.handle)
		e.handle = 0
	}

	return nil
}

// H264Decoder implements VideoDecoder for H.264 (OpenH264).
type H264Decoder struct {
	config VideoDecoderConfig

	handle    uint64
	outputBuf *VideoFrame

	// Persistent output buffer for purego workaround on arm64
	decodeResult *mediaH264DecodeResult

	stats   DecoderStats
	statsMu sync.Mutex
	mu      sync.Mutex
}

// NewH264Decoder creates a new H.264 decoder.
func NewH264Decoder(config VideoDecoderConfig) (*H264Decoder, error) {
	if err := loadMediaH264(); err != nil {
		return nil, fmt.Errorf("H.264 decoder not available: %w", err)
	}

	if mediaH264DecoderAvailable() == 0 {
		return nil, errors.New("H.264 decoder not available")
	}

	threads := int32(4)
	if config.Threads > 0 {
		threads = int32(config.Threads)
	}

	handle := mediaH264DecoderCreate(threads)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 decoder: %s", getH264Error())
	}

	return &H264Decoder{
		config:       config,
		handle:       handle,
		decodeResult: &mediaH264DecodeResult{}, // Heap-allocated for purego arm64
	}, nil
}

// Decode implements VideoDecoder.
func (d *H264Decoder) Decode(encoded *EncodedFrame) (*VideoFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return nil, fmt.Errorf("decoder not initialized")
	}

	if len(encoded.Data) == 0 {
		return nil, fmt.Errorf("empty encoded data")
	}

	out := d.decodeResult
	result := mediaH264DecoderDecode(
		d.handle,
		uintptr(unsafe.Pointer(&encoded.Data[0])),
		int32(len(encoded.Data)),
		uintptr(unsafe.Pointer(&out.YPtr)),
		uintptr(unsafe.Pointer(&out.UPtr)),
		uintptr(unsafe.Pointer(&out.VPtr)),
		uintptr(unsafe.Pointer(&out.YStride)),
		uintptr(unsafe.Pointer(&out.UVStride)),
		uintptr(unsafe.Pointer(&out.Width)),
		uintptr(unsafe.Pointer(&out.Height)),
	)

	// Keep the struct and input alive during and after the C call
	runtime.KeepAlive(encoded.Data)
	runtime.KeepAlive(out)

	if result < 0 {
		d.statsMu.Lock()
		d.stats.CorruptedFrames++
		d.statsMu.Unlock()
		return nil, fmt.Errorf("decode failed: %s", getH264Error())
	}

	if result == 0 {
		return nil, nil
	}

	// Validate output dimensions, strides, and plane pointers
	if out.YStride <= 0 || out.UVStride <= 0 || out.Width <= 0 || out.Height <= 0 || out.YPtr == 0 {
		d.statsMu.Lock()
		d.stats.CorruptedFrames++
		d.statsMu.Unlock()
		return nil, fmt.Errorf("invalid decoder output: stride=%d/%d, size=%dx%d",
			out.YStride, out.UVStride, out.Width, out.Height)
	}

	w := int(out.Width)
	h := int(out.Height)
	if d.outputBuf == nil || d.outputBuf.Width != w || d.outputBuf.Height != h {
		d.outputBuf = NewI420Frame(w, h)
	}

	cw, ch := chromaSize(w, h)
	copyNativePlane(d.outputBuf.Data[0], d.outputBuf.Stride[0], out.YPtr, int(out.YStride), w, h)
	copyNativePlane(d.outputBuf.Data[1], d.outputBuf.Stride[1], out.UPtr, int(out.UVStride), cw, ch)
	copyNativePlane(d.outputBuf.Data[2], d.outputBuf.Stride[2], out.VPtr, int(out.UVStride), cw, ch)
	d.outputBuf.Timestamp = encoded.Timestamp * 1000

	d.statsMu.Lock()
	d.stats.FramesDecoded++
	d.stats.BytesDecoded += uint64(len(encoded.Data))
	if encoded.FrameType == FrameTypeKey {
		d.stats.KeyframesDecoded++
	}
	d.statsMu.Unlock()

	return d.outputBuf, nil
}

func copyNativePlane(dst []byte, dstStride int, src uintptr, srcStride, w, h int) {
	for row := 0; row < h; row++ {
		line := unsafe.Slice((*byte)(unsafe.Pointer(src+uintptr(row*srcStride))), w)
		copy(dst[row*dstStride:row*dstStride+w], line)
	}
}

// Provider implements VideoDecoder.
func (d *H264Decoder) Provider() Provider {
	return ProviderOpenH264 // H264Decoder uses OpenH264 (BSD)
}

// Config implements VideoDecoder.
func (d *H264Decoder) Config() VideoDecoderConfig {
	return d.config
}

// Codec implements VideoDecoder.
func (d *H264Decoder) Codec() VideoCodec {
	return VideoCodecH264
}

// Stats implements VideoDecoder.
func (d *H264Decoder) Stats() DecoderStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// Flush implements VideoDecoder.
func (d *H264Decoder) Flush() ([]*VideoFrame, error) {
	return nil, nil
}

// Close implements VideoDecoder.
func (d *H264Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle != 0 {
		mediaH264DecoderDestroy(d.handle)
		d.handle = 0
	}

	return nil
}

// Register H.264 encoder (x264) and decoder (OpenH264)
func init() {
	if IsH264EncoderAvailable() {
		setProviderAvailable(ProviderX264)
		registerVideoEncoder(VideoCodecH264, ProviderX264, func(config VideoEncoderConfig) (VideoEncoder, error) {
			return NewH264Encoder(config)
		})
	}

	if IsH264DecoderAvailable() {
		setProviderAvailable(ProviderOpenH264)
		registerVideoDecoder(VideoCodecH264, ProviderOpenH264, func(config VideoDecoderConfig) (VideoDecoder, error) {
			return NewH264Decoder(config)
		})
	}
}
