package reframe

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Common errors
var (
	ErrBufferTooSmall    = errors.New("buffer too small")
	ErrProviderNotFound  = errors.New("provider not available")
	ErrCodecNotSupported = errors.New("codec not supported by provider")
	ErrInvalidFrame      = errors.New("invalid frame")
)

// VideoEncoderConfig configures a video encoder.
type VideoEncoderConfig struct {
	Codec    VideoCodec // Codec type
	Provider Provider   // Provider to use (ProviderAuto = library chooses)

	Width      int // Frame width
	Height     int // Frame height
	FPS        int // Target framerate
	BitrateBps int // Target bitrate in bits per second

	KeyframeIntervalSec int         // Seconds between forced keyframes (0 = encoder default)
	Threads             int         // Encoder threads (0 = auto)
	H264Profile         H264Profile // H.264 profile
}

// DefaultVideoEncoderConfig returns a default encoder configuration.
func DefaultVideoEncoderConfig(codec VideoCodec, width, height int) VideoEncoderConfig {
	return VideoEncoderConfig{
		Codec:               codec,
		Provider:            ProviderAuto,
		Width:               width,
		Height:              height,
		FPS:                 30,
		BitrateBps:          3_000_000,
		KeyframeIntervalSec: 1,
		Threads:             0, // Auto
		H264Profile:         H264ProfileBaseline,
	}
}

// EncoderStats provides encoding metrics.
type EncoderStats struct {
	FramesEncoded    uint64 // Total frames encoded
	KeyframesEncoded uint64 // Total keyframes encoded
	BytesEncoded     uint64 // Total bytes of encoded data
}

// VideoEncoder encodes raw video frames to a compressed bitstream.
// It is the synchronous engine behind an encoder MediaCodec.
type VideoEncoder interface {
	io.Closer

	// Encode encodes a video frame.
	// Returns nil if the encoder is buffering and no output is ready.
	// The returned EncodedFrame data is valid until the next Encode() call.
	Encode(frame *VideoFrame) (*EncodedFrame, error)

	// CodecSpecificData returns the out-of-band parameter sets
	// (SPS and PPS for H.264) without start codes.
	CodecSpecificData() [][]byte

	// Provider returns which provider created this encoder.
	Provider() Provider

	// Config returns the encoder configuration.
	Config() VideoEncoderConfig

	// Codec returns the codec type.
	Codec() VideoCodec

	// Stats returns encoding statistics.
	Stats() EncoderStats

	// Flush drains frames still held by the encoder.
	Flush() ([]*EncodedFrame, error)
}

// VideoDecoderConfig configures a video decoder.
type VideoDecoderConfig struct {
	Codec    VideoCodec // Codec type
	Provider Provider   // Provider to use (ProviderAuto = library chooses)
	Threads  int        // Decoder threads (0 = auto)
}

// DecoderStats provides decoding metrics.
type DecoderStats struct {
	FramesDecoded    uint64
	KeyframesDecoded uint64
	BytesDecoded     uint64
	CorruptedFrames  uint64
}

// VideoDecoder decodes a compressed bitstream to raw I420 frames.
// It is the synchronous engine behind a decoder MediaCodec.
type VideoDecoder interface {
	io.Closer

	// Decode decodes one access unit (Annex-B for H.264).
	// Returns nil if the decoder is buffering and no frame is ready.
	// The returned frame is valid until the next Decode() call.
	Decode(encoded *EncodedFrame) (*VideoFrame, error)

	// Flush drains frames still held by the decoder.
	Flush() ([]*VideoFrame, error)

	Provider() Provider
	Config() VideoDecoderConfig
	Codec() VideoCodec
	Stats() DecoderStats
}

// --- Registry ---

type videoEncoderFactory func(VideoEncoderConfig) (VideoEncoder, error)
type videoDecoderFactory func(VideoDecoderConfig) (VideoDecoder, error)

type codecRegistry struct {
	mu sync.RWMutex

	// Provider-aware registry: codec -> provider -> factory
	encoders map[VideoCodec]map[Provider]videoEncoderFactory
	decoders map[VideoCodec]map[Provider]videoDecoderFactory

	// Default provider per codec
	encoderDefaults map[VideoCodec]Provider
	decoderDefaults map[VideoCodec]Provider
}

var globalCodecRegistry = &codecRegistry{
	encoders:        make(map[VideoCodec]map[Provider]videoEncoderFactory),
	decoders:        make(map[VideoCodec]map[Provider]videoDecoderFactory),
	encoderDefaults: make(map[VideoCodec]Provider),
	decoderDefaults: make(map[VideoCodec]Provider),
}

// registerVideoEncoder registers a video encoder factory for a codec+provider.
func registerVideoEncoder(codec VideoCodec, provider Provider, factory videoEncoderFactory) {
	globalCodecRegistry.mu.Lock()
	defer globalCodecRegistry.mu.Unlock()

	if globalCodecRegistry.encoders[codec] == nil {
		globalCodecRegistry.encoders[codec] = make(map[Provider]videoEncoderFactory)
	}
	globalCodecRegistry.encoders[codec][provider] = factory

	// Set default: prefer BSD (permissive) license providers
	current, exists := globalCodecRegistry.encoderDefaults[codec]
	if !exists || (provider.License().Permissive() && !current.License().Permissive()) {
		globalCodecRegistry.encoderDefaults[codec] = provider
	}
}

// registerVideoDecoder registers a video decoder factory for a codec+provider.
func registerVideoDecoder(codec VideoCodec, provider Provider, factory videoDecoderFactory) {
	globalCodecRegistry.mu.Lock()
	defer globalCodecRegistry.mu.Unlock()

	if globalCodecRegistry.decoders[codec] == nil {
		globalCodecRegistry.decoders[codec] = make(map[Provider]videoDecoderFactory)
	}
	globalCodecRegistry.decoders[codec][provider] = factory

	current, exists := globalCodecRegistry.decoderDefaults[codec]
	if !exists || (provider.License().Permissive() && !current.License().Permissive()) {
		globalCodecRegistry.decoderDefaults[codec] = provider
	}
}

// SetDefaultVideoEncoderProvider sets the default provider for a video codec.
func SetDefaultVideoEncoderProvider(codec VideoCodec, provider Provider) {
	globalCodecRegistry.mu.Lock()
	defer globalCodecRegistry.mu.Unlock()
	globalCodecRegistry.encoderDefaults[codec] = provider
}

// NewVideoEncoder creates a video encoder.
func NewVideoEncoder(config VideoEncoderConfig) (VideoEncoder, error) {
	globalCodecRegistry.mu.RLock()
	defer globalCodecRegistry.mu.RUnlock()

	providers := globalCodecRegistry.encoders[config.Codec]
	if providers == nil {
		return nil, fmt.Errorf("%w: no encoders for %s", ErrCodecNotSupported, config.Codec)
	}

	// Resolve provider
	p := config.Provider
	if p == ProviderAuto {
		p = globalCodecRegistry.encoderDefaults[config.Codec]
	}

	factory, ok := providers[p]
	if !ok || !p.Available() {
		return nil, fmt.Errorf("%w: %s for %s", ErrProviderNotFound, p, config.Codec)
	}

	return factory(config)
}

// NewVideoDecoder creates a video decoder.
func NewVideoDecoder(config VideoDecoderConfig) (VideoDecoder, error) {
	globalCodecRegistry.mu.RLock()
	defer globalCodecRegistry.mu.RUnlock()

	providers := globalCodecRegistry.decoders[config.Codec]
	if providers == nil {
		return nil, fmt.Errorf("%w: no decoders for %s", ErrCodecNotSupported, config.Codec)
	}

	p := config.Provider
	if p == ProviderAuto {
		p = globalCodecRegistry.decoderDefaults[config.Codec]
	}

	factory, ok := providers[p]
	if !ok || !p.Available() {
		return nil, fmt.Errorf("%w: %s for %s", ErrProviderNotFound, p, config.Codec)
	}

	return factory(config)
}

// VideoEncoderProviders returns available providers for a video codec.
func VideoEncoderProviders(codec VideoCodec) []Provider {
	globalCodecRegistry.mu.RLock()
	defer globalCodecRegistry.mu.RUnlock()

	providers := globalCodecRegistry.encoders[codec]
	result := make([]Provider, 0, len(providers))
	for p := range providers {
		if p.Available() {
			result = append(result, p)
		}
	}
	return result
}
