package reframe

import (
	"errors"
	"fmt"
	"time"
)

// Status codes returned by MediaCodec.DequeueOutputBuffer instead of an index.
const (
	InfoTryAgainLater        = -1 // No output within the timeout
	InfoOutputFormatChanged  = -2 // OutputFormat changed; call OutputFormat
	InfoOutputBuffersChanged = -3 // Output buffer set grew
)

// ConfigureFlags modify MediaCodec.Configure.
type ConfigureFlags int

const (
	ConfigureFlagEncode ConfigureFlags = 1 << iota
)

// Codec state errors
var (
	ErrCodecState      = errors.New("codec in wrong state")
	ErrCodecReleased   = errors.New("codec released")
	ErrInvalidIndex    = errors.New("invalid buffer index")
	ErrNoInputSurface  = errors.New("encoder has no input surface")
	ErrSurfaceRequired = errors.New("decoder requires an output surface")
)

// MediaCodec is an asynchronous codec with a buffer-queue API.
//
// Input and output buffers are identified by index. An index obtained from
// DequeueInputBuffer or DequeueOutputBuffer is owned by the caller until it
// is handed back with QueueInputBuffer or ReleaseOutputBuffer. Each codec runs
// its own worker goroutine; none of the methods block longer than the given
// timeout. A negative timeout waits indefinitely.
type MediaCodec interface {
	// Configure prepares the codec for format. Decoders render into surface;
	// encoders pass ConfigureFlagEncode and a nil surface.
	Configure(format Format, surface *OutputSurface, flags ConfigureFlags) error

	// CreateInputSurface returns the surface that feeds an encoder.
	// Must be called after Configure and before Start.
	CreateInputSurface() (*InputSurface, error)

	Start() error

	// DequeueInputBuffer returns the index of a free input buffer or
	// InfoTryAgainLater.
	DequeueInputBuffer(timeout time.Duration) int
	InputBuffer(index int) []byte
	QueueInputBuffer(index, offset, size int, presentationTimeUs int64, flags BufferFlags) error

	// DequeueOutputBuffer fills info and returns an output index, or one of
	// the Info* status codes.
	DequeueOutputBuffer(info *BufferInfo, timeout time.Duration) int

	// OutputBuffer returns the data of a dequeued output buffer, or nil when
	// index does not name one.
	OutputBuffer(index int) []byte
	OutputFormat() Format
	ReleaseOutputBuffer(index int, render bool) error

	// SignalEndOfInputStream marks the end of surface input for an encoder.
	SignalEndOfInputStream() error

	// Err returns the error that stopped the codec worker, if any.
	Err() error

	Stop() error
	Release() error
}

// CreateDecoderByType returns an unconfigured decoder for mime.
func CreateDecoderByType(mime string) (MediaCodec, error) {
	codec := VideoCodecFromMime(mime)
	if codec == VideoCodecUnknown {
		return nil, fmt.Errorf("%w: no decoder for %q", ErrCodecNotSupported, mime)
	}
	return newDecoderCodec(codec, NewVideoDecoder), nil
}

// CreateEncoderByType returns an unconfigured encoder for mime.
func CreateEncoderByType(mime string) (MediaCodec, error) {
	codec := VideoCodecFromMime(mime)
	if codec == VideoCodecUnknown {
		return nil, fmt.Errorf("%w: no encoder for %q", ErrCodecNotSupported, mime)
	}
	return newEncoderCodec(codec, NewVideoEncoder), nil
}

// codecState tracks the MediaCodec lifecycle.
type codecState int

const (
	codecUninitialized codecState = iota
	codecConfigured
	codecRunning
	codecStopped
	codecReleased
)

func (s codecState) String() string {
	switch s {
	case codecUninitialized:
		return "uninitialized"
	case codecConfigured:
		return "configured"
	case codecRunning:
		return "running"
	case codecStopped:
		return "stopped"
	case codecReleased:
		return "released"
	default:
		return "unknown"
	}
}

func stateError(op string, s codecState) error {
	if s == codecReleased {
		return fmt.Errorf("%s: %w", op, ErrCodecReleased)
	}
	return fmt.Errorf("%w: %s while %s", ErrCodecState, op, s)
}
