package reframe

import (
	"errors"
	"io"
)

// Muxer errors
var (
	ErrMuxerNotStarted = errors.New("muxer not started")
	ErrMuxerStarted    = errors.New("muxer already started")
	ErrMuxerStopped    = errors.New("muxer stopped")
	ErrUnknownTrack    = errors.New("unknown muxer track")
	ErrTimestampOrder  = errors.New("sample timestamp went backwards")
)

// Muxer writes compressed samples into an output container.
//
// Tracks are added before Start. Samples may be written only after Start,
// with non-decreasing presentation times per track. Stop finalises the
// file; Close releases it whether or not Stop succeeded.
type Muxer interface {
	io.Closer

	// AddTrack registers a track and returns its index.
	AddTrack(format Format) (int, error)
	Start() error

	// WriteSampleData writes data[info.Offset:info.Offset+info.Size].
	WriteSampleData(track int, data []byte, info BufferInfo) error
	Stop() error
}
