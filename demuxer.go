package reframe

import (
	"errors"
	"io"
)

// Demuxer errors
var (
	ErrNoVideoTrack    = errors.New("no video track")
	ErrTrackIndex      = errors.New("track index out of range")
	ErrNoTrackSelected = errors.New("no track selected")
	ErrUnsupportedFile = errors.New("unsupported container")
)

// SeekMode picks the sync sample used by Demuxer.SeekTo.
type SeekMode int

const (
	SeekPreviousSync SeekMode = iota // Last sync sample at or before the time
	SeekNextSync                     // First sync sample at or after the time
	SeekClosestSync                  // Nearest sync sample either side
)

// Demuxer reads compressed samples from a container.
//
// Samples of all selected tracks are returned in decode-time order. The
// cursor starts at the first sample; Advance moves it to the next one.
type Demuxer interface {
	io.Closer

	TrackCount() int
	TrackFormat(index int) (Format, error)
	SelectTrack(index int) error
	UnselectTrack(index int) error

	// ReadSampleData copies the current sample into buf and returns its
	// size. It returns io.EOF when every selected track is exhausted and
	// ErrBufferTooSmall when buf cannot hold the sample.
	ReadSampleData(buf []byte) (int, error)

	// SampleTrackIndex returns the track of the current sample, or -1.
	SampleTrackIndex() int

	// SampleTime returns the current sample's presentation time in
	// microseconds, or -1 when exhausted.
	SampleTime() int64
	SampleFlags() BufferFlags

	// Advance moves to the next sample and reports whether one exists.
	Advance() bool
	SeekTo(timeUs int64, mode SeekMode) error
}

// findTracks returns the first video and first audio track, -1 when absent.
func findTracks(d Demuxer) (video, audio int, err error) {
	video, audio = -1, -1
	for i := 0; i < d.TrackCount(); i++ {
		f, err := d.TrackFormat(i)
		if err != nil {
			return -1, -1, err
		}
		switch {
		case f.IsVideo() && video < 0:
			video = i
		case f.IsAudio() && audio < 0:
			audio = i
		}
	}
	return video, audio, nil
}
