package reframe

import "fmt"

// Format describes one track: the values a demuxer reads from the container
// and the values an encoder reports once its output is configured.
type Format struct {
	MIME string `yaml:"mime"`

	// Video
	Width     int `yaml:"width,omitempty"`
	Height    int `yaml:"height,omitempty"`
	FrameRate int `yaml:"frame_rate,omitempty"`
	Rotation  int `yaml:"rotation,omitempty"` // Clockwise display rotation in degrees (0, 90, 180, 270)

	// Audio
	SampleRate int `yaml:"sample_rate,omitempty"`
	Channels   int `yaml:"channels,omitempty"`

	// Encoder settings
	BitrateBps          int `yaml:"bitrate_bps,omitempty"`
	KeyframeIntervalSec int `yaml:"keyframe_interval_sec,omitempty"`

	// Container data
	Timescale  uint32 `yaml:"-"` // Media timescale in ticks per second (0 = choose per track type)
	DurationUs int64  `yaml:"-"` // Track duration in microseconds, if known

	// CSD holds codec-specific data. For video/avc: CSD[0] is the SPS and
	// CSD[1] the PPS, without start codes.
	CSD [][]byte `yaml:"-"`

	// SampleEntry is the raw stsd entry box (header included) copied from
	// the source container. A muxer writes it verbatim when set.
	SampleEntry []byte `yaml:"-"`
}

// IsVideo reports whether the format describes a video track.
func (f Format) IsVideo() bool { return IsVideoMime(f.MIME) }

// IsAudio reports whether the format describes an audio track.
func (f Format) IsAudio() bool { return IsAudioMime(f.MIME) }

// Clone returns a deep copy of the format.
func (f Format) Clone() Format {
	c := f
	if f.CSD != nil {
		c.CSD = make([][]byte, len(f.CSD))
		for i, b := range f.CSD {
			c.CSD[i] = append([]byte(nil), b...)
		}
	}
	if f.SampleEntry != nil {
		c.SampleEntry = append([]byte(nil), f.SampleEntry...)
	}
	return c
}

func (f Format) String() string {
	if f.IsVideo() {
		return fmt.Sprintf("%s %dx%d@%d rot=%d", f.MIME, f.Width, f.Height, f.FrameRate, f.Rotation)
	}
	if f.IsAudio() {
		return fmt.Sprintf("%s %dHz ch=%d", f.MIME, f.SampleRate, f.Channels)
	}
	return f.MIME
}

// NewVideoFormat returns a minimal video format.
func NewVideoFormat(mime string, width, height int) Format {
	return Format{MIME: mime, Width: width, Height: height}
}

// BufferFlags annotate a compressed sample or codec buffer.
type BufferFlags uint32

const (
	BufferFlagKeyFrame    BufferFlags = 1 << iota // Sync sample
	BufferFlagCodecConfig                         // Carries codec-specific data, not media
	BufferFlagEndOfStream                         // Last buffer of the stream
)

// Has reports whether all bits in flag are set.
func (f BufferFlags) Has(flag BufferFlags) bool { return f&flag == flag }

func (f BufferFlags) String() string {
	s := ""
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if f.Has(BufferFlagKeyFrame) {
		add("key")
	}
	if f.Has(BufferFlagCodecConfig) {
		add("config")
	}
	if f.Has(BufferFlagEndOfStream) {
		add("eos")
	}
	if s == "" {
		return "none"
	}
	return s
}

// BufferInfo describes the valid region and metadata of a buffer.
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              BufferFlags
}
