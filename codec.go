package reframe

import "strings"

// MIME types understood by the demuxer, muxer and codec factories.
const (
	MimeVideoAVC  = "video/avc"
	MimeVideoHEVC = "video/hevc"
	MimeAudioAAC  = "audio/mp4a-latm"
	MimeAudioOpus = "audio/opus"
)

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecH264
	VideoCodecH265
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecH264:
		return "H264"
	case VideoCodecH265:
		return "H265"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecH264:
		return MimeVideoAVC
	case VideoCodecH265:
		return MimeVideoHEVC
	default:
		return ""
	}
}

// VideoCodecFromMime maps a track MIME type to a VideoCodec.
func VideoCodecFromMime(mime string) VideoCodec {
	switch strings.ToLower(mime) {
	case MimeVideoAVC, "video/h264":
		return VideoCodecH264
	case MimeVideoHEVC, "video/h265":
		return VideoCodecH265
	default:
		return VideoCodecUnknown
	}
}

// AudioCodec identifies the audio codec type.
type AudioCodec int

const (
	AudioCodecUnknown AudioCodec = iota
	AudioCodecAAC
	AudioCodecOpus
)

func (c AudioCodec) String() string {
	switch c {
	case AudioCodecAAC:
		return "AAC"
	case AudioCodecOpus:
		return "Opus"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c AudioCodec) MimeType() string {
	switch c {
	case AudioCodecAAC:
		return MimeAudioAAC
	case AudioCodecOpus:
		return MimeAudioOpus
	default:
		return ""
	}
}

// IsVideoMime reports whether mime names a video track.
func IsVideoMime(mime string) bool { return strings.HasPrefix(mime, "video/") }

// IsAudioMime reports whether mime names an audio track.
func IsAudioMime(mime string) bool { return strings.HasPrefix(mime, "audio/") }

// H264Profile defines H.264 encoding profiles.
type H264Profile int

const (
	H264ProfileBaseline H264Profile = iota
	H264ProfileMain
	H264ProfileHigh
)

func (p H264Profile) String() string {
	switch p {
	case H264ProfileBaseline:
		return "Baseline"
	case H264ProfileMain:
		return "Main"
	case H264ProfileHigh:
		return "High"
	default:
		return "Unknown"
	}
}
