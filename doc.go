// Package reframe re-encodes MP4 videos into a new frame size, optionally
// running every frame through a fragment shader on the way.
//
// A transcode is a decode, render, encode loop modelled on asynchronous
// platform codecs:
//
//	Demuxer -> decoder MediaCodec -> OutputSurface -> Renderer -> InputSurface -> encoder MediaCodec -> Muxer
//
// The decoder renders each frame into an OutputSurface. The frame is then
// drawn, scaled, letterboxed, rotated and shaded into the encoder's
// InputSurface. Audio samples are copied to the output unchanged.
//
// Jobs are described by Config and executed by a Transcoder. A Scheduler
// runs queued jobs one at a time, retries transient failures and can
// persist its queue so an interrupted process resumes where it left off.
//
// # Native Libraries
//
// H.264 encoding and decoding use libmedia_h264 (x264 and OpenH264) loaded
// at runtime through purego. The library is looked up via
// MEDIA_H264_LIB_PATH (full path), MEDIA_SDK_LIB_PATH (directory), next to
// the executable and under build/. On Linux the GLES renderer loads EGL and
// GLESv2 the same way, using REFRAME_GLES_LIB_PATH. Without them the
// software renderer is used.
//
// # Build Tags
//
//   - noh264: disable the H.264 codec bindings
//   - nogles: disable the GLES renderer
package reframe
