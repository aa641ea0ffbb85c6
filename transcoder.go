package reframe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/thesyncim/reframe/internal/metrics"
)

const (
	// DefaultPollTimeout bounds every codec dequeue in the run loop.
	DefaultPollTimeout = 10 * time.Millisecond

	audioBufferSize = 16000
)

// Transcoder errors
var (
	ErrCanceled      = errors.New("transcode canceled")
	ErrInvalidBuffer = errors.New("codec returned no buffer")
)

// RunStats summarises a finished run. The values are diagnostic only.
type RunStats struct {
	Backend      RendererBackend
	InputFormat  Format
	VideoFrames  int // frames drawn by the transform stage
	VideoSamples int // encoded samples written
	AudioSamples int
	Duration     time.Duration
}

// Transcoder re-encodes the video track of a container through the frame
// transform stage and copies the audio track unchanged.
//
// The factory fields default to the MP4 demuxer/muxer and the registered
// codec providers. A zero Transcoder is ready to use.
type Transcoder struct {
	Logger hclog.Logger

	// PollTimeout bounds each codec dequeue. 0 = DefaultPollTimeout.
	PollTimeout time.Duration

	// FrameWaitTimeout bounds the wait for a decoded frame.
	// 0 = DefaultFrameWaitTimeout.
	FrameWaitTimeout time.Duration

	OpenDemuxer   func(path string) (Demuxer, error)
	CreateMuxer   func(path string) (Muxer, error)
	CreateDecoder func(mime string) (MediaCodec, error)
	CreateEncoder func(mime string) (MediaCodec, error)
}

// NewTranscoder returns a Transcoder that logs to logger.
func NewTranscoder(logger hclog.Logger) *Transcoder {
	return &Transcoder{Logger: logger}
}

func (t *Transcoder) withDefaults() Transcoder {
	c := *t
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	c.Logger = c.Logger.Named("transcoder")
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.FrameWaitTimeout <= 0 {
		c.FrameWaitTimeout = DefaultFrameWaitTimeout
	}
	if c.OpenDemuxer == nil {
		logger := c.Logger
		c.OpenDemuxer = func(path string) (Demuxer, error) {
			return OpenMP4Demuxer(path, MP4DemuxerOptions{Logger: logger})
		}
	}
	if c.CreateMuxer == nil {
		logger := c.Logger
		c.CreateMuxer = func(path string) (Muxer, error) {
			return CreateMP4Muxer(path, MP4MuxerOptions{Logger: logger})
		}
	}
	if c.CreateDecoder == nil {
		c.CreateDecoder = CreateDecoderByType
	}
	if c.CreateEncoder == nil {
		c.CreateEncoder = CreateEncoderByType
	}
	return c
}

// Run transcodes cfg.InputPath into cfg.OutputPath and blocks until the run
// is torn down. The run executes on a dedicated goroutine locked to its OS
// thread, which owns the render context.
//
// Cancelling ctx stops the run at the next poll point; the returned error
// then wraps ErrCanceled and the output file is not guaranteed to be valid.
func (t *Transcoder) Run(ctx context.Context, cfg Config) (RunStats, error) {
	cfg = cfg.WithDefaults(DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return RunStats{}, err
	}

	tc := t.withDefaults()
	r := &run{
		cfg:        cfg,
		t:          tc,
		log:        tc.Logger.With("input", cfg.InputPath),
		videoIndex: -1,
		audioIndex: -1,
		videoTrack: -1,
		audioTrack: -1,
	}

	metrics.TranscoderRunsInProgress.Inc()
	defer metrics.TranscoderRunsInProgress.Dec()
	start := time.Now()

	done := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		done <- r.execute(ctx)
	}()
	err := <-done

	r.stats.Duration = time.Since(start)
	metrics.TranscoderRunDuration.Observe(r.stats.Duration.Seconds())
	switch {
	case err == nil:
		metrics.TranscoderRunsTotal.WithLabelValues(metrics.StatusSuccess).Inc()
		r.log.Info("transcode finished", "output", cfg.OutputPath,
			"frames", r.stats.VideoFrames, "audio_samples", r.stats.AudioSamples,
			"duration", r.stats.Duration)
	case errors.Is(err, ErrCanceled):
		metrics.TranscoderRunsTotal.WithLabelValues(metrics.StatusCanceled).Inc()
		r.log.Info("transcode canceled", "frames", r.stats.VideoFrames)
	default:
		metrics.TranscoderRunsTotal.WithLabelValues(metrics.StatusFailed).Inc()
		r.log.Error("transcode failed", "error", err)
	}
	return r.stats, err
}

// run holds the state of one Transcoder.Run.
type run struct {
	cfg Config
	t   Transcoder
	log hclog.Logger

	demuxer    Demuxer
	muxer      Muxer
	decoder    MediaCodec
	encoder    MediaCodec
	inSurface  *InputSurface
	outSurface *OutputSurface

	videoIndex int // demuxer tracks
	audioIndex int
	videoTrack int // muxer tracks
	audioTrack int

	stats RunStats
}

func (r *run) execute(ctx context.Context) (err error) {
	defer func() {
		if ctxErr := ctx.Err(); err != nil && ctxErr != nil && !errors.Is(err, ErrCanceled) {
			err = fmt.Errorf("%w: %w", ErrCanceled, ctxErr)
		}
		if terr := r.teardown(err == nil); terr != nil {
			err = errors.Join(err, terr)
		}
		r.log.Debug("transcoder finished")
	}()

	if err := r.setup(ctx); err != nil {
		return err
	}
	if err := r.transcodeVideo(ctx); err != nil {
		return err
	}
	if r.audioTrack >= 0 {
		return r.copyAudio(ctx)
	}
	return nil
}

func (r *run) setup(ctx context.Context) error {
	dmx, err := r.t.OpenDemuxer(r.cfg.InputPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	r.demuxer = dmx

	video, audio, err := findTracks(dmx)
	if err != nil {
		return err
	}
	if video < 0 {
		return fmt.Errorf("%w in %s", ErrNoVideoTrack, r.cfg.InputPath)
	}
	r.videoIndex, r.audioIndex = video, audio
	if err := dmx.SelectTrack(video); err != nil {
		return err
	}

	decoderFormat, err := dmx.TrackFormat(video)
	if err != nil {
		return err
	}
	r.stats.InputFormat = decoderFormat.Clone()
	storedRotation := decoderFormat.Rotation
	decoderFormat.Rotation = 0

	encoderFormat := r.encoderFormat(decoderFormat)
	enc, err := r.t.CreateEncoder(encoderFormat.MIME)
	if err != nil {
		return err
	}
	r.encoder = enc
	if err := enc.Configure(encoderFormat, nil, ConfigureFlagEncode); err != nil {
		return fmt.Errorf("configure encoder: %w", err)
	}
	in, err := enc.CreateInputSurface()
	if err != nil {
		return err
	}
	r.inSurface = in
	err = in.MakeCurrent(ctx, RenderOptions{
		Backend:          r.cfg.Backend,
		FrameWaitTimeout: r.t.FrameWaitTimeout,
		Logger:           r.log,
	})
	if err != nil {
		return fmt.Errorf("render context: %w", err)
	}
	r.stats.Backend = in.Backend()

	dec, err := r.t.CreateDecoder(decoderFormat.MIME)
	if err != nil {
		return err
	}
	r.decoder = dec

	transform := NewTransform(decoderFormat.Width, decoderFormat.Height, r.cfg.Width, r.cfg.Height, storedRotation)
	out, err := NewOutputSurface(in, transform)
	if err != nil {
		return err
	}
	r.outSurface = out
	if err := out.ChangeFragmentShader(r.cfg.FragmentShader); err != nil {
		return err
	}
	if err := dec.Configure(decoderFormat, out, 0); err != nil {
		return fmt.Errorf("configure decoder: %w", err)
	}
	if err := dec.Start(); err != nil {
		return fmt.Errorf("start decoder: %w", err)
	}
	if err := enc.Start(); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}

	mux, err := r.t.CreateMuxer(r.cfg.OutputPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	r.muxer = mux
	r.log.Debug("decoder started", "format", decoderFormat, "rotation", storedRotation,
		"transform", transform, "backend", r.stats.Backend)

	if audio >= 0 {
		audioFormat, err := dmx.TrackFormat(audio)
		if err != nil {
			return err
		}
		if r.audioTrack, err = mux.AddTrack(audioFormat); err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
	}
	return nil
}

func (r *run) encoderFormat(input Format) Format {
	f := NewVideoFormat(MimeVideoAVC, r.cfg.Width, r.cfg.Height)
	f.FrameRate = input.FrameRate
	f.BitrateBps = r.cfg.BitrateBps
	f.KeyframeIntervalSec = r.cfg.KeyframeIntervalSec
	return f
}

// check reports cancellation or a failed codec worker.
func (r *run) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	if err := r.decoder.Err(); err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	if err := r.encoder.Err(); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	return nil
}

func (r *run) transcodeVideo(ctx context.Context) error {
	var info BufferInfo
	inputDone := false
	for {
		if err := r.check(ctx); err != nil {
			return err
		}
		if !inputDone {
			done, err := r.feedDecoder()
			if err != nil {
				return err
			}
			inputDone = done
		}

		// Drain the encoder before touching the decoder again, then move one
		// decoder output through the transform stage.
		for {
			if err := r.check(ctx); err != nil {
				return err
			}
			status := r.encoder.DequeueOutputBuffer(&info, r.t.PollTimeout)
			if status != InfoTryAgainLater {
				outputDone, err := r.handleEncoderOutput(status, info)
				if err != nil || outputDone {
					return err
				}
				continue
			}
			r.log.Trace("no output from encoder available")

			more, err := r.drainDecoder(ctx, &info)
			if err != nil {
				return err
			}
			if !more {
				break
			}
		}
	}
}

// feedDecoder moves one sample from the demuxer into the decoder and
// reports whether the end of input was queued.
func (r *run) feedDecoder() (bool, error) {
	index := r.decoder.DequeueInputBuffer(r.t.PollTimeout)
	if index < 0 {
		return false, nil
	}
	buf := r.decoder.InputBuffer(index)
	if buf == nil {
		return false, fmt.Errorf("%w: decoder input %d", ErrInvalidBuffer, index)
	}

	size, err := r.demuxer.ReadSampleData(buf)
	if errors.Is(err, io.EOF) {
		if err := r.decoder.QueueInputBuffer(index, 0, 0, 0, BufferFlagEndOfStream); err != nil {
			return false, err
		}
		r.log.Debug("decoder input done")
		return true, nil
	}
	if err != nil {
		// Hand the slot back so every dequeued input is queued exactly once.
		qerr := r.decoder.QueueInputBuffer(index, 0, 0, 0, 0)
		return false, errors.Join(fmt.Errorf("read video sample: %w", err), qerr)
	}

	pts := r.demuxer.SampleTime()
	flags := r.demuxer.SampleFlags()
	if err := r.decoder.QueueInputBuffer(index, 0, size, pts, flags); err != nil {
		return false, err
	}
	r.demuxer.Advance()
	return false, nil
}

// handleEncoderOutput processes one encoder status and reports whether the
// encoder reached end of stream.
func (r *run) handleEncoderOutput(status int, info BufferInfo) (bool, error) {
	switch {
	case status == InfoOutputFormatChanged:
		format := r.encoder.OutputFormat()
		track, err := r.muxer.AddTrack(format)
		if err != nil {
			return false, fmt.Errorf("add video track: %w", err)
		}
		r.videoTrack = track
		if err := r.muxer.Start(); err != nil {
			return false, fmt.Errorf("start muxer: %w", err)
		}
		r.log.Debug("encoder output format changed", "format", format, "track", track)
		return false, nil
	case status == InfoOutputBuffersChanged:
		r.log.Trace("encoder output buffers changed")
		return false, nil
	case status < 0:
		r.log.Debug("unexpected result from encoder", "status", status)
		return false, nil
	}

	data := r.encoder.OutputBuffer(status)
	if data == nil {
		_ = r.encoder.ReleaseOutputBuffer(status, false)
		return false, fmt.Errorf("%w: encoder output %d", ErrInvalidBuffer, status)
	}

	var err error
	if info.Size != 0 {
		if r.videoTrack < 0 {
			r.log.Warn("encoder output before format change, dropping", "size", info.Size)
		} else if err = r.muxer.WriteSampleData(r.videoTrack, data, info); err == nil {
			r.stats.VideoSamples++
			r.log.Trace("encoder output", "bytes", info.Size, "pts_us", info.PresentationTimeUs)
		}
	}
	eos := info.Flags.Has(BufferFlagEndOfStream)
	if rerr := r.encoder.ReleaseOutputBuffer(status, false); err == nil {
		err = rerr
	}
	return eos, err
}

// drainDecoder handles one decoder status. It reports false when the decoder
// had nothing to offer within the poll timeout.
func (r *run) drainDecoder(ctx context.Context, info *BufferInfo) (bool, error) {
	status := r.decoder.DequeueOutputBuffer(info, r.t.PollTimeout)
	switch {
	case status == InfoTryAgainLater:
		r.log.Trace("decoder not ready")
		return false, nil
	case status == InfoOutputFormatChanged:
		r.log.Debug("decoder format changed", "format", r.decoder.OutputFormat())
		return true, nil
	case status < 0:
		r.log.Debug("unexpected result from decoder", "status", status)
		return true, nil
	}

	render := info.Size != 0
	if err := r.decoder.ReleaseOutputBuffer(status, render); err != nil {
		return false, err
	}
	if render {
		if err := r.renderFrame(ctx, info.PresentationTimeUs); err != nil {
			return false, err
		}
	}
	if info.Flags.Has(BufferFlagEndOfStream) {
		r.log.Debug("decoder output done", "frames", r.stats.VideoFrames)
		if err := r.encoder.SignalEndOfInputStream(); err != nil {
			return false, fmt.Errorf("signal end of input: %w", err)
		}
	}
	return true, nil
}

func (r *run) renderFrame(ctx context.Context, ptsUs int64) error {
	if err := r.outSurface.AwaitNewImage(ctx); err != nil {
		return fmt.Errorf("frame %d: %w", r.stats.VideoFrames, err)
	}
	if err := r.outSurface.DrawImage(); err != nil {
		return fmt.Errorf("draw frame %d: %w", r.stats.VideoFrames, err)
	}
	r.inSurface.SetPresentationTime(ptsUs * 1000)
	if err := r.inSurface.SwapBuffers(); err != nil {
		return fmt.Errorf("swap frame %d: %w", r.stats.VideoFrames, err)
	}
	r.log.Trace("decoded frame", "frame", r.stats.VideoFrames, "pts_us", ptsUs)
	r.stats.VideoFrames++
	metrics.FramesRendered.Inc()
	return nil
}

// copyAudio writes the audio track to the muxer sample by sample, after
// the video pass.
func (r *run) copyAudio(ctx context.Context) error {
	if err := r.demuxer.UnselectTrack(r.videoIndex); err != nil {
		return err
	}
	if err := r.demuxer.SelectTrack(r.audioIndex); err != nil {
		return err
	}
	if err := r.demuxer.SeekTo(0, SeekClosestSync); err != nil {
		return fmt.Errorf("seek audio: %w", err)
	}

	buf := make([]byte, audioBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCanceled, err)
		}
		size, err := r.demuxer.ReadSampleData(buf)
		if errors.Is(err, io.EOF) {
			r.log.Debug("audio copied", "samples", r.stats.AudioSamples)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read audio sample: %w", err)
		}
		info := BufferInfo{
			Size:               size,
			PresentationTimeUs: r.demuxer.SampleTime(),
			Flags:              r.demuxer.SampleFlags(),
		}
		if err := r.muxer.WriteSampleData(r.audioTrack, buf, info); err != nil {
			return fmt.Errorf("write audio sample: %w", err)
		}
		r.stats.AudioSamples++
		r.log.Trace("audio copied", "size", size)
		r.demuxer.Advance()
	}
}

// teardown releases everything the run created, in dependency order.
func (r *run) teardown(success bool) error {
	var errs []error
	add := func(what string, err error) {
		r.log.Trace("teardown", "step", what, "error", err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", what, err))
		}
	}

	if r.outSurface != nil {
		add("release decoder surface", r.outSurface.Release())
	}
	if r.inSurface != nil {
		add("release encoder surface", r.inSurface.Release())
	}
	if r.encoder != nil {
		add("stop encoder", r.encoder.Stop())
		add("release encoder", r.encoder.Release())
	}
	if r.decoder != nil {
		add("stop decoder", r.decoder.Stop())
		add("release decoder", r.decoder.Release())
	}
	if r.muxer != nil {
		if success {
			add("finalize output", r.muxer.Stop())
		}
		add("close output", r.muxer.Close())
	}
	if r.demuxer != nil {
		add("close input", r.demuxer.Close())
	}
	return errors.Join(errs...)
}
