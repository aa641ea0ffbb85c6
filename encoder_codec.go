package reframe

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const encoderInputDepth = 2

type encodeRequest struct {
	frame *VideoFrame
	eos   bool
}

// encoderCodec adapts a synchronous VideoEncoder to the MediaCodec API.
// Input arrives through its InputSurface; output is an unbounded queue of
// Annex-B access units so the worker never waits on the client.
type encoderCodec struct {
	codec      VideoCodec
	newEncoder func(VideoEncoderConfig) (VideoEncoder, error)

	mu      sync.Mutex
	state   codecState
	format  Format
	outFmt  Format
	enc     VideoEncoder
	surface *InputSurface
	eosSent bool
	err     error

	reqs chan encodeRequest
	out  *outputQueue
	pts  ptsQueue

	done chan struct{}
	wg   sync.WaitGroup
}

func newEncoderCodec(codec VideoCodec, factory func(VideoEncoderConfig) (VideoEncoder, error)) *encoderCodec {
	return &encoderCodec{
		codec:      codec,
		newEncoder: factory,
	}
}

func (e *encoderCodec) Configure(format Format, surface *OutputSurface, flags ConfigureFlags) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != codecUninitialized {
		return stateError("configure", e.state)
	}
	if flags&ConfigureFlagEncode == 0 {
		return fmt.Errorf("%w: encoder configured without encode flag", ErrCodecState)
	}
	if surface != nil {
		return fmt.Errorf("%w: encoders do not render to an output surface", ErrCodecState)
	}
	if VideoCodecFromMime(format.MIME) != e.codec {
		return fmt.Errorf("%w: encoder for %s got %s", ErrCodecNotSupported, e.codec, format.MIME)
	}
	if format.Width <= 0 || format.Height <= 0 {
		return fmt.Errorf("%w: encoder size %dx%d", ErrInvalidFrame, format.Width, format.Height)
	}

	cfg := DefaultVideoEncoderConfig(e.codec, format.Width, format.Height)
	if format.FrameRate > 0 {
		cfg.FPS = format.FrameRate
	}
	if format.BitrateBps > 0 {
		cfg.BitrateBps = format.BitrateBps
	}
	if format.KeyframeIntervalSec > 0 {
		cfg.KeyframeIntervalSec = format.KeyframeIntervalSec
	}

	enc, err := e.newEncoder(cfg)
	if err != nil {
		return err
	}

	e.enc = enc
	e.format = format.Clone()
	e.reqs = make(chan encodeRequest, encoderInputDepth)
	e.out = newOutputQueue(0)
	e.done = make(chan struct{})
	e.state = codecConfigured
	return nil
}

func (e *encoderCodec) CreateInputSurface() (*InputSurface, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != codecConfigured {
		return nil, stateError("create input surface", e.state)
	}
	if e.surface == nil {
		e.surface = newInputSurface(e.format.Width, e.format.Height, e)
	}
	return e.surface, nil
}

func (e *encoderCodec) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != codecConfigured {
		return stateError("start", e.state)
	}
	if e.surface == nil {
		return ErrNoInputSurface
	}
	e.state = codecRunning
	e.wg.Add(1)
	go e.run()
	return nil
}

// submitFrame hands a rendered frame to the worker. It blocks while the
// worker is busy with earlier frames, until ctx is done or the codec stops.
func (e *encoderCodec) submitFrame(ctx context.Context, frame *VideoFrame) error {
	e.mu.Lock()
	state, eos, err := e.state, e.eosSent, e.err
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if state != codecRunning {
		return stateError("swap buffers", state)
	}
	if eos {
		return fmt.Errorf("%w: frame after end of stream", ErrCodecState)
	}

	select {
	case e.reqs <- encodeRequest{frame: frame}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrCodecReleased
	}
}

func (e *encoderCodec) DequeueInputBuffer(time.Duration) int {
	return InfoTryAgainLater
}

func (e *encoderCodec) InputBuffer(int) []byte {
	return nil
}

func (e *encoderCodec) QueueInputBuffer(index, offset, size int, presentationTimeUs int64, flags BufferFlags) error {
	return fmt.Errorf("%w: encoder takes surface input", ErrCodecState)
}

func (e *encoderCodec) DequeueOutputBuffer(info *BufferInfo, timeout time.Duration) int {
	if e.out == nil {
		return InfoTryAgainLater
	}
	return e.out.dequeue(info, timeout, e.done)
}

func (e *encoderCodec) OutputBuffer(index int) []byte {
	if e.out == nil {
		return nil
	}
	return e.out.buffer(index)
}

func (e *encoderCodec) OutputFormat() Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outFmt.Clone()
}

func (e *encoderCodec) ReleaseOutputBuffer(index int, render bool) error {
	if e.out == nil {
		return fmt.Errorf("%w: output %d", ErrInvalidIndex, index)
	}
	if _, ok := e.out.release(index); !ok {
		return fmt.Errorf("%w: output %d", ErrInvalidIndex, index)
	}
	return nil
}

func (e *encoderCodec) SignalEndOfInputStream() error {
	e.mu.Lock()
	if e.err != nil {
		defer e.mu.Unlock()
		return e.err
	}
	if e.state != codecRunning {
		defer e.mu.Unlock()
		return stateError("signal end of input", e.state)
	}
	if e.eosSent {
		e.mu.Unlock()
		return nil
	}
	e.eosSent = true
	e.mu.Unlock()

	select {
	case e.reqs <- encodeRequest{eos: true}:
		return nil
	case <-e.done:
		return ErrCodecReleased
	}
}

func (e *encoderCodec) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *encoderCodec) fail(err error) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
}

func (e *encoderCodec) Stop() error {
	e.mu.Lock()
	if e.state != codecRunning {
		e.mu.Unlock()
		return nil
	}
	e.state = codecStopped
	close(e.done)
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

func (e *encoderCodec) Release() error {
	if err := e.Stop(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == codecReleased {
		return nil
	}
	e.state = codecReleased
	if e.enc != nil {
		err := e.enc.Close()
		e.enc = nil
		return err
	}
	return nil
}

func (e *encoderCodec) run() {
	defer e.wg.Done()

	formatSent := false
	publish := func(ef *EncodedFrame) {
		if ef == nil || len(ef.Data) == 0 {
			return
		}
		if !formatSent {
			e.publishFormat(ef.Data)
			formatSent = true
		}
		pts, ok := e.pts.pop()
		if !ok {
			pts = ef.Timestamp
		}
		var flags BufferFlags
		if ef.IsKeyframe() {
			flags |= BufferFlagKeyFrame
		}
		data := append([]byte(nil), ef.Data...)
		idx, _ := e.out.acquire(nil)
		e.out.push(idx, data, BufferInfo{Size: len(data), PresentationTimeUs: pts, Flags: flags}, nil)
	}

	for {
		var req encodeRequest
		select {
		case req = <-e.reqs:
		case <-e.done:
			return
		}

		if req.eos {
			flushed, err := e.enc.Flush()
			if err != nil {
				e.fail(fmt.Errorf("encoder flush: %w", err))
				return
			}
			for _, ef := range flushed {
				publish(ef)
			}
			idx, _ := e.out.acquire(nil)
			e.out.push(idx, nil, BufferInfo{Flags: BufferFlagEndOfStream}, nil)
			return
		}

		ptsUs := req.frame.Timestamp / 1000
		e.pts.push(ptsUs)
		ef, err := e.enc.Encode(req.frame)
		if err != nil {
			e.fail(fmt.Errorf("encode at %dus: %w", ptsUs, err))
			return
		}
		publish(ef)
	}
}

// publishFormat records the output format from the encoder's parameter sets,
// falling back to those found in-band in the first access unit.
func (e *encoderCodec) publishFormat(first []byte) {
	csd := e.enc.CodecSpecificData()
	if len(csd) < 2 {
		if sps, pps := extractParameterSets(first); sps != nil && pps != nil {
			csd = [][]byte{sps, pps}
		}
	}

	e.mu.Lock()
	e.outFmt = e.format.Clone()
	e.outFmt.CSD = nil
	for _, ps := range csd {
		e.outFmt.CSD = append(e.outFmt.CSD, append([]byte(nil), ps...))
	}
	e.mu.Unlock()
	e.out.pushInfo(InfoOutputFormatChanged)
}
