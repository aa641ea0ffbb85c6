package reframe

import (
	"fmt"
	"sync"
	"time"
)

const (
	decoderInputSlots  = 4
	decoderOutputSlots = 4
	minInputBufferSize = 1 << 20
)

type decodeRequest struct {
	index int
	data  []byte
	ptsUs int64
	flags BufferFlags
}

// decoderCodec adapts a synchronous VideoDecoder to the MediaCodec API.
// Decoded frames are delivered to the configured OutputSurface when their
// output buffer is released with render set.
type decoderCodec struct {
	codec      VideoCodec
	newDecoder func(VideoDecoderConfig) (VideoDecoder, error)

	mu      sync.Mutex
	state   codecState
	format  Format
	outFmt  Format
	surface *OutputSurface
	dec     VideoDecoder
	err     error

	in   *inputSlots
	reqs chan decodeRequest
	out  *outputQueue
	pts  ptsQueue

	done chan struct{}
	wg   sync.WaitGroup
}

func newDecoderCodec(codec VideoCodec, factory func(VideoDecoderConfig) (VideoDecoder, error)) *decoderCodec {
	return &decoderCodec{
		codec:      codec,
		newDecoder: factory,
		pts:        ptsQueue{ordered: true},
	}
}

func (d *decoderCodec) Configure(format Format, surface *OutputSurface, flags ConfigureFlags) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != codecUninitialized {
		return stateError("configure", d.state)
	}
	if flags&ConfigureFlagEncode != 0 {
		return fmt.Errorf("%w: encode flag on a decoder", ErrCodecState)
	}
	if surface == nil {
		return ErrSurfaceRequired
	}
	if VideoCodecFromMime(format.MIME) != d.codec {
		return fmt.Errorf("%w: decoder for %s got %s", ErrCodecNotSupported, d.codec, format.MIME)
	}

	dec, err := d.newDecoder(VideoDecoderConfig{Codec: d.codec, Provider: ProviderAuto})
	if err != nil {
		return err
	}

	size := I420Size(format.Width, format.Height)
	if size < minInputBufferSize {
		size = minInputBufferSize
	}

	d.dec = dec
	d.format = format.Clone()
	d.surface = surface
	d.in = newInputSlots(decoderInputSlots, size)
	d.reqs = make(chan decodeRequest, decoderInputSlots)
	d.out = newOutputQueue(decoderOutputSlots)
	d.done = make(chan struct{})
	d.state = codecConfigured
	return nil
}

func (d *decoderCodec) CreateInputSurface() (*InputSurface, error) {
	return nil, fmt.Errorf("%w: decoders take buffer input", ErrCodecState)
}

func (d *decoderCodec) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != codecConfigured {
		return stateError("start", d.state)
	}
	d.state = codecRunning
	d.wg.Add(1)
	go d.run()
	return nil
}

func (d *decoderCodec) running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == codecRunning
}

func (d *decoderCodec) DequeueInputBuffer(timeout time.Duration) int {
	if !d.running() {
		return InfoTryAgainLater
	}
	return d.in.dequeue(timeout, d.done)
}

func (d *decoderCodec) InputBuffer(index int) []byte {
	if d.in == nil {
		return nil
	}
	return d.in.buffer(index)
}

func (d *decoderCodec) QueueInputBuffer(index, offset, size int, presentationTimeUs int64, flags BufferFlags) error {
	if err := d.Err(); err != nil {
		return err
	}
	if !d.running() {
		d.mu.Lock()
		defer d.mu.Unlock()
		return stateError("queue input", d.state)
	}
	buf := d.in.buffer(index)
	if buf == nil {
		return fmt.Errorf("%w: input %d", ErrInvalidIndex, index)
	}
	if offset < 0 || size < 0 || offset+size > len(buf) {
		return fmt.Errorf("%w: input range %d+%d exceeds %d", ErrBufferTooSmall, offset, size, len(buf))
	}
	d.in.submit(index)
	d.reqs <- decodeRequest{
		index: index,
		data:  buf[offset : offset+size],
		ptsUs: presentationTimeUs,
		flags: flags,
	}
	return nil
}

func (d *decoderCodec) DequeueOutputBuffer(info *BufferInfo, timeout time.Duration) int {
	if d.out == nil {
		return InfoTryAgainLater
	}
	return d.out.dequeue(info, timeout, d.done)
}

func (d *decoderCodec) OutputBuffer(index int) []byte {
	if d.out == nil {
		return nil
	}
	return d.out.buffer(index)
}

func (d *decoderCodec) OutputFormat() Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outFmt.Clone()
}

func (d *decoderCodec) ReleaseOutputBuffer(index int, render bool) error {
	if d.out == nil {
		return fmt.Errorf("%w: output %d", ErrInvalidIndex, index)
	}
	frame, ok := d.out.release(index)
	if !ok {
		return fmt.Errorf("%w: output %d", ErrInvalidIndex, index)
	}
	if render && frame != nil {
		d.surface.post(frame)
	}
	return nil
}

func (d *decoderCodec) SignalEndOfInputStream() error {
	return fmt.Errorf("%w: decoders take an end-of-stream input buffer", ErrCodecState)
}

func (d *decoderCodec) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *decoderCodec) fail(err error) {
	d.mu.Lock()
	if d.err == nil {
		d.err = err
	}
	d.mu.Unlock()
}

func (d *decoderCodec) Stop() error {
	d.mu.Lock()
	if d.state != codecRunning {
		d.mu.Unlock()
		return nil
	}
	d.state = codecStopped
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

func (d *decoderCodec) Release() error {
	if err := d.Stop(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == codecReleased {
		return nil
	}
	d.state = codecReleased
	if d.dec != nil {
		err := d.dec.Close()
		d.dec = nil
		return err
	}
	return nil
}

func (d *decoderCodec) run() {
	defer d.wg.Done()

	configSent := false
	formatSent := false
	for {
		var req decodeRequest
		select {
		case req = <-d.reqs:
		case <-d.done:
			return
		}

		data := req.data
		if !configSent && len(data) > 0 {
			if csd := annexBParameterSets(d.format.CSD); len(csd) > 0 {
				data = append(csd, data...)
			} else {
				data = append([]byte(nil), data...)
			}
			configSent = true
		}

		var frames []*VideoFrame
		var err error
		if len(data) > 0 {
			d.pts.push(req.ptsUs)
			ft := FrameTypeDelta
			if req.flags.Has(BufferFlagKeyFrame) {
				ft = FrameTypeKey
			}
			var frame *VideoFrame
			frame, err = d.dec.Decode(&EncodedFrame{Data: data, FrameType: ft, Timestamp: req.ptsUs})
			if frame != nil {
				frames = append(frames, packFrame(frame))
			}
		}
		// The slot may be reused once the decoder has consumed it.
		d.in.put(req.index)
		if err != nil {
			d.fail(fmt.Errorf("decode at %dus: %w", req.ptsUs, err))
			return
		}

		eos := req.flags.Has(BufferFlagEndOfStream)
		if eos {
			flushed, err := d.dec.Flush()
			if err != nil {
				d.fail(fmt.Errorf("decoder flush: %w", err))
				return
			}
			for _, f := range flushed {
				frames = append(frames, packFrame(f))
			}
		}

		for _, frame := range frames {
			if !formatSent {
				d.mu.Lock()
				d.outFmt = d.format.Clone()
				d.outFmt.Width = frame.Width
				d.outFmt.Height = frame.Height
				d.outFmt.CSD = nil
				d.mu.Unlock()
				d.out.pushInfo(InfoOutputFormatChanged)
				formatSent = true
			}
			if !d.emit(frame) {
				return
			}
		}

		if eos {
			idx, ok := d.out.acquire(d.done)
			if !ok {
				return
			}
			d.out.push(idx, nil, BufferInfo{Flags: BufferFlagEndOfStream}, nil)
		}
	}
}

func (d *decoderCodec) emit(frame *VideoFrame) bool {
	idx, ok := d.out.acquire(d.done)
	if !ok {
		return false
	}
	pts, ok := d.pts.pop()
	if !ok {
		pts = frame.Timestamp / 1000
	}
	frame.Timestamp = pts * 1000
	data := frame.Data[0][:cap(frame.Data[0])]
	size := I420Size(frame.Width, frame.Height)
	d.out.push(idx, data[:size], BufferInfo{Size: size, PresentationTimeUs: pts}, frame)
	return true
}

// packFrame copies a decoder-owned frame into one contiguous I420 buffer.
func packFrame(f *VideoFrame) *VideoFrame {
	buf := f.AppendI420(make([]byte, 0, I420Size(f.Width, f.Height)))
	packed, _ := I420FrameFromBytes(buf, f.Width, f.Height)
	packed.Timestamp = f.Timestamp
	return packed
}
