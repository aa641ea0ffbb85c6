package reframe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

var (
	fakeSPS = []byte{0x67, 0x42, 0x00, 0x1e, 0xab, 0x40}
	fakePPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

// recorder collects events across fakes in call order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) index(event string) int {
	for i, e := range r.list() {
		if e == event {
			return i
		}
	}
	return -1
}

// --- demuxer ---

type fakeSample struct {
	data  []byte
	ptsUs int64
	flags BufferFlags
}

type fakeDemuxer struct {
	formats  []Format
	samples  [][]fakeSample
	selected []bool
	pos      []int
	rec      *recorder
	closed   bool

	failRead int // 1-based ReadSampleData call that fails; 0 never
	reads    int
}

func newFakeDemuxer(rec *recorder) *fakeDemuxer {
	return &fakeDemuxer{rec: rec}
}

func (d *fakeDemuxer) addTrack(f Format, samples []fakeSample) {
	d.formats = append(d.formats, f)
	d.samples = append(d.samples, samples)
	d.selected = append(d.selected, false)
	d.pos = append(d.pos, 0)
}

func (d *fakeDemuxer) TrackCount() int { return len(d.formats) }

func (d *fakeDemuxer) TrackFormat(i int) (Format, error) {
	if i < 0 || i >= len(d.formats) {
		return Format{}, ErrTrackIndex
	}
	return d.formats[i].Clone(), nil
}

func (d *fakeDemuxer) SelectTrack(i int) error {
	if i < 0 || i >= len(d.formats) {
		return ErrTrackIndex
	}
	d.selected[i] = true
	return nil
}

func (d *fakeDemuxer) UnselectTrack(i int) error {
	if i < 0 || i >= len(d.formats) {
		return ErrTrackIndex
	}
	d.selected[i] = false
	return nil
}

func (d *fakeDemuxer) current() (int, *fakeSample) {
	best := -1
	for i := range d.formats {
		if !d.selected[i] || d.pos[i] >= len(d.samples[i]) {
			continue
		}
		if best < 0 || d.samples[i][d.pos[i]].ptsUs < d.samples[best][d.pos[best]].ptsUs {
			best = i
		}
	}
	if best < 0 {
		return -1, nil
	}
	return best, &d.samples[best][d.pos[best]]
}

func (d *fakeDemuxer) ReadSampleData(buf []byte) (int, error) {
	d.reads++
	if d.failRead > 0 && d.reads == d.failRead {
		return 0, errors.New("disk read failed")
	}
	_, s := d.current()
	if s == nil {
		return 0, io.EOF
	}
	if len(buf) < len(s.data) {
		return 0, ErrBufferTooSmall
	}
	return copy(buf, s.data), nil
}

func (d *fakeDemuxer) SampleTrackIndex() int {
	i, _ := d.current()
	return i
}

func (d *fakeDemuxer) SampleTime() int64 {
	_, s := d.current()
	if s == nil {
		return -1
	}
	return s.ptsUs
}

func (d *fakeDemuxer) SampleFlags() BufferFlags {
	_, s := d.current()
	if s == nil {
		return 0
	}
	return s.flags
}

func (d *fakeDemuxer) Advance() bool {
	i, s := d.current()
	if s == nil {
		return false
	}
	d.pos[i]++
	_, next := d.current()
	return next != nil
}

func (d *fakeDemuxer) SeekTo(timeUs int64, mode SeekMode) error {
	for i := range d.formats {
		if !d.selected[i] {
			continue
		}
		d.pos[i] = 0
		for d.pos[i] < len(d.samples[i]) && d.samples[i][d.pos[i]].ptsUs < timeUs {
			d.pos[i]++
		}
	}
	return nil
}

func (d *fakeDemuxer) Close() error {
	d.closed = true
	d.rec.add("close demuxer")
	return nil
}

// videoSamples returns n key-every-gop samples 33.333ms apart.
func videoSamples(n, gop int) []fakeSample {
	out := make([]fakeSample, n)
	for i := range out {
		var flags BufferFlags
		nal := byte(0x41)
		if i%gop == 0 {
			flags = BufferFlagKeyFrame
			nal = 0x65
		}
		out[i] = fakeSample{
			data:  []byte{0, 0, 0, 1, nal, byte(i), 0xaa, 0xbb},
			ptsUs: int64(i) * 1_000_000 / 30,
			flags: flags,
		}
	}
	return out
}

func audioSamples(n int) []fakeSample {
	out := make([]fakeSample, n)
	for i := range out {
		data := make([]byte, 32+i)
		for j := range data {
			data[j] = byte(i + j)
		}
		out[i] = fakeSample{data: data, ptsUs: int64(i) * 21333, flags: BufferFlagKeyFrame}
	}
	return out
}

// --- muxer ---

type muxWrite struct {
	track int
	data  []byte
	info  BufferInfo
}

type fakeMuxer struct {
	mu      sync.Mutex
	tracks  []Format
	writes  []muxWrite
	started bool
	stopped bool
	closed  bool
	rec     *recorder
}

func (m *fakeMuxer) AddTrack(f Format) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return -1, ErrMuxerStarted
	}
	m.tracks = append(m.tracks, f.Clone())
	return len(m.tracks) - 1, nil
}

func (m *fakeMuxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrMuxerStarted
	}
	m.started = true
	return nil
}

func (m *fakeMuxer) WriteSampleData(track int, data []byte, info BufferInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrMuxerNotStarted
	}
	if track < 0 || track >= len(m.tracks) {
		return ErrUnknownTrack
	}
	payload := append([]byte(nil), data[info.Offset:info.Offset+info.Size]...)
	m.writes = append(m.writes, muxWrite{track: track, data: payload, info: info})
	return nil
}

func (m *fakeMuxer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrMuxerNotStarted
	}
	m.stopped = true
	m.rec.add("stop muxer")
	return nil
}

func (m *fakeMuxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.rec.add("close muxer")
	return nil
}

func (m *fakeMuxer) writesFor(track int) []muxWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []muxWrite
	for _, w := range m.writes {
		if w.track == track {
			out = append(out, w)
		}
	}
	return out
}

// --- codecs ---

// fakeVideoDecoder returns a mid-grey frame per access unit.
type fakeVideoDecoder struct {
	width, height int
	failAt        int // 1-based decode call that fails; 0 never
	delay         time.Duration
	calls         int
}

func (d *fakeVideoDecoder) Decode(ef *EncodedFrame) (*VideoFrame, error) {
	d.calls++
	if d.failAt > 0 && d.calls == d.failAt {
		return nil, errors.New("corrupt access unit")
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	f := NewI420Frame(d.width, d.height)
	for _, p := range f.Data {
		for i := range p {
			p[i] = 128
		}
	}
	f.Timestamp = ef.Timestamp * 1000
	return f, nil
}

func (d *fakeVideoDecoder) Flush() ([]*VideoFrame, error) { return nil, nil }
func (d *fakeVideoDecoder) Provider() Provider            { return ProviderAuto }
func (d *fakeVideoDecoder) Config() VideoDecoderConfig    { return VideoDecoderConfig{Codec: VideoCodecH264} }
func (d *fakeVideoDecoder) Codec() VideoCodec             { return VideoCodecH264 }
func (d *fakeVideoDecoder) Stats() DecoderStats           { return DecoderStats{} }
func (d *fakeVideoDecoder) Close() error                  { return nil }

// fakeVideoEncoder emits one Annex-B access unit per frame.
type fakeVideoEncoder struct {
	cfg    VideoEncoderConfig
	frames []*VideoFrame
	n      int
}

func (e *fakeVideoEncoder) Encode(frame *VideoFrame) (*EncodedFrame, error) {
	e.frames = append(e.frames, frame)
	gop := e.cfg.FPS * e.cfg.KeyframeIntervalSec
	key := e.n == 0 || (gop > 0 && e.n%gop == 0)
	e.n++
	ef := &EncodedFrame{Timestamp: frame.Timestamp / 1000, FrameType: FrameTypeDelta}
	if key {
		ef.FrameType = FrameTypeKey
		ef.Data = append(ef.Data, 0, 0, 0, 1)
		ef.Data = append(ef.Data, fakeSPS...)
		ef.Data = append(ef.Data, 0, 0, 0, 1)
		ef.Data = append(ef.Data, fakePPS...)
		ef.Data = append(ef.Data, 0, 0, 0, 1, 0x65, byte(e.n), 0x88)
	} else {
		ef.Data = append(ef.Data, 0, 0, 0, 1, 0x41, byte(e.n), 0x9a)
	}
	return ef, nil
}

func (e *fakeVideoEncoder) CodecSpecificData() [][]byte     { return [][]byte{fakeSPS, fakePPS} }
func (e *fakeVideoEncoder) Provider() Provider              { return ProviderAuto }
func (e *fakeVideoEncoder) Config() VideoEncoderConfig      { return e.cfg }
func (e *fakeVideoEncoder) Codec() VideoCodec               { return VideoCodecH264 }
func (e *fakeVideoEncoder) Stats() EncoderStats             { return EncoderStats{} }
func (e *fakeVideoEncoder) Flush() ([]*EncodedFrame, error) { return nil, nil }
func (e *fakeVideoEncoder) Close() error                    { return nil }

// recordingCodec logs lifecycle calls, input slot hand-offs and every
// output dequeue with its status.
type recordingCodec struct {
	MediaCodec
	name string
	rec  *recorder
}

func statusName(status int) string {
	switch status {
	case InfoTryAgainLater:
		return "again"
	case InfoOutputFormatChanged:
		return "format"
	case InfoOutputBuffersChanged:
		return "buffers"
	}
	if status < 0 {
		return fmt.Sprintf("status %d", status)
	}
	return "buffer"
}

func (c *recordingCodec) DequeueInputBuffer(timeout time.Duration) int {
	idx := c.MediaCodec.DequeueInputBuffer(timeout)
	if idx >= 0 {
		c.rec.add("take input %s", c.name)
	}
	return idx
}

func (c *recordingCodec) QueueInputBuffer(index, offset, size int, presentationTimeUs int64, flags BufferFlags) error {
	c.rec.add("queue input %s", c.name)
	return c.MediaCodec.QueueInputBuffer(index, offset, size, presentationTimeUs, flags)
}

func (c *recordingCodec) DequeueOutputBuffer(info *BufferInfo, timeout time.Duration) int {
	status := c.MediaCodec.DequeueOutputBuffer(info, timeout)
	c.rec.add("dequeue %s %s", c.name, statusName(status))
	return status
}

func (c *recordingCodec) Stop() error {
	c.rec.add("stop %s", c.name)
	return c.MediaCodec.Stop()
}

func (c *recordingCodec) Release() error {
	c.rec.add("release %s", c.name)
	return c.MediaCodec.Release()
}

// teardownSink copies the transcoder's teardown steps into a recorder so
// surface releases can be ordered against the fakes' own events.
type teardownSink struct {
	rec *recorder
}

func (s teardownSink) Accept(_ string, _ hclog.Level, msg string, args ...interface{}) {
	if msg != "teardown" {
		return
	}
	for i := 0; i+1 < len(args); i += 2 {
		if key, ok := args[i].(string); ok && key == "step" {
			s.rec.add("teardown %v", args[i+1])
		}
	}
}

// pipelineFixture wires a Transcoder to in-memory fakes backed by the real
// codec adapters.
type pipelineFixture struct {
	rec     *recorder
	demuxer *fakeDemuxer
	muxer   *fakeMuxer
	decoder *fakeVideoDecoder
	encoder *fakeVideoEncoder

	muxerCreated bool
}

func newPipelineFixture(decW, decH int) *pipelineFixture {
	rec := &recorder{}
	return &pipelineFixture{
		rec:     rec,
		demuxer: newFakeDemuxer(rec),
		muxer:   &fakeMuxer{rec: rec},
		decoder: &fakeVideoDecoder{width: decW, height: decH},
	}
}

func (p *pipelineFixture) transcoder() *Transcoder {
	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{Level: hclog.Off, Output: io.Discard})
	logger.RegisterSink(teardownSink{rec: p.rec})
	return &Transcoder{
		Logger:           logger,
		PollTimeout:      time.Millisecond,
		FrameWaitTimeout: time.Second,
		OpenDemuxer: func(string) (Demuxer, error) {
			return p.demuxer, nil
		},
		CreateMuxer: func(string) (Muxer, error) {
			p.muxerCreated = true
			return p.muxer, nil
		},
		CreateDecoder: func(mime string) (MediaCodec, error) {
			codec := newDecoderCodec(VideoCodecFromMime(mime), func(VideoDecoderConfig) (VideoDecoder, error) {
				return p.decoder, nil
			})
			return &recordingCodec{MediaCodec: codec, name: "decoder", rec: p.rec}, nil
		},
		CreateEncoder: func(mime string) (MediaCodec, error) {
			codec := newEncoderCodec(VideoCodecFromMime(mime), func(cfg VideoEncoderConfig) (VideoEncoder, error) {
				p.encoder = &fakeVideoEncoder{cfg: cfg}
				return p.encoder, nil
			})
			return &recordingCodec{MediaCodec: codec, name: "encoder", rec: p.rec}, nil
		},
	}
}

func testConfig() Config {
	return Config{
		InputPath:  "in.mp4",
		OutputPath: "out.mp4",
		Width:      16,
		Height:     16,
		Backend:    BackendSoftware,
	}
}

func runWithTimeout(ctx context.Context, tc *Transcoder, cfg Config, limit time.Duration) (RunStats, error) {
	type result struct {
		stats RunStats
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		stats, err := tc.Run(ctx, cfg)
		ch <- result{stats, err}
	}()
	select {
	case r := <-ch:
		return r.stats, r.err
	case <-time.After(limit):
		return RunStats{}, fmt.Errorf("run did not finish within %s", limit)
	}
}
