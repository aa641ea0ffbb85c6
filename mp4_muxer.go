package reframe

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/abema/go-mp4"
	"github.com/hashicorp/go-hclog"

	"github.com/thesyncim/reframe/internal/metrics"
)

const (
	videoTimescale = 90000
	movieTimescale = 1000
)

// MP4MuxerOptions configure an MP4Muxer.
type MP4MuxerOptions struct {
	Logger hclog.Logger
}

type muxSample struct {
	size  uint32
	dts   int64 // track timescale ticks
	sync  bool
	chunk int
}

type muxTrack struct {
	format    Format
	timescale uint32
	kind      string // "video" or "audio"
	avc       bool

	samples []muxSample
	lastUs  int64
	csd     [][]byte
}

type muxChunk struct {
	track   int
	offset  uint64
	samples uint32
}

// MP4Muxer writes a progressive MP4: ftyp, one mdat holding every sample,
// then moov once Stop is called.
type MP4Muxer struct {
	logger hclog.Logger
	w      *mp4.Writer
	closer io.Closer

	tracks  []*muxTrack
	chunks  []muxChunk
	pos     uint64 // file offset of the next sample byte
	started bool
	stopped bool
	scratch []byte
}

// CreateMP4Muxer creates (or truncates) path.
func CreateMP4Muxer(path string, opts MP4MuxerOptions) (*MP4Muxer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	m := NewMP4Muxer(f, opts)
	m.closer = f
	return m, nil
}

// NewMP4Muxer writes to ws, which must be positioned at offset 0.
func NewMP4Muxer(ws io.WriteSeeker, opts MP4MuxerOptions) *MP4Muxer {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &MP4Muxer{logger: logger, w: mp4.NewWriter(ws)}
}

// AddTrack implements Muxer.
func (m *MP4Muxer) AddTrack(format Format) (int, error) {
	if m.started {
		return -1, ErrMuxerStarted
	}
	t := &muxTrack{format: format.Clone()}
	switch {
	case format.IsVideo():
		if VideoCodecFromMime(format.MIME) != VideoCodecH264 {
			return -1, fmt.Errorf("%w: muxer writes %s video only", ErrCodecNotSupported, MimeVideoAVC)
		}
		if format.Width <= 0 || format.Height <= 0 {
			return -1, fmt.Errorf("video track needs dimensions, got %dx%d", format.Width, format.Height)
		}
		t.kind = "video"
		t.avc = true
		t.timescale = videoTimescale
		t.csd = t.format.CSD
	case format.IsAudio():
		if len(format.SampleEntry) < 8 {
			return -1, fmt.Errorf("%w: audio track %s has no sample entry", ErrCodecNotSupported, format.MIME)
		}
		t.kind = "audio"
		t.timescale = format.Timescale
		if format.SampleRate > 0 {
			t.timescale = uint32(format.SampleRate)
		}
		if t.timescale == 0 {
			return -1, fmt.Errorf("audio track %s has no sample rate", format.MIME)
		}
	default:
		return -1, fmt.Errorf("%w: %q", ErrCodecNotSupported, format.MIME)
	}

	m.tracks = append(m.tracks, t)
	m.logger.Debug("track added", "index", len(m.tracks)-1, "format", format.String())
	return len(m.tracks) - 1, nil
}

// Start implements Muxer. It writes ftyp and opens mdat.
func (m *MP4Muxer) Start() error {
	if m.started {
		return ErrMuxerStarted
	}
	if len(m.tracks) == 0 {
		return errors.New("muxer has no tracks")
	}

	if _, err := m.w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeFtyp()}); err != nil {
		return err
	}
	ftyp := &mp4.Ftyp{
		MajorBrand:   [4]byte{'i', 's', 'o', 'm'},
		MinorVersion: 0x200,
		CompatibleBrands: []mp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'i', 's', 'o', 'm'}},
			{CompatibleBrand: [4]byte{'i', 's', 'o', '2'}},
			{CompatibleBrand: [4]byte{'a', 'v', 'c', '1'}},
			{CompatibleBrand: [4]byte{'m', 'p', '4', '1'}},
		},
	}
	if _, err := mp4.Marshal(m.w, ftyp, mp4.Context{}); err != nil {
		return err
	}
	if _, err := m.w.EndBox(); err != nil {
		return err
	}

	// mdat grows past 4 GiB for long inputs, so reserve a 64-bit size.
	bi, err := m.w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMdat(), HeaderSize: mp4.LargeHeaderSize})
	if err != nil {
		return err
	}
	m.pos = bi.Offset + bi.HeaderSize
	m.started = true
	return nil
}

// WriteSampleData implements Muxer.
func (m *MP4Muxer) WriteSampleData(track int, data []byte, info BufferInfo) error {
	if m.stopped {
		return ErrMuxerStopped
	}
	if !m.started {
		return ErrMuxerNotStarted
	}
	if track < 0 || track >= len(m.tracks) {
		return fmt.Errorf("%w: %d", ErrUnknownTrack, track)
	}
	if info.Offset < 0 || info.Size < 0 || info.Offset+info.Size > len(data) {
		return fmt.Errorf("%w: sample range %d+%d exceeds %d", ErrBufferTooSmall, info.Offset, info.Size, len(data))
	}
	t := m.tracks[track]
	payload := data[info.Offset : info.Offset+info.Size]

	if info.Flags.Has(BufferFlagCodecConfig) {
		if t.avc {
			if sps, pps := extractParameterSets(payload); sps != nil && pps != nil {
				t.csd = [][]byte{sps, pps}
			}
		}
		return nil
	}

	if len(t.samples) > 0 && info.PresentationTimeUs < t.lastUs {
		return fmt.Errorf("%w: track %d at %dus after %dus", ErrTimestampOrder, track, info.PresentationTimeUs, t.lastUs)
	}

	if t.avc {
		if len(t.csd) < 2 {
			if sps, pps := extractParameterSets(payload); sps != nil && pps != nil {
				t.csd = [][]byte{sps, pps}
			}
		}
		if isAnnexB(payload) {
			m.scratch = annexBToAVCC(m.scratch[:0], payload, true)
			payload = m.scratch
		}
	}
	if len(payload) == 0 {
		return nil
	}

	if _, err := m.w.Write(payload); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}

	if n := len(m.chunks); n == 0 || m.chunks[n-1].track != track {
		m.chunks = append(m.chunks, muxChunk{track: track, offset: m.pos})
	}
	m.chunks[len(m.chunks)-1].samples++
	m.pos += uint64(len(payload))

	t.samples = append(t.samples, muxSample{
		size:  uint32(len(payload)),
		dts:   int64(math.Round(float64(info.PresentationTimeUs) * float64(t.timescale) / 1e6)),
		sync:  !t.avc || info.Flags.Has(BufferFlagKeyFrame),
		chunk: len(m.chunks) - 1,
	})
	t.lastUs = info.PresentationTimeUs

	metrics.MuxerSamplesWritten.WithLabelValues(t.kind).Inc()
	return nil
}

func isAnnexB(data []byte) bool {
	return len(data) >= 4 && data[0] == 0 && data[1] == 0 &&
		(data[2] == 1 || (data[2] == 0 && data[3] == 1))
}

// Stop implements Muxer. It closes mdat and writes moov.
func (m *MP4Muxer) Stop() error {
	if m.stopped {
		return nil
	}
	if !m.started {
		return ErrMuxerNotStarted
	}
	if _, err := m.w.EndBox(); err != nil {
		return fmt.Errorf("finish mdat: %w", err)
	}
	if err := m.writeMoov(); err != nil {
		return fmt.Errorf("write moov: %w", err)
	}
	m.stopped = true
	for i, t := range m.tracks {
		m.logger.Debug("track finalised", "index", i, "kind", t.kind, "samples", len(t.samples))
	}
	return nil
}

// Close implements Muxer. Without a prior Stop the file is left unplayable.
func (m *MP4Muxer) Close() error {
	if m.started && !m.stopped {
		m.logger.Warn("muxer closed before stop, output is incomplete")
	}
	if m.closer == nil {
		return nil
	}
	err := m.closer.Close()
	m.closer = nil
	return err
}

func (m *MP4Muxer) box(bt mp4.BoxType, payload mp4.IImmutableBox, children func() error) error {
	if _, err := m.w.StartBox(&mp4.BoxInfo{Type: bt}); err != nil {
		return err
	}
	if payload != nil {
		if _, err := mp4.Marshal(m.w, payload, mp4.Context{}); err != nil {
			return fmt.Errorf("%s: %w", bt, err)
		}
	}
	if children != nil {
		if err := children(); err != nil {
			return err
		}
	}
	_, err := m.w.EndBox()
	return err
}

// durations returns per-sample deltas in track ticks. The last sample
// repeats the previous delta.
func (t *muxTrack) durations() []uint32 {
	n := len(t.samples)
	d := make([]uint32, n)
	for i := 0; i+1 < n; i++ {
		d[i] = uint32(t.samples[i+1].dts - t.samples[i].dts)
	}
	switch {
	case n > 1:
		d[n-1] = d[n-2]
	case n == 1 && t.avc && t.format.FrameRate > 0:
		d[0] = t.timescale / uint32(t.format.FrameRate)
	}
	return d
}

func (t *muxTrack) duration() uint64 {
	var total uint64
	for _, d := range t.durations() {
		total += uint64(d)
	}
	return total
}

func (m *MP4Muxer) writeMoov() error {
	var movieDuration uint64
	for _, t := range m.tracks {
		if d := t.duration() * movieTimescale / uint64(t.timescale); d > movieDuration {
			movieDuration = d
		}
	}

	return m.box(mp4.BoxTypeMoov(), nil, func() error {
		mvhd := &mp4.Mvhd{
			Timescale:   movieTimescale,
			DurationV0:  uint32(movieDuration),
			Rate:        0x00010000,
			Volume:      0x0100,
			Matrix:      rotationMatrix(0),
			NextTrackID: uint32(len(m.tracks) + 1),
		}
		if err := m.box(mp4.BoxTypeMvhd(), mvhd, nil); err != nil {
			return err
		}
		for i, t := range m.tracks {
			if err := m.writeTrak(i, t); err != nil {
				return fmt.Errorf("track %d: %w", i, err)
			}
		}
		return nil
	})
}

// rotationMatrix returns the tkhd matrix for a clockwise display rotation.
func rotationMatrix(rotation int) [9]int32 {
	const one, w = 0x00010000, 0x40000000
	switch ((rotation % 360) + 360) % 360 {
	case 90:
		return [9]int32{0, one, 0, -one, 0, 0, 0, 0, w}
	case 180:
		return [9]int32{-one, 0, 0, 0, -one, 0, 0, 0, w}
	case 270:
		return [9]int32{0, -one, 0, one, 0, 0, 0, 0, w}
	default:
		return [9]int32{one, 0, 0, 0, one, 0, 0, 0, w}
	}
}

func (m *MP4Muxer) writeTrak(index int, t *muxTrack) error {
	mediaDuration := t.duration()
	tkhd := &mp4.Tkhd{
		FullBox:    mp4.FullBox{Flags: [3]byte{0, 0, 3}}, // enabled, in movie
		TrackID:    uint32(index + 1),
		DurationV0: uint32(mediaDuration * movieTimescale / uint64(t.timescale)),
		Matrix:     rotationMatrix(t.format.Rotation),
	}
	if t.avc {
		tkhd.Width = uint32(t.format.Width) << 16
		tkhd.Height = uint32(t.format.Height) << 16
	} else {
		tkhd.Volume = 0x0100
		tkhd.AlternateGroup = 1
	}

	return m.box(mp4.BoxTypeTrak(), nil, func() error {
		if err := m.box(mp4.BoxTypeTkhd(), tkhd, nil); err != nil {
			return err
		}
		return m.box(mp4.BoxTypeMdia(), nil, func() error {
			mdhd := &mp4.Mdhd{
				Timescale:  t.timescale,
				DurationV0: uint32(mediaDuration),
				Language:   [3]byte{'u' - 0x60, 'n' - 0x60, 'd' - 0x60},
			}
			if err := m.box(mp4.BoxTypeMdhd(), mdhd, nil); err != nil {
				return err
			}
			hdlr := &mp4.Hdlr{HandlerType: [4]byte{'s', 'o', 'u', 'n'}, Name: "SoundHandler"}
			if t.avc {
				hdlr = &mp4.Hdlr{HandlerType: [4]byte{'v', 'i', 'd', 'e'}, Name: "VideoHandler"}
			}
			if err := m.box(mp4.BoxTypeHdlr(), hdlr, nil); err != nil {
				return err
			}
			return m.box(mp4.BoxTypeMinf(), nil, func() error {
				return m.writeMinf(index, t)
			})
		})
	})
}

func (m *MP4Muxer) writeMinf(index int, t *muxTrack) error {
	if t.avc {
		if err := m.box(mp4.BoxTypeVmhd(), &mp4.Vmhd{FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}}, nil); err != nil {
			return err
		}
	} else if err := m.box(mp4.BoxTypeSmhd(), &mp4.Smhd{}, nil); err != nil {
		return err
	}

	err := m.box(mp4.BoxTypeDinf(), nil, func() error {
		return m.box(mp4.BoxTypeDref(), &mp4.Dref{EntryCount: 1}, func() error {
			return m.box(mp4.BoxTypeUrl(), &mp4.Url{FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}}, nil)
		})
	})
	if err != nil {
		return err
	}

	return m.box(mp4.BoxTypeStbl(), nil, func() error {
		if err := m.box(mp4.BoxTypeStsd(), &mp4.Stsd{EntryCount: 1}, func() error {
			return m.writeSampleEntry(t)
		}); err != nil {
			return err
		}
		return m.writeSampleTables(index, t)
	})
}

func (m *MP4Muxer) writeSampleEntry(t *muxTrack) error {
	if !t.avc {
		_, err := m.w.Write(t.format.SampleEntry)
		return err
	}
	if len(t.csd) < 2 || len(t.csd[0]) < 4 {
		return errors.New("no SPS/PPS for avcC")
	}

	avc1 := &mp4.VisualSampleEntry{
		SampleEntry: mp4.SampleEntry{
			AnyTypeBox:         mp4.AnyTypeBox{Type: mp4.BoxTypeAvc1()},
			DataReferenceIndex: 1,
		},
		Width:           uint16(t.format.Width),
		Height:          uint16(t.format.Height),
		Horizresolution: 0x00480000,
		Vertresolution:  0x00480000,
		FrameCount:      1,
		Depth:           0x0018,
		PreDefined3:     -1,
	}
	copy(avc1.Compressorname[1:], "reframe")
	avc1.Compressorname[0] = byte(len("reframe"))

	return m.box(mp4.BoxTypeAvc1(), avc1, func() error {
		return m.box(mp4.BoxTypeAvcC(), avcConfig(t.csd), nil)
	})
}

func avcConfig(csd [][]byte) *mp4.AVCDecoderConfiguration {
	sps := csd[0]
	cfg := &mp4.AVCDecoderConfiguration{
		AnyTypeBox:           mp4.AnyTypeBox{Type: mp4.BoxTypeAvcC()},
		ConfigurationVersion: 1,
		Profile:              sps[1],
		ProfileCompatibility: sps[2],
		Level:                sps[3],
		LengthSizeMinusOne:   3,
	}
	for _, ps := range csd {
		set := mp4.AVCParameterSet{Length: uint16(len(ps)), NALUnit: ps}
		switch nalType(ps) {
		case nalTypeSPS:
			cfg.SequenceParameterSets = append(cfg.SequenceParameterSets, set)
		case nalTypePPS:
			cfg.PictureParameterSets = append(cfg.PictureParameterSets, set)
		}
	}
	cfg.NumOfSequenceParameterSets = uint8(len(cfg.SequenceParameterSets))
	cfg.NumOfPictureParameterSets = uint8(len(cfg.PictureParameterSets))

	switch cfg.Profile {
	case 100, 110, 122, 144:
		cfg.HighProfileFieldsEnabled = true
		cfg.ChromaFormat = 1
	}
	return cfg
}

func (m *MP4Muxer) writeSampleTables(index int, t *muxTrack) error {
	// stts, run-length encoded
	stts := &mp4.Stts{}
	for _, d := range t.durations() {
		if n := len(stts.Entries); n > 0 && stts.Entries[n-1].SampleDelta == d {
			stts.Entries[n-1].SampleCount++
			continue
		}
		stts.Entries = append(stts.Entries, mp4.SttsEntry{SampleCount: 1, SampleDelta: d})
	}
	stts.EntryCount = uint32(len(stts.Entries))
	if err := m.box(mp4.BoxTypeStts(), stts, nil); err != nil {
		return err
	}

	if t.avc {
		stss := &mp4.Stss{}
		for i, s := range t.samples {
			if s.sync {
				stss.SampleNumber = append(stss.SampleNumber, uint32(i+1))
			}
		}
		stss.EntryCount = uint32(len(stss.SampleNumber))
		if err := m.box(mp4.BoxTypeStss(), stss, nil); err != nil {
			return err
		}
	}

	// Chunks of this track in file order.
	var offsets []uint64
	stsc := &mp4.Stsc{}
	for _, c := range m.chunks {
		if c.track != index {
			continue
		}
		offsets = append(offsets, c.offset)
		if n := len(stsc.Entries); n > 0 && stsc.Entries[n-1].SamplesPerChunk == c.samples {
			continue
		}
		stsc.Entries = append(stsc.Entries, mp4.StscEntry{
			FirstChunk:             uint32(len(offsets)),
			SamplesPerChunk:        c.samples,
			SampleDescriptionIndex: 1,
		})
	}
	stsc.EntryCount = uint32(len(stsc.Entries))
	if err := m.box(mp4.BoxTypeStsc(), stsc, nil); err != nil {
		return err
	}

	stsz := &mp4.Stsz{SampleCount: uint32(len(t.samples))}
	for _, s := range t.samples {
		stsz.EntrySize = append(stsz.EntrySize, s.size)
	}
	if err := m.box(mp4.BoxTypeStsz(), stsz, nil); err != nil {
		return err
	}

	if n := len(offsets); n > 0 && offsets[n-1] > math.MaxUint32 {
		return m.box(mp4.BoxTypeCo64(), &mp4.Co64{EntryCount: uint32(n), ChunkOffset: offsets}, nil)
	}
	stco := &mp4.Stco{EntryCount: uint32(len(offsets))}
	for _, off := range offsets {
		stco.ChunkOffset = append(stco.ChunkOffset, uint32(off))
	}
	return m.box(mp4.BoxTypeStco(), stco, nil)
}
