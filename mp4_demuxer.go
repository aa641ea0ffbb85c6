package reframe

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/abema/go-mp4"
	"github.com/hashicorp/go-hclog"
	"github.com/sunfish-shogi/bufseekio"
)

// mp4Sample locates one sample in the file.
type mp4Sample struct {
	offset uint64
	size   uint32
	dts    int64 // media timescale ticks
	cto    int64 // composition offset in ticks
	sync   bool
}

type mp4Track struct {
	format     Format
	timescale  uint32
	samples    []mp4Sample
	lengthSize int // AVCC NAL length size, 0 for non-AVC tracks

	selected bool
	cursor   int
}

func (t *mp4Track) timeUs(ticks int64) int64 {
	return ticks * 1_000_000 / int64(t.timescale)
}

func (t *mp4Track) dtsUs(i int) int64 {
	return t.timeUs(t.samples[i].dts)
}

func (t *mp4Track) ptsUs(i int) int64 {
	s := t.samples[i]
	return t.timeUs(s.dts + s.cto)
}

func (t *mp4Track) exhausted() bool {
	return t.cursor >= len(t.samples)
}

// MP4DemuxerOptions configure an MP4Demuxer.
type MP4DemuxerOptions struct {
	Logger hclog.Logger
}

// MP4Demuxer reads ISO-BMFF (MP4/MOV) files with progressive sample tables.
// AVC samples are returned in Annex-B form.
type MP4Demuxer struct {
	logger hclog.Logger
	r      io.ReadSeeker
	closer io.Closer

	tracks  []*mp4Track
	scratch []byte
}

// OpenMP4Demuxer opens path for demuxing.
func OpenMP4Demuxer(path string, opts MP4DemuxerOptions) (*MP4Demuxer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	d, err := NewMP4Demuxer(bufseekio.NewReadSeeker(f, 128*1024, 4), opts)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d.closer = f
	return d, nil
}

// NewMP4Demuxer parses the movie header from r.
func NewMP4Demuxer(r io.ReadSeeker, opts MP4DemuxerOptions) (*MP4Demuxer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	d := &MP4Demuxer{logger: logger, r: r}

	traks, err := mp4.ExtractBox(r, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeTrak()})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFile, err)
	}
	if len(traks) == 0 {
		return nil, fmt.Errorf("%w: no moov/trak boxes", ErrUnsupportedFile)
	}

	for _, bi := range traks {
		t, err := d.readTrak(bi)
		if err != nil {
			return nil, err
		}
		if t == nil {
			continue
		}
		d.logger.Debug("track found", "index", len(d.tracks), "format", t.format.String(), "samples", len(t.samples))
		d.tracks = append(d.tracks, t)
	}
	return d, nil
}

func stblPath(leaf ...mp4.BoxType) mp4.BoxPath {
	return append(mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl()}, leaf...)
}

// readTrak builds the sample table of one trak. It returns nil for tracks
// that are neither audio nor video.
func (d *MP4Demuxer) readTrak(bi *mp4.BoxInfo) (*mp4Track, error) {
	bips, err := mp4.ExtractBoxesWithPayload(d.r, bi, []mp4.BoxPath{
		{mp4.BoxTypeTkhd()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMdhd()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeHdlr()},
		stblPath(mp4.BoxTypeStsd(), mp4.BoxTypeAvc1()),
		stblPath(mp4.BoxTypeStsd(), mp4.BoxTypeAvc1(), mp4.BoxTypeAvcC()),
		stblPath(mp4.BoxTypeStsd(), mp4.BoxTypeMp4a()),
		stblPath(mp4.BoxTypeStco()),
		stblPath(mp4.BoxTypeCo64()),
		stblPath(mp4.BoxTypeStts()),
		stblPath(mp4.BoxTypeCtts()),
		stblPath(mp4.BoxTypeStsc()),
		stblPath(mp4.BoxTypeStsz()),
		stblPath(mp4.BoxTypeStss()),
	})
	if err != nil {
		return nil, err
	}

	var (
		tkhd *mp4.Tkhd
		mdhd *mp4.Mdhd
		hdlr *mp4.Hdlr
		avc1 *mp4.VisualSampleEntry
		avcC *mp4.AVCDecoderConfiguration
		mp4a *mp4.AudioSampleEntry
		stco *mp4.Stco
		co64 *mp4.Co64
		stts *mp4.Stts
		ctts *mp4.Ctts
		stsc *mp4.Stsc
		stsz *mp4.Stsz
		stss *mp4.Stss
	)
	for _, bip := range bips {
		switch bip.Info.Type {
		case mp4.BoxTypeTkhd():
			tkhd = bip.Payload.(*mp4.Tkhd)
		case mp4.BoxTypeMdhd():
			mdhd = bip.Payload.(*mp4.Mdhd)
		case mp4.BoxTypeHdlr():
			hdlr = bip.Payload.(*mp4.Hdlr)
		case mp4.BoxTypeAvc1():
			avc1 = bip.Payload.(*mp4.VisualSampleEntry)
		case mp4.BoxTypeAvcC():
			avcC = bip.Payload.(*mp4.AVCDecoderConfiguration)
		case mp4.BoxTypeMp4a():
			mp4a = bip.Payload.(*mp4.AudioSampleEntry)
		case mp4.BoxTypeStco():
			stco = bip.Payload.(*mp4.Stco)
		case mp4.BoxTypeCo64():
			co64 = bip.Payload.(*mp4.Co64)
		case mp4.BoxTypeStts():
			stts = bip.Payload.(*mp4.Stts)
		case mp4.BoxTypeCtts():
			ctts = bip.Payload.(*mp4.Ctts)
		case mp4.BoxTypeStsc():
			stsc = bip.Payload.(*mp4.Stsc)
		case mp4.BoxTypeStsz():
			stsz = bip.Payload.(*mp4.Stsz)
		case mp4.BoxTypeStss():
			stss = bip.Payload.(*mp4.Stss)
		}
	}

	if tkhd == nil {
		return nil, errors.New("tkhd box not found")
	}
	if mdhd == nil {
		return nil, errors.New("mdhd box not found")
	}
	if hdlr == nil {
		return nil, errors.New("hdlr box not found")
	}
	if mdhd.Timescale == 0 {
		return nil, fmt.Errorf("track %d: zero timescale", tkhd.TrackID)
	}

	entry, entryType, err := d.readSampleEntry(bi)
	if err != nil {
		return nil, fmt.Errorf("track %d: %w", tkhd.TrackID, err)
	}

	t := &mp4Track{timescale: mdhd.Timescale}
	f := &t.format
	f.Timescale = mdhd.Timescale
	f.DurationUs = int64(mdhd.GetDuration()) * 1_000_000 / int64(mdhd.Timescale)

	switch string(hdlr.HandlerType[:]) {
	case "vide":
		f.MIME = videoMimeForEntry(entryType)
		f.Width = int(tkhd.Width >> 16)
		f.Height = int(tkhd.Height >> 16)
		if avc1 != nil {
			f.Width = int(avc1.Width)
			f.Height = int(avc1.Height)
		}
		f.Rotation = rotationFromMatrix(tkhd.Matrix)
		if avcC != nil {
			t.lengthSize = int(avcC.LengthSizeMinusOne) + 1
			for _, ps := range avcC.SequenceParameterSets {
				f.CSD = append(f.CSD, append([]byte(nil), ps.NALUnit...))
			}
			for _, ps := range avcC.PictureParameterSets {
				f.CSD = append(f.CSD, append([]byte(nil), ps.NALUnit...))
			}
		}
	case "soun":
		f.MIME = audioMimeForEntry(entryType)
		f.SampleRate = int(mdhd.Timescale)
		if mp4a != nil {
			f.Channels = int(mp4a.ChannelCount)
			if rate := int(mp4a.SampleRate >> 16); rate > 0 {
				f.SampleRate = rate
			}
		}
		f.SampleEntry = entry
	default:
		d.logger.Debug("skipping track", "track_id", tkhd.TrackID, "handler", string(hdlr.HandlerType[:]))
		return nil, nil
	}

	if err := t.buildSamples(stco, co64, stts, ctts, stsc, stsz, stss); err != nil {
		return nil, fmt.Errorf("track %d: %w", tkhd.TrackID, err)
	}

	if f.IsVideo() && f.DurationUs > 0 && len(t.samples) > 0 {
		f.FrameRate = int(math.Round(float64(len(t.samples)) * 1e6 / float64(f.DurationUs)))
	}
	return t, nil
}

// readSampleEntry returns the first stsd entry as raw bytes along with its type.
func (d *MP4Demuxer) readSampleEntry(trak *mp4.BoxInfo) ([]byte, mp4.BoxType, error) {
	stsds, err := mp4.ExtractBox(d.r, trak, stblPath(mp4.BoxTypeStsd()))
	if err != nil {
		return nil, mp4.BoxType{}, err
	}
	if len(stsds) == 0 {
		return nil, mp4.BoxType{}, errors.New("stsd box not found")
	}
	stsd := stsds[0]

	// Skip version, flags and entry_count.
	if _, err := d.r.Seek(int64(stsd.Offset+stsd.HeaderSize)+8, io.SeekStart); err != nil {
		return nil, mp4.BoxType{}, err
	}
	ebi, err := mp4.ReadBoxInfo(d.r)
	if err != nil {
		return nil, mp4.BoxType{}, fmt.Errorf("stsd entry: %w", err)
	}
	if _, err := ebi.SeekToStart(d.r); err != nil {
		return nil, mp4.BoxType{}, err
	}
	raw := make([]byte, ebi.Size)
	if _, err := io.ReadFull(d.r, raw); err != nil {
		return nil, mp4.BoxType{}, fmt.Errorf("stsd entry: %w", err)
	}
	return raw, ebi.Type, nil
}

func videoMimeForEntry(t mp4.BoxType) string {
	switch t.String() {
	case "avc1", "avc3":
		return MimeVideoAVC
	case "hvc1", "hev1":
		return MimeVideoHEVC
	default:
		return "video/x-" + t.String()
	}
}

func audioMimeForEntry(t mp4.BoxType) string {
	switch t.String() {
	case "mp4a":
		return MimeAudioAAC
	case "Opus":
		return MimeAudioOpus
	default:
		return "audio/x-" + t.String()
	}
}

// rotationFromMatrix maps a tkhd matrix to a clockwise display rotation.
func rotationFromMatrix(m [9]int32) int {
	const one = 1 << 16
	a, b, c, d := m[0], m[1], m[3], m[4]
	switch {
	case a == 0 && b == one && c == -one && d == 0:
		return 90
	case a == -one && b == 0 && c == 0 && d == -one:
		return 180
	case a == 0 && b == -one && c == one && d == 0:
		return 270
	default:
		return 0
	}
}

func (t *mp4Track) buildSamples(stco *mp4.Stco, co64 *mp4.Co64, stts *mp4.Stts, ctts *mp4.Ctts, stsc *mp4.Stsc, stsz *mp4.Stsz, stss *mp4.Stss) error {
	var chunkOffsets []uint64
	switch {
	case stco != nil:
		for _, off := range stco.ChunkOffset {
			chunkOffsets = append(chunkOffsets, uint64(off))
		}
	case co64 != nil:
		chunkOffsets = append(chunkOffsets, co64.ChunkOffset...)
	default:
		return errors.New("stco/co64 box not found")
	}
	if stts == nil {
		return errors.New("stts box not found")
	}
	if stsc == nil {
		return errors.New("stsc box not found")
	}
	if stsz == nil {
		return errors.New("stsz box not found")
	}

	var dts int64
	for _, e := range stts.Entries {
		for i := uint32(0); i < e.SampleCount; i++ {
			t.samples = append(t.samples, mp4Sample{dts: dts, sync: stss == nil})
			dts += int64(e.SampleDelta)
		}
	}

	if stsz.SampleSize == 0 && len(stsz.EntrySize) < len(t.samples) {
		t.samples = t.samples[:len(stsz.EntrySize)]
	}
	for i := range t.samples {
		if stsz.SampleSize != 0 {
			t.samples[i].size = stsz.SampleSize
		} else {
			t.samples[i].size = stsz.EntrySize[i]
		}
	}

	if ctts != nil {
		si := 0
		for ei, e := range ctts.Entries {
			for i := uint32(0); i < e.SampleCount && si < len(t.samples); i++ {
				t.samples[si].cto = ctts.GetSampleOffset(ei)
				si++
			}
		}
	}

	if stss != nil {
		for _, n := range stss.SampleNumber {
			if n >= 1 && int(n) <= len(t.samples) {
				t.samples[n-1].sync = true
			}
		}
	}

	si := 0
	for ei, e := range stsc.Entries {
		end := uint32(len(chunkOffsets))
		if ei+1 < len(stsc.Entries) && stsc.Entries[ei+1].FirstChunk-1 < end {
			end = stsc.Entries[ei+1].FirstChunk - 1
		}
		for ci := e.FirstChunk - 1; ci < end; ci++ {
			off := chunkOffsets[ci]
			for k := uint32(0); k < e.SamplesPerChunk && si < len(t.samples); k++ {
				t.samples[si].offset = off
				off += uint64(t.samples[si].size)
				si++
			}
		}
	}
	if si < len(t.samples) {
		return fmt.Errorf("sample table covers %d of %d samples", si, len(t.samples))
	}
	return nil
}

func (d *MP4Demuxer) track(index int) (*mp4Track, error) {
	if index < 0 || index >= len(d.tracks) {
		return nil, fmt.Errorf("%w: %d", ErrTrackIndex, index)
	}
	return d.tracks[index], nil
}

// TrackCount implements Demuxer.
func (d *MP4Demuxer) TrackCount() int { return len(d.tracks) }

// TrackFormat implements Demuxer.
func (d *MP4Demuxer) TrackFormat(index int) (Format, error) {
	t, err := d.track(index)
	if err != nil {
		return Format{}, err
	}
	return t.format.Clone(), nil
}

// SelectTrack implements Demuxer.
func (d *MP4Demuxer) SelectTrack(index int) error {
	t, err := d.track(index)
	if err != nil {
		return err
	}
	t.selected = true
	return nil
}

// UnselectTrack implements Demuxer.
func (d *MP4Demuxer) UnselectTrack(index int) error {
	t, err := d.track(index)
	if err != nil {
		return err
	}
	t.selected = false
	return nil
}

// current returns the selected track whose next sample has the lowest
// decode time.
func (d *MP4Demuxer) current() (int, *mp4Track) {
	best := -1
	var bestDts int64
	for i, t := range d.tracks {
		if !t.selected || t.exhausted() {
			continue
		}
		if dts := t.dtsUs(t.cursor); best < 0 || dts < bestDts {
			best, bestDts = i, dts
		}
	}
	if best < 0 {
		return -1, nil
	}
	return best, d.tracks[best]
}

// ReadSampleData implements Demuxer.
func (d *MP4Demuxer) ReadSampleData(buf []byte) (int, error) {
	_, t := d.current()
	if t == nil {
		return 0, io.EOF
	}
	s := t.samples[t.cursor]

	if _, err := d.r.Seek(int64(s.offset), io.SeekStart); err != nil {
		return 0, err
	}

	if t.lengthSize == 0 {
		if int(s.size) > len(buf) {
			return 0, fmt.Errorf("%w: sample is %d bytes, buffer %d", ErrBufferTooSmall, s.size, len(buf))
		}
		if _, err := io.ReadFull(d.r, buf[:s.size]); err != nil {
			return 0, fmt.Errorf("read sample at %d: %w", s.offset, err)
		}
		return int(s.size), nil
	}

	if cap(d.scratch) < int(s.size) {
		d.scratch = make([]byte, s.size)
	}
	raw := d.scratch[:s.size]
	if _, err := io.ReadFull(d.r, raw); err != nil {
		return 0, fmt.Errorf("read sample at %d: %w", s.offset, err)
	}
	out, err := avccToAnnexB(buf[:0], raw, t.lengthSize)
	if err != nil {
		return 0, fmt.Errorf("sample at %d: %w", s.offset, err)
	}
	if len(out) > len(buf) || (len(out) > 0 && &out[0] != &buf[0]) {
		return 0, fmt.Errorf("%w: sample needs %d bytes, buffer %d", ErrBufferTooSmall, len(out), len(buf))
	}
	return len(out), nil
}

// SampleTrackIndex implements Demuxer.
func (d *MP4Demuxer) SampleTrackIndex() int {
	i, _ := d.current()
	return i
}

// SampleTime implements Demuxer.
func (d *MP4Demuxer) SampleTime() int64 {
	_, t := d.current()
	if t == nil {
		return -1
	}
	return t.ptsUs(t.cursor)
}

// SampleFlags implements Demuxer.
func (d *MP4Demuxer) SampleFlags() BufferFlags {
	_, t := d.current()
	if t == nil {
		return BufferFlagEndOfStream
	}
	if t.samples[t.cursor].sync {
		return BufferFlagKeyFrame
	}
	return 0
}

// Advance implements Demuxer.
func (d *MP4Demuxer) Advance() bool {
	_, t := d.current()
	if t == nil {
		return false
	}
	t.cursor++
	_, next := d.current()
	return next != nil
}

// SeekTo implements Demuxer. Every selected track is positioned on a sync
// sample chosen by mode.
func (d *MP4Demuxer) SeekTo(timeUs int64, mode SeekMode) error {
	found := false
	for _, t := range d.tracks {
		if !t.selected {
			continue
		}
		found = true
		t.cursor = t.seekIndex(timeUs, mode)
	}
	if !found {
		return ErrNoTrackSelected
	}
	return nil
}

func (t *mp4Track) seekIndex(timeUs int64, mode SeekMode) int {
	n := len(t.samples)
	// First sample presented after timeUs, in decode order.
	after := sort.Search(n, func(i int) bool { return t.dtsUs(i) > timeUs })

	prev := -1
	for i := after - 1; i >= 0; i-- {
		if t.samples[i].sync {
			prev = i
			break
		}
	}
	next := -1
	for i := after; i < n; i++ {
		if t.samples[i].sync {
			next = i
			break
		}
	}
	if prev >= 0 && t.dtsUs(prev) == timeUs {
		return prev
	}

	switch mode {
	case SeekPreviousSync:
		if prev < 0 {
			return 0
		}
		return prev
	case SeekNextSync:
		if next < 0 {
			return n
		}
		return next
	default:
		switch {
		case prev < 0 && next < 0:
			return 0
		case prev < 0:
			return next
		case next < 0:
			return prev
		case timeUs-t.dtsUs(prev) <= t.dtsUs(next)-timeUs:
			return prev
		default:
			return next
		}
	}
}

// Close implements Demuxer.
func (d *MP4Demuxer) Close() error {
	if d.closer == nil {
		return nil
	}
	err := d.closer.Close()
	d.closer = nil
	return err
}
