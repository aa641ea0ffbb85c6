package reframe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testMP4AEntry builds a minimal mp4a sample entry box.
func testMP4AEntry(sampleRate, channels int) []byte {
	b := make([]byte, 36)
	binary.BigEndian.PutUint32(b[0:], 36)
	copy(b[4:], "mp4a")
	binary.BigEndian.PutUint16(b[14:], 1) // data reference index
	binary.BigEndian.PutUint16(b[24:], uint16(channels))
	binary.BigEndian.PutUint16(b[26:], 16) // sample size
	binary.BigEndian.PutUint32(b[32:], uint32(sampleRate)<<16)
	return b
}

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, annexBStartCode...)
		out = append(out, n...)
	}
	return out
}

type muxedSample struct {
	track int
	data  []byte
	info  BufferInfo
}

func writeTestMP4(t *testing.T, rotation int, samples []muxedSample) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mp4")
	m, err := CreateMP4Muxer(path, MP4MuxerOptions{})
	require.NoError(t, err)

	vf := videoFormat(64, 48, rotation)
	vf.CSD = nil // taken from the first keyframe
	video, err := m.AddTrack(vf)
	require.NoError(t, err)
	audio, err := m.AddTrack(audioFormat())
	require.NoError(t, err)
	require.Equal(t, 0, video)
	require.Equal(t, 1, audio)

	require.NoError(t, m.Start())
	for _, s := range samples {
		require.NoError(t, m.WriteSampleData(s.track, s.data, s.info))
	}
	require.NoError(t, m.Stop())
	require.NoError(t, m.Close())
	return path
}

func testVideoAudioSamples() []muxedSample {
	idr := annexB(fakeSPS, fakePPS, []byte{0x65, 0x01, 0x02, 0x03})
	p1 := annexB([]byte{0x41, 0x04, 0x05})
	p2 := annexB([]byte{0x41, 0x06, 0x07, 0x08, 0x09})
	idr2 := annexB([]byte{0x65, 0x0a})
	return []muxedSample{
		{0, idr, BufferInfo{Size: len(idr), PresentationTimeUs: 0, Flags: BufferFlagKeyFrame}},
		{1, []byte{1, 2, 3, 4}, BufferInfo{Size: 4, PresentationTimeUs: 0}},
		{0, p1, BufferInfo{Size: len(p1), PresentationTimeUs: 33333}},
		{1, []byte{5, 6, 7}, BufferInfo{Size: 3, PresentationTimeUs: 21333}},
		{0, p2, BufferInfo{Size: len(p2), PresentationTimeUs: 66667}},
		{0, idr2, BufferInfo{Size: len(idr2), PresentationTimeUs: 100000, Flags: BufferFlagKeyFrame}},
		{1, []byte{8, 9}, BufferInfo{Size: 2, PresentationTimeUs: 42667}},
	}
}

func TestMP4_RoundTrip(t *testing.T) {
	path := writeTestMP4(t, 0, testVideoAudioSamples())

	d, err := OpenMP4Demuxer(path, MP4DemuxerOptions{})
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, 2, d.TrackCount())
	vf, err := d.TrackFormat(0)
	require.NoError(t, err)
	assert.Equal(t, MimeVideoAVC, vf.MIME)
	assert.Equal(t, 64, vf.Width)
	assert.Equal(t, 48, vf.Height)
	assert.Equal(t, [][]byte{fakeSPS, fakePPS}, vf.CSD)

	af, err := d.TrackFormat(1)
	require.NoError(t, err)
	assert.Equal(t, MimeAudioAAC, af.MIME)
	assert.Equal(t, 48000, af.SampleRate)
	assert.Equal(t, testMP4AEntry(48000, 2), af.SampleEntry, "sample entry passes through unchanged")

	require.NoError(t, d.SelectTrack(0))
	buf := make([]byte, 256)

	var got [][]byte
	var times []int64
	var keys []bool
	for {
		n, err := d.ReadSampleData(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, append([]byte(nil), buf[:n]...))
		times = append(times, d.SampleTime())
		keys = append(keys, d.SampleFlags().Has(BufferFlagKeyFrame))
		d.Advance()
	}

	// Parameter sets move to avcC; slices come back as Annex-B.
	require.Len(t, got, 4)
	assert.Equal(t, annexB([]byte{0x65, 0x01, 0x02, 0x03}), got[0])
	assert.Equal(t, annexB([]byte{0x41, 0x04, 0x05}), got[1])
	assert.Equal(t, []bool{true, false, false, true}, keys)
	for i, want := range []int64{0, 33333, 66667, 100000} {
		assert.InDelta(t, want, times[i], 12, "sample %d", i)
	}
	assert.Equal(t, int64(-1), d.SampleTime())
}

func TestMP4_InterleavedRead(t *testing.T) {
	path := writeTestMP4(t, 0, testVideoAudioSamples())

	d, err := OpenMP4Demuxer(path, MP4DemuxerOptions{})
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.SelectTrack(0))
	require.NoError(t, d.SelectTrack(1))

	var tracks []int
	last := int64(-1)
	for d.SampleTrackIndex() >= 0 {
		tracks = append(tracks, d.SampleTrackIndex())
		if d.SampleTrackIndex() == 0 {
			assert.GreaterOrEqual(t, d.SampleTime(), last)
			last = d.SampleTime()
		}
		d.Advance()
	}
	assert.Len(t, tracks, 7)
	assert.Contains(t, tracks, 1)
}

func TestMP4_AudioPassthroughBytes(t *testing.T) {
	path := writeTestMP4(t, 0, testVideoAudioSamples())

	d, err := OpenMP4Demuxer(path, MP4DemuxerOptions{})
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.SelectTrack(1))
	require.NoError(t, d.SeekTo(0, SeekClosestSync))

	buf := make([]byte, 16)
	var got [][]byte
	for {
		n, err := d.ReadSampleData(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, append([]byte(nil), buf[:n]...))
		assert.True(t, d.SampleFlags().Has(BufferFlagKeyFrame))
		d.Advance()
	}
	assert.Equal(t, [][]byte{{1, 2, 3, 4}, {5, 6, 7}, {8, 9}}, got)
}

func TestMP4_Rotation(t *testing.T) {
	for _, rotation := range []int{0, 90, 180, 270} {
		path := writeTestMP4(t, rotation, testVideoAudioSamples())
		d, err := OpenMP4Demuxer(path, MP4DemuxerOptions{})
		require.NoError(t, err)
		vf, err := d.TrackFormat(0)
		require.NoError(t, err)
		assert.Equal(t, rotation, vf.Rotation)
		require.NoError(t, d.Close())
	}
}

func TestMP4_Seek(t *testing.T) {
	path := writeTestMP4(t, 0, testVideoAudioSamples())
	d, err := OpenMP4Demuxer(path, MP4DemuxerOptions{})
	require.NoError(t, err)
	defer d.Close()

	assert.ErrorIs(t, d.SeekTo(0, SeekClosestSync), ErrNoTrackSelected)
	require.NoError(t, d.SelectTrack(0))

	tests := []struct {
		name   string
		timeUs int64
		mode   SeekMode
		want   int64
	}{
		{"previous", 70000, SeekPreviousSync, 0},
		{"next", 70000, SeekNextSync, 100000},
		{"closest picks next", 70000, SeekClosestSync, 100000},
		{"closest picks previous", 30000, SeekClosestSync, 0},
		{"exact", 100000, SeekPreviousSync, 100000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, d.SeekTo(tt.timeUs, tt.mode))
			assert.InDelta(t, tt.want, d.SampleTime(), 12)
		})
	}
}

func TestMP4Demuxer_BufferTooSmall(t *testing.T) {
	path := writeTestMP4(t, 0, testVideoAudioSamples())
	d, err := OpenMP4Demuxer(path, MP4DemuxerOptions{})
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.SelectTrack(0))
	_, err = d.ReadSampleData(make([]byte, 2))
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestMP4Demuxer_NotMP4(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.mp4")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xff}, 64), 0o644))
	_, err := OpenMP4Demuxer(path, MP4DemuxerOptions{})
	assert.Error(t, err)
}

func TestMP4Muxer_Lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	m, err := CreateMP4Muxer(path, MP4MuxerOptions{})
	require.NoError(t, err)
	defer m.Close()

	idr := annexB(fakeSPS, fakePPS, []byte{0x65, 0x01})
	err = m.WriteSampleData(0, idr, BufferInfo{Size: len(idr)})
	assert.ErrorIs(t, err, ErrMuxerNotStarted)

	_, err = m.AddTrack(Format{MIME: "video/x-vp8", Width: 16, Height: 16})
	assert.ErrorIs(t, err, ErrCodecNotSupported)
	_, err = m.AddTrack(Format{MIME: MimeAudioAAC, SampleRate: 48000})
	assert.ErrorIs(t, err, ErrCodecNotSupported, "audio needs a sample entry")

	track, err := m.AddTrack(videoFormat(16, 16, 0))
	require.NoError(t, err)
	require.NoError(t, m.Start())

	_, err = m.AddTrack(audioFormat())
	assert.ErrorIs(t, err, ErrMuxerStarted)
	assert.ErrorIs(t, m.Start(), ErrMuxerStarted)

	assert.ErrorIs(t, m.WriteSampleData(track+1, idr, BufferInfo{Size: len(idr)}), ErrUnknownTrack)
	assert.ErrorIs(t, m.WriteSampleData(track, idr, BufferInfo{Size: len(idr) + 1}), ErrBufferTooSmall)

	require.NoError(t, m.WriteSampleData(track, idr, BufferInfo{Size: len(idr), PresentationTimeUs: 40000, Flags: BufferFlagKeyFrame}))
	err = m.WriteSampleData(track, idr, BufferInfo{Size: len(idr), PresentationTimeUs: 20000})
	assert.ErrorIs(t, err, ErrTimestampOrder)

	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.WriteSampleData(track, idr, BufferInfo{Size: len(idr), PresentationTimeUs: 80000}), ErrMuxerStopped)
}

func TestMP4Muxer_CodecConfigBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	m, err := CreateMP4Muxer(path, MP4MuxerOptions{})
	require.NoError(t, err)

	vf := videoFormat(16, 16, 0)
	vf.CSD = nil
	track, err := m.AddTrack(vf)
	require.NoError(t, err)
	require.NoError(t, m.Start())

	cfg := annexB(fakeSPS, fakePPS)
	require.NoError(t, m.WriteSampleData(track, cfg, BufferInfo{Size: len(cfg), Flags: BufferFlagCodecConfig}))
	slice := annexB([]byte{0x65, 0x01})
	require.NoError(t, m.WriteSampleData(track, slice, BufferInfo{Size: len(slice), Flags: BufferFlagKeyFrame}))
	require.NoError(t, m.Stop())
	require.NoError(t, m.Close())

	d, err := OpenMP4Demuxer(path, MP4DemuxerOptions{})
	require.NoError(t, err)
	defer d.Close()
	got, err := d.TrackFormat(0)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{fakeSPS, fakePPS}, got.CSD)
}

func TestRotationMatrix(t *testing.T) {
	for _, rotation := range []int{0, 90, 180, 270} {
		assert.Equal(t, rotation, rotationFromMatrix(rotationMatrix(rotation)))
	}
	assert.Equal(t, 90, rotationFromMatrix(rotationMatrix(-270)))
}
