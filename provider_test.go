package reframe

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProvider(t *testing.T) {
	tests := []struct {
		in   string
		want Provider
	}{
		{"", ProviderAuto},
		{"auto", ProviderAuto},
		{"x264", ProviderX264},
		{" OpenH264 ", ProviderOpenH264},
	}
	for _, tt := range tests {
		got, err := ParseProvider(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, got.String(), tt.want.String())
	}

	_, err := ParseProvider("libvpx")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestProvider_Metadata(t *testing.T) {
	tests := []struct {
		p              Provider
		license        License
		encode, decode bool
	}{
		{ProviderX264, LicenseGPL, true, false},
		{ProviderOpenH264, LicenseBSD, true, true},
		{ProviderAuto, LicenseBSD, false, false},
		{Provider(200), LicenseGPL, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.p.String(), func(t *testing.T) {
			assert.Equal(t, tt.license, tt.p.License())
			assert.Equal(t, tt.encode, tt.p.CanEncode())
			assert.Equal(t, tt.decode, tt.p.CanDecode())
		})
	}
	assert.False(t, Provider(200).Available())
	assert.True(t, LicenseBSD.Permissive())
	assert.False(t, LicenseGPL.Permissive())
}

func TestCodecProviders(t *testing.T) {
	status := CodecProviders()
	require.Len(t, status, 2)
	for _, s := range status {
		assert.Equal(t, "libmedia_h264", s.Library)
		assert.Equal(t, []string{"H264"}, s.Codecs)
		p, err := ParseProvider(s.Provider)
		require.NoError(t, err)
		assert.Equal(t, p.Available(), s.Available)
	}
	assert.Equal(t, "GPL", status[0].License)
	assert.Equal(t, "BSD", status[1].License)
}

func TestSetDefaultVideoEncoderProvider(t *testing.T) {
	errX264 := errors.New("x264 factory")
	errOpenH264 := errors.New("openh264 factory")
	registerVideoEncoder(VideoCodecH265, ProviderX264, func(VideoEncoderConfig) (VideoEncoder, error) { return nil, errX264 })
	registerVideoEncoder(VideoCodecH265, ProviderOpenH264, func(VideoEncoderConfig) (VideoEncoder, error) { return nil, errOpenH264 })
	t.Cleanup(func() {
		globalCodecRegistry.mu.Lock()
		defer globalCodecRegistry.mu.Unlock()
		delete(globalCodecRegistry.encoders, VideoCodecH265)
		delete(globalCodecRegistry.encoderDefaults, VideoCodecH265)
	})

	defaultEncoder := func() Provider {
		globalCodecRegistry.mu.RLock()
		defer globalCodecRegistry.mu.RUnlock()
		return globalCodecRegistry.encoderDefaults[VideoCodecH265]
	}
	assert.Equal(t, ProviderOpenH264, defaultEncoder(), "permissive provider is preferred")

	SetDefaultVideoEncoderProvider(VideoCodecH265, ProviderX264)
	assert.Equal(t, ProviderX264, defaultEncoder())

	_, err := NewVideoEncoder(DefaultVideoEncoderConfig(VideoCodecH265, 64, 64))
	if ProviderX264.Available() {
		assert.ErrorIs(t, err, errX264)
	} else {
		assert.ErrorIs(t, err, ErrProviderNotFound)
		assert.ErrorContains(t, err, "x264")
	}
	assert.NotErrorIs(t, err, errOpenH264)
}
