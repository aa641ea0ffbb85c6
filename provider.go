package reframe

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Provider identifies the native library behind a codec.
type Provider uint8

const (
	ProviderAuto     Provider = iota // Registry picks the preferred provider
	ProviderX264                     // x264 H.264 encoder
	ProviderOpenH264                 // OpenH264 H.264 encoder and decoder
	providerCount
)

// License of a provider's native code.
type License uint8

const (
	LicenseGPL License = iota
	LicenseBSD
)

// Permissive reports whether the license has no copyleft obligations.
func (l License) Permissive() bool { return l == LicenseBSD }

func (l License) String() string {
	switch l {
	case LicenseGPL:
		return "GPL"
	case LicenseBSD:
		return "BSD"
	default:
		return "unknown"
	}
}

type providerRole uint8

const (
	roleEncode providerRole = 1 << iota
	roleDecode
)

type providerMeta struct {
	name    string
	library string
	license License
	roles   providerRole
	codecs  []VideoCodec
}

var providerInfo = [providerCount]providerMeta{
	ProviderAuto:     {name: "auto", license: LicenseBSD},
	ProviderX264:     {name: "x264", library: "libmedia_h264", license: LicenseGPL, roles: roleEncode, codecs: []VideoCodec{VideoCodecH264}},
	ProviderOpenH264: {name: "openh264", library: "libmedia_h264", license: LicenseBSD, roles: roleEncode | roleDecode, codecs: []VideoCodec{VideoCodecH264}},
}

// Set from init() in the native bindings once the library has loaded.
var providerAvailable [providerCount]atomic.Bool

func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].name
}

// ParseProvider parses a provider name as returned by String.
func ParseProvider(s string) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return ProviderAuto, nil
	}
	for p := Provider(0); p < providerCount; p++ {
		if providerInfo[p].name == name {
			return p, nil
		}
	}
	return ProviderAuto, fmt.Errorf("%w: %q", ErrProviderNotFound, s)
}

// License returns the provider's license. Unknown providers report GPL so
// the registry never prefers them.
func (p Provider) License() License {
	if p >= providerCount {
		return LicenseGPL
	}
	return providerInfo[p].license
}

// CanEncode reports whether the provider has an encoder.
func (p Provider) CanEncode() bool {
	return p < providerCount && providerInfo[p].roles&roleEncode != 0
}

// CanDecode reports whether the provider has a decoder.
func (p Provider) CanDecode() bool {
	return p < providerCount && providerInfo[p].roles&roleDecode != 0
}

// Available reports whether the provider's library loaded on this host.
func (p Provider) Available() bool {
	return p < providerCount && providerAvailable[p].Load()
}

func setProviderAvailable(p Provider) {
	if p < providerCount {
		providerAvailable[p].Store(true)
	}
}

// ProviderStatus is a snapshot of one codec provider.
type ProviderStatus struct {
	Provider  string   `json:"provider"`
	Library   string   `json:"library"`
	License   string   `json:"license"`
	Codecs    []string `json:"codecs"`
	Encode    bool     `json:"encode"`
	Decode    bool     `json:"decode"`
	Available bool     `json:"available"`
}

// CodecProviders reports every concrete provider and whether it loaded.
// A transcode needs an available H.264 encoder and decoder.
func CodecProviders() []ProviderStatus {
	out := make([]ProviderStatus, 0, providerCount-1)
	for p := ProviderAuto + 1; p < providerCount; p++ {
		meta := providerInfo[p]
		codecs := make([]string, len(meta.codecs))
		for i, c := range meta.codecs {
			codecs[i] = c.String()
		}
		out = append(out, ProviderStatus{
			Provider:  p.String(),
			Library:   meta.library,
			License:   meta.license.String(),
			Codecs:    codecs,
			Encode:    p.CanEncode(),
			Decode:    p.CanDecode(),
			Available: p.Available(),
		})
	}
	return out
}
