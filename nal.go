package reframe

import (
	"encoding/binary"
	"fmt"
)

// H.264 NAL unit types used by the container glue.
const (
	nalTypeSlice = 1
	nalTypeIDR   = 5
	nalTypeSEI   = 6
	nalTypeSPS   = 7
	nalTypePPS   = 8
	nalTypeAUD   = 9
)

var annexBStartCode = []byte{0, 0, 0, 1}

func nalType(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & 0x1F
}

// parseAnnexBNALUnits parses Annex B format into individual NAL units.
// Annex B uses start codes: 0x00000001 or 0x000001
func parseAnnexBNALUnits(data []byte) [][]byte {
	var nalUnits [][]byte
	start := -1

	for i := 0; i < len(data); i++ {
		if i+3 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			if start >= 0 && i > start {
				nalUnits = append(nalUnits, data[start:i])
			}
			start = i + 4
			i += 3
		} else if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 && i > start {
				nalUnits = append(nalUnits, data[start:i])
			}
			start = i + 3
			i += 2
		}
	}

	if start >= 0 && start < len(data) {
		nalUnits = append(nalUnits, data[start:])
	}

	return nalUnits
}

// annexBToAVCC rewrites an Annex-B access unit as 4-byte length-prefixed
// NAL units. Parameter sets and access unit delimiters are dropped when
// dropParams is set, since they travel in the avcC box.
func annexBToAVCC(dst, data []byte, dropParams bool) []byte {
	for _, nalu := range parseAnnexBNALUnits(data) {
		switch nalType(nalu) {
		case nalTypeSPS, nalTypePPS, nalTypeAUD:
			if dropParams {
				continue
			}
		}
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(nalu)))
		dst = append(dst, nalu...)
	}
	return dst
}

// avccToAnnexB rewrites length-prefixed NAL units as Annex-B.
func avccToAnnexB(dst, data []byte, lengthSize int) ([]byte, error) {
	if lengthSize < 1 || lengthSize > 4 {
		return dst, fmt.Errorf("invalid NAL length size %d", lengthSize)
	}
	for len(data) > 0 {
		if len(data) < lengthSize {
			return dst, fmt.Errorf("truncated NAL length: %d bytes left", len(data))
		}
		var n int
		for i := 0; i < lengthSize; i++ {
			n = n<<8 | int(data[i])
		}
		data = data[lengthSize:]
		if n > len(data) {
			return dst, fmt.Errorf("NAL length %d exceeds sample (%d bytes left)", n, len(data))
		}
		dst = append(dst, annexBStartCode...)
		dst = append(dst, data[:n]...)
		data = data[n:]
	}
	return dst, nil
}

// annexBParameterSets prefixes each parameter set with a start code.
func annexBParameterSets(csd [][]byte) []byte {
	var out []byte
	for _, ps := range csd {
		if len(ps) == 0 {
			continue
		}
		out = append(out, annexBStartCode...)
		out = append(out, ps...)
	}
	return out
}

// extractParameterSets returns the first SPS and PPS found in an
// Annex-B buffer, or nil when absent.
func extractParameterSets(data []byte) (sps, pps []byte) {
	for _, nalu := range parseAnnexBNALUnits(data) {
		switch nalType(nalu) {
		case nalTypeSPS:
			if sps == nil {
				sps = append([]byte(nil), nalu...)
			}
		case nalTypePPS:
			if pps == nil {
				pps = append([]byte(nil), nalu...)
			}
		}
	}
	return sps, pps
}

// containsIDR reports whether an Annex-B access unit holds an IDR slice.
func containsIDR(data []byte) bool {
	for _, nalu := range parseAnnexBNALUnits(data) {
		if nalType(nalu) == nalTypeIDR {
			return true
		}
	}
	return false
}
