package media

import (
	"time"

	"github.com/zaf/g711"
)

const (
	// RTP payload types for the supported G.711 codecs.
	PayloadPCMU uint8 = 0
	PayloadPCMA uint8 = 8

	clockRate = 8000

	// samplesPerPacket is one 20ms frame at 8 kHz.
	samplesPerPacket = 160
	packetDuration   = 20 * time.Millisecond

	maxRTPPacket = 1500
)

// codecName returns the rtpmap encoding name for a payload type.
func codecName(pt uint8) string {
	switch pt {
	case PayloadPCMA:
		return "PCMA"
	default:
		return "PCMU"
	}
}

// decodeFrame converts a G.711 payload to linear PCM. dst is zero-filled
// past the end of the payload.
func decodeFrame(dst []int16, payload []byte, pt uint8) {
	n := min(len(payload), len(dst))
	switch pt {
	case PayloadPCMA:
		for i := 0; i < n; i++ {
			dst[i] = g711.DecodeAlawFrame(payload[i])
		}
	default:
		for i := 0; i < n; i++ {
			dst[i] = g711.DecodeUlawFrame(payload[i])
		}
	}
	clear(dst[n:])
}

// encodeFrame converts linear PCM to a G.711 payload.
func encodeFrame(dst []byte, src []int32, pt uint8) {
	for i, s := range src {
		v := int16(clamp(s))
		if pt == PayloadPCMA {
			dst[i] = g711.EncodeAlawFrame(v)
		} else {
			dst[i] = g711.EncodeUlawFrame(v)
		}
	}
}

func clamp(s int32) int32 {
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return s
}
