package whisper

import (
	"encoding/binary"
	"fmt"
)

// decodePCM16Mono converts a raw little-endian 16-bit signed PCM mono buffer
// into the float32 samples whisper.cpp expects, normalised to [-1, 1].
//
// The gateway is responsible for ensuring audio reaching the transcription
// client is already downmixed to mono PCM16 before it accumulates in the
// session's audio buffer; this function does not attempt format sniffing.
func decodePCM16Mono(raw []byte) ([]float32, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("pcm16: odd byte length %d", len(raw))
	}
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
		samples[i] = float32(v) / 32768.0
	}
	return samples, nil
}
