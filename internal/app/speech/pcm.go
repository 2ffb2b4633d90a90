// Package speech turns synthesized PCM into playable buffers and plays them
// on the process-wide audio output.
package speech

import (
	"encoding/binary"

	"github.com/PabloGalante/farum-chat/internal/domain"
)

// SampleRate of every payload produced by the synthesis service.
const SampleRate = 24000

// DecodePCM16 decodes signed 16-bit little-endian mono PCM into a buffer with
// samples in [-1, 1). A trailing odd byte is ignored.
func DecodePCM16(data []byte) *domain.AudioBuffer {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		v := int16(binary.LittleEndian.Uint16(data[2*i:]))
		samples[i] = float32(v) / 32768
	}
	return &domain.AudioBuffer{SampleRate: SampleRate, Samples: samples}
}
