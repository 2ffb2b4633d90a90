package oto

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeFloat32LE(t *testing.T) {
	raw := encode([]float32{0, 1, -0.5})
	assert.Len(t, raw, 12)
	assert.Equal(t, float32(0), math.Float32frombits(binary.LittleEndian.Uint32(raw[0:])))
	assert.Equal(t, float32(1), math.Float32frombits(binary.LittleEndian.Uint32(raw[4:])))
	assert.Equal(t, float32(-0.5), math.Float32frombits(binary.LittleEndian.Uint32(raw[8:])))
}
