package sample

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/ollama/constrain/toktrie"
)

func testMask(size int, allowed ...toktrie.TokenID) *toktrie.Bitmask {
	m := toktrie.NewBitmask(size)
	for _, t := range allowed {
		m.Allow(t)
	}
	return m
}

func TestMaskLogits(t *testing.T) {
	logits := []float32{1, 2, 3, 4, 5}
	// the mask covers four tokens; the fifth logit is padding
	MaskLogits(logits, testMask(4, 1, 3))

	inf := float32(math.Inf(-1))
	assert.Equal(t, []float32{inf, 2, inf, 4, inf}, logits)
}

func TestMaskFloat16(t *testing.T) {
	raw := make([]uint16, 3)
	for i, v := range []float32{0.5, 1.5, -2} {
		raw[i] = float16.Fromfloat32(v).Bits()
	}
	MaskFloat16(raw, testMask(3, 0, 2))

	got := Float16Logits(raw)
	assert.Equal(t, float32(0.5), got[0])
	assert.True(t, math.IsInf(float64(got[1]), -1))
	assert.Equal(t, float32(-2), got[2])
}

func TestMaskBFloat16(t *testing.T) {
	raw := make([]byte, 6)
	for i, v := range []float32{1, 2, 3} {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(math.Float32bits(v)>>16))
	}
	require.NoError(t, MaskBFloat16(raw, testMask(3, 1)))
	assert.Equal(t, uint16(0xff80), binary.LittleEndian.Uint16(raw[0:]))
	assert.Equal(t, uint16(0xff80), binary.LittleEndian.Uint16(raw[4:]))

	got, err := BFloat16Logits(raw)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, math.IsInf(float64(got[0]), -1))
	assert.Equal(t, float32(2), got[1])

	assert.Error(t, MaskBFloat16(make([]byte, 3), testMask(1)))
	_, err = BFloat16Logits(make([]byte, 1))
	assert.Error(t, err)
}
