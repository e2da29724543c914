package sample

import (
	"errors"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/ollama/constrain/toktrie"
)

var errOddLength = errors.New("bf16 logits must have an even number of bytes")

// MaskLogits sets every logit the mask disallows to -Inf. Positions past the
// end of the mask, such as padding rows of the output layer, are disallowed.
func MaskLogits(logits []float32, mask *toktrie.Bitmask) {
	negInf := float32(math.Inf(-1))
	for i := range logits {
		if !mask.IsAllowed(toktrie.TokenID(i)) {
			logits[i] = negInf
		}
	}
}

// MaskFloat16 is MaskLogits for IEEE half precision logits given as raw bits.
func MaskFloat16(logits []uint16, mask *toktrie.Bitmask) {
	negInf := float16.Inf(-1).Bits()
	for i := range logits {
		if !mask.IsAllowed(toktrie.TokenID(i)) {
			logits[i] = negInf
		}
	}
}

// Float16Logits widens half precision logits.
func Float16Logits(u16s []uint16) []float32 {
	f32s := make([]float32, len(u16s))
	for i := range u16s {
		f32s[i] = float16.Frombits(u16s[i]).Float32()
	}
	return f32s
}

// MaskBFloat16 is MaskLogits for little-endian bfloat16 logits.
func MaskBFloat16(logits []byte, mask *toktrie.Bitmask) error {
	if len(logits)%2 != 0 {
		return errOddLength
	}
	negInf := bfloat16.EncodeFloat32([]float32{float32(math.Inf(-1))})
	for i := 0; i < len(logits)/2; i++ {
		if !mask.IsAllowed(toktrie.TokenID(i)) {
			copy(logits[2*i:], negInf)
		}
	}
	return nil
}

// BFloat16Logits widens little-endian bfloat16 logits.
func BFloat16Logits(b []byte) ([]float32, error) {
	if len(b)%2 != 0 {
		return nil, errOddLength
	}
	return bfloat16.DecodeFloat32(b), nil
}
