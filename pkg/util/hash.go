package util

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/big"
)

// DoubleSHA256 computes SHA256(SHA256(data)), used extensively in Bitcoin.
func DoubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// ReverseBytes returns a new slice with bytes reversed.
func ReverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// HashToHex returns a reversed hex string of a hash (Bitcoin display order).
func HashToHex(hash [32]byte) string {
	return hex.EncodeToString(ReverseBytes(hash[:]))
}

// HexToHash converts a display-order hex string back to a [32]byte hash.
func HexToHash(s string) ([32]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	if len(b) != 32 {
		return [32]byte{}, hex.ErrLength
	}
	var h [32]byte
	copy(h[:], ReverseBytes(b))
	return h, nil
}

// CompactToTarget converts a Bitcoin compact (nBits) representation to a big.Int target.
func CompactToTarget(compact uint32) *big.Int {
	exponent := compact >> 24
	mantissa := compact & 0x007fffff

	target := new(big.Int).SetUint64(uint64(mantissa))

	if exponent <= 3 {
		target.Rsh(target, uint(8*(3-exponent)))
	} else {
		target.Lsh(target, uint(8*(exponent-3)))
	}

	// Negative bit
	if compact&0x00800000 != 0 {
		target.Neg(target)
	}

	return target
}

// TargetToCompact converts a big.Int target to Bitcoin compact (nBits) representation.
func TargetToCompact(target *big.Int) uint32 {
	if target.Sign() == 0 {
		return 0
	}

	isNegative := target.Sign() < 0
	absTarget := new(big.Int).Abs(target)

	b := absTarget.Bytes()
	size := uint32(len(b))

	var mantissa uint32
	if size <= 3 {
		for i, v := range b {
			mantissa |= uint32(v) << uint(8*(2-uint32(i)-(3-size)))
		}
	} else {
		mantissa = (uint32(b[0]) << 16) | (uint32(b[1]) << 8) | uint32(b[2])
	}

	// If the high bit of mantissa is set, shift right to avoid being interpreted as negative
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		size++
	}

	compact := (size << 24) | (mantissa & 0x007fffff)

	if isNegative {
		compact |= 0x00800000
	}

	return compact
}

// TargetToDifficulty converts a target to difficulty relative to the given max target.
func TargetToDifficulty(target, maxTarget *big.Int) float64 {
	if target.Sign() == 0 {
		return 0
	}
	// difficulty = maxTarget / target
	maxFloat := new(big.Float).SetInt(maxTarget)
	targetFloat := new(big.Float).SetInt(target)
	diff := new(big.Float).Quo(maxFloat, targetFloat)
	result, _ := diff.Float64()
	return result
}

// DifficultyToTarget converts a difficulty to a target given the max target.
func DifficultyToTarget(difficulty float64, maxTarget *big.Int) *big.Int {
	if difficulty == 0 {
		return new(big.Int).Set(maxTarget)
	}
	maxFloat := new(big.Float).SetInt(maxTarget)
	diffFloat := new(big.Float).SetFloat64(difficulty)
	targetFloat := new(big.Float).Quo(maxFloat, diffFloat)

	target, _ := targetFloat.Int(nil)
	return target
}

// HashMeetsTarget checks if a hash (as little-endian 32 bytes) is <= target.
func HashMeetsTarget(hash [32]byte, target *big.Int) bool {
	// Bitcoin block hashes are compared as little-endian 256-bit integers.
	// Convert to big-endian for big.Int comparison.
	reversed := ReverseBytes(hash[:])
	hashInt := new(big.Int).SetBytes(reversed)
	return hashInt.Cmp(target) <= 0
}

// Uint32ToBytes converts a uint32 to 4-byte little-endian.
func Uint32ToBytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// Diff1Target is the classic pool difficulty-1 target: the target encoded by
// compact bits 0x1d00ffff, used as the numerator for difficulty<->target
// conversions against a miner's share difficulty (as opposed to TargetToDifficulty's
// network-relative maxTarget, which is bits-dependent and changes every retarget).
var Diff1Target = CompactToTarget(0x1d00ffff)

// DifficultyToShareTarget converts a miner-facing difficulty to a target
// using the fixed diff-1 target, per ckpool convention: target = floor(diff1 / difficulty).
func DifficultyToShareTarget(difficulty float64) *big.Int {
	return DifficultyToTarget(difficulty, Diff1Target)
}

// Flip32 reverses byte order within each of the eight 4-byte words of a
// 32-byte value, the ckpool "flip_32" convention. It is its own inverse:
// Flip32(Flip32(x)) == x.
func Flip32(in [32]byte) [32]byte {
	var out [32]byte
	for word := 0; word < 8; word++ {
		i := word * 4
		out[i+0] = in[i+3]
		out[i+1] = in[i+2]
		out[i+2] = in[i+1]
		out[i+3] = in[i+0]
	}
	return out
}

// Flip80 applies Flip32 to the prev-block-hash and merkle-root fields of an
// 80-byte block header, leaving the four scalar fields (version, ntime, bits,
// nonce) untouched. It is its own inverse. Panics if in is not 80 bytes —
// callers always pass a freshly-assembled header of fixed size.
func Flip80(in []byte) []byte {
	if len(in) != 80 {
		panic("util: Flip80 requires an 80-byte header")
	}
	out := make([]byte, 80)
	copy(out, in)

	var prev, merkle [32]byte
	copy(prev[:], in[4:36])
	copy(merkle[:], in[36:68])

	flippedPrev := Flip32(prev)
	flippedMerkle := Flip32(merkle)

	copy(out[4:36], flippedPrev[:])
	copy(out[36:68], flippedMerkle[:])
	return out
}
