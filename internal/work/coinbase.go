package work

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/djkazic/ckpool-go/pkg/util"
)

// extraNonceSentinel is a placeholder byte written into the coinbase
// scriptSig where the Stratum extranonce1/extranonce2 pair will later be
// spliced in by SplitCoinbase. Its value is arbitrary since it's always
// fully overwritten before the coinbase is hashed for real.
const extraNonceSentinel = 0x00

// CoinbaseParams is everything BuildCoinbase needs to assemble a solo-pool
// coinbase transaction: the whole block reward (subsidy + fees, as reported
// by getblocktemplate's coinbasevalue) goes to a single payout script —
// there is no PPLNS-style split, the finder takes the full reward.
type CoinbaseParams struct {
	Height            int64
	Value             int64  // satoshis, paid entirely to PayoutScript
	PayoutScript      []byte // scriptPubKey of the finder's address
	WitnessCommitment string // hex OP_RETURN script from getblocktemplate, empty if template carries no segwit txs
	ExtranonceSize    int    // extranonce1 + extranonce2 combined width
	Message           string // free-form tag appended to the scriptSig, ASCII
}

// BuildCoinbase assembles a non-witness-serialized coinbase transaction and
// returns it along with the byte offset at which the extranonce sentinel
// begins, so the caller can split it into Stratum coinbase1/coinbase2
// halves with SplitCoinbase.
//
// Layout: version(4) | 01 (in_count) | prevout_null(36) | scriptSig_len |
// [height_push | message | extranonce_sentinel] | sequence(4) |
// out_count | outputs | locktime(4). This is the legacy (non-segwit)
// coinbase serialization bitcoind expects back from submitblock — the
// witness commitment is carried as a second OUTPUT, not as witness data on
// the coinbase input itself, so there is no witness marker/flag here.
func BuildCoinbase(p CoinbaseParams) (tx []byte, extranonceOffset int, err error) {
	if len(p.PayoutScript) == 0 {
		return nil, 0, fmt.Errorf("work: coinbase requires a non-empty payout script")
	}
	if p.ExtranonceSize <= 0 {
		return nil, 0, fmt.Errorf("work: extranonce size must be positive")
	}

	heightPush := bip34HeightPush(p.Height)

	scriptSig := make([]byte, 0, len(heightPush)+len(p.Message)+p.ExtranonceSize)
	scriptSig = append(scriptSig, heightPush...)
	scriptSig = append(scriptSig, []byte(p.Message)...)
	extranonceOffsetInScript := len(scriptSig)
	scriptSig = append(scriptSig, bytes.Repeat([]byte{extraNonceSentinel}, p.ExtranonceSize)...)

	if len(scriptSig) > 100 {
		return nil, 0, fmt.Errorf("work: coinbase scriptSig exceeds 100 bytes (%d)", len(scriptSig))
	}

	var buf bytes.Buffer

	// version
	buf.Write(util.Uint32ToBytes(1))

	// input count + the single null prevout input
	buf.Write(util.WriteVarInt(1))
	buf.Write(bytes.Repeat([]byte{0x00}, 32)) // prevout hash
	buf.Write(util.Uint32ToBytes(0xffffffff)) // prevout index
	buf.Write(util.WriteVarInt(uint64(len(scriptSig))))

	scriptSigStart := buf.Len()
	buf.Write(scriptSig)

	buf.Write(util.Uint32ToBytes(0xffffffff)) // sequence

	outputs, err := coinbaseOutputs(p)
	if err != nil {
		return nil, 0, err
	}
	buf.Write(util.WriteVarInt(uint64(len(outputs))))
	for _, out := range outputs {
		buf.Write(out)
	}

	buf.Write(util.Uint32ToBytes(0)) // locktime

	return buf.Bytes(), scriptSigStart + extranonceOffsetInScript, nil
}

// coinbaseOutputs builds the output list: the full-reward payout first,
// then the witness commitment OP_RETURN if the template requires one.
func coinbaseOutputs(p CoinbaseParams) ([][]byte, error) {
	var outs [][]byte

	payout := make([]byte, 0, 8+9+len(p.PayoutScript))
	payout = append(payout, valueBytes(p.Value)...)
	payout = append(payout, util.WriteVarInt(uint64(len(p.PayoutScript)))...)
	payout = append(payout, p.PayoutScript...)
	outs = append(outs, payout)

	if p.WitnessCommitment != "" {
		commitScript, err := hex.DecodeString(p.WitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("work: invalid witness commitment hex: %w", err)
		}
		commit := make([]byte, 0, 8+9+len(commitScript))
		commit = append(commit, valueBytes(0)...)
		commit = append(commit, util.WriteVarInt(uint64(len(commitScript)))...)
		commit = append(commit, commitScript...)
		outs = append(outs, commit)
	}

	return outs, nil
}

func valueBytes(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
	return b
}

// addCoinbaseWitness converts a legacy (non-witness) serialized coinbase
// transaction into its witness-serialized form for block submission: marker
// and flag bytes after the version field, and a witness stack for the lone
// input carrying the 32-byte witness reserved value (all zeroes, since this
// pool never uses BIP 141's optional nonzero reserved value). The
// version/inputs/outputs/locktime bytes are identical between the two
// serializations, so splicing works without re-parsing the transaction.
func addCoinbaseWitness(tx []byte) []byte {
	if len(tx) < 8 {
		return tx
	}
	body := tx[4 : len(tx)-4]
	locktime := tx[len(tx)-4:]

	witnessStack := []byte{0x01, 0x20}
	witnessStack = append(witnessStack, bytes.Repeat([]byte{0x00}, 32)...)

	out := make([]byte, 0, len(tx)+2+len(witnessStack))
	out = append(out, tx[:4]...)    // version
	out = append(out, 0x00, 0x01)   // segwit marker, flag
	out = append(out, body...)      // inputs + outputs
	out = append(out, witnessStack...)
	out = append(out, locktime...)
	return out
}

// bip34HeightPush encodes height as a minimal-push Bitcoin script number
// (BIP 34), the way every coinbase must begin post-activation. Heights up
// to 2^32-1 fit in at most 4 bytes plus the sign-padding byte.
func bip34HeightPush(height int64) []byte {
	if height == 0 {
		return []byte{0x01, 0x00}
	}

	var data []byte
	n := height
	negative := n < 0
	if negative {
		n = -n
	}
	for n > 0 {
		data = append(data, byte(n&0xff))
		n >>= 8
	}
	if data[len(data)-1]&0x80 != 0 {
		if negative {
			data = append(data, 0x80)
		} else {
			data = append(data, 0x00)
		}
	} else if negative {
		data[len(data)-1] |= 0x80
	}

	return append([]byte{byte(len(data))}, data...)
}
