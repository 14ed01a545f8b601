// Package address decodes payout addresses into the scriptPubKey bytes the
// JobBuilder embeds in a coinbase output, and nothing more: this pool never
// generates or signs for addresses, it only needs to accept one from a miner
// and turn it into a spendable output script.
package address

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/djkazic/ckpool-go/pkg/util"
)

// ErrInvalidAddress is returned for malformed input: bad checksum, bad
// bech32 data, wrong decoded length, or a string that parses as neither
// base58check nor bech32/bech32m.
var ErrInvalidAddress = errors.New("address: invalid address format")

// ErrUnsupportedWitnessVersion is returned for bech32 data whose witness
// version this pool does not know how to script (only v0 and v1 are wired).
var ErrUnsupportedWitnessVersion = errors.New("address: unsupported witness version")

// ErrWrongNetwork is returned when an address decodes cleanly but its
// version byte or HRP does not match the pool's configured network.
var ErrWrongNetwork = errors.New("address: address is for a different network")

const (
	opDup         = 0x76
	opHash160     = 0xa9
	opEqualVerify = 0x88
	opEqual       = 0x87
	opCheckSig    = 0xac
	op0           = 0x00
)

// Codec decodes payout address strings for a single fixed network into
// scriptPubKey bytes. A pool process runs against exactly one network, so
// the network is fixed at construction rather than passed per call.
type Codec struct {
	net network
}

// NewCodec builds a Codec for the named network ("mainnet", "testnet", or
// "regtest"). Returns an error for any other value so misconfiguration
// fails at startup rather than silently accepting addresses for the wrong
// chain.
func NewCodec(networkName string) (*Codec, error) {
	n, ok := networkByName(networkName)
	if !ok {
		return nil, fmt.Errorf("address: unknown network %q", networkName)
	}
	return &Codec{net: n}, nil
}

// ScriptForAddress decodes addr and returns the scriptPubKey bytes to embed
// as a coinbase output. Supports P2PKH/P2SH (base58check) and
// P2WPKH/P2WSH/P2TR (bech32/bech32m), matching what a solo miner is likely
// to configure as a payout address.
func (c *Codec) ScriptForAddress(addr string) ([]byte, error) {
	if hrp, data, version, err := bech32.DecodeGeneric(addr); err == nil {
		if hrp != c.net.bech32HRP {
			return nil, ErrWrongNetwork
		}
		return c.scriptFromBech32(data, version)
	}

	decoded := base58.Decode(addr)
	if len(decoded) != 25 {
		return nil, ErrInvalidAddress
	}
	payload := decoded[:21]
	checksum := decoded[21:]
	sum := util.DoubleSHA256(payload)
	expected := sum[:4]
	for i := 0; i < 4; i++ {
		if checksum[i] != expected[i] {
			return nil, ErrInvalidAddress
		}
	}

	version, hash := payload[0], payload[1:]
	switch version {
	case c.net.pubKeyHashAddrID:
		return p2pkhScript(hash), nil
	case c.net.scriptHashAddrID:
		return p2shScript(hash), nil
	default:
		return nil, ErrWrongNetwork
	}
}

func (c *Codec) scriptFromBech32(data []byte, version bech32.Encoding) ([]byte, error) {
	if len(data) < 1 {
		return nil, ErrInvalidAddress
	}
	witnessVersion := data[0]
	program, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return nil, ErrInvalidAddress
	}

	switch witnessVersion {
	case 0:
		if version != bech32.Bech32 {
			return nil, ErrInvalidAddress
		}
		if len(program) != 20 && len(program) != 32 {
			return nil, ErrInvalidAddress
		}
		return witnessScript(0, program), nil
	case 1:
		if version != bech32.Bech32m {
			return nil, ErrInvalidAddress
		}
		if len(program) != 32 {
			return nil, ErrInvalidAddress
		}
		return witnessScript(1, program), nil
	default:
		return nil, ErrUnsupportedWitnessVersion
	}
}

// p2pkhScript builds OP_DUP OP_HASH160 <hash> OP_EQUALVERIFY OP_CHECKSIG.
func p2pkhScript(hash []byte) []byte {
	script := make([]byte, 0, 25)
	script = append(script, opDup, opHash160, byte(len(hash)))
	script = append(script, hash...)
	script = append(script, opEqualVerify, opCheckSig)
	return script
}

// p2shScript builds OP_HASH160 <hash> OP_EQUAL.
func p2shScript(hash []byte) []byte {
	script := make([]byte, 0, 23)
	script = append(script, opHash160, byte(len(hash)))
	script = append(script, hash...)
	script = append(script, opEqual)
	return script
}

// witnessScript builds the witness-version push followed by the program
// push: OP_0/OP_1 <len> <program>. Witness version 0 uses the literal OP_0
// opcode; versions 1-16 use OP_1+n-1 (0x51..0x60), but this pool only ever
// scripts versions 0 and 1.
func witnessScript(version byte, program []byte) []byte {
	var versionOp byte
	if version == 0 {
		versionOp = op0
	} else {
		versionOp = 0x50 + version
	}
	script := make([]byte, 0, 2+len(program))
	script = append(script, versionOp, byte(len(program)))
	script = append(script, program...)
	return script
}
