package spec

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// ScriptType is inferred from the output script by pattern-matching.
type ScriptType byte

const (
	ScriptOther ScriptType = 0 // payload is the whole script
	ScriptP2PK  ScriptType = 1 // payload is the 33/65-byte pubkey
	ScriptP2PKH ScriptType = 2 // payload is the 20-byte pubkey hash
	ScriptP2SH  ScriptType = 3 // payload is the 20-byte script hash
)

// Script opcodes used for classification.
const (
	opDup         = 0x76
	opHash160     = 0xa9
	opEqual       = 0x87
	opEqualVerify = 0x88
	opCheckSig    = 0xac
	opReturn      = 0x6a
)

// ScriptKey is the script fingerprint used as an index key: the script
// type plus the compact payload extracted from the script.
type ScriptKey struct {
	Type    ScriptType
	Payload []byte
}

// ParseScriptType maps the external string names onto ScriptType.
func ParseScriptType(s string) (ScriptType, bool) {
	switch s {
	case "p2pk":
		return ScriptP2PK, true
	case "p2pkh":
		return ScriptP2PKH, true
	case "p2sh":
		return ScriptP2SH, true
	case "other":
		return ScriptOther, true
	}
	return 0, false
}

func (t ScriptType) String() string {
	switch t {
	case ScriptP2PK:
		return "p2pk"
	case ScriptP2PKH:
		return "p2pkh"
	case ScriptP2SH:
		return "p2sh"
	default:
		return "other"
	}
}

func (k ScriptKey) String() string {
	return fmt.Sprintf("%v:%v", k.Type, hex.EncodeToString(k.Payload))
}

// Bytes returns the key as a length-prefixed byte string, suitable as a
// component of a longer database key (the length byte keeps a payload
// from matching the prefix of a longer payload during range scans).
func (k ScriptKey) Bytes() []byte {
	b := make([]byte, 0, 2+len(k.Payload))
	b = append(b, byte(k.Type), byte(len(k.Payload)))
	return append(b, k.Payload...)
}

// Equal reports whether two keys identify the same script class.
func (k ScriptKey) Equal(other ScriptKey) bool {
	return k.Type == other.Type && bytes.Equal(k.Payload, other.Payload)
}

// ClassifyScript extracts the ScriptKey for an output script.
// OP_RETURN outputs are not spendable and return ok=false; everything
// unrecognized is indexed whole under ScriptOther.
func ClassifyScript(script []byte) (ScriptKey, bool) {
	n := len(script)
	if n > 0 && script[0] == opReturn {
		return ScriptKey{}, false
	}
	// P2PKH: OP_DUP OP_HASH160 <hash:20> OP_EQUALVERIFY OP_CHECKSIG
	if n == 25 && script[0] == opDup && script[1] == opHash160 && script[2] == 20 &&
		script[23] == opEqualVerify && script[24] == opCheckSig {
		payload := make([]byte, 20)
		copy(payload, script[3:23])
		return ScriptKey{Type: ScriptP2PKH, Payload: payload}, true
	}
	// P2SH: OP_HASH160 <hash:20> OP_EQUAL
	if n == 23 && script[0] == opHash160 && script[1] == 20 && script[22] == opEqual {
		payload := make([]byte, 20)
		copy(payload, script[2:22])
		return ScriptKey{Type: ScriptP2SH, Payload: payload}, true
	}
	// P2PK: <pubkey:33|65> OP_CHECKSIG
	if (n == 35 && script[0] == 33 || n == 67 && script[0] == 65) && script[n-1] == opCheckSig {
		payload := make([]byte, script[0])
		copy(payload, script[1:n-1])
		return ScriptKey{Type: ScriptP2PK, Payload: payload}, true
	}
	if n == 0 {
		return ScriptKey{}, false
	}
	payload := make([]byte, n)
	copy(payload, script)
	return ScriptKey{Type: ScriptOther, Payload: payload}, true
}

// TouchedScripts collects the distinct script keys referenced by a
// transaction's inputs and outputs, in first-touched order.
func TouchedScripts(tx *Tx) []ScriptKey {
	var keys []ScriptKey
	add := func(script []byte) {
		key, ok := ClassifyScript(script)
		if !ok {
			return
		}
		for _, have := range keys {
			if have.Equal(key) {
				return
			}
		}
		keys = append(keys, key)
	}
	for i := range tx.Inputs {
		if !tx.Inputs[i].Coinbase() {
			add(tx.Inputs[i].OutputScript)
		}
	}
	for i := range tx.Outputs {
		add(tx.Outputs[i].OutputScript)
	}
	return keys
}
