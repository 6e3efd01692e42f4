package token

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cashkit/indexer/spec"
)

// SLP OP_RETURN layout: OP_RETURN <lokad "SLP\0"> <token_type>
// <tx_type> <fields...>, all as minimal data pushes.

const opReturn = 0x6a

var lokadID = []byte{'S', 'L', 'P', 0}

// ParseTx inspects output 0 of tx for a token declaration. Returns
// (nil, nil) for transactions without one, (nil, err) when the
// declaration is present but malformed; such transactions are still
// indexed, with the error recorded rather than the tx rejected.
func ParseTx(tx *spec.Tx) (*Intent, error) {
	if len(tx.Outputs) == 0 {
		return nil, nil
	}
	script := tx.Outputs[0].OutputScript
	if len(script) == 0 || script[0] != opReturn {
		return nil, nil
	}
	pushes, err := parsePushes(script[1:])
	if err != nil || len(pushes) == 0 || !bytes.Equal(pushes[0], lokadID) {
		// Not a token declaration at all.
		return nil, nil
	}
	if len(pushes) < 3 {
		return nil, fmt.Errorf("SLP: expected token type and tx type, got %d pushes", len(pushes)-1)
	}
	tokenType, err := parseTokenType(pushes[1])
	if err != nil {
		return nil, err
	}
	numOutputs := len(tx.Outputs)
	switch string(pushes[2]) {
	case "GENESIS":
		return parseGenesis(tx, tokenType, pushes[3:], numOutputs)
	case "MINT":
		return parseMint(tokenType, pushes[3:], numOutputs)
	case "SEND":
		return parseSend(tokenType, pushes[3:], numOutputs)
	default:
		if tokenType == spec.TokenUnknown {
			return &Intent{
				TokenType:    spec.TokenUnknown,
				TxType:       spec.TokenTxUnknown,
				OutputTokens: make([]spec.TokenAmount, numOutputs),
			}, nil
		}
		return nil, fmt.Errorf("SLP: unknown tx type %q", pushes[2])
	}
}

func parseTokenType(b []byte) (spec.TokenType, error) {
	if len(b) == 0 || len(b) > 2 {
		return 0, fmt.Errorf("SLP: token type must be 1 or 2 bytes, got %d", len(b))
	}
	var v uint16
	for _, c := range b {
		v = v<<8 | uint16(c)
	}
	switch v {
	case 1:
		return spec.TokenFungible, nil
	case 0x81:
		return spec.TokenNft1Group, nil
	case 0x41:
		return spec.TokenNft1Child, nil
	default:
		return spec.TokenUnknown, nil
	}
}

func parseGenesis(tx *spec.Tx, tokenType spec.TokenType, fields [][]byte, numOutputs int) (*Intent, error) {
	// ticker, name, doc url, doc hash, decimals, mint baton vout, qty
	if len(fields) != 7 {
		return nil, fmt.Errorf("SLP: GENESIS expects 7 fields, got %d", len(fields))
	}
	if len(fields[4]) != 1 || fields[4][0] > 9 {
		return nil, fmt.Errorf("SLP: GENESIS invalid decimals")
	}
	batonVout, err := parseBatonVout(fields[5])
	if err != nil {
		return nil, err
	}
	if tokenType == spec.TokenNft1Child && batonVout != 0 {
		return nil, fmt.Errorf("SLP: NFT1 child GENESIS cannot have a mint baton")
	}
	qty, err := parseAmount(fields[6])
	if err != nil {
		return nil, err
	}
	outputs := make([]spec.TokenAmount, numOutputs)
	if numOutputs > 1 {
		outputs[1] = spec.TokenAmount{Amount: qty}
	}
	if batonVout > 0 && batonVout < numOutputs {
		outputs[batonVout] = spec.TokenAmount{IsMintBaton: true}
	}
	return &Intent{
		TokenType:    tokenType,
		TxType:       spec.TokenTxGenesis,
		TokenID:      tx.TxID,
		OutputTokens: outputs,
	}, nil
}

func parseMint(tokenType spec.TokenType, fields [][]byte, numOutputs int) (*Intent, error) {
	// token id, mint baton vout, qty
	if len(fields) != 3 {
		return nil, fmt.Errorf("SLP: MINT expects 3 fields, got %d", len(fields))
	}
	tokenID, err := parseTokenID(fields[0])
	if err != nil {
		return nil, err
	}
	batonVout, err := parseBatonVout(fields[1])
	if err != nil {
		return nil, err
	}
	qty, err := parseAmount(fields[2])
	if err != nil {
		return nil, err
	}
	outputs := make([]spec.TokenAmount, numOutputs)
	if numOutputs > 1 {
		outputs[1] = spec.TokenAmount{Amount: qty}
	}
	if batonVout > 0 && batonVout < numOutputs {
		outputs[batonVout] = spec.TokenAmount{IsMintBaton: true}
	}
	return &Intent{
		TokenType:    tokenType,
		TxType:       spec.TokenTxMint,
		TokenID:      tokenID,
		OutputTokens: outputs,
	}, nil
}

func parseSend(tokenType spec.TokenType, fields [][]byte, numOutputs int) (*Intent, error) {
	// token id, then one amount per output 1..19
	if len(fields) < 2 || len(fields) > 20 {
		return nil, fmt.Errorf("SLP: SEND expects 2..20 fields, got %d", len(fields))
	}
	tokenID, err := parseTokenID(fields[0])
	if err != nil {
		return nil, err
	}
	amounts := fields[1:]
	if len(amounts) > numOutputs-1 {
		return nil, fmt.Errorf("SLP: SEND declares %d amounts for %d outputs", len(amounts), numOutputs)
	}
	outputs := make([]spec.TokenAmount, numOutputs)
	for i, f := range amounts {
		qty, err := parseAmount(f)
		if err != nil {
			return nil, err
		}
		outputs[i+1] = spec.TokenAmount{Amount: qty}
	}
	return &Intent{
		TokenType:    tokenType,
		TxType:       spec.TokenTxSend,
		TokenID:      tokenID,
		OutputTokens: outputs,
	}, nil
}

// parseTokenID decodes the 32-byte token id field. The field carries
// the genesis txid in display byte order; internally hashes are kept in
// natural order, so the bytes are reversed here.
func parseTokenID(b []byte) (spec.Hash, error) {
	if len(b) != spec.HashLen {
		return spec.Hash{}, fmt.Errorf("SLP: token id must be 32 bytes, got %d", len(b))
	}
	var h spec.Hash
	for i := 0; i < spec.HashLen; i++ {
		h[i] = b[spec.HashLen-1-i]
	}
	return h, nil
}

func parseBatonVout(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if len(b) != 1 || b[0] < 2 {
		return 0, fmt.Errorf("SLP: invalid mint baton vout")
	}
	return int(b[0]), nil
}

func parseAmount(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("SLP: amount must be 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// parsePushes splits a script tail into its data pushes. Only plain
// pushes are legal inside a token declaration.
func parsePushes(script []byte) ([][]byte, error) {
	var pushes [][]byte
	for i := 0; i < len(script); {
		op := script[i]
		i++
		var size int
		switch {
		case op > 0 && op <= 0x4b:
			size = int(op)
		case op == 0x4c: // OP_PUSHDATA1
			if i >= len(script) {
				return nil, fmt.Errorf("SLP: truncated PUSHDATA1")
			}
			size = int(script[i])
			i++
		case op == 0x4d: // OP_PUSHDATA2
			if i+2 > len(script) {
				return nil, fmt.Errorf("SLP: truncated PUSHDATA2")
			}
			size = int(binary.LittleEndian.Uint16(script[i : i+2]))
			i += 2
		default:
			return nil, fmt.Errorf("SLP: non-push opcode 0x%02x", op)
		}
		if i+size > len(script) {
			return nil, fmt.Errorf("SLP: push overruns script")
		}
		pushes = append(pushes, script[i:i+size])
		i += size
	}
	return pushes, nil
}
