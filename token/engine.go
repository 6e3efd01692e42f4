// Package token computes token (SLP-style) validity. Validity of a
// transaction is a pure function of its own declared token data and the
// token state of its spent outputs; the synchronizer caches the result
// per transaction in the chain state store.
package token

import (
	"fmt"

	"github.com/cashkit/indexer/spec"
)

// SpentToken is the token state of one spent output, as recorded when
// the producing transaction was validated.
type SpentToken struct {
	TokenID      spec.Hash
	TokenType    spec.TokenType
	GroupTokenID *spec.Hash
	Amount       spec.TokenAmount
}

// Intent is a transaction's parsed token declaration (from the output-0
// OP_RETURN). OutputTokens is aligned with the tx outputs; entry 0 is
// always zero since output 0 holds the declaration itself.
type Intent struct {
	TokenType    spec.TokenType
	TxType       spec.TokenTxType
	TokenID      spec.Hash
	OutputTokens []spec.TokenAmount
}

// Verdict is the validity result for one transaction.
type Verdict struct {
	// Data is nil when the declaration is invalid; the transaction is
	// still indexed, just without token outputs.
	Data     *spec.TokenTxData
	ErrorMsg string

	// InputTokens has one entry per input: the token value the input
	// contributed to this transaction (zero if none or burned).
	InputTokens []spec.TokenAmount

	// Burns has one entry per input, nil where nothing was burned.
	Burns []*spec.TokenBurn
}

// Valid reports whether the transaction carries valid token data.
func (v *Verdict) Valid() bool { return v.Data != nil }

// Validate computes the verdict for tx. intent is nil for transactions
// with no token declaration; parseErr carries the parser's message when
// the declaration was present but malformed. spent has one entry per
// input (nil where the spent output carries no token).
func Validate(tx *spec.Tx, intent *Intent, parseErr string, spent []*SpentToken) *Verdict {
	n := len(tx.Inputs)
	v := &Verdict{
		InputTokens: make([]spec.TokenAmount, n),
		Burns:       make([]*spec.TokenBurn, n),
	}
	if intent == nil {
		// No (or malformed) declaration: every carried input is burned.
		v.ErrorMsg = parseErr
		burnAll(v, spent, nil)
		return v
	}

	switch intent.TxType {
	case spec.TokenTxGenesis:
		return validateGenesis(tx, intent, spent, v)
	case spec.TokenTxMint:
		return validateMint(intent, spent, v)
	case spec.TokenTxSend:
		return validateSend(intent, spent, v)
	default:
		// Unknown token/tx types are indexed with their meta but no
		// amounts; carried inputs are burned.
		burnAll(v, spent, nil)
		v.Data = &spec.TokenTxData{
			Meta: spec.TokenMeta{
				TokenType: spec.TokenUnknown,
				TxType:    spec.TokenTxUnknown,
				TokenID:   intent.TokenID,
			},
			InputTokens:  v.InputTokens,
			OutputTokens: make([]spec.TokenAmount, len(intent.OutputTokens)),
		}
		return v
	}
}

func validateGenesis(tx *spec.Tx, intent *Intent, spent []*SpentToken, v *Verdict) *Verdict {
	meta := spec.TokenMeta{
		TokenType: intent.TokenType,
		TxType:    spec.TokenTxGenesis,
		TokenID:   tx.TxID,
	}
	if intent.TokenType == spec.TokenNft1Child {
		// An NFT1 child is minted by consuming one unit of its group
		// token at input 0; the group id becomes its namespace.
		if len(spent) == 0 || spent[0] == nil ||
			spent[0].TokenType != spec.TokenNft1Group ||
			spent[0].Amount.IsMintBaton || spent[0].Amount.Amount < 1 {
			return invalid(v, spent, "GENESIS: NFT1 child requires an NFT1 group token at input 0")
		}
		groupID := spent[0].TokenID
		meta.GroupTokenID = &groupID
		v.InputTokens[0] = spent[0].Amount
		burnAll(v, spent, map[int]bool{0: true})
	} else {
		burnAll(v, spent, nil)
	}
	v.Data = &spec.TokenTxData{
		Meta:         meta,
		InputTokens:  v.InputTokens,
		OutputTokens: intent.OutputTokens,
	}
	return v
}

func validateMint(intent *Intent, spent []*SpentToken, v *Verdict) *Verdict {
	consumed := map[int]bool{}
	for i, st := range spent {
		if st != nil && st.Amount.IsMintBaton &&
			st.TokenID == intent.TokenID && st.TokenType == intent.TokenType {
			consumed[i] = true
			v.InputTokens[i] = st.Amount
		}
	}
	if len(consumed) == 0 {
		return invalid(v, spent, fmt.Sprintf("MINT: no mint baton input for token %v", intent.TokenID))
	}
	burnAll(v, spent, consumed)
	v.Data = &spec.TokenTxData{
		Meta: spec.TokenMeta{
			TokenType: intent.TokenType,
			TxType:    spec.TokenTxMint,
			TokenID:   intent.TokenID,
		},
		InputTokens:  v.InputTokens,
		OutputTokens: intent.OutputTokens,
	}
	return v
}

func validateSend(intent *Intent, spent []*SpentToken, v *Verdict) *Verdict {
	var inputSum, outputSum uint64
	var groupID *spec.Hash
	for _, st := range spent {
		if st != nil && !st.Amount.IsMintBaton &&
			st.TokenID == intent.TokenID && st.TokenType == intent.TokenType {
			inputSum += st.Amount.Amount
			if st.GroupTokenID != nil {
				groupID = st.GroupTokenID
			}
		}
	}
	for _, out := range intent.OutputTokens {
		outputSum += out.Amount
	}
	if outputSum > inputSum {
		return invalid(v, spent, fmt.Sprintf(
			"SEND: output sum %d exceeds input sum %d for token %v",
			outputSum, inputSum, intent.TokenID))
	}
	// Surplus input value is burned, attributed to the first input(s)
	// carrying the token in input order.
	surplus := inputSum - outputSum
	consumed := map[int]bool{}
	for i, st := range spent {
		if st == nil || st.Amount.IsMintBaton ||
			st.TokenID != intent.TokenID || st.TokenType != intent.TokenType {
			continue
		}
		consumed[i] = true
		v.InputTokens[i] = st.Amount
		if surplus > 0 {
			burn := min(surplus, st.Amount.Amount)
			surplus -= burn
			if burn > 0 {
				v.Burns[i] = &spec.TokenBurn{
					Token:   spec.TokenAmount{Amount: burn},
					TokenID: st.TokenID,
				}
			}
		}
	}
	burnAll(v, spent, consumed)
	v.Data = &spec.TokenTxData{
		Meta: spec.TokenMeta{
			TokenType:    intent.TokenType,
			TxType:       spec.TokenTxSend,
			TokenID:      intent.TokenID,
			GroupTokenID: groupID,
		},
		InputTokens:  v.InputTokens,
		OutputTokens: intent.OutputTokens,
	}
	return v
}

// invalid marks the verdict failed: no token data, all carried inputs
// burned whole.
func invalid(v *Verdict, spent []*SpentToken, msg string) *Verdict {
	for i := range v.InputTokens {
		v.InputTokens[i] = spec.TokenAmount{}
		v.Burns[i] = nil
	}
	burnAll(v, spent, nil)
	v.Data = nil
	v.ErrorMsg = msg
	return v
}

// burnAll records whole-value burns for every token-carrying input not
// in keep.
func burnAll(v *Verdict, spent []*SpentToken, keep map[int]bool) {
	for i, st := range spent {
		if st == nil || st.Amount.IsZero() || keep[i] || v.Burns[i] != nil {
			continue
		}
		v.Burns[i] = &spec.TokenBurn{Token: st.Amount, TokenID: st.TokenID}
	}
}

// Apply attaches a verdict to the indexed transaction: token data,
// error message, per-input carried amounts and burns, and per-output
// token amounts.
func Apply(tx *spec.Tx, v *Verdict) {
	tx.TokenData = v.Data
	tx.TokenErrorMsg = v.ErrorMsg
	for i := range tx.Inputs {
		if !v.InputTokens[i].IsZero() {
			amt := v.InputTokens[i]
			tx.Inputs[i].Token = &amt
		}
		tx.Inputs[i].TokenBurn = v.Burns[i]
	}
	if v.Data == nil {
		return
	}
	for i := range tx.Outputs {
		if i < len(v.Data.OutputTokens) && !v.Data.OutputTokens[i].IsZero() {
			amt := v.Data.OutputTokens[i]
			tx.Outputs[i].Token = &amt
		}
	}
}

// OutputToken returns the SpentToken a dependent transaction sees when
// it spends output outIdx of a transaction with this verdict, nil if
// the output carries nothing.
func (v *Verdict) OutputToken(outIdx uint32) *SpentToken {
	if v.Data == nil || int(outIdx) >= len(v.Data.OutputTokens) {
		return nil
	}
	amt := v.Data.OutputTokens[outIdx]
	if amt.IsZero() {
		return nil
	}
	return &SpentToken{
		TokenID:      v.Data.Meta.TokenID,
		TokenType:    v.Data.Meta.TokenType,
		GroupTokenID: v.Data.Meta.GroupTokenID,
		Amount:       amt,
	}
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
