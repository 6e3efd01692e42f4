package spec

import "encoding/binary"

// OutPointKey is the 36-byte database key form of an OutPoint.
type OutPointKey [HashLen + 4]byte

// Key makes a binary string to use as a database key.
func (op OutPoint) Key() OutPointKey {
	var key OutPointKey
	copy(key[0:HashLen], op.TxID[:])
	binary.BigEndian.PutUint32(key[HashLen:], op.OutIdx)
	return key
}

// OutPointFromKey is the inverse of OutPoint.Key.
func OutPointFromKey(key []byte) OutPoint {
	var op OutPoint
	copy(op.TxID[:], key[0:HashLen])
	op.OutIdx = binary.BigEndian.Uint32(key[HashLen:])
	return op
}
