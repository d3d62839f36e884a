// Package structural implements the structural index of the database: a
// single ordered store in which each key is the sequence [type, symbol,
// nsSymbol, docId, nodeId] and each value is the storage address of the
// node record. Range scans over this key space answer the element,
// descendant and ancestor lookups behind XPath structural steps.
package structural

import (
	"encoding/binary"

	"github.com/nativexml/nxdb/internal/dom"
)

// SymbolTable is the name interner consumed by the key codec. Symbols are
// 16-bit, assigned from 1 on first sight, and never reassigned.
type SymbolTable interface {
	GetSymbol(localName string) (uint16, error)
	GetNSSymbol(uri string) (uint16, error)
	GetName(sym uint16) string
	GetNamespace(nsSym uint16) string
}

// Key space layout. Name-keys lead with the name type byte (0x00 elements,
// 0x01 attributes); doc-keys lead with 0x02, giving them their own region
// above all name-keys.
const (
	docKeyTag byte = 0x02

	nameKeyPrefixLen = 9
	docKeyLen        = 10
	docKeyPrefixLen  = 5

	// addressMask recovers the internal address from a stored value; the
	// top byte is reserved.
	addressMask = 0x00FFFFFFFFFFFFFF
)

type keyCodec struct {
	symbols SymbolTable
}

// nameKey encodes the full lookup key for one node. All numeric fields are
// big-endian: range-scan correctness depends on lexicographic byte order
// agreeing with numeric order.
func (c keyCodec) nameKey(t dom.NameType, q dom.QName, docID uint32, id *dom.NodeID) ([]byte, error) {
	key, err := c.nameKeyPrefix(t, q, docID)
	if err != nil {
		return nil, err
	}
	key = append(key, make([]byte, id.Size())...)
	id.Serialize(key, nameKeyPrefixLen)
	return key, nil
}

// nameKeyPrefix encodes the 9-byte fixed prefix shared by every node of
// (type, qname) in docID. It is the inclusive lower bound of a scan over
// those nodes; the prefix for docID+1 is the exclusive upper bound.
func (c keyCodec) nameKeyPrefix(t dom.NameType, q dom.QName, docID uint32) ([]byte, error) {
	sym, err := c.symbols.GetSymbol(q.LocalName)
	if err != nil {
		return nil, err
	}
	nsSym, err := c.symbols.GetNSSymbol(q.Namespace)
	if err != nil {
		return nil, err
	}
	key := make([]byte, nameKeyPrefixLen, nameKeyPrefixLen+8)
	key[0] = byte(t)
	binary.BigEndian.PutUint16(key[1:3], sym)
	binary.BigEndian.PutUint16(key[3:5], nsSym)
	binary.BigEndian.PutUint32(key[5:9], docID)
	return key, nil
}

// docKey encodes the per-document inventory entry for (docID, type, qname).
func (c keyCodec) docKey(t dom.NameType, docID uint32, q dom.QName) ([]byte, error) {
	sym, err := c.symbols.GetSymbol(q.LocalName)
	if err != nil {
		return nil, err
	}
	nsSym, err := c.symbols.GetNSSymbol(q.Namespace)
	if err != nil {
		return nil, err
	}
	key := make([]byte, docKeyLen)
	key[0] = docKeyTag
	binary.BigEndian.PutUint32(key[1:5], docID)
	key[5] = byte(t)
	binary.BigEndian.PutUint16(key[6:8], sym)
	binary.BigEndian.PutUint16(key[8:10], nsSym)
	return key, nil
}

// docKeyPrefix encodes the 5-byte bound of docID's inventory region.
func docKeyPrefix(docID uint32) []byte {
	key := make([]byte, docKeyPrefixLen)
	key[0] = docKeyTag
	binary.BigEndian.PutUint32(key[1:5], docID)
	return key
}

// encodeValue packs the node's storage address and the spill bits of the
// node id length into one value: bits 24-31 carry units mod 8, so that the
// id can be rebuilt from the key length alone without widening the key.
// Addresses must keep that byte clear; the document store guarantees it.
func encodeValue(address uint64, id *dom.NodeID) int64 {
	bits := uint64(id.Units() % 8)
	return int64(address | (bits << 24 & 0xFF000000))
}

// address recovers the internal storage address from a stored value, dropping
// the reserved top byte and the units bits in 24-31.
func address(value int64) uint64 {
	return uint64(value) & addressMask &^ 0xFF000000
}

// readDocID extracts the document id from a name-key.
func readDocID(key []byte) uint32 {
	return binary.BigEndian.Uint32(key[5:9])
}

// readNodeID rebuilds the node id from a name-key and its stored value. The
// whole-byte count comes from the key length; the remaining bit count from
// the value (0 meaning a full final byte).
func readNodeID(key []byte, value int64) *dom.NodeID {
	bits := int((value >> 24) & 0xFF)
	if bits == 0 {
		bits = 8
	}
	units := (len(key)-docKeyLen)*8 + bits
	return dom.FromData(units, key, nameKeyPrefixLen)
}

// readQName decodes the qualified name embedded in a doc-key.
func (c keyCodec) readQName(docKey []byte) dom.QName {
	t := dom.NameType(docKey[5])
	sym := binary.BigEndian.Uint16(docKey[6:8])
	nsSym := binary.BigEndian.Uint16(docKey[8:10])
	return dom.QName{
		LocalName: c.symbols.GetName(sym),
		Namespace: c.symbols.GetNamespace(nsSym),
		Type:      t,
	}
}
