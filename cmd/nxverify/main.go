// nxverify opens a structural index store and checks its invariants: every
// name-key has a matching inventory entry, every stored node id survives a
// decode/re-encode round trip, and every key lies in a known region. Inventory
// entries with no surviving nodes are reported but are not violations. Exits
// non-zero when a violation is found.
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/nativexml/nxdb/internal/btree"
	"github.com/nativexml/nxdb/internal/dom"
	"github.com/nativexml/nxdb/pkg/logger"
)

// inventoryKey identifies one (docId, type, sym, nsSym) combination.
type inventoryKey struct {
	docID uint32
	typ   byte
	sym   uint16
	nsSym uint16
}

func main() {
	dataDir := flag.String("data", "data/structural", "store data directory")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger.Setup(*logLevel, "text")

	store, err := btree.Open(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	lock := store.Lock()
	lock.Acquire(btree.LockRead)
	defer lock.Release(btree.LockRead)

	var (
		nameKeys   int
		docKeys    int
		violations int
	)
	indexed := make(map[inventoryKey]int)
	inventory := make(map[inventoryKey]bool)

	store.RangeScan(nil, nil, func(key []byte, value int64) bool {
		switch {
		case key[0] < 0x02:
			nameKeys++
			if len(key) < 10 {
				fmt.Printf("VIOLATION: truncated name-key % x\n", key)
				violations++
				return true
			}
			k := inventoryKey{
				typ:   key[0],
				sym:   binary.BigEndian.Uint16(key[1:3]),
				nsSym: binary.BigEndian.Uint16(key[3:5]),
				docID: binary.BigEndian.Uint32(key[5:9]),
			}
			indexed[k]++
			if !checkNodeID(key, value) {
				fmt.Printf("VIOLATION: node id does not round-trip for key % x\n", key)
				violations++
			}
		case key[0] == 0x02:
			docKeys++
			if len(key) != 10 {
				fmt.Printf("VIOLATION: malformed doc-key % x\n", key)
				violations++
				return true
			}
			inventory[inventoryKey{
				docID: binary.BigEndian.Uint32(key[1:5]),
				typ:   key[5],
				sym:   binary.BigEndian.Uint16(key[6:8]),
				nsSym: binary.BigEndian.Uint16(key[8:10]),
			}] = true
		default:
			fmt.Printf("VIOLATION: key in unknown region % x\n", key)
			violations++
		}
		return true
	})

	for k, n := range indexed {
		if !inventory[k] {
			fmt.Printf("VIOLATION: %d node(s) of doc %d (type 0x%02x sym %d ns %d) have no inventory entry\n",
				n, k.docID, k.typ, k.sym, k.nsSym)
			violations++
		}
	}
	orphaned := 0
	for k := range inventory {
		if indexed[k] == 0 {
			orphaned++
		}
	}

	fmt.Printf("entries: %d name-keys, %d doc-keys across %d qname/doc combinations\n",
		nameKeys, docKeys, len(indexed))
	if orphaned > 0 {
		fmt.Printf("note: %d inventory entries with no surviving nodes (allowed after partial removal)\n", orphaned)
	}
	if violations > 0 {
		fmt.Printf("FAILED: %d violation(s)\n", violations)
		os.Exit(1)
	}
	fmt.Println("OK")
}

// checkNodeID verifies that the node id encoded in a name-key parses and
// survives the decode/re-encode round trip using the bit count stored in
// the value.
func checkNodeID(key []byte, value int64) bool {
	bits := int((value >> 24) & 0xFF)
	if bits == 0 {
		bits = 8
	}
	units := (len(key)-10)*8 + bits
	if units <= 0 || (units+7)/8 != len(key)-9 {
		return false
	}
	id := dom.FromData(units, key, 9)
	return id.Valid() && bytes.Equal(id.Bytes(), key[9:])
}
