// Completion: 100% - Source map complete
package main

import (
	"sort"
)

// The front end records one label per top-level statement; once the
// image is laid out the labels resolve to virtual addresses and the
// orchestrator can map a faulting %rip back to a source position.

// SourceRecord is the unresolved form emitted by the code generator.
type SourceRecord struct {
	Label string
	Line  int
	Col   int
}

// SourceMapEntry associates the virtual address of a top-level
// statement with its source position.
type SourceMapEntry struct {
	VA   uint64
	Line int
	Col  int
}

// SourceMap is the resolved, address-sorted map.
type SourceMap struct {
	entries []SourceMapEntry
}

// NewSourceMap resolves each record's label against the assembled
// symbol table. Records whose label vanished (which would indicate a
// front-end bug) are dropped.
func NewSourceMap(records []SourceRecord, asm *Assembly, img *Image) *SourceMap {
	m := &SourceMap{}
	for _, rec := range records {
		va, ok := img.SymbolVA(asm, rec.Label)
		if !ok {
			continue
		}
		m.entries = append(m.entries, SourceMapEntry{VA: va, Line: rec.Line, Col: rec.Col})
	}
	// statements that emit no code (bare declarations) share an
	// address with their successor; the stable sort keeps emission
	// order within an address, and the dedup below keeps the first
	// record so Lookup reports the earliest statement at that address
	sort.SliceStable(m.entries, func(i, j int) bool { return m.entries[i].VA < m.entries[j].VA })
	dedup := m.entries[:0]
	for i, e := range m.entries {
		if i == 0 || e.VA != m.entries[i-1].VA {
			dedup = append(dedup, e)
		}
	}
	m.entries = dedup
	return m
}

// Lookup finds the entry with the greatest address not above va.
func (m *SourceMap) Lookup(va uint64) (SourceMapEntry, bool) {
	if m == nil || len(m.entries) == 0 {
		return SourceMapEntry{}, false
	}
	// first index whose address exceeds va; the answer sits just
	// before it
	idx := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].VA > va })
	if idx == 0 {
		return SourceMapEntry{}, false
	}
	return m.entries[idx-1], true
}

func (m *SourceMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}
