// Completion: 100% - Static ELF generation complete
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

const (
	// ELF structure sizes
	elfHeaderSize  = 64 // ELF64 header size
	progHeaderSize = 56 // Program header entry size (ELF64)

	// Memory layout
	baseAddr   = 0x400000                       // Virtual base address
	pageSize   = 0x1000                         // 4KB page alignment
	headerSize = elfHeaderSize + progHeaderSize // Header block ahead of .text

	// Program header offset (immediately after ELF header)
	progHeaderOffset = 0x40

	textVA = baseAddr + headerSize // .text lands right after the headers
)

// Image is the laid-out executable: the final file bytes plus the
// virtual addresses assigned to each section, kept so the orchestrator
// can map symbols to runtime addresses.
type Image struct {
	Bytes  []byte
	Entry  uint64
	TextVA uint64
	DataVA uint64
	BssVA  uint64
}

// SymbolVA returns the virtual address of a symbol in the image.
func (img *Image) SymbolVA(asm *Assembly, name string) (uint64, bool) {
	sym, ok := asm.Symbols[name]
	if !ok {
		return 0, false
	}
	base, ok := img.sectionVA(sym.Section)
	if !ok {
		return 0, false
	}
	return base + uint64(sym.Offset), true
}

func (img *Image) sectionVA(section string) (uint64, bool) {
	switch section {
	case ".text":
		return img.TextVA, true
	case ".data":
		return img.DataVA, true
	case ".bss":
		return img.BssVA, true
	}
	return 0, false
}

// WriteELF resolves the assembly's relocations and emits an ET_EXEC
// ELF64 image with a single R|W|X PT_LOAD segment covering the whole
// file. .text is required non-empty; .bss contributes to p_memsz only.
func WriteELF(asm *Assembly) (*Image, error) {
	if len(asm.Text) == 0 {
		return nil, &ToolchainError{Category: CategoryInternal, Message: "empty .text section"}
	}
	entryOff, err := asm.EntryOffset()
	if err != nil {
		return nil, err
	}

	img := &Image{
		TextVA: textVA,
		DataVA: textVA + uint64(len(asm.Text)),
	}
	img.BssVA = img.DataVA + uint64(len(asm.Data))
	img.Entry = img.TextVA + uint64(entryOff)

	// Patch relocations now that section addresses are fixed. The
	// section buffers are patched in place on private copies.
	text := append([]byte(nil), asm.Text...)
	data := append([]byte(nil), asm.Data...)
	for _, r := range asm.Relocs {
		if err := resolveRelocation(img, asm, r, text, data); err != nil {
			return nil, err
		}
	}

	fileSize := headerSize + len(text) + len(data)
	memSize := fileSize + asm.BssSize

	buf := make([]byte, 0, fileSize)
	buf = append(buf,
		0x7F, 'E', 'L', 'F', // magic
		2,                      // EI_CLASS: 64-bit
		1,                      // EI_DATA: little endian
		1,                      // EI_VERSION
		0,                      // EI_OSABI: System V
		0, 0, 0, 0, 0, 0, 0, 0, // padding
	)
	buf = appendU16(buf, 2)    // e_type: ET_EXEC
	buf = appendU16(buf, 0x3E) // e_machine: EM_X86_64
	buf = appendU32(buf, 1)    // e_version
	buf = appendU64(buf, img.Entry)
	buf = appendU64(buf, progHeaderOffset) // e_phoff
	buf = appendU64(buf, 0)                // e_shoff: no section headers
	buf = appendU32(buf, 0)                // e_flags
	buf = appendU16(buf, elfHeaderSize)    // e_ehsize
	buf = appendU16(buf, progHeaderSize)   // e_phentsize
	buf = appendU16(buf, 1)                // e_phnum
	buf = appendU16(buf, 64)               // e_shentsize
	buf = appendU16(buf, 0)                // e_shnum
	buf = appendU16(buf, 0)                // e_shstrndx

	// The single PT_LOAD: the whole file mapped R|W|X at the base
	// address, with .bss extending p_memsz past p_filesz.
	buf = appendU32(buf, 1)                // p_type: PT_LOAD
	buf = appendU32(buf, 7)                // p_flags: R|W|X
	buf = appendU64(buf, 0)                // p_offset
	buf = appendU64(buf, baseAddr)         // p_vaddr
	buf = appendU64(buf, baseAddr)         // p_paddr
	buf = appendU64(buf, uint64(fileSize)) // p_filesz
	buf = appendU64(buf, uint64(memSize))  // p_memsz
	buf = appendU64(buf, pageSize)         // p_align

	buf = append(buf, text...)
	buf = append(buf, data...)
	img.Bytes = buf

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "elf: %d bytes, entry 0x%x, text 0x%x data 0x%x bss 0x%x\n",
			len(buf), img.Entry, img.TextVA, img.DataVA, img.BssVA)
	}
	return img, nil
}

// resolveRelocation patches one record into the copied section buffers.
// Records whose target symbol landed outside the three known sections
// are skipped; the assembler already reported genuinely undefined
// symbols.
func resolveRelocation(img *Image, asm *Assembly, r Relocation, text, data []byte) error {
	sym, ok := asm.Symbols[r.Symbol]
	if !ok {
		return nil
	}
	targetVA, ok := img.sectionVA(sym.Section)
	if !ok {
		return nil
	}
	srcVA, ok := img.sectionVA(r.Section)
	if !ok {
		return nil
	}

	var buf []byte
	switch r.Section {
	case ".text":
		buf = text
	case ".data":
		buf = data
	default:
		// no bytes to patch in .bss
		return nil
	}

	var value int64
	if r.PCRel {
		value = int64(targetVA) + int64(sym.Offset) - (int64(srcVA) + int64(r.Offset) + 4) + r.Addend
	} else {
		value = int64(targetVA) + int64(sym.Offset) + r.Addend
	}

	switch r.Size {
	case 4:
		if value < math.MinInt32 || value > math.MaxInt32 {
			return relocationOverflowErr(r.Offset, value)
		}
		binary.LittleEndian.PutUint32(buf[r.Offset:], uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(buf[r.Offset:], uint64(value))
	default:
		return &ToolchainError{Category: CategoryInternal, Message: fmt.Sprintf("bad relocation size %d", r.Size)}
	}
	return nil
}

func appendU16(b []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(b, v) }
func appendU32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }
func appendU64(b []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(b, v) }
